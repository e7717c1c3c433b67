package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"coinarb/internal/models"
	"coinarb/pkg/retry"
	"coinarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FxVenue - имя источника курсов в событиях
const FxVenue = "fx"

// Callback получает события: venue, ключ (topic, имя) и payload
type Callback func(venue string, key models.Key, payload interface{})

// FxConfig - параметры опроса курсов
type FxConfig struct {
	URL         string        // endpoint вида https://host/v1/prices
	Token       string        // bearer-токен
	Instruments []string      // USD_JPY, ...
	Interval    time.Duration // период опроса (default: 10s)
}

// fxPrices - ответ источника
//
//	{"prices": [{"instrument": "USD_JPY", "time": "2013-09-16T18:59:03.687308Z", "bid": 1.33319, "ask": 1.33326}]}
type fxPrices struct {
	Prices []fxPrice `json:"prices"`
}

type fxPrice struct {
	Instrument string  `json:"instrument"`
	Time       string  `json:"time"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
}

// FxProvider опрашивает HTTP-источник курсов и рассылает тики
type FxProvider struct {
	cfg    FxConfig
	client *HTTPClient
	logger *utils.Logger

	mu        sync.RWMutex
	callbacks []Callback
}

// NewFxProvider создаёт поставщика курсов
func NewFxProvider(cfg FxConfig, client *HTTPClient, logger *utils.Logger) *FxProvider {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if client == nil {
		client = NewHTTPClient(DefaultHTTPClientConfig())
	}
	if logger == nil {
		logger = utils.L()
	}
	instruments := make([]string, len(cfg.Instruments))
	copy(instruments, cfg.Instruments)
	cfg.Instruments = instruments

	return &FxProvider{
		cfg:    cfg,
		client: client,
		logger: logger.WithComponent("fx"),
	}
}

// RegisterCallback добавляет получателя тиков
func (p *FxProvider) RegisterCallback(fn Callback) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

// Run опрашивает источник до отмены контекста; ошибки опроса логируются
func (p *FxProvider) Run(ctx context.Context) error {
	if len(p.cfg.Instruments) == 0 {
		p.logger.Info("no fx instruments configured, provider idle")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("fx poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll запрашивает курсы один раз и рассылает их
func (p *FxProvider) Poll(ctx context.Context) error {
	cfg := retry.FxPollConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.logger.Warn("fx request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	prices, err := retry.DoWithResult(ctx, func() (*fxPrices, error) {
		return p.fetch(ctx)
	}, cfg)
	if err != nil {
		return err
	}

	for _, price := range prices.Prices {
		tick, err := toTick(price)
		if err != nil {
			p.logger.Warn("fx price skipped", zap.String("instrument", price.Instrument), zap.Error(err))
			continue
		}
		p.dispatch(models.Key{Topic: models.TopicTick, Name: tick.Instrument}, tick)
	}
	return nil
}

func (p *FxProvider) fetch(ctx context.Context) (*fxPrices, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid fx url: %w", err))
	}
	q := u.Query()
	q.Set("instruments", strings.Join(p.cfg.Instruments, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("fx source status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Permanent(fmt.Errorf("fx source status %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var prices fxPrices
	if err := json.Unmarshal(body, &prices); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode fx prices: %w", err))
	}
	return &prices, nil
}

// toTick считает mid и время котировки
func toTick(price fxPrice) (*models.FxTick, error) {
	if price.Instrument == "" {
		return nil, fmt.Errorf("empty instrument")
	}
	if price.Bid <= 0 || price.Ask <= 0 {
		return nil, fmt.Errorf("invalid quote bid=%v ask=%v", price.Bid, price.Ask)
	}
	ts, err := time.Parse(time.RFC3339Nano, price.Time)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", price.Time, err)
	}
	return &models.FxTick{
		Instrument: price.Instrument,
		Bid:        price.Bid,
		Ask:        price.Ask,
		Mid:        (price.Bid + price.Ask) / 2,
		Time:       ts,
	}, nil
}

func (p *FxProvider) dispatch(key models.Key, payload interface{}) {
	p.mu.RLock()
	callbacks := make([]Callback, len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.mu.RUnlock()

	for _, cb := range callbacks {
		safeCallback(p.logger, cb, FxVenue, key, payload)
	}
}

// safeCallback изолирует получателя: паника логируется и не мешает остальным
func safeCallback(logger *utils.Logger, cb Callback, venue string, key models.Key, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("data callback panicked",
				zap.String("venue", venue),
				zap.Stringer("key", key),
				zap.Any("panic", r))
		}
	}()
	cb(venue, key, payload)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
