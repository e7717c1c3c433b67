package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"coinarb/internal/bot"
	"coinarb/internal/exchange"
	"coinarb/internal/models"
	"coinarb/pkg/utils"
)

// provider.go - нормализация стаканов бирж
//
// Стакан пересчитывается в домашнюю валюту: котируемая валюта, равная
// домашней, идёт с курсом 1, иначе берётся mid пары QUOTE_HOME от FxProvider.
// Курс старше StaleAfter или неизвестная валюта - стакан отбрасывается.
// Пересечения уровней снимаются bot.MergeBook.

// DefaultStaleAfter - максимальный возраст курса валюты
const DefaultStaleAfter = 30 * time.Second

// ErrRateUnavailable - курс для котируемой валюты неизвестен или устарел
var ErrRateUnavailable = errors.New("fx rate unavailable")

// ProviderConfig - параметры нормализации
type ProviderConfig struct {
	HomeCurrency string        // валюта сравнения цен (JPY)
	StaleAfter   time.Duration // default: 30s
}

// Provider - поставщик нормализованных стаканов
type Provider struct {
	cfg    ProviderConfig
	logger *utils.Logger
	now    func() time.Time

	mu         sync.RWMutex
	callbacks  []Callback
	rates      map[string]models.FxTick
	connectors []exchange.Connector
}

// NewProvider создаёт поставщика
func NewProvider(cfg ProviderConfig, logger *utils.Logger) *Provider {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = utils.L()
	}
	return &Provider{
		cfg:    cfg,
		logger: logger.WithComponent("dataprovider"),
		now:    time.Now,
		rates:  make(map[string]models.FxTick),
	}
}

// RegisterCallback добавляет получателя: fn(venue, Key{Topic, Name}, payload)
func (p *Provider) RegisterCallback(fn Callback) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

// Attach подписывает провайдера на стаканы инструментов биржи.
// Коннектор должен быть открыт; Close провайдера закрывает его.
func (p *Provider) Attach(conn exchange.Connector, instruments []string) error {
	keys := make([]models.Key, 0, len(instruments))
	for _, instrument := range instruments {
		keys = append(keys, models.Key{Topic: models.TopicOrderBook, Name: instrument})
	}

	venue := conn.Name()
	if err := conn.Subscribe(keys, func(key models.Key, payload interface{}) {
		p.OnOrderBook(venue, key, payload)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", venue, err)
	}

	p.mu.Lock()
	p.connectors = append(p.connectors, conn)
	p.mu.Unlock()

	p.logger.Info("order books subscribed",
		zap.String("exchange", venue),
		zap.Strings("instruments", instruments))
	return nil
}

// Run держит провайдер до отмены контекста и закрывает коннекторы
func (p *Provider) Run(ctx context.Context) error {
	<-ctx.Done()
	return p.Close()
}

// Close закрывает подписанные коннекторы
func (p *Provider) Close() error {
	p.mu.Lock()
	conns := p.connectors
	p.connectors = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// OnFxData - callback FxProvider: запоминает последний курс и пересылает тик
func (p *Provider) OnFxData(venue string, key models.Key, payload interface{}) {
	tick, ok := payload.(*models.FxTick)
	if !ok || tick == nil {
		return
	}
	p.mu.Lock()
	p.rates[tick.Instrument] = *tick
	p.mu.Unlock()

	p.dispatch(venue, key, tick)
}

// Rate возвращает курс пересчёта котируемой валюты в домашнюю
func (p *Provider) Rate(quote string) (float64, error) {
	if quote == p.cfg.HomeCurrency {
		return 1, nil
	}
	pair := quote + "_" + p.cfg.HomeCurrency

	p.mu.RLock()
	tick, ok := p.rates[pair]
	p.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: no %s quote", ErrRateUnavailable, pair)
	}
	if age := p.now().Sub(tick.Time); age > p.cfg.StaleAfter {
		return 0, fmt.Errorf("%w: %s quote is %s old", ErrRateUnavailable, pair, age.Truncate(time.Second))
	}
	return tick.Mid, nil
}

// Normalize пересчитывает стакан в домашнюю валюту
func (p *Provider) Normalize(book *models.OrderBook) (*models.OrderBook, error) {
	_, quote, err := exchange.SplitInstrument(book.Instrument)
	if err != nil {
		return nil, err
	}
	rate, err := p.Rate(quote)
	if err != nil {
		return nil, err
	}

	asks, bids, err := bot.MergeBook(book.Asks, book.Bids, rate)
	if err != nil {
		return nil, err
	}

	out := *book
	out.Asks = asks
	out.Bids = bids
	out.Rate = rate
	return &out, nil
}

// OnOrderBook - обработчик потока биржи
func (p *Provider) OnOrderBook(venue string, key models.Key, payload interface{}) {
	book, ok := payload.(*models.OrderBook)
	if !ok || book == nil {
		return
	}
	if book.Instrument == "" {
		book = book.Clone()
		book.Instrument = key.Name
	}

	normalized, err := p.Normalize(book)
	if err != nil {
		BooksDropped.WithLabelValues(venue, dropReason(err)).Inc()
		p.logger.Debug("order book dropped",
			zap.String("exchange", venue),
			zap.String("instrument", book.Instrument),
			zap.Error(err))
		return
	}
	p.dispatch(venue, key, normalized)
}

func (p *Provider) dispatch(venue string, key models.Key, payload interface{}) {
	p.mu.RLock()
	callbacks := make([]Callback, len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.mu.RUnlock()

	for _, cb := range callbacks {
		safeCallback(p.logger, cb, venue, key, payload)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrRateUnavailable):
		return "rate"
	case errors.Is(err, bot.ErrUnsortedLadder):
		return "unsorted"
	default:
		return "invalid"
	}
}
