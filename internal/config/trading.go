package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coinarb/internal/bot"
	"coinarb/internal/exchange"
	"coinarb/internal/marketdata"
)

// Trading - торговая конфигурация: биржи, маршруты арбитража, курсы валют.
// Загружается один раз до создания ядра и дальше не меняется.
//
//	home_currency: JPY
//	venues:
//	  bitbankcc:
//	    kind: paper
//	    credentials: [{api_key: k1, api_secret: "enc:..."}]
//	    precisions: {XRP_JPY: {price: 3, qty: 4}}
//	    funds: {JPY: {locked: 1000}, XRP: {locked: 0}}
//	    mirror: {kind: bybit}
//	routes:
//	  - {instrument: XRP_JPY, near: bitbankcc, far: bybit, diff_signal: 0.5, diff_execute: 1, qty_min: 10, qty_max: 100}
//	fx:
//	  url: https://fx.example.com/v1/prices
//	  instruments: [USD_JPY]
type Trading struct {
	HomeCurrency string                 `yaml:"home_currency"`
	Venues       map[string]VenueConfig `yaml:"venues"`
	Routes       []RouteConfig          `yaml:"routes"`
	Fx           FxConfig               `yaml:"fx"`
}

// VenueConfig - параметры биржи
type VenueConfig struct {
	Kind        string                   `yaml:"kind"` // paper, bybit
	Credentials []exchange.Credential    `yaml:"credentials"`
	Precisions  map[string]bot.Precision `yaml:"precisions"`
	Funds       map[string]FundConfig    `yaml:"funds"`
	RateLimits  RateLimitConfig          `yaml:"rate_limits"`
	Paper       map[string]float64       `yaml:"paper_balances"`
	BaseURL     string                   `yaml:"base_url"`
	StreamURL   string                   `yaml:"stream_url"`
	Agent       AgentConfig              `yaml:"agent"`
	Mirror      *MirrorConfig            `yaml:"mirror"` // только для kind: paper
}

// MirrorConfig - источник стаканов для симулятора: публичный поток
// другой биржи без ключей и без агента
type MirrorConfig struct {
	Kind      string `yaml:"kind"`
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"`
}

// FundConfig - настройки валюты на бирже
type FundConfig struct {
	Locked float64 `yaml:"locked"` // неприкосновенный остаток
}

// RateLimitConfig - лимиты запросов, req/sec; 0 - без ограничения
type RateLimitConfig struct {
	Order   float64 `yaml:"order"`
	Query   float64 `yaml:"query"`
	Account float64 `yaml:"account"`
}

// AgentConfig - интервалы агента; нулевые значения - по умолчанию
type AgentConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BalanceInterval time.Duration `yaml:"balance_interval"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	OrderTimeout    time.Duration `yaml:"order_timeout"`
	QueueSize       int           `yaml:"queue_size"`
}

// RouteConfig - арбитраж инструмента между двумя биржами
type RouteConfig struct {
	Instrument  string  `yaml:"instrument"`
	Near        string  `yaml:"near"`
	Far         string  `yaml:"far"`
	DiffSignal  float64 `yaml:"diff_signal"`
	DiffExecute float64 `yaml:"diff_execute"`
	QtyMin      float64 `yaml:"qty_min"`
	QtyMax      float64 `yaml:"qty_max"`
	NearMargin  float64 `yaml:"near_margin"`
	FarMargin   float64 `yaml:"far_margin"`
}

// FxConfig - источник курсов валют
type FxConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	Instruments []string      `yaml:"instruments"`
	Interval    time.Duration `yaml:"interval"`
}

// LoadTrading читает и проверяет YAML файл
func LoadTrading(path string) (*Trading, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trading config: %w", err)
	}
	return ParseTrading(data)
}

// ParseTrading разбирает и проверяет YAML
func ParseTrading(data []byte) (*Trading, error) {
	var t Trading
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse trading config: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate проверяет ссылки маршрутов на биржи и точности инструментов.
// Ошибки конфигурации обнаруживаются при старте, а не во время торговли.
func (t *Trading) Validate() error {
	if t.HomeCurrency == "" {
		return fmt.Errorf("home_currency is required")
	}
	if len(t.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}

	for name, v := range t.Venues {
		if !exchange.IsSupported(v.Kind) {
			return fmt.Errorf("venue %s: unsupported kind %q (supported: %v)", name, v.Kind, exchange.SupportedKinds())
		}
		for currency, f := range v.Funds {
			if f.Locked < 0 {
				return fmt.Errorf("venue %s: funds.%s.locked cannot be negative", name, currency)
			}
		}
		for instrument, p := range v.Precisions {
			if p.Price < 0 || p.Qty < 0 {
				return fmt.Errorf("venue %s: precision of %s cannot be negative", name, instrument)
			}
		}
		if m := v.Mirror; m != nil {
			if !strings.EqualFold(v.Kind, "paper") {
				return fmt.Errorf("venue %s: mirror is only supported for paper venues", name)
			}
			if strings.EqualFold(m.Kind, "paper") || !exchange.IsSupported(m.Kind) {
				return fmt.Errorf("venue %s: unsupported mirror kind %q", name, m.Kind)
			}
		}
	}

	seen := make(map[string]bool, len(t.Routes))
	for i, r := range t.Routes {
		base, quote, err := exchange.SplitInstrument(r.Instrument)
		if err != nil {
			return fmt.Errorf("route #%d: %w", i, err)
		}
		if seen[r.Instrument] {
			return fmt.Errorf("route #%d: duplicate instrument %s", i, r.Instrument)
		}
		seen[r.Instrument] = true

		if r.Near == r.Far {
			return fmt.Errorf("route %s: near and far must differ", r.Instrument)
		}
		for _, venue := range []string{r.Near, r.Far} {
			v, ok := t.Venues[venue]
			if !ok {
				return fmt.Errorf("route %s: unknown venue %q", r.Instrument, venue)
			}
			if _, ok := v.Precisions[r.Instrument]; !ok {
				return fmt.Errorf("route %s: venue %s has no precision for instrument", r.Instrument, venue)
			}
			// резервировать можно только валюты из funds
			for _, currency := range []string{base, quote} {
				if _, ok := v.Funds[currency]; !ok {
					return fmt.Errorf("route %s: venue %s has no funds entry for %s", r.Instrument, venue, currency)
				}
			}
		}

		if r.DiffSignal < 0 || r.DiffExecute < r.DiffSignal {
			return fmt.Errorf("route %s: require 0 <= diff_signal <= diff_execute", r.Instrument)
		}
		if r.QtyMin <= 0 || r.QtyMax < r.QtyMin {
			return fmt.Errorf("route %s: require 0 < qty_min <= qty_max", r.Instrument)
		}
		// 0 - множитель по умолчанию
		for _, m := range []float64{r.NearMargin, r.FarMargin} {
			if m != 0 && m < 1 {
				return fmt.Errorf("route %s: margins are reserve multipliers and must be >= 1, got %v", r.Instrument, m)
			}
		}
	}

	if len(t.Fx.Instruments) > 0 && t.Fx.URL == "" {
		return fmt.Errorf("fx.url is required when fx.instruments are set")
	}
	return nil
}

// VenueNames - имена бирж по алфавиту
func (t *Trading) VenueNames() []string {
	names := make([]string, 0, len(t.Venues))
	for name := range t.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BotRoutes преобразует маршруты для оркестратора
func (t *Trading) BotRoutes() []bot.Route {
	routes := make([]bot.Route, 0, len(t.Routes))
	for _, r := range t.Routes {
		base, quote, _ := exchange.SplitInstrument(r.Instrument)
		routes = append(routes, bot.Route{
			Instrument:  r.Instrument,
			Base:        base,
			Quote:       quote,
			Near:        r.Near,
			Far:         r.Far,
			DiffSignal:  r.DiffSignal,
			DiffExecute: r.DiffExecute,
			QtyMin:      r.QtyMin,
			QtyMax:      r.QtyMax,
			NearMargin:  r.NearMargin,
			FarMargin:   r.FarMargin,
		})
	}
	return routes
}

// Instruments - инструменты маршрутов, в которых участвует биржа
func (t *Trading) Instruments(venue string) []string {
	var out []string
	for _, r := range t.Routes {
		if r.Near == venue || r.Far == venue {
			out = append(out, r.Instrument)
		}
	}
	return out
}

// FxProviderConfig - параметры опроса курсов
func (t *Trading) FxProviderConfig() marketdata.FxConfig {
	return marketdata.FxConfig{
		URL:         t.Fx.URL,
		Token:       t.Fx.Token,
		Instruments: t.Fx.Instruments,
		Interval:    t.Fx.Interval,
	}
}

// LockedFunds - неприкосновенные остатки по валютам
func (v VenueConfig) LockedFunds() map[string]float64 {
	out := make(map[string]float64, len(v.Funds))
	for currency, f := range v.Funds {
		out[currency] = f.Locked
	}
	return out
}

// BotAgentConfig - конфигурация агента; debug включает синтетическое исполнение
func (v VenueConfig) BotAgentConfig(debug bool) bot.AgentConfig {
	cfg := bot.DefaultAgentConfig()
	if v.Agent.Interval > 0 {
		cfg.Interval = v.Agent.Interval
	}
	if v.Agent.BalanceInterval > 0 {
		cfg.BalanceInterval = v.Agent.BalanceInterval
	}
	if v.Agent.PollInterval > 0 {
		cfg.PollInterval = v.Agent.PollInterval
	}
	if v.Agent.ErrorBackoff > 0 {
		cfg.ErrorBackoff = v.Agent.ErrorBackoff
	}
	if v.Agent.OrderTimeout > 0 {
		cfg.OrderTimeout = v.Agent.OrderTimeout
	}
	if v.Agent.QueueSize > 0 {
		cfg.QueueSize = v.Agent.QueueSize
	}
	cfg.Debug = debug
	cfg.Precisions = v.Precisions
	return cfg
}

// ConnectorOptions - параметры создания коннектора биржи
func (v VenueConfig) ConnectorOptions(name string) exchange.Options {
	return exchange.Options{
		Name:          name,
		PaperBalances: v.Paper,
		BaseURL:       v.BaseURL,
		StreamURL:     v.StreamURL,
		OrderRate:     v.RateLimits.Order,
		QueryRate:     v.RateLimits.Query,
		AccountRate:   v.RateLimits.Account,
	}
}

// MirrorOptions - параметры коннектора-источника стаканов; nil, если зеркала нет
func (v VenueConfig) MirrorOptions(name string) *exchange.Options {
	if v.Mirror == nil {
		return nil
	}
	return &exchange.Options{
		Name:      name + "-mirror",
		BaseURL:   v.Mirror.BaseURL,
		StreamURL: v.Mirror.StreamURL,
	}
}
