package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"coinarb/pkg/ratelimit"
	"coinarb/pkg/utils"
)

// Options - параметры создания коннектора
type Options struct {
	Name string // имя биржи в конфигурации

	// Начальные балансы симулятора (kind = paper)
	PaperBalances map[string]float64

	// Адреса REST и потокового API; пусто - боевые адреса биржи
	BaseURL   string
	StreamURL string

	// Лимиты запросов, req/sec; 0 - без ограничения
	OrderRate   float64
	QueryRate   float64
	AccountRate float64

	Logger *utils.Logger
}

// Constructor создаёт коннектор биржи
type Constructor func(opts Options) (Connector, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{
		"paper": func(opts Options) (Connector, error) {
			return NewPaperConnector(opts.Name, opts.PaperBalances), nil
		},
	}
)

// Register добавляет тип коннектора (клиенты бирж регистрируются при импорте)
func Register(kind string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(kind)] = ctor
}

// SupportedKinds - зарегистрированные типы коннекторов
func SupportedKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// IsSupported проверяет, зарегистрирован ли тип
func IsSupported(kind string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[strings.ToLower(kind)]
	return ok
}

// NewConnector создаёт коннектор по типу и оборачивает его лимитами запросов
func NewConnector(kind string, opts Options) (Connector, error) {
	registryMu.RLock()
	ctor, ok := registry[strings.ToLower(kind)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported exchange kind: %s", kind)
	}

	conn, err := ctor(opts)
	if err != nil {
		return nil, fmt.Errorf("create %s connector: %w", kind, err)
	}

	if opts.OrderRate <= 0 && opts.QueryRate <= 0 && opts.AccountRate <= 0 {
		return conn, nil
	}

	limiter := ratelimit.NewVenueLimiter()
	if opts.OrderRate > 0 {
		limiter.Set(ratelimit.CategoryOrder, opts.OrderRate, 0)
	}
	if opts.QueryRate > 0 {
		limiter.Set(ratelimit.CategoryQuery, opts.QueryRate, 0)
	}
	if opts.AccountRate > 0 {
		limiter.Set(ratelimit.CategoryAccount, opts.AccountRate, 0)
	}
	return NewThrottled(conn, limiter), nil
}
