package exchange

import (
	"context"
	"errors"

	"coinarb/internal/models"
)

// Connector - унифицированный интерфейс биржи для ExecutionAgent
//
// Торговые вызовы принимают Credential: агент берёт ключ из пула
// на время одного запроса. Ордер описывается снимком models.Order,
// биржа возвращает обновлённый снимок.
type Connector interface {
	// Name возвращает имя биржи
	Name() string

	// Open устанавливает потоковое соединение
	Open(ctx context.Context) error

	// Close закрывает соединения с биржей
	Close() error

	// Subscribe подписывается на потоки (order_book, execution) с ключами subs
	Subscribe(subs []models.Key, onData DataHandler) error

	// CreateMarketOrder размещает рыночный ордер
	CreateMarketOrder(ctx context.Context, cred Credential, instrument string, side models.Side, qty float64) (*models.Order, error)

	// CreateLimitOrder размещает лимитный ордер
	CreateLimitOrder(ctx context.Context, cred Credential, instrument string, side models.Side, price, qty float64) (*models.Order, error)

	// GetOrder возвращает актуальное состояние ордера
	GetOrder(ctx context.Context, cred Credential, order *models.Order) (*models.Order, error)

	// CancelOrder отменяет ордер; ErrCannotCancel, если ордер уже завершён
	CancelOrder(ctx context.Context, cred Credential, order *models.Order) error

	// GetBalances возвращает балансы по валютам
	GetBalances(ctx context.Context, cred Credential) (map[string]BalanceInfo, error)
}

// DataHandler получает события потока биржи.
// Для TopicOrderBook payload - *models.OrderBook с исходными ценами.
type DataHandler func(key models.Key, payload interface{})

// Credential - API-ключ биржи
type Credential struct {
	APIKey    string `yaml:"api_key" json:"api_key"`
	APISecret string `yaml:"api_secret" json:"-"`
}

// BalanceInfo - баланс валюты по данным биржи
type BalanceInfo struct {
	Total float64 `json:"total"`
	Used  float64 `json:"used"`
}

// ErrCannotCancel - ордер уже исполнен или отменён к моменту отмены
var ErrCannotCancel = errors.New("order cannot be cancelled")

// ExchangeError - временная ошибка биржи (сеть, лимиты, 5xx)
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": [" + e.Code + "] " + e.Message
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable - ошибки биржи считаются временными
func (e *ExchangeError) Retryable() bool {
	return true
}

// NewExchangeError создаёт ошибку биржи
func NewExchangeError(exchange, code, message string, original error) *ExchangeError {
	return &ExchangeError{Exchange: exchange, Code: code, Message: message, Original: original}
}

// IsTransient - ошибка, которую агент повторяет при опросе
func IsTransient(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee)
}
