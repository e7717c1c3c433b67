package exchange

import (
	"context"

	"coinarb/internal/models"
	"coinarb/pkg/ratelimit"
)

// Throttled ограничивает частоту запросов к бирже по категориям
// (order, query, account). Потоковые вызовы не ограничиваются.
type Throttled struct {
	Connector
	limiter *ratelimit.VenueLimiter
}

// NewThrottled оборачивает коннектор
func NewThrottled(inner Connector, limiter *ratelimit.VenueLimiter) *Throttled {
	return &Throttled{Connector: inner, limiter: limiter}
}

// Unwrap возвращает исходный коннектор
func (t *Throttled) Unwrap() Connector {
	return t.Connector
}

func (t *Throttled) CreateMarketOrder(ctx context.Context, cred Credential, instrument string, side models.Side, qty float64) (*models.Order, error) {
	if err := t.limiter.Wait(ctx, ratelimit.CategoryOrder); err != nil {
		return nil, err
	}
	return t.Connector.CreateMarketOrder(ctx, cred, instrument, side, qty)
}

func (t *Throttled) CreateLimitOrder(ctx context.Context, cred Credential, instrument string, side models.Side, price, qty float64) (*models.Order, error) {
	if err := t.limiter.Wait(ctx, ratelimit.CategoryOrder); err != nil {
		return nil, err
	}
	return t.Connector.CreateLimitOrder(ctx, cred, instrument, side, price, qty)
}

func (t *Throttled) GetOrder(ctx context.Context, cred Credential, order *models.Order) (*models.Order, error) {
	if err := t.limiter.Wait(ctx, ratelimit.CategoryQuery); err != nil {
		return nil, err
	}
	return t.Connector.GetOrder(ctx, cred, order)
}

func (t *Throttled) CancelOrder(ctx context.Context, cred Credential, order *models.Order) error {
	if err := t.limiter.Wait(ctx, ratelimit.CategoryOrder); err != nil {
		return err
	}
	return t.Connector.CancelOrder(ctx, cred, order)
}

func (t *Throttled) GetBalances(ctx context.Context, cred Credential) (map[string]BalanceInfo, error) {
	if err := t.limiter.Wait(ctx, ratelimit.CategoryAccount); err != nil {
		return nil, err
	}
	return t.Connector.GetBalances(ctx, cred)
}
