package handlers

import (
	"context"
	"time"

	"coinarb/internal/models"
	"coinarb/internal/service"
)

// VenueServiceInterface - чтение состояния бирж
type VenueServiceInterface interface {
	ListVenues() []service.VenueInfo
	Balances(venue string) ([]service.CurrencyBalance, error)
}

// TradeServiceInterface - чтение журнала сделок
type TradeServiceInterface interface {
	Recent(ctx context.Context, instrument string, limit int) ([]*models.TradeLeg, error)
	Trade(ctx context.Context, tradeID string) ([]*models.TradeLeg, error)
	Unmatched(ctx context.Context, window time.Duration) ([]*models.TradeLeg, error)
}

// NotificationServiceInterface - чтение журнала оповещений
type NotificationServiceInterface interface {
	Recent(ctx context.Context, severity string, limit int) ([]*models.Notification, error)
}
