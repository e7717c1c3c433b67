package service

import (
	"context"
	"time"

	"coinarb/internal/models"
)

// TradeRepositoryInterface определяет интерфейс журнала сделок
type TradeRepositoryInterface interface {
	GetRecent(ctx context.Context, instrument string, limit int) ([]*models.TradeLeg, error)
	GetByTradeID(ctx context.Context, tradeID string) ([]*models.TradeLeg, error)
	GetUnmatched(ctx context.Context, since time.Time) ([]*models.TradeLeg, error)
}

// NotificationRepositoryInterface определяет интерфейс журнала оповещений
type NotificationRepositoryInterface interface {
	Create(ctx context.Context, n *models.Notification) error
	GetRecent(ctx context.Context, severity string, limit int) ([]*models.Notification, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
