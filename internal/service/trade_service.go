package service

import (
	"context"
	"errors"
	"time"

	"coinarb/internal/models"
)

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 500
)

// ErrJournalDisabled - журнал сделок не подключен (нет БД)
var ErrJournalDisabled = errors.New("trade journal disabled")

// TradeService - чтение журнала сделок
type TradeService struct {
	repo TradeRepositoryInterface
}

// NewTradeService создает сервис; repo == nil - журнал отключен
func NewTradeService(repo TradeRepositoryInterface) *TradeService {
	return &TradeService{repo: repo}
}

// Recent возвращает последние ноги; limit ограничивается [1, 500]
func (s *TradeService) Recent(ctx context.Context, instrument string, limit int) ([]*models.TradeLeg, error) {
	if s.repo == nil {
		return nil, ErrJournalDisabled
	}
	switch {
	case limit <= 0:
		limit = defaultTradesLimit
	case limit > maxTradesLimit:
		limit = maxTradesLimit
	}
	return s.repo.GetRecent(ctx, instrument, limit)
}

// Trade возвращает ноги одной сделки
func (s *TradeService) Trade(ctx context.Context, tradeID string) ([]*models.TradeLeg, error) {
	if s.repo == nil {
		return nil, ErrJournalDisabled
	}
	return s.repo.GetByTradeID(ctx, tradeID)
}

// Unmatched возвращает непарные ноги за окно window
func (s *TradeService) Unmatched(ctx context.Context, window time.Duration) ([]*models.TradeLeg, error) {
	if s.repo == nil {
		return nil, ErrJournalDisabled
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.repo.GetUnmatched(ctx, time.Now().Add(-window))
}
