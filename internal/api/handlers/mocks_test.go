package handlers

import (
	"context"
	"time"

	"coinarb/internal/models"
	"coinarb/internal/repository"
	"coinarb/internal/service"
)

// ============ Mock Venue Service ============

type MockVenueService struct {
	venues   []service.VenueInfo
	balances map[string][]service.CurrencyBalance
}

func (m *MockVenueService) ListVenues() []service.VenueInfo {
	return m.venues
}

func (m *MockVenueService) Balances(venue string) ([]service.CurrencyBalance, error) {
	b, ok := m.balances[venue]
	if !ok {
		return nil, service.ErrVenueNotFound
	}
	return b, nil
}

// ============ Mock Trade Service ============

type MockTradeService struct {
	legs       []*models.TradeLeg
	err        error
	lastLimit  int
	lastInstr  string
	lastWindow time.Duration
}

func (m *MockTradeService) Recent(ctx context.Context, instrument string, limit int) ([]*models.TradeLeg, error) {
	m.lastInstr = instrument
	m.lastLimit = limit
	return m.legs, m.err
}

func (m *MockTradeService) Trade(ctx context.Context, tradeID string) ([]*models.TradeLeg, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.TradeLeg
	for _, leg := range m.legs {
		if leg.TradeID == tradeID {
			out = append(out, leg)
		}
	}
	if len(out) == 0 {
		return nil, repository.ErrTradeNotFound
	}
	return out, nil
}

func (m *MockTradeService) Unmatched(ctx context.Context, window time.Duration) ([]*models.TradeLeg, error) {
	m.lastWindow = window
	return m.legs, m.err
}

// ============ Mock Notification Service ============

type MockNotificationService struct {
	list         []*models.Notification
	err          error
	lastSeverity string
	lastLimit    int
}

func (m *MockNotificationService) Recent(ctx context.Context, severity string, limit int) ([]*models.Notification, error) {
	m.lastSeverity = severity
	m.lastLimit = limit
	return m.list, m.err
}
