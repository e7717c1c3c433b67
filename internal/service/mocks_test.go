package service

import (
	"context"
	"sync"
	"time"

	"coinarb/internal/bot"
	"coinarb/internal/models"
	"coinarb/internal/repository"
)

// ============ Mock TradeRepository ============

type MockTradeRepository struct {
	legs      []*models.TradeLeg
	getErr    error
	lastLimit int
	lastSince time.Time
}

func (m *MockTradeRepository) GetRecent(ctx context.Context, instrument string, limit int) ([]*models.TradeLeg, error) {
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []*models.TradeLeg
	for _, leg := range m.legs {
		if instrument == "" || leg.Instrument == instrument {
			out = append(out, leg)
		}
	}
	return out, nil
}

func (m *MockTradeRepository) GetByTradeID(ctx context.Context, tradeID string) ([]*models.TradeLeg, error) {
	if m.getErr != nil {
		return nil, m.getErr
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

func (m *MockTradeRepository) GetUnmatched(ctx context.Context, since time.Time) ([]*models.TradeLeg, error) {
	m.lastSince = since
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []*models.TradeLeg
	for _, leg := range m.legs {
		if leg.Result == models.TradeResultUnmatched {
			out = append(out, leg)
		}
	}
	return out, nil
}

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	mu          sync.Mutex
	created     []*models.Notification
	createErr   error
	lastLimit   int
	lastBefore  time.Time
	deleteCount int64
}

func (m *MockNotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	n.ID = len(m.created) + 1
	m.created = append(m.created, n)
	return nil
}

func (m *MockNotificationRepository) GetRecent(ctx context.Context, severity string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	var out []*models.Notification
	for _, n := range m.created {
		if severity == "" || n.Severity == severity {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MockNotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBefore = before
	return m.deleteCount, nil
}

func (m *MockNotificationRepository) before() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBefore
}

// ============ Recording EventSink ============

type recordingSink struct {
	alerts []string
	trades []*bot.TradeReport
}

func (s *recordingSink) TradeExecuted(report *bot.TradeReport) {
	s.trades = append(s.trades, report)
}

func (s *recordingSink) Alert(severity, instrument, message string) {
	s.alerts = append(s.alerts, severity+":"+instrument+":"+message)
}
