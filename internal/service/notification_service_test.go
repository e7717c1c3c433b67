package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"coinarb/internal/bot"
)

func TestNotificationService_AlertStoresAndForwards(t *testing.T) {
	repo := &MockNotificationRepository{}
	next := &recordingSink{}
	svc := NewNotificationService(repo, next, nil)

	svc.Alert(bot.SeverityCritical, "XRP_JPY", "far leg not filled")

	if len(repo.created) != 1 {
		t.Fatalf("expected 1 stored notification, got %d", len(repo.created))
	}
	n := repo.created[0]
	if n.Severity != bot.SeverityCritical || n.Instrument != "XRP_JPY" || n.Message != "far leg not filled" {
		t.Errorf("unexpected notification: %+v", n)
	}
	if n.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if len(next.alerts) != 1 || next.alerts[0] != "critical:XRP_JPY:far leg not filled" {
		t.Errorf("alert not forwarded: %v", next.alerts)
	}
}

func TestNotificationService_AlertForwardsOnStoreError(t *testing.T) {
	next := &recordingSink{}
	svc := NewNotificationService(&MockNotificationRepository{createErr: errors.New("db down")}, next, nil)

	svc.Alert(bot.SeverityWarning, "", "stale rate")

	if len(next.alerts) != 1 {
		t.Errorf("expected alert forwarded despite store error, got %v", next.alerts)
	}
}

func TestNotificationService_TradeExecutedForwards(t *testing.T) {
	repo := &MockNotificationRepository{}
	next := &recordingSink{}
	svc := NewNotificationService(repo, next, nil)

	report := &bot.TradeReport{TradeID: "t-1"}
	svc.TradeExecuted(report)

	if len(next.trades) != 1 || next.trades[0] != report {
		t.Errorf("trade report not forwarded: %v", next.trades)
	}
	if len(repo.created) != 0 {
		t.Errorf("trade reports should not be stored as notifications")
	}
}

func TestNotificationService_NilNext(t *testing.T) {
	svc := NewNotificationService(&MockNotificationRepository{}, nil, nil)

	svc.Alert(bot.SeverityWarning, "XRP_JPY", "ok")
	svc.TradeExecuted(&bot.TradeReport{})
}

func TestNotificationService_RecentLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"default", 0, defaultNotificationsLimit},
		{"within range", 20, 20},
		{"clamped", 5000, maxNotificationsLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &MockNotificationRepository{}
			svc := NewNotificationService(repo, nil, nil)

			if _, err := svc.Recent(context.Background(), "", tt.limit); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if repo.lastLimit != tt.want {
				t.Errorf("expected limit %d, got %d", tt.want, repo.lastLimit)
			}
		})
	}
}

func TestNotificationService_RecentBySeverity(t *testing.T) {
	svc := NewNotificationService(&MockNotificationRepository{}, nil, nil)
	svc.Alert(bot.SeverityWarning, "XRP_JPY", "a")
	svc.Alert(bot.SeverityCritical, "XRP_JPY", "b")

	list, err := svc.Recent(context.Background(), bot.SeverityCritical, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].Message != "b" {
		t.Errorf("unexpected notifications: %+v", list)
	}
}

func TestNotificationService_Prune(t *testing.T) {
	repo := &MockNotificationRepository{deleteCount: 4}
	svc := NewNotificationService(repo, nil, nil)

	before := time.Now()
	n, err := svc.Prune(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 deleted, got %d", n)
	}
	cutoff := repo.before()
	if cutoff.After(before.Add(-time.Hour)) || cutoff.Before(before.Add(-time.Hour-time.Second)) {
		t.Errorf("unexpected cutoff %v", cutoff)
	}
}

func TestNotificationService_RunRetention(t *testing.T) {
	repo := &MockNotificationRepository{}
	svc := NewNotificationService(repo, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunRetention(ctx, 10*time.Millisecond, time.Hour) }()

	deadline := time.Now().Add(time.Second)
	for repo.before().IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if repo.before().IsZero() {
		t.Error("retention did not run")
	}
}

func TestNotificationService_Disabled(t *testing.T) {
	next := &recordingSink{}
	svc := NewNotificationService(nil, next, nil)
	ctx := context.Background()

	svc.Alert(bot.SeverityWarning, "", "forwarded")
	if len(next.alerts) != 1 {
		t.Errorf("alert should be forwarded without journal")
	}
	if _, err := svc.Recent(ctx, "", 10); !errors.Is(err, ErrNotificationsDisabled) {
		t.Errorf("Recent: expected ErrNotificationsDisabled, got %v", err)
	}
	if _, err := svc.Prune(ctx, time.Hour); !errors.Is(err, ErrNotificationsDisabled) {
		t.Errorf("Prune: expected ErrNotificationsDisabled, got %v", err)
	}
	if err := svc.RunRetention(ctx, time.Millisecond, time.Hour); err != nil {
		t.Errorf("RunRetention without journal should return nil, got %v", err)
	}
}
