package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"coinarb/internal/bot"
	"coinarb/internal/models"
	"coinarb/pkg/utils"
)

const (
	defaultNotificationsLimit = 100
	maxNotificationsLimit     = 1000

	notificationWriteTimeout = 5 * time.Second
)

// ErrNotificationsDisabled - журнал оповещений не подключен (нет БД)
var ErrNotificationsDisabled = errors.New("notification journal disabled")

// NotificationService сохраняет оповещения оркестратора и отдаёт их операторам.
// Реализует bot.EventSink: события передаются дальше в next (websocket hub).
type NotificationService struct {
	repo   NotificationRepositoryInterface
	next   bot.EventSink
	logger *utils.Logger
}

// NewNotificationService создает сервис; repo == nil - оповещения только пересылаются
func NewNotificationService(repo NotificationRepositoryInterface, next bot.EventSink, logger *utils.Logger) *NotificationService {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &NotificationService{
		repo:   repo,
		next:   next,
		logger: logger.WithComponent("notifications"),
	}
}

// TradeExecuted - bot.EventSink; итоги сделок пишет журнал сделок
func (s *NotificationService) TradeExecuted(report *bot.TradeReport) {
	if s.next != nil {
		s.next.TradeExecuted(report)
	}
}

// Alert - bot.EventSink; ошибка записи логируется и не мешает пересылке
func (s *NotificationService) Alert(severity, instrument, message string) {
	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), notificationWriteTimeout)
		err := s.repo.Create(ctx, &models.Notification{
			Timestamp:  time.Now(),
			Severity:   severity,
			Instrument: instrument,
			Message:    message,
		})
		cancel()
		if err != nil {
			s.logger.Error("failed to store notification",
				zap.String("severity", severity),
				zap.String("instrument", instrument),
				zap.Error(err))
		}
	}
	if s.next != nil {
		s.next.Alert(severity, instrument, message)
	}
}

// Recent возвращает последние оповещения; limit ограничивается [1, 1000]
func (s *NotificationService) Recent(ctx context.Context, severity string, limit int) ([]*models.Notification, error) {
	if s.repo == nil {
		return nil, ErrNotificationsDisabled
	}
	switch {
	case limit <= 0:
		limit = defaultNotificationsLimit
	case limit > maxNotificationsLimit:
		limit = maxNotificationsLimit
	}
	return s.repo.GetRecent(ctx, severity, limit)
}

// Prune удаляет оповещения старше keep
func (s *NotificationService) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	if s.repo == nil {
		return 0, ErrNotificationsDisabled
	}
	return s.repo.DeleteOlderThan(ctx, time.Now().Add(-keep))
}

// RunRetention раз в every удаляет оповещения старше keep до отмены ctx
func (s *NotificationService) RunRetention(ctx context.Context, every, keep time.Duration) error {
	if s.repo == nil || every <= 0 || keep <= 0 {
		return nil
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Prune(ctx, keep)
			if err != nil {
				s.logger.Warn("notification retention failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("old notifications removed", zap.Int64("count", n))
			}
		}
	}
}

var _ bot.EventSink = (*NotificationService)(nil)
