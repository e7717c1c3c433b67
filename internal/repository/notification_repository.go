package repository

import (
	"context"
	"database/sql"
	"time"

	"coinarb/internal/models"
)

const notificationsSchema = `
	CREATE TABLE IF NOT EXISTS notifications (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		severity VARCHAR(16) NOT NULL,
		instrument VARCHAR(32) NOT NULL DEFAULT '',
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications (timestamp DESC)`

// NotificationRepository - журнал оповещений (таблица notifications)
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// EnsureSchema создает таблицу, если её нет
func (r *NotificationRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, notificationsSchema)
	return err
}

// Create сохраняет оповещение и заполняет ID
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (timestamp, severity, instrument, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	return r.db.QueryRowContext(ctx, query,
		n.Timestamp,
		n.Severity,
		n.Instrument,
		n.Message,
	).Scan(&n.ID)
}

// GetRecent возвращает последние N оповещений, опционально по уровню
func (r *NotificationRepository) GetRecent(ctx context.Context, severity string, limit int) ([]*models.Notification, error) {
	if severity == "" {
		return r.query(ctx, `
		SELECT id, timestamp, severity, instrument, message
		FROM notifications
		ORDER BY timestamp DESC
		LIMIT $1`, limit)
	}
	return r.query(ctx, `
		SELECT id, timestamp, severity, instrument, message
		FROM notifications
		WHERE severity = $1
		ORDER BY timestamp DESC
		LIMIT $2`, severity, limit)
}

// DeleteOlderThan удаляет оповещения старше before, возвращает число удалённых
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *NotificationRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		if err := rows.Scan(&n.ID, &n.Timestamp, &n.Severity, &n.Instrument, &n.Message); err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
