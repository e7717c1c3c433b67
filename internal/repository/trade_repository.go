package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"coinarb/internal/models"
)

// Ошибки репозитория сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
)

// tradeLegsSchema - схема журнала ног сделок
const tradeLegsSchema = `
	CREATE TABLE IF NOT EXISTS trade_legs (
		id SERIAL PRIMARY KEY,
		trade_id VARCHAR(64) NOT NULL,
		instrument VARCHAR(32) NOT NULL,
		venue VARCHAR(64) NOT NULL,
		role VARCHAR(8) NOT NULL,
		side VARCHAR(8) NOT NULL,
		order_id VARCHAR(128) NOT NULL DEFAULT '',
		order_type VARCHAR(16) NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		qty_executed DOUBLE PRECISION NOT NULL DEFAULT 0,
		price_average DOUBLE PRECISION NOT NULL DEFAULT 0,
		state VARCHAR(16) NOT NULL DEFAULT '',
		result VARCHAR(16) NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trade_legs_trade_id ON trade_legs (trade_id);
	CREATE INDEX IF NOT EXISTS idx_trade_legs_created_at ON trade_legs (created_at DESC)`

const tradeLegColumns = `id, trade_id, instrument, venue, role, side, order_id, order_type,
		price, qty, qty_executed, price_average, state, result, error_message, created_at`

// TradeRepository - журнал ног арбитражных сделок (таблица trade_legs)
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// EnsureSchema создает таблицу журнала, если её нет
func (r *TradeRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, tradeLegsSchema)
	return err
}

// RecordLeg записывает ногу сделки
func (r *TradeRepository) RecordLeg(ctx context.Context, leg *models.TradeLeg) error {
	query := `
		INSERT INTO trade_legs (trade_id, instrument, venue, role, side, order_id, order_type,
			price, qty, qty_executed, price_average, state, result, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	if leg.CreatedAt.IsZero() {
		leg.CreatedAt = time.Now()
	}

	return r.db.QueryRowContext(ctx, query,
		leg.TradeID,
		leg.Instrument,
		leg.Venue,
		leg.Role,
		string(leg.Side),
		leg.OrderID,
		string(leg.OrderType),
		leg.Price,
		leg.Qty,
		leg.QtyExecuted,
		leg.PriceAverage,
		leg.State,
		leg.Result,
		leg.ErrorMessage,
		leg.CreatedAt,
	).Scan(&leg.ID)
}

// GetRecent возвращает последние N ног, опционально по инструменту
func (r *TradeRepository) GetRecent(ctx context.Context, instrument string, limit int) ([]*models.TradeLeg, error) {
	if instrument == "" {
		return r.query(ctx, `
		SELECT `+tradeLegColumns+`
		FROM trade_legs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	}
	return r.query(ctx, `
		SELECT `+tradeLegColumns+`
		FROM trade_legs
		WHERE instrument = $1
		ORDER BY created_at DESC
		LIMIT $2`, instrument, limit)
}

// GetByTradeID возвращает ноги одной сделки
func (r *TradeRepository) GetByTradeID(ctx context.Context, tradeID string) ([]*models.TradeLeg, error) {
	legs, err := r.query(ctx, `
		SELECT `+tradeLegColumns+`
		FROM trade_legs
		WHERE trade_id = $1
		ORDER BY id`, tradeID)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, ErrTradeNotFound
	}
	return legs, nil
}

// GetUnmatched возвращает ноги, оставшиеся без пары
func (r *TradeRepository) GetUnmatched(ctx context.Context, since time.Time) ([]*models.TradeLeg, error) {
	return r.query(ctx, `
		SELECT `+tradeLegColumns+`
		FROM trade_legs
		WHERE result = $1 AND created_at >= $2
		ORDER BY created_at DESC`, models.TradeResultUnmatched, since)
}

func (r *TradeRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.TradeLeg, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var legs []*models.TradeLeg
	for rows.Next() {
		leg := &models.TradeLeg{}
		var side, orderType string
		err := rows.Scan(
			&leg.ID,
			&leg.TradeID,
			&leg.Instrument,
			&leg.Venue,
			&leg.Role,
			&side,
			&leg.OrderID,
			&orderType,
			&leg.Price,
			&leg.Qty,
			&leg.QtyExecuted,
			&leg.PriceAverage,
			&leg.State,
			&leg.Result,
			&leg.ErrorMessage,
			&leg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		leg.Side = models.Side(side)
		leg.OrderType = models.OrderType(orderType)
		legs = append(legs, leg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return legs, nil
}
