package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coinarb/internal/exchange"
	"coinarb/internal/funds"
	"coinarb/internal/models"
)

// ============================================================
// Исполнение ордера: отправка -> опрос -> отмена
// ============================================================

// SubmitOrder размещает ордер под резерв fund и доводит его до
// терминального состояния.
//
// Резерв обязан принадлежать Ledger этого агента и быть в состоянии
// RESERVED; нарушение - ошибка программы (panic). При исполнении
// резерв списывается (Apply), при нулевом исполнении снимается (Release).
// При ошибке резерв остаётся за вызывающим кодом.
//
// Цена сдвигается на один шаг точности в сторону исполнения
// (покупка выше, продажа ниже), объём отсекается до точности биржи.
func (a *Agent) SubmitOrder(
	ctx context.Context,
	instrument string,
	typ models.OrderType,
	side models.Side,
	price, qty float64,
	fund *funds.Fund,
) (*models.Order, error) {
	if fund == nil || fund.Owner() != a.ledger || !a.ledger.Has(fund) {
		panic(fmt.Sprintf("agent %s: order %s %s requires a fund reserved on this venue, got %v",
			a.venue, side, instrument, fund))
	}
	if !side.Valid() {
		panic(fmt.Sprintf("agent %s: invalid order side %q", a.venue, side))
	}

	steps := int64(1)
	if side == models.SideSell {
		steps = -1
	}
	price = a.IncDecPrice(instrument, price, steps)
	qty = a.RoundQty(instrument, qty)
	if qty <= 0 {
		return nil, fmt.Errorf("%w: %s %s on %s", ErrQtyBelowPrecision, side, instrument, a.venue)
	}

	log := a.logger.With(
		zap.String("instrument", instrument),
		zap.String("side", string(side)),
		zap.String("type", string(typ)),
		zap.Float64("price", price),
		zap.Float64("qty", qty),
		zap.Stringer("fund", fund))

	start := time.Now()

	if a.cfg.Debug {
		order := &models.Order{
			ID:                   "debug-" + uuid.NewString(),
			Venue:                a.venue,
			Instrument:           instrument,
			Side:                 side,
			Type:                 typ,
			Price:                price,
			Qty:                  qty,
			State:                models.OrderFilled,
			QtyExecuted:          qty,
			PriceExecutedAverage: price,
			Debug:                true,
			UpdatedAt:            time.Now(),
		}
		log.Info("debug order filled", zap.String("order_id", order.ID))
		a.settleFund(fund, order)
		a.recordOrder(order, start)
		return order, nil
	}

	var placed *models.Order
	err := a.withClient(ctx, func(cred exchange.Credential) error {
		var err error
		if typ == models.OrderTypeMarket {
			placed, err = a.connector.CreateMarketOrder(ctx, cred, instrument, side, qty)
		} else {
			placed, err = a.connector.CreateLimitOrder(ctx, cred, instrument, side, price, qty)
		}
		return err
	})
	if err != nil {
		log.Error("order placement failed", zap.Error(err))
		return nil, fmt.Errorf("create order on %s: %w", a.venue, err)
	}
	log.Info("order placed", zap.String("order_id", placed.ID))

	order, err := a.WaitAndCancel(ctx, placed, a.cfg.OrderTimeout)
	if err != nil {
		return nil, err
	}

	a.settleFund(fund, order)
	a.recordOrder(order, start)
	log.Info("order completed",
		zap.String("order_id", order.ID),
		zap.String("state", string(order.State)),
		zap.Float64("qty_executed", order.QtyExecuted),
		zap.Float64("price_average", order.PriceExecutedAverage))
	return order, nil
}

// settleFund списывает резерв при исполнении и снимает при его отсутствии
func (a *Agent) settleFund(fund *funds.Fund, order *models.Order) {
	if order.QtyExecuted > 0 {
		a.ledger.Apply(fund)
		return
	}
	a.ledger.Release(fund)
}

func (a *Agent) recordOrder(order *models.Order, start time.Time) {
	OrdersTotal.WithLabelValues(a.venue, string(order.Type), string(order.State)).Inc()
	OrderExecutionLatency.WithLabelValues(a.venue, string(order.Type)).
		Observe(float64(time.Since(start).Milliseconds()))
}

// WaitAndCancel опрашивает ордер до терминального состояния.
//
// Пока ордер ACTIVE, агент пытается его отменить; ErrCannotCancel
// (ордер успел исполниться) не считается ошибкой. Временные ошибки биржи
// логируются, опрос продолжается после паузы ErrorBackoff.
// По истечении timeout возвращается *OrderTimeoutError с последним снимком.
func (a *Agent) WaitAndCancel(ctx context.Context, order *models.Order, timeout time.Duration) (*models.Order, error) {
	deadline := time.Now().Add(timeout)
	last := order.Clone()

	log := a.logger.With(zap.String("order_id", order.ID))

	for {
		if !time.Now().Before(deadline) {
			return nil, a.orderTimeout(last, timeout, nil)
		}

		var cur *models.Order
		err := a.withClient(ctx, func(cred exchange.Credential) error {
			var err error
			cur, err = a.connector.GetOrder(ctx, cred, last)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, a.orderTimeout(last, timeout, ctx.Err())
			}
			log.Warn("order poll failed", zap.Error(err), zap.Duration("backoff", a.cfg.ErrorBackoff))
			if err := sleepCtx(ctx, a.cfg.ErrorBackoff); err != nil {
				return nil, a.orderTimeout(last, timeout, err)
			}
			continue
		}

		if !CanOrderTransition(last.State, cur.State) {
			log.Warn("unexpected order state change",
				zap.String("from", string(last.State)),
				zap.String("to", string(cur.State)))
		}
		last = cur

		if last.State.IsTerminal() {
			return last, nil
		}

		if last.State == models.OrderActive {
			err := a.withClient(ctx, func(cred exchange.Credential) error {
				return a.connector.CancelOrder(ctx, cred, last)
			})
			switch {
			case err == nil:
				log.Debug("cancel requested")
			case errors.Is(err, exchange.ErrCannotCancel):
				log.Debug("order already settled, cancel skipped")
			default:
				if ctx.Err() != nil {
					return nil, a.orderTimeout(last, timeout, ctx.Err())
				}
				log.Warn("order cancel failed", zap.Error(err), zap.Duration("backoff", a.cfg.ErrorBackoff))
				if err := sleepCtx(ctx, a.cfg.ErrorBackoff); err != nil {
					return nil, a.orderTimeout(last, timeout, err)
				}
				continue
			}
		}

		if err := sleepCtx(ctx, a.cfg.PollInterval); err != nil {
			return nil, a.orderTimeout(last, timeout, err)
		}
	}
}

func (a *Agent) orderTimeout(last *models.Order, timeout time.Duration, cause error) *OrderTimeoutError {
	snapshot := last.Clone()
	snapshot.State = models.OrderExpired
	OrdersTotal.WithLabelValues(a.venue, string(snapshot.Type), string(models.OrderExpired)).Inc()
	return &OrderTimeoutError{Order: snapshot, Timeout: timeout, Cause: cause}
}

// sleepCtx - пауза, прерываемая контекстом
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
