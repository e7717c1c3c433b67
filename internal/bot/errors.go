package bot

import (
	"errors"
	"fmt"
	"time"

	"coinarb/internal/models"
)

var (
	// ErrOrderTimeout - ордер не пришёл в терминальное состояние к сроку
	ErrOrderTimeout = errors.New("order not completed")

	// ErrAgentNotActive - агент не принимает задачи
	ErrAgentNotActive = errors.New("agent is not active")

	// ErrQtyBelowPrecision - объём после отсечения стал нулевым
	ErrQtyBelowPrecision = errors.New("qty is below venue precision")
)

// OrderTimeoutError - ордер не завершился за отведённое время.
// Order - последний известный снимок (State = EXPIRED).
// Фатально для сделки: ордер требует внимания оператора.
type OrderTimeoutError struct {
	Order   *models.Order
	Timeout time.Duration
	Cause   error // ctx.Err(), если ожидание прервано контекстом
}

func (e *OrderTimeoutError) Error() string {
	msg := fmt.Sprintf("order not completed within %s", e.Timeout)
	if e.Order != nil {
		msg += fmt.Sprintf(": id=%s venue=%s %s %s qty=%.8f executed=%.8f",
			e.Order.ID, e.Order.Venue, e.Order.Side, e.Order.Instrument, e.Order.Qty, e.Order.QtyExecuted)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is позволяет errors.Is(err, ErrOrderTimeout)
func (e *OrderTimeoutError) Is(target error) bool {
	return target == ErrOrderTimeout
}

func (e *OrderTimeoutError) Unwrap() error {
	return e.Cause
}

// TaskPanicError - паника внутри задачи агента
type TaskPanicError struct {
	Task  string
	Value interface{}
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}
