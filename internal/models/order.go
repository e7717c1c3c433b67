package models

import "time"

// Side - сторона ордера
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite возвращает противоположную сторону
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid проверяет значение стороны
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType - тип ордера
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderState - состояние ордера на бирже
//
// SUBMITTED -> ACTIVE -> FILLED | CANCELLED | EXPIRED
type OrderState string

const (
	OrderSubmitted OrderState = "SUBMITTED"
	OrderActive    OrderState = "ACTIVE"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
	OrderExpired   OrderState = "EXPIRED"
)

// IsTerminal - ордер больше не изменится
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// Order - снимок ордера
type Order struct {
	ID                   string     `json:"id"`
	Venue                string     `json:"venue"`
	Instrument           string     `json:"instrument"`
	Side                 Side       `json:"side"`
	Type                 OrderType  `json:"type"`
	Price                float64    `json:"price"`
	Qty                  float64    `json:"qty"`
	State                OrderState `json:"state"`
	QtyExecuted          float64    `json:"qty_executed"`
	PriceExecutedAverage float64    `json:"price_executed_average"`
	Debug                bool       `json:"debug,omitempty"` // синтетическое исполнение
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Clone возвращает копию снимка
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
