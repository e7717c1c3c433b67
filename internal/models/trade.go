package models

import "time"

// DiffResult - найденное расхождение цен между двумя биржами
//
// SellPrice/BuyPrice - цены последнего задействованного уровня в общей валюте,
// SellLadderPrice/BuyLadderPrice - те же уровни
// в валюте биржи, по ним выставляются ордера.
type DiffResult struct {
	SellPrice       float64 `json:"sell_price"`
	SellLadderPrice float64 `json:"sell_ladder_price"`
	BuyPrice        float64 `json:"buy_price"`
	BuyLadderPrice  float64 `json:"buy_ladder_price"`
	Qty             float64 `json:"qty"`
	Diff            float64 `json:"diff"`      // SellPrice - BuyPrice
	DiffRate        float64 `json:"diff_rate"` // Diff / BuyPrice
}

// Результаты арбитражной сделки
const (
	TradeResultCompleted = "completed" // обе ноги исполнены
	TradeResultNoFill    = "no_fill"   // первая нога не исполнилась
	TradeResultUnmatched = "unmatched" // первая нога исполнена, вторая нет
	TradeResultFailed    = "failed"    // ошибка до исполнения
)

// TradeLeg - запись об одной ноге сделки в журнале
type TradeLeg struct {
	ID           int64     `json:"id" db:"id"`
	TradeID      string    `json:"trade_id" db:"trade_id"`
	Instrument   string    `json:"instrument" db:"instrument"`
	Venue        string    `json:"venue" db:"venue"`
	Role         string    `json:"role" db:"role"` // near, far
	Side         Side      `json:"side" db:"side"`
	OrderID      string    `json:"order_id" db:"order_id"`
	OrderType    OrderType `json:"order_type" db:"order_type"`
	Price        float64   `json:"price" db:"price"`
	Qty          float64   `json:"qty" db:"qty"`
	QtyExecuted  float64   `json:"qty_executed" db:"qty_executed"`
	PriceAverage float64   `json:"price_average" db:"price_average"`
	State        string    `json:"state" db:"state"`
	Result       string    `json:"result" db:"result"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Роли ног
const (
	LegRoleNear = "near"
	LegRoleFar  = "far"
)
