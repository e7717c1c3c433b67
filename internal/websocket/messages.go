package websocket

import (
	"time"

	"coinarb/internal/bot"
	"coinarb/internal/funds"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeBalance - изменение баланса валюты на бирже.
	// Отправляется после обновления с биржи и после каждого резерва/списания.
	MessageTypeBalance MessageType = "balance"

	// MessageTypeExecution - итог арбитражной сделки
	MessageTypeExecution MessageType = "execution"

	// MessageTypeAlert - требующее внимания событие (непарная нога и т.п.)
	MessageTypeAlert MessageType = "alert"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// BalanceMessage - снимок баланса валюты
type BalanceMessage struct {
	BaseMessage
	Venue    string  `json:"venue"`
	Currency string  `json:"currency"`
	Total    float64 `json:"total"`
	Used     float64 `json:"used"`
	Reserved float64 `json:"reserved"`
	Locked   float64 `json:"locked"`
	Free     float64 `json:"free"`
}

// ExecutionMessage - итог сделки
type ExecutionMessage struct {
	BaseMessage
	Data *bot.TradeReport `json:"data"`
}

// AlertMessage - уведомление оператору
type AlertMessage struct {
	BaseMessage
	Severity   string `json:"severity"` // warning, critical
	Instrument string `json:"instrument,omitempty"`
	Message    string `json:"message"`
}

// NewBalanceMessage создает сообщение о балансе
func NewBalanceMessage(venue, currency string, bal funds.Balance) *BalanceMessage {
	return &BalanceMessage{
		BaseMessage: BaseMessage{Type: MessageTypeBalance, Timestamp: time.Now()},
		Venue:       venue,
		Currency:    currency,
		Total:       bal.Total,
		Used:        bal.Used,
		Reserved:    bal.Reserved,
		Locked:      bal.Locked,
		Free:        bal.Free(),
	}
}

// NewExecutionMessage создает сообщение об итоге сделки
func NewExecutionMessage(report *bot.TradeReport) *ExecutionMessage {
	return &ExecutionMessage{
		BaseMessage: BaseMessage{Type: MessageTypeExecution, Timestamp: time.Now()},
		Data:        report,
	}
}

// NewAlertMessage создает уведомление
func NewAlertMessage(severity, instrument, message string) *AlertMessage {
	return &AlertMessage{
		BaseMessage: BaseMessage{Type: MessageTypeAlert, Timestamp: time.Now()},
		Severity:    severity,
		Instrument:  instrument,
		Message:     message,
	}
}
