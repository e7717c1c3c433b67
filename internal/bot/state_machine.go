package bot

import "coinarb/internal/models"

// LifecycleState - состояние агента
//
// INIT -> ACTIVE -> STOPPING -> STOPPED
// INIT -> STOPPED (остановлен до запуска или не смог стартовать)
type LifecycleState int32

const (
	StateInit LifecycleState = iota
	StateActive
	StateStopping
	StateStopped
)

func (s LifecycleState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateActive:
		return "ACTIVE"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ValidTransitions определяет допустимые переходы агента
var ValidTransitions = map[LifecycleState][]LifecycleState{
	StateInit:     {StateActive, StateStopped},
	StateActive:   {StateStopping},
	StateStopping: {StateStopped},
	StateStopped:  {},
}

// CanTransition проверяет допустимость перехода агента
func CanTransition(from, to LifecycleState) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidOrderTransitions - допустимые переходы ордера по данным биржи.
// Переход в то же состояние допустим: опрос может вернуть прежний снимок.
var ValidOrderTransitions = map[models.OrderState][]models.OrderState{
	models.OrderSubmitted: {models.OrderActive, models.OrderFilled, models.OrderCancelled, models.OrderExpired},
	models.OrderActive:    {models.OrderFilled, models.OrderCancelled, models.OrderExpired},
}

// CanOrderTransition проверяет переход ордера
func CanOrderTransition(from, to models.OrderState) bool {
	if from == to {
		return true
	}
	for _, s := range ValidOrderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния агента для API
func StateInfo(s LifecycleState) string {
	switch s {
	case StateInit:
		return "Агент создан, ожидает запуска"
	case StateActive:
		return "Агент торгует"
	case StateStopping:
		return "Остановка: завершение текущей задачи"
	case StateStopped:
		return "Агент остановлен"
	default:
		return "Неизвестное состояние"
	}
}
