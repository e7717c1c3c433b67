package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - точная работа с шагами цены и объёма
//
// Биржи задают точность в количестве знаков после запятой.
// Все округления выполняются через decimal, чтобы 0.3 не превращалось
// в 0.29999999 при переводе в целые шаги.
//
// Функции:
// - TruncatePlaces: отсечение до N знаков в сторону нуля
// - StepAndTruncate: сдвиг на целое число шагов + отсечение

// TruncatePlaces отсекает значение до places знаков после запятой в сторону нуля.
//
// Примеры:
//   - TruncatePlaces(1.239, 2) = 1.23
//   - TruncatePlaces(-1.239, 2) = -1.23
//   - TruncatePlaces(123.9, 0) = 123
//
// NaN и Inf возвращаются без изменений.
func TruncatePlaces(value float64, places int32) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return value
	}
	return decimal.NewFromFloat(value).Truncate(places).InexactFloat64()
}

// StepAndTruncate сдвигает значение на steps шагов точности и отсекает результат.
//
// Примеры:
//   - StepAndTruncate(100.123, 2, 1) = 100.13
//   - StepAndTruncate(100.123, 2, -1) = 100.11
func StepAndTruncate(value float64, places int32, steps int64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return value
	}
	shifted := decimal.NewFromFloat(value).Add(decimal.New(steps, -places))
	return shifted.Truncate(places).InexactFloat64()
}
