package bot

import (
	"errors"
	"fmt"
	"math"

	"coinarb/internal/models"
)

// merge.go - нормализация стакана одной биржи
//
// 1. Снимаем пересечение asks/bids (после агрегации объёмов у биржи лучший
//    ask бывает <= лучшего bid): встречные объёмы взаимно гасятся, исчерпанный
//    уровень выбрасывается.
// 2. Оставшиеся уровни пересчитываются в общую валюту по курсу rate,
//    исходная цена сохраняется в LadderPrice.
//
// Проверка свежести курса (30s) выполняется поставщиком данных до вызова.

var (
	// ErrUnsortedLadder - нарушен порядок лестницы (asks по возрастанию, bids по убыванию)
	ErrUnsortedLadder = errors.New("ladder is not sorted best-first")

	// ErrInvalidRate - курс пересчёта не положительный или не конечный
	ErrInvalidRate = errors.New("conversion rate must be positive and finite")
)

// ladderCursor - последовательный проход по лестнице.
// Текущий уровень хранится копией и может уменьшаться при взаимозачёте.
type ladderCursor struct {
	levels models.Ladder
	next   int
	cur    models.PriceLevel
	ok     bool
}

func newLadderCursor(levels models.Ladder) *ladderCursor {
	c := &ladderCursor{levels: levels}
	c.advance()
	return c
}

// advance переходит к следующему уровню; false - лестница исчерпана
func (c *ladderCursor) advance() bool {
	if c.next >= len(c.levels) {
		c.ok = false
		return false
	}
	c.cur = c.levels[c.next]
	c.next++
	c.ok = true
	return true
}

// remaining - текущий уровень и всё, что после него
func (c *ladderCursor) remaining() models.Ladder {
	if !c.ok {
		return models.Ladder{}
	}
	out := make(models.Ladder, 0, len(c.levels)-c.next+1)
	out = append(out, c.cur)
	return append(out, c.levels[c.next:]...)
}

// MergeBook снимает пересечение стакана и пересчитывает цены по курсу.
//
// Пример (rate = 1):
//
//	asks [(10,10) (11,20)], bids [(10,20) (8,20)]
//	-> asks [(11,20,11)], bids [(10,10,10) (8,20,8)]
//
// Входные лестницы не изменяются.
func MergeBook(asks, bids models.Ladder, rate float64) (models.Ladder, models.Ladder, error) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	if !asks.IsSortedAsc() {
		return nil, nil, fmt.Errorf("asks: %w", ErrUnsortedLadder)
	}
	if !bids.IsSortedDesc() {
		return nil, nil, fmt.Errorf("bids: %w", ErrUnsortedLadder)
	}

	if len(asks) == 0 || len(bids) == 0 {
		return convertLadder(asks, rate), convertLadder(bids, rate), nil
	}

	ask := newLadderCursor(asks)
	bid := newLadderCursor(bids)

	for ask.ok && bid.ok && ask.cur.Price <= bid.cur.Price {
		qtyDiff := ask.cur.Qty - bid.cur.Qty
		switch {
		case qtyDiff > 0:
			ask.cur.Qty = qtyDiff
			bid.advance()
		case qtyDiff < 0:
			bid.cur.Qty = -qtyDiff
			ask.advance()
		default:
			ask.advance()
			bid.advance()
		}
	}

	return convertLadder(ask.remaining(), rate), convertLadder(bid.remaining(), rate), nil
}

// convertLadder пересчитывает цены по курсу, сохраняя исходную цену
func convertLadder(levels models.Ladder, rate float64) models.Ladder {
	out := make(models.Ladder, len(levels))
	for i, lvl := range levels {
		out[i] = models.PriceLevel{
			Price:       lvl.Price * rate,
			Qty:         lvl.Qty,
			LadderPrice: lvl.Price,
		}
	}
	return out
}
