package bot

import (
	"coinarb/internal/models"
)

// diff.go - поиск исполнимого объёма между двумя биржами
//
// sellBids - bids биржи, где продаём; buyAsks - asks биржи, где покупаем.
// Обе лестницы уже нормализованы MergeBook в общую валюту.
//
// Алгоритм: держим текущий лучший уровень продажи и покупки и накопленный
// объём каждой стороны. На каждом шаге сторона с меньшим объёмом берёт
// следующий уровень своей лестницы; если разница цен с текущим уровнем
// противоположной стороны становится меньше diffMin, поиск заканчивается.
//
// sellAdj/buyAdj - объём, уже занятый предыдущим проходом; вычитается из
// первых уровней один раз, излишек переносится на следующий уровень.

// ScanDiff возвращает результат сравнения или nil, если одна из лестниц пуста.
// Первая пара уровней сравнивается без порога: вызывающий код сам проверяет Diff.
func ScanDiff(sellBids, buyAsks models.Ladder, diffMin, sellAdj, buyAdj float64) *models.DiffResult {
	if len(sellBids) == 0 || len(buyAsks) == 0 {
		return nil
	}

	sell := newLadderCursor(sellBids)
	buy := newLadderCursor(buyAsks)

	sellLvl, sellQty := sell.cur, sell.cur.Qty
	buyLvl, buyQty := buy.cur, buy.cur.Qty

	for {
		sellQty, sellAdj = consumeAdjustment(sellQty, sellAdj)
		buyQty, buyAdj = consumeAdjustment(buyQty, buyAdj)

		if sellQty < buyQty {
			if !sell.advance() {
				break
			}
			if sell.cur.Price-buyLvl.Price < diffMin {
				break
			}
			sellLvl = sell.cur
			sellQty += sell.cur.Qty
		} else {
			if !buy.advance() {
				break
			}
			if sellLvl.Price-buy.cur.Price < diffMin {
				break
			}
			buyLvl = buy.cur
			buyQty += buy.cur.Qty
		}
	}

	diff := sellLvl.Price - buyLvl.Price
	result := &models.DiffResult{
		SellPrice:       sellLvl.Price,
		SellLadderPrice: sellLvl.LadderPrice,
		BuyPrice:        buyLvl.Price,
		BuyLadderPrice:  buyLvl.LadderPrice,
		Qty:             minFloat(sellQty, buyQty),
		Diff:            diff,
	}
	if buyLvl.Price != 0 {
		result.DiffRate = diff / buyLvl.Price
	}
	return result
}

// consumeAdjustment вычитает adj из qty; остаток adj возвращается,
// если уровня не хватило
func consumeAdjustment(qty, adj float64) (float64, float64) {
	if adj <= 0 {
		return qty, 0
	}
	qty -= adj
	if qty < 0 {
		return 0, -qty
	}
	return qty, 0
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
