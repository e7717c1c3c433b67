package models

import (
	"fmt"
	"time"
)

// PriceLevel - уровень стакана
//
// Price - цена в общей валюте (после пересчёта по курсу),
// LadderPrice - исходная цена биржи, по ней выставляются ордера.
// До нормализации Price == LadderPrice.
type PriceLevel struct {
	Price       float64 `json:"price"`
	Qty         float64 `json:"qty"`
	LadderPrice float64 `json:"ladder_price"`
}

// Level - уровень в исходной валюте биржи
func Level(price, qty float64) PriceLevel {
	return PriceLevel{Price: price, Qty: qty, LadderPrice: price}
}

// Ladder - сторона стакана, лучший уровень первым
// (bids по убыванию цены, asks по возрастанию)
type Ladder []PriceLevel

// Clone возвращает независимую копию
func (l Ladder) Clone() Ladder {
	if l == nil {
		return nil
	}
	out := make(Ladder, len(l))
	copy(out, l)
	return out
}

// IsSortedAsc - проверка порядка asks
func (l Ladder) IsSortedAsc() bool {
	for i := 1; i < len(l); i++ {
		if l[i].Price < l[i-1].Price {
			return false
		}
	}
	return true
}

// IsSortedDesc - проверка порядка bids
func (l Ladder) IsSortedDesc() bool {
	for i := 1; i < len(l); i++ {
		if l[i].Price > l[i-1].Price {
			return false
		}
	}
	return true
}

// OrderBook - снимок стакана инструмента на бирже
type OrderBook struct {
	Venue      string    `json:"venue"`
	Instrument string    `json:"instrument"`
	Asks       Ladder    `json:"asks"`
	Bids       Ladder    `json:"bids"`
	Rate       float64   `json:"rate"` // курс пересчёта в общую валюту
	Timestamp  time.Time `json:"timestamp"`
}

// Clone возвращает копию, не разделяющую лестницы с оригиналом
func (b *OrderBook) Clone() *OrderBook {
	if b == nil {
		return nil
	}
	c := *b
	c.Asks = b.Asks.Clone()
	c.Bids = b.Bids.Clone()
	return &c
}

// Топики потока данных
const (
	TopicOrderBook = "order_book"
	TopicTick      = "tick"
	TopicExecution = "execution"
)

// Key - ключ события потока данных (topic, имя инструмента)
type Key struct {
	Topic string `json:"topic"`
	Name  string `json:"name"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Topic, k.Name)
}

// BookKey - ключ стакана в кэше агента
type BookKey struct {
	Venue      string
	Instrument string
}

// FxTick - котировка валютной пары
type FxTick struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Mid        float64   `json:"mid"`
	Time       time.Time `json:"time"`
}
