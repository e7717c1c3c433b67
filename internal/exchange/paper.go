package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coinarb/internal/models"
)

// paper.go - биржа в памяти для dry-run и тестов
//
// Ордер исполняется сразу против текущего стакана: покупка забирает asks
// не дороже лимита, продажа - bids не дешевле лимита. Неисполненный остаток
// лимитного ордера остаётся ACTIVE до отмены, остаток рыночного - отменяется.
// Исполненный объём вычитается из стакана и меняет балансы.

// PaperConnector - симулятор биржи
type PaperConnector struct {
	name string

	mu       sync.Mutex
	open     bool
	balances map[string]*BalanceInfo
	books    map[string]*models.OrderBook
	orders   map[string]*models.Order
	handlers []paperSubscription
}

type paperSubscription struct {
	keys    map[models.Key]struct{}
	handler DataHandler
}

// NewPaperConnector создаёт симулятор с начальными балансами
func NewPaperConnector(name string, balances map[string]float64) *PaperConnector {
	p := &PaperConnector{
		name:     name,
		balances: make(map[string]*BalanceInfo, len(balances)),
		books:    make(map[string]*models.OrderBook),
		orders:   make(map[string]*models.Order),
	}
	for currency, total := range balances {
		p.balances[currency] = &BalanceInfo{Total: total}
	}
	return p
}

func (p *PaperConnector) Name() string { return p.name }

func (p *PaperConnector) Open(ctx context.Context) error {
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()
	return nil
}

// IsOpen - соединение открыто
func (p *PaperConnector) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *PaperConnector) Close() error {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
	return nil
}

// Subscribe регистрирует обработчик для ключей subs
func (p *PaperConnector) Subscribe(subs []models.Key, onData DataHandler) error {
	if onData == nil {
		return fmt.Errorf("%s: nil data handler", p.name)
	}
	keys := make(map[models.Key]struct{}, len(subs))
	for _, k := range subs {
		keys[k] = struct{}{}
	}
	p.mu.Lock()
	p.handlers = append(p.handlers, paperSubscription{keys: keys, handler: onData})
	p.mu.Unlock()
	return nil
}

// SetBook заменяет стакан инструмента и рассылает его подписчикам
func (p *PaperConnector) SetBook(instrument string, asks, bids models.Ladder) {
	book := &models.OrderBook{
		Venue:      p.name,
		Instrument: instrument,
		Asks:       asks.Clone(),
		Bids:       bids.Clone(),
		Timestamp:  time.Now(),
	}

	p.mu.Lock()
	p.books[instrument] = book
	p.mu.Unlock()

	p.publish(models.Key{Topic: models.TopicOrderBook, Name: instrument}, book.Clone())
}

// Mirror подписывает симулятор на стаканы source: каждый снимок источника
// заменяет стакан инструмента и исполняет заявки по живой глубине
func (p *PaperConnector) Mirror(source Connector, instruments []string) error {
	if len(instruments) == 0 {
		return nil
	}
	keys := make([]models.Key, 0, len(instruments))
	for _, instrument := range instruments {
		keys = append(keys, models.Key{Topic: models.TopicOrderBook, Name: instrument})
	}
	return source.Subscribe(keys, func(key models.Key, payload interface{}) {
		book, ok := payload.(*models.OrderBook)
		if !ok || book == nil {
			return
		}
		instrument := book.Instrument
		if instrument == "" {
			instrument = key.Name
		}
		p.SetBook(instrument, book.Asks, book.Bids)
	})
}

// SetBalance задаёт баланс валюты
func (p *PaperConnector) SetBalance(currency string, total float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.balances[currency]; ok {
		b.Total = total
		return
	}
	p.balances[currency] = &BalanceInfo{Total: total}
}

func (p *PaperConnector) publish(key models.Key, payload interface{}) {
	p.mu.Lock()
	handlers := make([]DataHandler, 0, len(p.handlers))
	for _, sub := range p.handlers {
		if _, ok := sub.keys[key]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(key, payload)
	}
}

func (p *PaperConnector) CreateMarketOrder(ctx context.Context, cred Credential, instrument string, side models.Side, qty float64) (*models.Order, error) {
	return p.place(instrument, models.OrderTypeMarket, side, 0, qty)
}

func (p *PaperConnector) CreateLimitOrder(ctx context.Context, cred Credential, instrument string, side models.Side, price, qty float64) (*models.Order, error) {
	return p.place(instrument, models.OrderTypeLimit, side, price, qty)
}

func (p *PaperConnector) place(instrument string, typ models.OrderType, side models.Side, price, qty float64) (*models.Order, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%s: invalid qty %v", p.name, qty)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%s: invalid side %q", p.name, side)
	}
	base, quote, err := SplitInstrument(instrument)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	book, ok := p.books[instrument]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: no order book for %s", p.name, instrument)
	}

	filled, cost := p.matchLocked(book, typ, side, price, qty)

	// проверка баланса до изменения состояния
	if side == models.SideBuy && cost > p.freeLocked(quote) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: insufficient %s balance", p.name, quote)
	}
	if side == models.SideSell && filled > p.freeLocked(base) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: insufficient %s balance", p.name, base)
	}

	p.consumeLocked(book, side, filled)
	p.settleLocked(base, quote, side, filled, cost)

	order := &models.Order{
		ID:          uuid.NewString(),
		Venue:       p.name,
		Instrument:  instrument,
		Side:        side,
		Type:        typ,
		Price:       price,
		Qty:         qty,
		QtyExecuted: filled,
		UpdatedAt:   time.Now(),
	}
	if filled > 0 {
		order.PriceExecutedAverage = cost / filled
	}

	switch {
	case filled >= qty:
		order.State = models.OrderFilled
	case typ == models.OrderTypeMarket:
		order.State = models.OrderCancelled
	default:
		order.State = models.OrderActive
		p.lockRemainderLocked(base, quote, side, price, qty-filled)
	}

	p.orders[order.ID] = order
	snapshot := order.Clone()
	p.mu.Unlock()

	if filled > 0 {
		p.publish(models.Key{Topic: models.TopicExecution, Name: instrument}, snapshot.Clone())
	}
	return snapshot, nil
}

// matchLocked считает исполнимый объём и стоимость без изменения стакана
func (p *PaperConnector) matchLocked(book *models.OrderBook, typ models.OrderType, side models.Side, price, qty float64) (filled, cost float64) {
	ladder := book.Asks
	if side == models.SideSell {
		ladder = book.Bids
	}
	for _, lvl := range ladder {
		if filled >= qty {
			break
		}
		if typ == models.OrderTypeLimit {
			if side == models.SideBuy && lvl.Price > price {
				break
			}
			if side == models.SideSell && lvl.Price < price {
				break
			}
		}
		take := lvl.Qty
		if rest := qty - filled; take > rest {
			take = rest
		}
		filled += take
		cost += take * lvl.Price
	}
	return filled, cost
}

// consumeLocked снимает исполненный объём с лучших уровней
func (p *PaperConnector) consumeLocked(book *models.OrderBook, side models.Side, filled float64) {
	ladder := &book.Asks
	if side == models.SideSell {
		ladder = &book.Bids
	}
	rest := filled
	levels := *ladder
	i := 0
	for ; i < len(levels) && rest > 0; i++ {
		if levels[i].Qty > rest {
			levels[i].Qty -= rest
			rest = 0
			break
		}
		rest -= levels[i].Qty
	}
	*ladder = levels[i:]
}

func (p *PaperConnector) settleLocked(base, quote string, side models.Side, filled, cost float64) {
	if filled <= 0 {
		return
	}
	b := p.balanceLocked(base)
	q := p.balanceLocked(quote)
	if side == models.SideBuy {
		b.Total += filled
		q.Total -= cost
	} else {
		b.Total -= filled
		q.Total += cost
	}
}

func (p *PaperConnector) lockRemainderLocked(base, quote string, side models.Side, price, rest float64) {
	if side == models.SideBuy {
		p.balanceLocked(quote).Used += rest * price
	} else {
		p.balanceLocked(base).Used += rest
	}
}

func (p *PaperConnector) unlockRemainderLocked(order *models.Order) {
	base, quote, err := SplitInstrument(order.Instrument)
	if err != nil {
		return
	}
	rest := order.Qty - order.QtyExecuted
	if order.Side == models.SideBuy {
		p.balanceLocked(quote).Used -= rest * order.Price
	} else {
		p.balanceLocked(base).Used -= rest
	}
}

func (p *PaperConnector) balanceLocked(currency string) *BalanceInfo {
	b, ok := p.balances[currency]
	if !ok {
		b = &BalanceInfo{}
		p.balances[currency] = b
	}
	return b
}

func (p *PaperConnector) freeLocked(currency string) float64 {
	b := p.balanceLocked(currency)
	return b.Total - b.Used
}

func (p *PaperConnector) GetOrder(ctx context.Context, cred Credential, order *models.Order) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, ok := p.orders[order.ID]
	if !ok {
		return nil, fmt.Errorf("%s: order %s not found", p.name, order.ID)
	}
	return stored.Clone(), nil
}

func (p *PaperConnector) CancelOrder(ctx context.Context, cred Credential, order *models.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, ok := p.orders[order.ID]
	if !ok {
		return fmt.Errorf("%s: order %s not found", p.name, order.ID)
	}
	if stored.State.IsTerminal() {
		return ErrCannotCancel
	}
	p.unlockRemainderLocked(stored)
	stored.State = models.OrderCancelled
	stored.UpdatedAt = time.Now()
	return nil
}

func (p *PaperConnector) GetBalances(ctx context.Context, cred Credential) (map[string]BalanceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]BalanceInfo, len(p.balances))
	for currency, b := range p.balances {
		out[currency] = *b
	}
	return out, nil
}

// SplitInstrument разбирает "XRP_JPY" на базовую и котируемую валюты
func SplitInstrument(instrument string) (base, quote string, err error) {
	parts := strings.Split(instrument, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid instrument %q, expected BASE_QUOTE", instrument)
	}
	return parts[0], parts[1], nil
}

// AsPaper снимает обёртки с коннектора и возвращает симулятор, если это он
func AsPaper(c Connector) (*PaperConnector, bool) {
	for {
		switch v := c.(type) {
		case *PaperConnector:
			return v, true
		case interface{ Unwrap() Connector }:
			c = v.Unwrap()
		default:
			return nil, false
		}
	}
}
