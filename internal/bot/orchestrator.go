package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coinarb/internal/funds"
	"coinarb/internal/models"
	"coinarb/pkg/utils"
)

// ============================================================
// ArbitrageOrchestrator - двухфазное исполнение между биржами
// ============================================================
//
// Для каждого маршрута и каждого направления:
//  1. оба стакана есть в снимке
//  2. сигнальный порог DiffSignal
//  3. порог исполнения DiffExecute, объём в [QtyMin, QtyMax]
//  4. резерв ближней ноги (x NearMargin)
//  5. резерв дальней ноги (x FarMargin)
//  6. ближняя нога; без исполнения - выход, дальняя не выставляется
//  7. дальняя нога на фактически исполненный объём
//  8. оба резерва снимаются ровно один раз на любом пути выхода
//
// Проход запускается обновлением стакана ближней биржи и выполняется
// в очереди её агента. По одному проходу на инструмент одновременно.

// Направления прохода
const (
	DirectionSellNear = "sell_near" // продаём на ближней, покупаем на дальней
	DirectionBuyNear  = "buy_near"  // покупаем на ближней, продаём на дальней
)

// Стандартные запасы резерва
const (
	DefaultNearMargin = 1.005
	DefaultFarMargin  = 1.02
)

// Route - арбитражный маршрут инструмента между двумя биржами
type Route struct {
	Instrument string
	Base       string
	Quote      string
	Near       string // биржа, чьи обновления запускают проход; лимитный ордер
	Far        string // биржа второй ноги; рыночный ордер

	DiffSignal  float64
	DiffExecute float64
	QtyMin      float64
	QtyMax      float64

	NearMargin float64
	FarMargin  float64
}

// Name - "XRP_JPY near/far" для логов
func (r Route) Name() string {
	return fmt.Sprintf("%s %s/%s", r.Instrument, r.Near, r.Far)
}

func (r Route) withDefaults() Route {
	if r.NearMargin <= 0 {
		r.NearMargin = DefaultNearMargin
	}
	if r.FarMargin <= 0 {
		r.FarMargin = DefaultFarMargin
	}
	return r
}

// Journal сохраняет ноги сделок
type Journal interface {
	RecordLeg(ctx context.Context, leg *models.TradeLeg) error
}

// TradeReport - итог прохода с исполненной ближней ногой
type TradeReport struct {
	TradeID    string             `json:"trade_id"`
	Instrument string             `json:"instrument"`
	Direction  string             `json:"direction"`
	Result     string             `json:"result"`
	Diff       *models.DiffResult `json:"diff"`
	Near       *models.Order      `json:"near"`
	Far        *models.Order      `json:"far,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// EventSink получает события для операторов
type EventSink interface {
	TradeExecuted(report *TradeReport)
	Alert(severity, instrument, message string)
}

// Уровни оповещений
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type nopJournal struct{}

func (nopJournal) RecordLeg(ctx context.Context, leg *models.TradeLeg) error { return nil }

type nopSink struct{}

func (nopSink) TradeExecuted(report *TradeReport)           {}
func (nopSink) Alert(severity, instrument, message string) {}

// Orchestrator - координатор арбитража между агентами
type Orchestrator struct {
	routes  []Route
	agents  map[string]*Agent
	journal Journal
	sink    EventSink
	logger  *utils.Logger

	mu    sync.RWMutex
	books map[models.BookKey]*models.OrderBook

	inflight map[string]*int32 // instrument -> 1, если проход запланирован
}

// NewOrchestrator проверяет маршруты и создаёт координатор.
// Маршрут на неизвестную биржу - ошибка конфигурации.
func NewOrchestrator(routes []Route, agents map[string]*Agent, journal Journal, sink EventSink, logger *utils.Logger) (*Orchestrator, error) {
	if journal == nil {
		journal = nopJournal{}
	}
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	o := &Orchestrator{
		agents:   make(map[string]*Agent, len(agents)),
		journal:  journal,
		sink:     sink,
		logger:   logger.WithComponent("orchestrator"),
		books:    make(map[models.BookKey]*models.OrderBook),
		inflight: make(map[string]*int32),
	}
	for name, a := range agents {
		o.agents[name] = a
	}

	for _, r := range routes {
		r = r.withDefaults()
		if _, ok := o.agents[r.Near]; !ok {
			return nil, fmt.Errorf("route %s: unknown venue %q", r.Instrument, r.Near)
		}
		if _, ok := o.agents[r.Far]; !ok {
			return nil, fmt.Errorf("route %s: unknown venue %q", r.Instrument, r.Far)
		}
		if r.Near == r.Far {
			return nil, fmt.Errorf("route %s: near and far venue are the same", r.Instrument)
		}
		if r.QtyMax > 0 && r.QtyMax < r.QtyMin {
			return nil, fmt.Errorf("route %s: qty_max %.8f < qty_min %.8f", r.Instrument, r.QtyMax, r.QtyMin)
		}
		o.routes = append(o.routes, r)
		if _, ok := o.inflight[r.Instrument]; !ok {
			o.inflight[r.Instrument] = new(int32)
		}
	}
	return o, nil
}

// Routes возвращает копию маршрутов
func (o *Orchestrator) Routes() []Route {
	out := make([]Route, len(o.routes))
	copy(out, o.routes)
	return out
}

// OnData - callback провайдера данных.
// Стакан кладётся в кэш; обновление ближней биржи маршрута
// ставит проход в очередь её агента.
func (o *Orchestrator) OnData(venue string, key models.Key, payload interface{}) {
	if key.Topic != models.TopicOrderBook {
		return
	}
	book, ok := payload.(*models.OrderBook)
	if !ok || book == nil {
		return
	}

	o.mu.Lock()
	o.books[models.BookKey{Venue: venue, Instrument: key.Name}] = book.Clone()
	o.mu.Unlock()

	for _, r := range o.routes {
		if r.Near == venue && r.Instrument == key.Name {
			o.schedule(r)
		}
	}
}

// schedule ставит проход в очередь ближнего агента, если он ещё не запланирован
func (o *Orchestrator) schedule(r Route) {
	flag := o.inflight[r.Instrument]
	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		return
	}

	task := Task{
		Name: "try_arbitrage_" + r.Instrument,
		Fn: func(ctx context.Context) error {
			defer atomic.StoreInt32(flag, 0)
			return o.TryArbitrage(ctx, r)
		},
	}
	if !o.agents[r.Near].PutTask(task) {
		atomic.StoreInt32(flag, 0)
	}
}

// Snapshot возвращает копию стакана или nil
func (o *Orchestrator) Snapshot(venue, instrument string) *models.OrderBook {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.books[models.BookKey{Venue: venue, Instrument: instrument}].Clone()
}

// TryArbitrage выполняет оба направления маршрута по снимку стаканов
func (o *Orchestrator) TryArbitrage(ctx context.Context, r Route) error {
	r = r.withDefaults()
	near, far := o.agents[r.Near], o.agents[r.Far]
	if near == nil || far == nil {
		panic(fmt.Sprintf("route %s: agent not configured", r.Name()))
	}

	log := o.logger.WithSymbol(r.Instrument)
	if !near.BalancesFresh() || !far.BalancesFresh() {
		log.Debug("balances not fresh, arbitrage skipped")
		return nil
	}

	nearBook := o.Snapshot(r.Near, r.Instrument)
	farBook := o.Snapshot(r.Far, r.Instrument)
	if nearBook == nil || farBook == nil {
		return nil
	}

	start := time.Now()
	defer func() {
		ArbitrageLatency.WithLabelValues(r.Instrument).
			Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	errSell := o.tryDirection(ctx, r, near, far, nearBook, farBook, models.SideSell)
	errBuy := o.tryDirection(ctx, r, near, far, nearBook, farBook, models.SideBuy)
	return errors.Join(errSell, errBuy)
}

// legPlan - параметры одной ноги
type legPlan struct {
	agent    *Agent
	side     models.Side
	price    float64 // цена биржи (LadderPrice)
	currency string
	fundQty  float64
}

// tryDirection - одно направление: mySide - сторона ближней ноги
func (o *Orchestrator) tryDirection(
	ctx context.Context,
	r Route,
	near, far *Agent,
	nearBook, farBook *models.OrderBook,
	mySide models.Side,
) error {
	direction := DirectionSellNear
	sellBook, buyBook := nearBook, farBook
	if mySide == models.SideBuy {
		direction = DirectionBuyNear
		sellBook, buyBook = farBook, nearBook
	}
	log := o.logger.With(
		zap.String("route", r.Name()),
		zap.String("direction", direction))

	signal := ScanDiff(sellBook.Bids, buyBook.Asks, r.DiffSignal, 0, 0)
	if signal == nil || signal.Diff < r.DiffSignal {
		return nil
	}
	RecordOpportunity(r.Instrument, direction, "signal")
	log.Info("diff signal",
		zap.Float64("diff", signal.Diff),
		zap.Float64("diff_rate", signal.DiffRate),
		zap.Float64("qty", signal.Qty))

	result := ScanDiff(sellBook.Bids, buyBook.Asks, r.DiffExecute, 0, 0)
	if result == nil || result.Diff < r.DiffExecute || result.Qty < r.QtyMin {
		return nil
	}
	qty := result.Qty
	if r.QtyMax > 0 && qty > r.QtyMax {
		qty = r.QtyMax
	}
	RecordOpportunity(r.Instrument, direction, "execute")

	nearLeg := o.plan(r, near, mySide, result, qty, r.NearMargin)
	farLeg := o.plan(r, far, mySide.Opposite(), result, qty, r.FarMargin)

	log = log.With(
		zap.Float64("qty", qty),
		zap.Float64("sell_price", result.SellPrice),
		zap.Float64("buy_price", result.BuyPrice),
		zap.Float64("diff", result.Diff))
	log.Info("diff execute")

	nearRes, err := funds.Acquire(near.Ledger(), nearLeg.currency, nearLeg.fundQty)
	if err != nil {
		return fmt.Errorf("reserve near leg on %s: %w", near.Venue(), err)
	}
	defer nearRes.Close()

	farRes, err := funds.Acquire(far.Ledger(), farLeg.currency, farLeg.fundQty)
	if err != nil {
		if errors.Is(err, funds.ErrInsufficientFund) {
			far.RequestBalanceRefresh()
		}
		return fmt.Errorf("reserve far leg on %s: %w", far.Venue(), err)
	}
	defer farRes.Close()

	report := &TradeReport{
		TradeID:    uuid.NewString(),
		Instrument: r.Instrument,
		Direction:  direction,
		Diff:       result,
	}

	nearOrder, err := near.SubmitOrder(ctx, r.Instrument, models.OrderTypeLimit, nearLeg.side, nearLeg.price, qty, nearRes.Fund())
	if err != nil {
		o.failed(ctx, r, report, nearLeg, models.LegRoleNear, qty, err)
		return err
	}
	report.Near = nearOrder

	filled := nearOrder.QtyExecuted
	if filled <= 0 {
		report.Result = models.TradeResultNoFill
		RecordTrade(r.Instrument, report.Result)
		o.record(ctx, r, report, nearLeg, models.LegRoleNear, nearOrder, report.Result, nil)
		log.Info("near leg not filled, far leg skipped", zap.String("order_id", nearOrder.ID))
		return nil
	}

	o.record(ctx, r, report, nearLeg, models.LegRoleNear, nearOrder, "", nil)

	farOrder, err := far.SubmitOrder(ctx, r.Instrument, models.OrderTypeMarket, farLeg.side, farLeg.price, filled, farRes.Fund())
	if err != nil {
		report.Result = models.TradeResultUnmatched
		report.Error = err.Error()
		var timeoutErr *OrderTimeoutError
		if errors.As(err, &timeoutErr) {
			report.Far = timeoutErr.Order
		}
		RecordTrade(r.Instrument, report.Result)
		UnmatchedLegs.WithLabelValues(r.Instrument, far.Venue()).Inc()
		o.record(ctx, r, report, farLeg, models.LegRoleFar, report.Far, report.Result, err)
		log.Error("far leg failed, position unmatched",
			zap.String("trade_id", report.TradeID),
			zap.Float64("near_filled", filled),
			zap.Error(err))
		o.sink.Alert(SeverityCritical, r.Instrument, fmt.Sprintf(
			"unmatched %s %.8f %s on %s: %v", nearLeg.side, filled, r.Base, near.Venue(), err))
		o.sink.TradeExecuted(report)
		return err
	}
	report.Far = farOrder

	report.Result = models.TradeResultCompleted
	if farOrder.QtyExecuted <= 0 {
		report.Result = models.TradeResultUnmatched
		UnmatchedLegs.WithLabelValues(r.Instrument, far.Venue()).Inc()
		o.sink.Alert(SeverityCritical, r.Instrument, fmt.Sprintf(
			"far leg on %s not filled, %.8f %s unmatched on %s", far.Venue(), filled, r.Base, near.Venue()))
	}
	RecordTrade(r.Instrument, report.Result)
	o.record(ctx, r, report, farLeg, models.LegRoleFar, farOrder, report.Result, nil)
	o.sink.TradeExecuted(report)

	log.Info("arbitrage executed",
		zap.String("trade_id", report.TradeID),
		zap.String("result", report.Result),
		zap.Float64("near_filled", filled),
		zap.Float64("far_filled", farOrder.QtyExecuted))
	return nil
}

// plan вычисляет сторону, цену и резерв ноги.
// Продажа резервирует базовую валюту, покупка - котируемую по цене биржи.
func (o *Orchestrator) plan(r Route, a *Agent, side models.Side, result *models.DiffResult, qty, margin float64) legPlan {
	if side == models.SideSell {
		return legPlan{
			agent:    a,
			side:     side,
			price:    result.SellLadderPrice,
			currency: r.Base,
			fundQty:  qty * margin,
		}
	}
	return legPlan{
		agent:    a,
		side:     side,
		price:    result.BuyLadderPrice,
		currency: r.Quote,
		fundQty:  qty * result.BuyLadderPrice * margin,
	}
}

// failed - ближняя нога не исполнена из-за ошибки
func (o *Orchestrator) failed(ctx context.Context, r Route, report *TradeReport, leg legPlan, role string, qty float64, err error) {
	report.Result = models.TradeResultFailed
	report.Error = err.Error()
	RecordTrade(r.Instrument, report.Result)

	var order *models.Order
	var timeoutErr *OrderTimeoutError
	if errors.As(err, &timeoutErr) {
		order = timeoutErr.Order
		report.Near = order
		o.sink.Alert(SeverityCritical, r.Instrument, fmt.Sprintf(
			"order %s on %s not completed, operator attention required", order.ID, leg.agent.Venue()))
	}
	if order == nil {
		order = &models.Order{
			Venue:      leg.agent.Venue(),
			Instrument: r.Instrument,
			Side:       leg.side,
			Type:       models.OrderTypeLimit,
			Price:      leg.price,
			Qty:        qty,
		}
	}
	o.record(ctx, r, report, leg, role, order, report.Result, err)
}

// record пишет ногу в журнал; ошибка журнала не влияет на сделку
func (o *Orchestrator) record(ctx context.Context, r Route, report *TradeReport, leg legPlan, role string, order *models.Order, result string, legErr error) {
	entry := &models.TradeLeg{
		TradeID:    report.TradeID,
		Instrument: r.Instrument,
		Venue:      leg.agent.Venue(),
		Role:       role,
		Side:       leg.side,
		Price:      leg.price,
		Result:     result,
		CreatedAt:  time.Now(),
	}
	if order != nil {
		entry.OrderID = order.ID
		entry.OrderType = order.Type
		entry.Qty = order.Qty
		entry.QtyExecuted = order.QtyExecuted
		entry.PriceAverage = order.PriceExecutedAverage
		entry.State = string(order.State)
		if order.Price > 0 {
			entry.Price = order.Price
		}
	}
	if legErr != nil {
		entry.ErrorMessage = legErr.Error()
	}

	if err := o.journal.RecordLeg(ctx, entry); err != nil {
		o.logger.Error("trade journal write failed",
			zap.String("trade_id", report.TradeID),
			zap.String("role", role),
			zap.Error(err))
	}
}
