package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"coinarb/internal/exchange"
	"coinarb/internal/funds"
	"coinarb/internal/models"
	"coinarb/pkg/retry"
	"coinarb/pkg/utils"
)

// ============================================================
// ExecutionAgent - исполнитель одной биржи
// ============================================================
//
// Вся торговая логика биржи проходит через одну очередь задач
// и выполняется одной горутиной. Интервальные задачи (тик стратегии,
// обновление балансов) работают на своих таймерах и только ставят
// задачи в очередь.
//
// Остановка кооперативная: флаг проверяется между задачами,
// блокирующий опрос ордера не прерывается.

// Strategy - биржевая часть агента
type Strategy interface {
	// Init вызывается один раз при запуске (подписки на потоки и т.п.)
	Init(ctx context.Context, a *Agent) error

	// OnData получает события потока данных биржи
	OnData(key models.Key, payload interface{})

	// MainTick вызывается по интервалу из очереди агента
	MainTick(ctx context.Context, a *Agent) error
}

// NopStrategy - стратегия без собственной логики
type NopStrategy struct{}

func (NopStrategy) Init(ctx context.Context, a *Agent) error     { return nil }
func (NopStrategy) OnData(key models.Key, payload interface{})   {}
func (NopStrategy) MainTick(ctx context.Context, a *Agent) error { return nil }

// Task - единица работы в очереди агента
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// AgentConfig - параметры агента, неизменяемые после создания
type AgentConfig struct {
	Interval        time.Duration // тик стратегии
	BalanceInterval time.Duration // обновление балансов
	QueueWait       time.Duration // ожидание задачи в очереди
	PollInterval    time.Duration // опрос состояния ордера
	ErrorBackoff    time.Duration // пауза после временной ошибки биржи
	OrderTimeout    time.Duration // срок завершения ордера
	QueueSize       int

	// Debug - синтетическое исполнение без обращения к бирже
	Debug bool

	Precisions map[string]Precision
}

// DefaultAgentConfig возвращает стандартные интервалы агента
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Interval:        500 * time.Millisecond,
		BalanceInterval: 60 * time.Second,
		QueueWait:       500 * time.Millisecond,
		PollInterval:    500 * time.Millisecond,
		ErrorBackoff:    5 * time.Second,
		OrderTimeout:    300 * time.Second,
		QueueSize:       256,
	}
}

// withDefaults заполняет нулевые поля и копирует таблицу точностей
func (c AgentConfig) withDefaults() AgentConfig {
	def := DefaultAgentConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BalanceInterval <= 0 {
		c.BalanceInterval = def.BalanceInterval
	}
	if c.QueueWait <= 0 {
		c.QueueWait = def.QueueWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = def.OrderTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}

	precisions := make(map[string]Precision, len(c.Precisions))
	for k, v := range c.Precisions {
		precisions[k] = v
	}
	c.Precisions = precisions
	return c
}

// Agent - исполнитель одной биржи
type Agent struct {
	venue     string
	cfg       AgentConfig
	connector exchange.Connector
	creds     *exchange.CredentialPool
	ledger    *funds.Ledger
	strategy  Strategy
	logger    *utils.Logger

	tasks chan Task

	state         int32 // LifecycleState
	started       int32 // 1 - Run вызван или агент остановлен до запуска
	balancesFresh int32 // 1 - балансы получены после последнего отказа в резерве

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewAgent создаёт агента биржи в состоянии INIT
func NewAgent(
	venue string,
	cfg AgentConfig,
	connector exchange.Connector,
	creds *exchange.CredentialPool,
	ledger *funds.Ledger,
	strategy Strategy,
	logger *utils.Logger,
) *Agent {
	if strategy == nil {
		strategy = NopStrategy{}
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	cfg = cfg.withDefaults()

	a := &Agent{
		venue:     venue,
		cfg:       cfg,
		connector: connector,
		creds:     creds,
		ledger:    ledger,
		strategy:  strategy,
		logger:    logger.WithComponent("agent").WithExchange(venue),
		tasks:     make(chan Task, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	AgentState.WithLabelValues(venue).Set(float64(StateInit))
	return a
}

// Venue возвращает имя биржи
func (a *Agent) Venue() string { return a.venue }

// Ledger возвращает учёт капитала биржи
func (a *Agent) Ledger() *funds.Ledger { return a.ledger }

// Connector возвращает коннектор биржи
func (a *Agent) Connector() exchange.Connector { return a.connector }

// Config возвращает копию конфигурации
func (a *Agent) Config() AgentConfig { return a.cfg }

// Strategy возвращает стратегию агента
func (a *Agent) Strategy() Strategy { return a.strategy }

// Logger возвращает логгер агента
func (a *Agent) Logger() *utils.Logger { return a.logger }

// State возвращает текущее состояние
func (a *Agent) State() LifecycleState {
	return LifecycleState(atomic.LoadInt32(&a.state))
}

// IsActive - агент торгует
func (a *Agent) IsActive() bool {
	return a.State() == StateActive
}

func (a *Agent) transition(to LifecycleState) bool {
	for {
		from := a.State()
		if !CanTransition(from, to) {
			return false
		}
		if atomic.CompareAndSwapInt32(&a.state, int32(from), int32(to)) {
			AgentState.WithLabelValues(a.venue).Set(float64(to))
			a.logger.Debug("agent state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			return true
		}
	}
}

// ============ Жизненный цикл ============

// Run запускает агента и блокируется до остановки.
//
// Порядок: синхронное обновление балансов, Strategy.Init, ACTIVE,
// интервальные задачи, цикл очереди.
func (a *Agent) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&a.started, 0, 1) {
		return ErrAgentNotActive
	}
	defer a.closeDone()

	if err := a.UpdateBalances(ctx); err != nil {
		a.transition(StateStopped)
		return err
	}
	if err := a.strategy.Init(ctx, a); err != nil {
		a.transition(StateStopped)
		return err
	}
	if a.stopping(ctx) {
		a.transition(StateStopped)
		return nil
	}
	a.transition(StateActive)
	a.logger.Info("agent started",
		zap.Duration("interval", a.cfg.Interval),
		zap.Duration("balance_interval", a.cfg.BalanceInterval),
		zap.Bool("debug", a.cfg.Debug))

	a.wg.Add(2)
	go a.interval(ctx, "main_tick", a.cfg.Interval, true, a.mainTick)
	// балансы только что получены синхронно
	go a.interval(ctx, "update_balances", a.cfg.BalanceInterval, false, a.UpdateBalances)

	for !a.stopping(ctx) {
		task, ok := a.nextTask(ctx)
		if !ok {
			continue
		}
		a.runTask(ctx, task)
	}

	a.transition(StateStopping)
	a.wg.Wait()
	a.transition(StateStopped)
	a.logger.Info("agent stopped", zap.Int("dropped_tasks", len(a.tasks)))
	return nil
}

// Stop выставляет флаг остановки; агент завершит текущую задачу
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	// агент ещё не запускался
	if atomic.CompareAndSwapInt32(&a.started, 0, 1) {
		a.transition(StateStopped)
		a.closeDone()
	}
}

// Wait блокируется до полной остановки агента
func (a *Agent) Wait() {
	<-a.done
}

func (a *Agent) closeDone() {
	a.doneOnce.Do(func() {
		close(a.done)
	})
}

func (a *Agent) stopping(ctx context.Context) bool {
	select {
	case <-a.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// nextTask ждёт задачу не дольше QueueWait.
// ok=false - очередь пуста (простой), это не ошибка.
func (a *Agent) nextTask(ctx context.Context) (Task, bool) {
	timer := time.NewTimer(a.cfg.QueueWait)
	defer timer.Stop()

	select {
	case task := <-a.tasks:
		TaskQueueDepth.WithLabelValues(a.venue).Set(float64(len(a.tasks)))
		return task, true
	case <-timer.C:
		return Task{}, false
	case <-a.stopCh:
		return Task{}, false
	case <-ctx.Done():
		return Task{}, false
	}
}

// interval ставит задачу в очередь каждые d; immediate - первый раз сразу
func (a *Agent) interval(ctx context.Context, name string, d time.Duration, immediate bool, fn func(ctx context.Context) error) {
	defer a.wg.Done()

	enqueue := func() {
		if !a.PutTask(Task{Name: name, Fn: fn}) {
			a.logger.Warn("task queue full, interval task dropped", zap.String("task", name))
		}
	}
	if immediate && !a.stopping(ctx) {
		enqueue()
	}

	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			enqueue()
		}
	}
}

// PutTask ставит задачу в очередь без блокировки.
// Возвращает false, если агент остановлен или очередь переполнена.
func (a *Agent) PutTask(task Task) bool {
	switch a.State() {
	case StateStopping, StateStopped:
		return false
	}
	if !tryEnqueueTask(a.tasks, task, "agent_tasks_"+a.venue) {
		return false
	}
	TaskQueueDepth.WithLabelValues(a.venue).Set(float64(len(a.tasks)))
	return true
}

// runTask выполняет задачу; ошибка или паника не останавливают цикл
func (a *Agent) runTask(ctx context.Context, task Task) {
	err := a.safeCall(ctx, task)
	if err == nil {
		return
	}

	log := a.logger.With(zap.String("task", task.Name))

	var timeoutErr *OrderTimeoutError
	var panicErr *TaskPanicError
	switch {
	case errors.Is(err, funds.ErrInsufficientFund):
		TaskErrors.WithLabelValues(a.venue, "insufficient_fund").Inc()
		log.Warn("insufficient fund, waiting for balance refresh", zap.Error(err))
		a.RequestBalanceRefresh()
	case errors.As(err, &timeoutErr):
		TaskErrors.WithLabelValues(a.venue, "order_timeout").Inc()
		log.Error("order left unfinished, operator attention required",
			zap.Error(err),
			zap.Any("order", timeoutErr.Order))
	case errors.As(err, &panicErr):
		TaskErrors.WithLabelValues(a.venue, "panic").Inc()
		log.Error("task panicked", zap.Any("panic", panicErr.Value))
	default:
		TaskErrors.WithLabelValues(a.venue, "error").Inc()
		log.Error("task failed", zap.Error(err))
	}
}

func (a *Agent) safeCall(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskPanicError{Task: task.Name, Value: r}
		}
	}()
	return task.Fn(ctx)
}

// mainTick - тик стратегии; без свежих балансов торговля ждёт
func (a *Agent) mainTick(ctx context.Context) error {
	if !a.BalancesFresh() {
		a.logger.Debug("balances not fresh, main tick skipped")
		return nil
	}
	return a.strategy.MainTick(ctx, a)
}

// OnData передаёт событие потока стратегии
func (a *Agent) OnData(key models.Key, payload interface{}) {
	a.strategy.OnData(key, payload)
}

// ============ Балансы ============

// BalancesFresh - балансы обновлены после последнего отказа в резерве
func (a *Agent) BalancesFresh() bool {
	return atomic.LoadInt32(&a.balancesFresh) == 1
}

// MarkBalancesStale сбрасывает флаг свежести балансов
func (a *Agent) MarkBalancesStale() {
	atomic.StoreInt32(&a.balancesFresh, 0)
}

// RequestBalanceRefresh сбрасывает флаг и ставит внеочередное обновление
func (a *Agent) RequestBalanceRefresh() {
	a.MarkBalancesStale()
	if !a.PutTask(Task{Name: "update_balances", Fn: a.UpdateBalances}) {
		a.logger.Warn("balance refresh not enqueued")
	}
}

// UpdateBalances запрашивает балансы биржи и передаёт их в Ledger
func (a *Agent) UpdateBalances(ctx context.Context) error {
	cfg := retry.BalanceConfig()
	cfg.RetryIf = exchange.IsTransient
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.logger.Warn("balance request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	balances, err := retry.DoWithResult(ctx, func() (map[string]exchange.BalanceInfo, error) {
		var out map[string]exchange.BalanceInfo
		err := a.withClient(ctx, func(cred exchange.Credential) error {
			var err error
			out, err = a.connector.GetBalances(ctx, cred)
			return err
		})
		return out, err
	}, cfg)
	if err != nil {
		return err
	}

	updates := make(map[string]funds.BalanceUpdate, len(balances))
	for currency, b := range balances {
		updates[currency] = funds.BalanceUpdate{Total: b.Total, Used: b.Used}
	}
	a.ledger.UpdateBalances(updates)
	atomic.StoreInt32(&a.balancesFresh, 1)
	return nil
}

// withClient выполняет fn с ключом из пула; ключ возвращается на любом пути
func (a *Agent) withClient(ctx context.Context, fn func(cred exchange.Credential) error) error {
	if a.creds == nil {
		return fn(exchange.Credential{})
	}
	return a.creds.With(ctx, fn)
}
