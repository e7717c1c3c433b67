package funds

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coinarb/pkg/utils"
)

// ledger.go - учёт капитала одной биржи
//
// Ledger - единственный источник правды о свободных средствах биржи.
// Все проверки и изменения выполняются под одним мьютексом,
// который никогда не удерживается во время запросов к бирже.
//
// free = total - used - reserved - locked >= 0 после любой операции резервирования.

var (
	// ErrInsufficientFund - свободных средств меньше запрошенного
	ErrInsufficientFund = errors.New("insufficient fund")

	// ErrFundNotReserved - операция требует резерв в состоянии RESERVED
	ErrFundNotReserved = errors.New("fund is not reserved")

	// ErrCurrencyNotConfigured - валюта отсутствует в конфигурации биржи
	ErrCurrencyNotConfigured = errors.New("currency not configured")

	// ErrInvalidQty - объём резерва не положительный или не конечный
	ErrInvalidQty = errors.New("invalid fund qty")
)

// InsufficientFundError - подробности отказа в резерве
type InsufficientFundError struct {
	Venue     string
	Currency  string
	Requested float64
	Free      float64
}

func (e *InsufficientFundError) Error() string {
	return fmt.Sprintf("insufficient fund on %s: %s requested=%.8f free=%.8f",
		e.Venue, e.Currency, e.Requested, e.Free)
}

// Is позволяет errors.Is(err, ErrInsufficientFund)
func (e *InsufficientFundError) Is(target error) bool {
	return target == ErrInsufficientFund
}

// Balance - состояние одной валюты на бирже
type Balance struct {
	Total    float64 `json:"total"`
	Used     float64 `json:"used"`     // в ордерах на бирже
	Reserved float64 `json:"reserved"` // зарезервировано под сделки
	Locked   float64 `json:"locked"`   // неприкосновенный остаток из конфигурации
}

// Free - доступно для новых резервов
func (b Balance) Free() float64 {
	return b.Total - b.Used - b.Reserved - b.Locked
}

// BalanceUpdate - баланс валюты по данным биржи
type BalanceUpdate struct {
	Total float64
	Used  float64
}

// FundState - жизненный цикл резерва
type FundState int32

const (
	FundReserved FundState = iota
	FundReleased
	FundApplied
)

func (s FundState) String() string {
	switch s {
	case FundReserved:
		return "RESERVED"
	case FundReleased:
		return "RELEASED"
	case FundApplied:
		return "APPLIED"
	default:
		return "UNKNOWN"
	}
}

// Fund - резерв части баланса
//
// Валюта, объём и владелец неизменны. Сравнение по указателю:
// два резерва одинакового объёма - разные резервы.
// Состояние меняется только под мьютексом владельца, один раз.
type Fund struct {
	id        uuid.UUID
	owner     *Ledger
	currency  string
	qty       float64
	createdAt time.Time
	state     FundState
}

func (f *Fund) ID() uuid.UUID        { return f.id }
func (f *Fund) Owner() *Ledger       { return f.owner }
func (f *Fund) Currency() string     { return f.currency }
func (f *Fund) Qty() float64         { return f.qty }
func (f *Fund) CreatedAt() time.Time { return f.createdAt }

// State возвращает текущее состояние резерва
func (f *Fund) State() FundState {
	f.owner.mu.Lock()
	defer f.owner.mu.Unlock()
	return f.state
}

func (f *Fund) String() string {
	return fmt.Sprintf("Fund(%s %s %s %.8f)", f.id.String()[:8], f.owner.venue, f.currency, f.qty)
}

// Observer получает снимок баланса после каждого изменения
type Observer func(venue, currency string, balance Balance)

// Ledger - учёт балансов и резервов одной биржи
type Ledger struct {
	venue       string
	mu          sync.Mutex
	balances    map[string]*Balance
	outstanding map[*Fund]struct{}
	observer    Observer
	logger      *utils.Logger
}

// NewLedger создаёт учёт для биржи.
// locked задаёт список торгуемых валют и их неприкосновенный остаток;
// валюты вне этого списка не резервируются.
func NewLedger(venue string, locked map[string]float64, logger *utils.Logger) *Ledger {
	if logger == nil {
		logger = utils.L()
	}

	balances := make(map[string]*Balance, len(locked))
	for currency, amount := range locked {
		balances[currency] = &Balance{Locked: amount}
	}

	return &Ledger{
		venue:       venue,
		balances:    balances,
		outstanding: make(map[*Fund]struct{}),
		logger:      logger.WithComponent("ledger").WithExchange(venue),
	}
}

// Venue возвращает имя биржи
func (l *Ledger) Venue() string {
	return l.venue
}

// SetObserver устанавливает получателя изменений баланса.
// Вызывается вне мьютекса.
func (l *Ledger) SetObserver(obs Observer) {
	l.mu.Lock()
	l.observer = obs
	l.mu.Unlock()
}

// UpdateBalances перезаписывает total/used по данным биржи.
// reserved и locked не меняются. NaN в used считается нулём,
// NaN в total - пропуск валюты.
func (l *Ledger) UpdateBalances(updates map[string]BalanceUpdate) {
	currencies := make([]string, 0, len(updates))
	for currency := range updates {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	changed := make(map[string]Balance, len(updates))

	l.mu.Lock()
	for _, currency := range currencies {
		upd := updates[currency]
		bal, ok := l.balances[currency]
		if !ok {
			continue
		}
		if math.IsNaN(upd.Total) {
			l.logger.Warn("balance total is NaN, skipped", zap.String("currency", currency))
			continue
		}
		used := upd.Used
		if math.IsNaN(used) {
			used = 0
		}
		bal.Total = upd.Total
		bal.Used = used
		changed[currency] = *bal
	}
	obs := l.observer
	l.mu.Unlock()

	for _, currency := range currencies {
		bal, ok := changed[currency]
		if !ok {
			continue
		}
		l.logBalance(currency, bal)
		if bal.Free() < 0 {
			l.logger.Warn("free balance is negative after venue update",
				zap.String("currency", currency),
				zap.Float64("free", bal.Free()))
		}
		l.notify(obs, currency, bal)
	}
}

// Reserve атомарно проверяет свободный остаток и резервирует qty
func (l *Ledger) Reserve(currency string, qty float64) (*Fund, error) {
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQty, qty)
	}

	l.mu.Lock()
	bal, ok := l.balances[currency]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s on %s", ErrCurrencyNotConfigured, currency, l.venue)
	}

	free := bal.Free()
	if free < qty {
		l.mu.Unlock()
		FundReservations.WithLabelValues(l.venue, currency, "insufficient").Inc()
		return nil, &InsufficientFundError{
			Venue:     l.venue,
			Currency:  currency,
			Requested: qty,
			Free:      free,
		}
	}

	fund := &Fund{
		id:        uuid.New(),
		owner:     l,
		currency:  currency,
		qty:       qty,
		createdAt: time.Now(),
		state:     FundReserved,
	}
	bal.Reserved += qty
	l.outstanding[fund] = struct{}{}
	snapshot := *bal
	obs := l.observer
	l.mu.Unlock()

	FundReservations.WithLabelValues(l.venue, currency, "reserved").Inc()
	l.logger.Debug("fund reserved",
		zap.Stringer("fund", fund),
		zap.Float64("free", snapshot.Free()))
	l.notify(obs, currency, snapshot)
	return fund, nil
}

// Release возвращает резерв в свободный остаток.
// Повторный вызов и чужой резерв - no-op. true, если резерв был снят.
func (l *Ledger) Release(fund *Fund) bool {
	return l.settle(fund, FundReleased)
}

// Apply списывает резерв: средства потрачены, total уменьшается на qty.
// Повторный вызов - no-op.
func (l *Ledger) Apply(fund *Fund) bool {
	return l.settle(fund, FundApplied)
}

func (l *Ledger) settle(fund *Fund, to FundState) bool {
	if fund == nil || fund.owner != l {
		return false
	}

	l.mu.Lock()
	if !l.removeLocked(fund) {
		l.mu.Unlock()
		return false
	}
	fund.state = to
	bal := l.balances[fund.currency]
	if to == FundApplied {
		bal.Total -= fund.qty
	}
	snapshot := *bal
	obs := l.observer
	l.mu.Unlock()

	result := "released"
	if to == FundApplied {
		result = "applied"
	}
	FundReservations.WithLabelValues(l.venue, fund.currency, result).Inc()
	l.logger.Debug("fund "+result, zap.Stringer("fund", fund))
	l.notify(obs, fund.currency, snapshot)
	return true
}

// removeLocked снимает резерв из outstanding; вызывается под мьютексом
func (l *Ledger) removeLocked(fund *Fund) bool {
	if fund.state != FundReserved {
		return false
	}
	if _, ok := l.outstanding[fund]; !ok {
		return false
	}
	delete(l.outstanding, fund)

	bal := l.balances[fund.currency]
	bal.Reserved -= fund.qty
	// накопленная ошибка float после серии резервов
	if bal.Reserved < 0 && bal.Reserved > -1e-9 {
		bal.Reserved = 0
	}
	return true
}

// Renew заменяет резерв новым того же объёма в одной критической секции.
// Если после снятия старого резерва свободных средств не хватает
// (баланс биржи уменьшился), старый резерв остаётся снятым.
func (l *Ledger) Renew(fund *Fund) (*Fund, error) {
	if fund == nil || fund.owner != l {
		return nil, ErrFundNotReserved
	}

	l.mu.Lock()
	if !l.removeLocked(fund) {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFundNotReserved, fund)
	}
	fund.state = FundReleased

	bal := l.balances[fund.currency]
	if free := bal.Free(); free < fund.qty {
		snapshot := *bal
		obs := l.observer
		l.mu.Unlock()

		FundReservations.WithLabelValues(l.venue, fund.currency, "released").Inc()
		FundReservations.WithLabelValues(l.venue, fund.currency, "insufficient").Inc()
		l.logger.Warn("fund renew refused, old fund released",
			zap.Stringer("fund", fund),
			zap.Float64("free", free))
		l.notify(obs, fund.currency, snapshot)
		return nil, &InsufficientFundError{
			Venue:     l.venue,
			Currency:  fund.currency,
			Requested: fund.qty,
			Free:      free,
		}
	}

	renewed := &Fund{
		id:        uuid.New(),
		owner:     l,
		currency:  fund.currency,
		qty:       fund.qty,
		createdAt: time.Now(),
		state:     FundReserved,
	}
	bal.Reserved += fund.qty
	l.outstanding[renewed] = struct{}{}
	l.mu.Unlock()

	l.logger.Debug("fund renewed", zap.Stringer("old", fund), zap.Stringer("new", renewed))
	return renewed, nil
}

// Has - резерв принадлежит этому учёту и ещё не снят
func (l *Ledger) Has(fund *Fund) bool {
	if fund == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.outstanding[fund]
	return ok
}

// Balance возвращает копию баланса валюты
func (l *Ledger) Balance(currency string) (Balance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[currency]
	if !ok {
		return Balance{}, false
	}
	return *bal, true
}

// Snapshot возвращает копии всех балансов
func (l *Ledger) Snapshot() map[string]Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Balance, len(l.balances))
	for currency, bal := range l.balances {
		out[currency] = *bal
	}
	return out
}

// Outstanding - сумма активных резервов по валюте
func (l *Ledger) Outstanding(currency string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum float64
	for fund := range l.outstanding {
		if fund.currency == currency {
			sum += fund.qty
		}
	}
	return sum
}

func (l *Ledger) notify(obs Observer, currency string, bal Balance) {
	publishBalance(l.venue, currency, bal)
	if obs != nil {
		obs(l.venue, currency, bal)
	}
}

func (l *Ledger) logBalance(currency string, bal Balance) {
	l.logger.Info("balance updated",
		zap.String("currency", currency),
		zap.Float64("total", bal.Total),
		zap.Float64("used", bal.Used),
		zap.Float64("reserved", bal.Reserved),
		zap.Float64("locked", bal.Locked),
		zap.Float64("free", bal.Free()))
}
