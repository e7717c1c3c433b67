package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"coinarb/internal/exchange"
	"coinarb/internal/funds"
	"coinarb/internal/models"
	"coinarb/pkg/utils"
)

const testInstrument = "XRP_JPY"

// fakeConnector - paper-биржа с подменяемыми вызовами и счётчиками
type fakeConnector struct {
	*exchange.PaperConnector

	mu    sync.Mutex
	calls map[string]int

	createLimit  func(instrument string, side models.Side, price, qty float64) (*models.Order, error)
	createMarket func(instrument string, side models.Side, qty float64) (*models.Order, error)
	getOrder     func(order *models.Order) (*models.Order, error)
	cancelOrder  func(order *models.Order) error
	getBalances  func() (map[string]exchange.BalanceInfo, error)
}

func newFakeConnector(name string, balances map[string]float64) *fakeConnector {
	return &fakeConnector{
		PaperConnector: exchange.NewPaperConnector(name, balances),
		calls:          make(map[string]int),
	}
}

func (f *fakeConnector) inc(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeConnector) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeConnector) CreateLimitOrder(ctx context.Context, cred exchange.Credential, instrument string, side models.Side, price, qty float64) (*models.Order, error) {
	f.inc("create_limit")
	if f.createLimit != nil {
		return f.createLimit(instrument, side, price, qty)
	}
	return f.PaperConnector.CreateLimitOrder(ctx, cred, instrument, side, price, qty)
}

func (f *fakeConnector) CreateMarketOrder(ctx context.Context, cred exchange.Credential, instrument string, side models.Side, qty float64) (*models.Order, error) {
	f.inc("create_market")
	if f.createMarket != nil {
		return f.createMarket(instrument, side, qty)
	}
	return f.PaperConnector.CreateMarketOrder(ctx, cred, instrument, side, qty)
}

func (f *fakeConnector) GetOrder(ctx context.Context, cred exchange.Credential, order *models.Order) (*models.Order, error) {
	f.inc("get_order")
	if f.getOrder != nil {
		return f.getOrder(order)
	}
	return f.PaperConnector.GetOrder(ctx, cred, order)
}

func (f *fakeConnector) CancelOrder(ctx context.Context, cred exchange.Credential, order *models.Order) error {
	f.inc("cancel_order")
	if f.cancelOrder != nil {
		return f.cancelOrder(order)
	}
	return f.PaperConnector.CancelOrder(ctx, cred, order)
}

func (f *fakeConnector) GetBalances(ctx context.Context, cred exchange.Credential) (map[string]exchange.BalanceInfo, error) {
	f.inc("get_balances")
	if f.getBalances != nil {
		return f.getBalances()
	}
	return f.PaperConnector.GetBalances(ctx, cred)
}

// testAgentConfig - короткие интервалы для тестов
func testAgentConfig(precision Precision) AgentConfig {
	return AgentConfig{
		Interval:        10 * time.Millisecond,
		BalanceInterval: 20 * time.Millisecond,
		QueueWait:       5 * time.Millisecond,
		PollInterval:    2 * time.Millisecond,
		ErrorBackoff:    5 * time.Millisecond,
		OrderTimeout:    time.Second,
		QueueSize:       16,
		Precisions:      map[string]Precision{testInstrument: precision},
	}
}

func newTestAgent(t *testing.T, conn exchange.Connector, cfg AgentConfig, strategy Strategy) *Agent {
	t.Helper()
	pool, err := exchange.NewCredentialPool([]exchange.Credential{{APIKey: "key", APISecret: "secret"}})
	if err != nil {
		t.Fatalf("credential pool: %v", err)
	}
	ledger := funds.NewLedger(conn.Name(), map[string]float64{"XRP": 0, "JPY": 0}, utils.NewNopLogger())
	return NewAgent(conn.Name(), cfg, conn, pool, ledger, strategy, utils.NewNopLogger())
}

// waitFor ждёт условие не дольше timeout
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func mustReserve(t *testing.T, l *funds.Ledger, currency string, qty float64) *funds.Fund {
	t.Helper()
	fund, err := l.Reserve(currency, qty)
	if err != nil {
		t.Fatalf("reserve %s %v: %v", currency, qty, err)
	}
	return fund
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}
