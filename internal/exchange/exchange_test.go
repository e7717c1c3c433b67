package exchange

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coinarb/internal/models"
	"coinarb/pkg/crypto"
)

func lvl(price, qty float64) models.PriceLevel {
	return models.Level(price, qty)
}

func newPaperWithBook(t *testing.T) *PaperConnector {
	t.Helper()
	p := NewPaperConnector("paper", map[string]float64{"JPY": 10000, "XRP": 100})
	p.SetBook("XRP_JPY",
		models.Ladder{lvl(50, 10), lvl(51, 10)},
		models.Ladder{lvl(49, 10), lvl(48, 10)},
	)
	return p
}

// ============================================================
// PaperConnector
// ============================================================

func TestPaper_LimitBuyFilled(t *testing.T) {
	p := newPaperWithBook(t)
	ctx := context.Background()

	order, err := p.CreateLimitOrder(ctx, Credential{}, "XRP_JPY", models.SideBuy, 51, 15)
	if err != nil {
		t.Fatalf("CreateLimitOrder failed: %v", err)
	}
	if order.State != models.OrderFilled || order.QtyExecuted != 15 {
		t.Fatalf("unexpected order: %+v", order)
	}
	wantAvg := (10*50.0 + 5*51.0) / 15
	if order.PriceExecutedAverage != wantAvg {
		t.Errorf("avg = %v, want %v", order.PriceExecutedAverage, wantAvg)
	}

	balances, _ := p.GetBalances(ctx, Credential{})
	if balances["XRP"].Total != 115 || balances["JPY"].Total != 10000-755 {
		t.Errorf("unexpected balances: %+v", balances)
	}
}

func TestPaper_LimitPartialStaysActiveUntilCancel(t *testing.T) {
	p := newPaperWithBook(t)
	ctx := context.Background()

	order, err := p.CreateLimitOrder(ctx, Credential{}, "XRP_JPY", models.SideSell, 49, 25)
	if err != nil {
		t.Fatal(err)
	}
	// продать 25 по 49 и выше: доступно только 10
	if order.State != models.OrderActive || order.QtyExecuted != 10 {
		t.Fatalf("unexpected order: %+v", order)
	}

	balances, _ := p.GetBalances(ctx, Credential{})
	if balances["XRP"].Used != 15 {
		t.Errorf("resting remainder must be locked, used=%v", balances["XRP"].Used)
	}

	if err := p.CancelOrder(ctx, Credential{}, order); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	got, _ := p.GetOrder(ctx, Credential{}, order)
	if got.State != models.OrderCancelled || got.QtyExecuted != 10 {
		t.Errorf("unexpected state after cancel: %+v", got)
	}
	if err := p.CancelOrder(ctx, Credential{}, order); !errors.Is(err, ErrCannotCancel) {
		t.Errorf("second cancel: expected ErrCannotCancel, got %v", err)
	}

	balances, _ = p.GetBalances(ctx, Credential{})
	if balances["XRP"].Used != 0 {
		t.Errorf("used must be released after cancel, got %v", balances["XRP"].Used)
	}
}

func TestPaper_MarketRemainderCancelled(t *testing.T) {
	p := newPaperWithBook(t)

	order, err := p.CreateMarketOrder(context.Background(), Credential{}, "XRP_JPY", models.SideBuy, 30)
	if err != nil {
		t.Fatal(err)
	}
	if order.State != models.OrderCancelled || order.QtyExecuted != 20 {
		t.Errorf("unexpected order: %+v", order)
	}
}

func TestPaper_LimitNoCross(t *testing.T) {
	p := newPaperWithBook(t)

	order, err := p.CreateLimitOrder(context.Background(), Credential{}, "XRP_JPY", models.SideBuy, 45, 1)
	if err != nil {
		t.Fatal(err)
	}
	if order.State != models.OrderActive || order.QtyExecuted != 0 {
		t.Errorf("unexpected order: %+v", order)
	}
}

func TestPaper_Errors(t *testing.T) {
	p := newPaperWithBook(t)
	ctx := context.Background()

	if _, err := p.CreateMarketOrder(ctx, Credential{}, "BTC_JPY", models.SideBuy, 1); err == nil {
		t.Error("expected error for unknown book")
	}
	if _, err := p.CreateMarketOrder(ctx, Credential{}, "XRPJPY", models.SideBuy, 1); err == nil {
		t.Error("expected error for malformed instrument")
	}
	if _, err := p.CreateMarketOrder(ctx, Credential{}, "XRP_JPY", models.SideSell, 0); err == nil {
		t.Error("expected error for zero qty")
	}
	p.SetBalance("JPY", 10)
	if _, err := p.CreateMarketOrder(ctx, Credential{}, "XRP_JPY", models.SideBuy, 5); err == nil {
		t.Error("expected insufficient balance error")
	}
}

func TestPaper_SubscribePublishesBooks(t *testing.T) {
	p := NewPaperConnector("paper", nil)
	if err := p.Open(context.Background()); err != nil || !p.IsOpen() {
		t.Fatal("Open failed")
	}

	var mu sync.Mutex
	var got []models.Key
	err := p.Subscribe([]models.Key{{Topic: models.TopicOrderBook, Name: "XRP_JPY"}}, func(key models.Key, payload interface{}) {
		mu.Lock()
		got = append(got, key)
		mu.Unlock()
		if _, ok := payload.(*models.OrderBook); !ok {
			t.Errorf("unexpected payload %T", payload)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	p.SetBook("XRP_JPY", models.Ladder{lvl(50, 1)}, models.Ladder{lvl(49, 1)})
	p.SetBook("BTC_JPY", models.Ladder{lvl(50, 1)}, models.Ladder{lvl(49, 1)})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Name != "XRP_JPY" {
		t.Errorf("unexpected deliveries: %v", got)
	}
}

func TestPaper_MirrorFollowsSourceBooks(t *testing.T) {
	source := NewPaperConnector("live", nil)
	sim := NewPaperConnector("sim", map[string]float64{"JPY": 10000})
	if err := sim.Mirror(source, []string{"XRP_JPY"}); err != nil {
		t.Fatalf("Mirror failed: %v", err)
	}

	var mu sync.Mutex
	var books []*models.OrderBook
	err := sim.Subscribe([]models.Key{{Topic: models.TopicOrderBook, Name: "XRP_JPY"}}, func(key models.Key, payload interface{}) {
		mu.Lock()
		books = append(books, payload.(*models.OrderBook))
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	source.SetBook("XRP_JPY", models.Ladder{lvl(50, 10)}, models.Ladder{lvl(49, 10)})
	source.SetBook("BTC_JPY", models.Ladder{lvl(9000, 1)}, models.Ladder{lvl(8900, 1)})

	mu.Lock()
	if len(books) != 1 || books[0].Venue != "sim" || books[0].Asks[0].Price != 50 {
		t.Errorf("unexpected mirrored books: %+v", books)
	}
	mu.Unlock()

	// заявки симулятора исполняются по зеркальной глубине
	order, err := sim.CreateMarketOrder(context.Background(), Credential{}, "XRP_JPY", models.SideBuy, 4)
	if err != nil {
		t.Fatalf("CreateMarketOrder failed: %v", err)
	}
	if order.State != models.OrderFilled || order.PriceExecutedAverage != 50 {
		t.Errorf("unexpected order: %+v", order)
	}
	if _, err := sim.CreateMarketOrder(context.Background(), Credential{}, "BTC_JPY", models.SideBuy, 1); err == nil {
		t.Error("unmirrored instrument must have no book")
	}
}

func TestAsPaper(t *testing.T) {
	conn, _ := NewConnector("paper", Options{Name: "sim", OrderRate: 5})
	if p, ok := AsPaper(conn); !ok || p.Name() != "sim" {
		t.Errorf("AsPaper must see through throttling, got %v %v", p, ok)
	}
	if _, ok := AsPaper(NewThrottled(NewPaperConnector("x", nil), nil)); !ok {
		t.Error("AsPaper must unwrap Throttled")
	}
}

// ============================================================
// CredentialPool
// ============================================================

func TestCredentialPool_RoundRobin(t *testing.T) {
	pool, err := NewCredentialPool([]Credential{{APIKey: "a"}, {APIKey: "b"}, {APIKey: "c"}})
	if err != nil {
		t.Fatal(err)
	}

	var order []string
	for i := 0; i < 6; i++ {
		_ = pool.With(context.Background(), func(c Credential) error {
			order = append(order, c.APIKey)
			return nil
		})
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCredentialPool_ReturnsOnError(t *testing.T) {
	pool, _ := NewCredentialPool([]Credential{{APIKey: "a"}})
	boom := errors.New("boom")

	if err := pool.With(context.Background(), func(Credential) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if pool.Available() != 1 {
		t.Errorf("credential not returned, available=%d", pool.Available())
	}
}

func TestCredentialPool_BlocksUntilReleased(t *testing.T) {
	pool, _ := NewCredentialPool([]Credential{{APIKey: "a"}})
	c, _ := pool.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	pool.Release(c)
	if _, err := pool.Acquire(context.Background()); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestCredentialPool_Empty(t *testing.T) {
	if _, err := NewCredentialPool(nil); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

func TestOpenCredentials(t *testing.T) {
	key := bytes.Repeat([]byte("k"), crypto.KeySize)
	sealed, err := crypto.EncryptSecret("s3cret", key)
	if err != nil {
		t.Fatal(err)
	}

	creds, err := OpenCredentials([]Credential{
		{APIKey: "key-1", APISecret: sealed},
		{APIKey: "key-2", APISecret: "plain"},
	}, key)
	if err != nil {
		t.Fatalf("OpenCredentials failed: %v", err)
	}
	if creds[0].APISecret != "s3cret" || creds[1].APISecret != "plain" {
		t.Errorf("unexpected secrets: %+v", creds)
	}

	if _, err := OpenCredentials([]Credential{{APIKey: "key-1", APISecret: sealed}}, nil); !errors.Is(err, crypto.ErrKeyRequired) {
		t.Errorf("expected ErrKeyRequired, got %v", err)
	}
}

// ============================================================
// Factory / Throttled / ExchangeError
// ============================================================

func TestNewConnector(t *testing.T) {
	conn, err := NewConnector("PAPER", Options{Name: "sim"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := conn.(*PaperConnector); !ok || conn.Name() != "sim" {
		t.Errorf("expected unthrottled paper connector, got %T", conn)
	}

	conn, err = NewConnector("paper", Options{Name: "sim", OrderRate: 5})
	if err != nil {
		t.Fatal(err)
	}
	th, ok := conn.(*Throttled)
	if !ok {
		t.Fatalf("expected *Throttled, got %T", conn)
	}
	if _, ok := th.Unwrap().(*PaperConnector); !ok {
		t.Error("Unwrap must return the paper connector")
	}

	if _, err := NewConnector("nope", Options{}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if !IsSupported("paper") || IsSupported("nope") {
		t.Error("IsSupported mismatch")
	}
}

func TestRegister(t *testing.T) {
	Register("fake-venue", func(opts Options) (Connector, error) {
		return NewPaperConnector(opts.Name, nil), nil
	})
	found := false
	for _, k := range SupportedKinds() {
		if k == "fake-venue" {
			found = true
		}
	}
	if !found {
		t.Error("registered kind not listed")
	}
}

func TestThrottled_CancelledContext(t *testing.T) {
	conn, _ := NewConnector("paper", Options{Name: "sim", QueryRate: 0.001})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	order := &models.Order{ID: "x"}
	// первый токен доступен сразу (burst), второй нужно ждать
	_, _ = conn.GetOrder(ctx, Credential{}, order)
	if _, err := conn.GetOrder(ctx, Credential{}, order); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestExchangeError(t *testing.T) {
	orig := errors.New("connection reset")
	err := NewExchangeError("quoinex", "503", "service unavailable", orig)

	if !errors.Is(err, orig) {
		t.Error("Unwrap must expose the original error")
	}
	if !IsTransient(err) || IsTransient(orig) {
		t.Error("IsTransient mismatch")
	}
	if err.Error() != "quoinex: [503] service unavailable" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
