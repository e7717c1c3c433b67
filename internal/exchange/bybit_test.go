package exchange

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coinarb/internal/models"
	"coinarb/pkg/utils"
)

var testCred = Credential{APIKey: "key-1", APISecret: "secret-1"}

// newBybitServer поднимает REST сервер, проверяющий подпись запроса
func newBybitServer(t *testing.T, routes map[string]string) (*Bybit, func() []string) {
	t.Helper()
	var (
		mu     sync.Mutex
		bodies []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := r.URL.RawQuery
		if r.Method == http.MethodPost {
			data, _ := io.ReadAll(r.Body)
			payload = string(data)
			mu.Lock()
			bodies = append(bodies, payload)
			mu.Unlock()
		}
		want := bybitSign(testCred.APISecret, r.Header.Get("X-BAPI-TIMESTAMP"), testCred.APIKey, payload)
		if r.Header.Get("X-BAPI-API-KEY") != testCred.APIKey || r.Header.Get("X-BAPI-SIGN") != want {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		resp, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)

	b := NewBybit(Options{Name: "bybit", BaseURL: srv.URL, Logger: utils.NewNopLogger()})
	return b, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), bodies...)
	}
}

func TestBybit_Registered(t *testing.T) {
	if !IsSupported("bybit") {
		t.Fatal("bybit connector should be registered")
	}
}

func TestBybitSymbol(t *testing.T) {
	tests := []struct {
		instrument string
		want       string
		wantErr    bool
	}{
		{"XRP_USDT", "XRPUSDT", false},
		{"btc_usdc", "BTCUSDC", false},
		{"XRPUSDT", "", true},
	}
	for _, tt := range tests {
		got, err := bybitSymbol(tt.instrument)
		if (err != nil) != tt.wantErr {
			t.Errorf("bybitSymbol(%q) error = %v, wantErr %v", tt.instrument, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("bybitSymbol(%q) = %q, want %q", tt.instrument, got, tt.want)
		}
	}
}

func TestBybitOrderState(t *testing.T) {
	tests := map[string]models.OrderState{
		"New":                     models.OrderActive,
		"PartiallyFilled":         models.OrderActive,
		"Filled":                  models.OrderFilled,
		"Cancelled":               models.OrderCancelled,
		"PartiallyFilledCanceled": models.OrderCancelled,
		"Rejected":                models.OrderCancelled,
		"Deactivated":             models.OrderExpired,
		"":                        models.OrderSubmitted,
	}
	for status, want := range tests {
		if got := bybitOrderState(status); got != want {
			t.Errorf("bybitOrderState(%q) = %s, want %s", status, got, want)
		}
	}
}

func TestBybit_CreateLimitOrder(t *testing.T) {
	b, bodies := newBybitServer(t, map[string]string{
		"POST /v5/order/create": `{"retCode":0,"retMsg":"OK","result":{"orderId":"1001"}}`,
	})

	order, err := b.CreateLimitOrder(context.Background(), testCred, "XRP_USDT", models.SideSell, 0.5123, 20)
	if err != nil {
		t.Fatalf("CreateLimitOrder failed: %v", err)
	}
	if order.ID != "1001" || order.State != models.OrderSubmitted || order.Venue != "bybit" {
		t.Errorf("unexpected order: %+v", order)
	}

	sent := bodies()
	if len(sent) != 1 {
		t.Fatalf("expected 1 request body, got %d", len(sent))
	}
	body := sent[0]
	for _, part := range []string{`"symbol":"XRPUSDT"`, `"side":"Sell"`, `"orderType":"Limit"`, `"price":"0.5123"`, `"qty":"20"`, `"category":"spot"`} {
		if !strings.Contains(body, part) {
			t.Errorf("request body %s missing %s", body, part)
		}
	}
}

func TestBybit_CreateMarketOrderRejected(t *testing.T) {
	b, _ := newBybitServer(t, map[string]string{
		"POST /v5/order/create": `{"retCode":170131,"retMsg":"Insufficient balance.","result":{}}`,
	})

	_, err := b.CreateMarketOrder(context.Background(), testCred, "XRP_USDT", models.SideBuy, 10)
	var apiErr *BybitAPIError
	if !errors.As(err, &apiErr) || apiErr.Code != 170131 {
		t.Fatalf("expected BybitAPIError 170131, got %v", err)
	}
	if IsTransient(err) {
		t.Error("business rejection must not be transient")
	}
}

func TestBybit_TransientCode(t *testing.T) {
	b, _ := newBybitServer(t, map[string]string{
		"GET /v5/account/wallet-balance": `{"retCode":10006,"retMsg":"Too many visits!","result":{}}`,
	})

	_, err := b.GetBalances(context.Background(), testCred)
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestBybit_GetOrderFallsBackToHistory(t *testing.T) {
	b, _ := newBybitServer(t, map[string]string{
		"GET /v5/order/realtime": `{"retCode":0,"result":{"list":[]}}`,
		"GET /v5/order/history":  `{"retCode":0,"result":{"list":[{"orderId":"1001","orderStatus":"PartiallyFilledCanceled","price":"0.5","qty":"20","cumExecQty":"12.5","avgPrice":"0.5","updatedTime":"1700000000000"}]}}`,
	})

	placed := &models.Order{ID: "1001", Instrument: "XRP_USDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Price: 0.5, Qty: 20, State: models.OrderActive}
	got, err := b.GetOrder(context.Background(), testCred, placed)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.State != models.OrderCancelled || got.QtyExecuted != 12.5 || got.PriceExecutedAverage != 0.5 {
		t.Errorf("unexpected order: %+v", got)
	}
	if !got.UpdatedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}
	if placed.State != models.OrderActive {
		t.Error("input order must not be modified")
	}
}

func TestBybit_GetOrderNotFoundIsTransient(t *testing.T) {
	b, _ := newBybitServer(t, map[string]string{
		"GET /v5/order/realtime": `{"retCode":0,"result":{"list":[]}}`,
		"GET /v5/order/history":  `{"retCode":0,"result":{"list":[]}}`,
	})

	_, err := b.GetOrder(context.Background(), testCred, &models.Order{ID: "x", Instrument: "XRP_USDT"})
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestBybit_CancelOrderAlreadyDone(t *testing.T) {
	b, _ := newBybitServer(t, map[string]string{
		"POST /v5/order/cancel": `{"retCode":170213,"retMsg":"Order does not exist.","result":{}}`,
	})

	err := b.CancelOrder(context.Background(), testCred, &models.Order{ID: "1001", Instrument: "XRP_USDT"})
	if !errors.Is(err, ErrCannotCancel) {
		t.Fatalf("expected ErrCannotCancel, got %v", err)
	}
}

func TestBybit_GetBalances(t *testing.T) {
	b, _ := newBybitServer(t, map[string]string{
		"GET /v5/account/wallet-balance": `{"retCode":0,"result":{"list":[{"coin":[
			{"coin":"USDT","walletBalance":"1500.25","locked":"100"},
			{"coin":"XRP","walletBalance":"300","locked":""}
		]}]}}`,
	})

	balances, err := b.GetBalances(context.Background(), testCred)
	if err != nil {
		t.Fatalf("GetBalances failed: %v", err)
	}
	if balances["USDT"].Total != 1500.25 || balances["USDT"].Used != 100 {
		t.Errorf("USDT = %+v", balances["USDT"])
	}
	if balances["XRP"].Total != 300 || balances["XRP"].Used != 0 {
		t.Errorf("XRP = %+v", balances["XRP"])
	}
}

func TestBybit_BadSignatureRejected(t *testing.T) {
	b, _ := newBybitServer(t, map[string]string{
		"GET /v5/account/wallet-balance": `{"retCode":0,"result":{"list":[]}}`,
	})

	_, err := b.GetBalances(context.Background(), Credential{APIKey: "key-1", APISecret: "wrong"})
	if err == nil {
		t.Fatal("expected error for bad signature")
	}
}

// ============================================================
// Поток стаканов
// ============================================================

func TestBybit_OrderBookStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"ret_msg":"","op":"subscribe"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"orderbook.50.XRPUSDT","type":"snapshot","ts":1700000000000,"data":{"s":"XRPUSDT","b":[["0.49","100"],["0.50","50"]],"a":[["0.52","30"],["0.51","40"]],"u":1}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"orderbook.50.XRPUSDT","type":"delta","ts":1700000000100,"data":{"s":"XRPUSDT","b":[["0.50","0"]],"a":[["0.505","5"]],"u":2}}`))

		// держим соединение до закрытия клиентом
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b := NewBybit(Options{
		Name:      "bybit",
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Logger:    utils.NewNopLogger(),
	})

	books := make(chan *models.OrderBook, 4)
	key := models.Key{Topic: models.TopicOrderBook, Name: "XRP_USDT"}
	err := b.Subscribe([]models.Key{key}, func(k models.Key, payload interface{}) {
		if k == key {
			books <- payload.(*models.OrderBook)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Close()

	select {
	case msg := <-subscribed:
		if !strings.Contains(msg, "orderbook.50.XRPUSDT") {
			t.Errorf("unexpected subscribe message %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not sent")
	}

	next := func() *models.OrderBook {
		select {
		case book := <-books:
			return book
		case <-time.After(2 * time.Second):
			t.Fatal("order book not received")
		}
		return nil
	}

	snapshot := next()
	if snapshot.Instrument != "XRP_USDT" || snapshot.Venue != "bybit" {
		t.Errorf("unexpected book identity: %s/%s", snapshot.Venue, snapshot.Instrument)
	}
	if !snapshot.Bids.IsSortedDesc() || !snapshot.Asks.IsSortedAsc() {
		t.Error("ladders must be sorted best first")
	}
	if snapshot.Bids[0].Price != 0.50 || snapshot.Asks[0].Price != 0.51 {
		t.Errorf("unexpected best levels: bid %v ask %v", snapshot.Bids[0], snapshot.Asks[0])
	}

	delta := next()
	if len(delta.Bids) != 1 || delta.Bids[0].Price != 0.49 {
		t.Errorf("bid 0.50 should be removed, got %v", delta.Bids)
	}
	if len(delta.Asks) != 3 || delta.Asks[0].Price != 0.505 || delta.Asks[0].Qty != 5 {
		t.Errorf("ask 0.505 should be inserted first, got %v", delta.Asks)
	}
}

func TestBybit_DeltaWithoutSnapshotIgnored(t *testing.T) {
	b := NewBybit(Options{Name: "bybit", Logger: utils.NewNopLogger()})

	called := false
	key := models.Key{Topic: models.TopicOrderBook, Name: "XRP_USDT"}
	b.mu.Lock()
	b.symbols["XRPUSDT"] = "XRP_USDT"
	b.handlers = append(b.handlers, bybitSubscription{
		keys:    map[models.Key]struct{}{key: {}},
		handler: func(models.Key, interface{}) { called = true },
	})
	b.mu.Unlock()

	b.handleMessage([]byte(`{"topic":"orderbook.50.XRPUSDT","type":"delta","data":{"s":"XRPUSDT","b":[["0.5","1"]],"a":[]}}`))
	if called {
		t.Error("delta without snapshot must not be published")
	}
}
