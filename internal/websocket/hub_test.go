package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coinarb/internal/bot"
	"coinarb/internal/funds"
	"coinarb/pkg/utils"
)

// ============================================================
// Unit Tests
// ============================================================

func newTestHub() *Hub {
	return NewHub("", utils.NewNopLogger())
}

func TestNewHub(t *testing.T) {
	hub := newTestHub()

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker("http://localhost:3000, https://example.com")

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // empty origin allowed
		{"http://localhost:3000", true},  // allowed
		{"https://example.com", true},    // allowed
		{"http://evil.com", false},       // not allowed
		{"http://localhost:8080", false}, // not in list
	}

	for _, tt := range tests {
		got := checker.Check(tt.origin)
		if got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	for _, cfg := range []string{"", "*", "  "} {
		checker := NewOriginChecker(cfg)
		if !checker.Check("https://evil.com") {
			t.Errorf("NewOriginChecker(%q) should allow any origin", cfg)
		}
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	hub := newTestHub()

	// Run не запущен: очередь заполняется и лишние сообщения отбрасываются
	for i := 0; i < hubBroadcastBuffer+44; i++ {
		hub.Broadcast(map[string]int{"i": i})
	}

	if got := hub.DroppedMessages(); got != 44 {
		t.Errorf("expected 44 dropped messages, got %d", got)
	}
}

func TestHub_Stop(t *testing.T) {
	hub := newTestHub()

	done := make(chan struct{})
	go func() {
		_ = hub.Run(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	hub.Stop()
	hub.Stop() // повторный вызов безопасен

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

func TestHub_RunStopsWithContext(t *testing.T) {
	hub := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("Hub.Run() did not exit after context cancel")
	}
}

func TestHub_SlowClientRemoved(t *testing.T) {
	hub := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client

	hub.BroadcastRaw([]byte(`{"n":1}`))
	hub.BroadcastRaw([]byte(`{"n":2}`))

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 0 {
		t.Fatal("slow client should be removed")
	}

	// первое сообщение доставлено, канал закрыт
	if msg := <-client.send; string(msg) != `{"n":1}` {
		t.Errorf("unexpected message %s", msg)
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed")
	}
}

// ============================================================
// Integration: httptest + gorilla client
// ============================================================

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("client not registered")
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHub_StreamsEvents(t *testing.T) {
	hub := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialHub(t, hub)

	hub.OnBalance("bitbankcc", "JPY", funds.Balance{Total: 1000, Used: 100, Reserved: 200, Locked: 50})
	msg := readJSON(t, conn)
	if msg["type"] != string(MessageTypeBalance) || msg["venue"] != "bitbankcc" || msg["currency"] != "JPY" {
		t.Errorf("unexpected balance message: %v", msg)
	}
	if msg["free"] != 650.0 {
		t.Errorf("free = %v, want 650", msg["free"])
	}

	hub.TradeExecuted(&bot.TradeReport{TradeID: "t-1", Instrument: "XRP_JPY", Result: "completed"})
	msg = readJSON(t, conn)
	if msg["type"] != string(MessageTypeExecution) {
		t.Fatalf("unexpected message type: %v", msg["type"])
	}
	data, _ := msg["data"].(map[string]interface{})
	if data["trade_id"] != "t-1" || data["result"] != "completed" {
		t.Errorf("unexpected execution data: %v", data)
	}

	hub.Alert(bot.SeverityCritical, "XRP_JPY", "far leg failed")
	msg = readJSON(t, conn)
	if msg["type"] != string(MessageTypeAlert) || msg["severity"] != bot.SeverityCritical {
		t.Errorf("unexpected alert message: %v", msg)
	}
}

func TestHub_ForbiddenOrigin(t *testing.T) {
	hub := NewHub("https://ops.example.com", utils.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	header := http.Header{"Origin": {"https://evil.com"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 response, got %v", resp)
	}
	if hub.ClientCount() != 0 {
		t.Error("client must not be registered")
	}
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.Broadcast(map[string]int{"goroutine": id, "op": j})
			}
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}

// BenchmarkHub_Broadcast тестирует скорость broadcast
func BenchmarkHub_Broadcast(b *testing.B) {
	hub := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	report := &bot.TradeReport{TradeID: "t-1", Instrument: "XRP_JPY", Result: "completed"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.TradeExecuted(report)
	}
}
