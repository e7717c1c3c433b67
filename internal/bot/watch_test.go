package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"coinarb/internal/models"
)

// fakeClock - управляемое время
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newWatchedAgent(t *testing.T) (*BookWatchStrategy, *Agent, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewBookWatchStrategy(10 * time.Second)
	s.now = clock.now

	conn := newFakeConnector("bitbankcc", nil)
	a := newTestAgent(t, conn, testAgentConfig(Precision{Price: 3, Qty: 4}), s)
	if err := s.Init(context.Background(), a); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s, a, clock
}

func bookEvent(instrument string) (models.Key, interface{}) {
	return models.Key{Topic: models.TopicOrderBook, Name: instrument}, &models.OrderBook{
		Venue:      "bitbankcc",
		Instrument: instrument,
		Asks:       models.Ladder{models.Level(50, 1)},
		Bids:       models.Ladder{models.Level(49, 1)},
	}
}

func TestBookWatch_MarksSilentStream(t *testing.T) {
	s, a, clock := newWatchedAgent(t)
	ctx := context.Background()

	clock.advance(5 * time.Second)
	_ = s.MainTick(ctx, a)
	if s.Stale(testInstrument) {
		t.Fatal("stream must not be stale within threshold")
	}

	clock.advance(6 * time.Second)
	_ = s.MainTick(ctx, a)
	if !s.Stale(testInstrument) {
		t.Fatal("stream without books must become stale")
	}

	s.OnData(bookEvent(testInstrument))
	if s.Stale(testInstrument) {
		t.Error("a fresh book must clear the stale mark")
	}
	_ = s.MainTick(ctx, a)
	if s.Stale(testInstrument) {
		t.Error("stream with a fresh book must stay healthy")
	}
}

func TestBookWatch_IgnoresForeignEvents(t *testing.T) {
	s, a, clock := newWatchedAgent(t)

	clock.advance(11 * time.Second)
	s.OnData(bookEvent("BTC_JPY"))
	s.OnData(models.Key{Topic: models.TopicExecution, Name: testInstrument}, nil)
	s.OnData(models.Key{Topic: models.TopicOrderBook, Name: testInstrument}, "not a book")

	_ = s.MainTick(context.Background(), a)
	if !s.Stale(testInstrument) {
		t.Error("events of other instruments or topics must not refresh the stream")
	}
	if s.Stale("BTC_JPY") {
		t.Error("instrument outside the agent must not be tracked")
	}
}

func TestBookWatch_DataBeforeInit(t *testing.T) {
	s := NewBookWatchStrategy(0)
	if s.staleAfter != DefaultBookStaleAfter {
		t.Errorf("staleAfter = %s, want default", s.staleAfter)
	}
	// до Init инструменты неизвестны
	s.OnData(bookEvent(testInstrument))
	if s.Stale(testInstrument) {
		t.Error("unexpected stale mark before Init")
	}
}

func TestBookWatch_RunsInsideAgent(t *testing.T) {
	conn := newFakeConnector("bitbankcc", map[string]float64{"JPY": 1})
	s := NewBookWatchStrategy(time.Millisecond)
	a := newTestAgent(t, conn, testAgentConfig(Precision{Price: 3, Qty: 4}), s)

	go func() { _ = a.Run(context.Background()) }()
	defer func() {
		a.Stop()
		a.Wait()
	}()

	if a.Strategy() != Strategy(s) {
		t.Fatal("agent must keep the given strategy")
	}
	waitFor(t, time.Second, func() bool { return s.Stale(testInstrument) })
}
