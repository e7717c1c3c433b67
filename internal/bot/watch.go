package bot

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"coinarb/internal/models"
	"coinarb/pkg/utils"
)

// ============================================================
// BookWatchStrategy - контроль потока стаканов биржи
// ============================================================
//
// Запоминает время последнего стакана по инструментам агента.
// На тике публикует возраст стаканов и предупреждает о замолчавшем
// потоке один раз, до следующего стакана.

// DefaultBookStaleAfter - поток без стаканов дольше считается замолчавшим
const DefaultBookStaleAfter = 30 * time.Second

// BookWatchStrategy - стратегия агента, следящая за свежестью стаканов
type BookWatchStrategy struct {
	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	venue    string
	logger   *utils.Logger
	lastSeen map[string]time.Time
	stale    map[string]bool
}

// NewBookWatchStrategy создаёт стратегию; staleAfter <= 0 - DefaultBookStaleAfter
func NewBookWatchStrategy(staleAfter time.Duration) *BookWatchStrategy {
	if staleAfter <= 0 {
		staleAfter = DefaultBookStaleAfter
	}
	return &BookWatchStrategy{
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     utils.NewNopLogger(),
	}
}

// Init берёт инструменты из таблицы точностей агента.
// Отсчёт тишины начинается с запуска.
func (s *BookWatchStrategy) Init(ctx context.Context, a *Agent) error {
	instruments := make([]string, 0, len(a.Config().Precisions))
	for instrument := range a.Config().Precisions {
		instruments = append(instruments, instrument)
	}
	sort.Strings(instruments)

	started := s.now()
	s.mu.Lock()
	s.venue = a.Venue()
	s.logger = a.Logger()
	s.lastSeen = make(map[string]time.Time, len(instruments))
	s.stale = make(map[string]bool, len(instruments))
	for _, instrument := range instruments {
		s.lastSeen[instrument] = started
	}
	s.mu.Unlock()

	s.logger.Info("order book watch started",
		zap.Strings("instruments", instruments),
		zap.Duration("stale_after", s.staleAfter))
	return nil
}

// OnData отмечает стакан инструмента агента
func (s *BookWatchStrategy) OnData(key models.Key, payload interface{}) {
	if key.Topic != models.TopicOrderBook {
		return
	}
	book, ok := payload.(*models.OrderBook)
	if !ok || book == nil {
		return
	}
	instrument := book.Instrument
	if instrument == "" {
		instrument = key.Name
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, tracked := s.lastSeen[instrument]; !tracked {
		return
	}
	s.lastSeen[instrument] = s.now()
	if s.stale[instrument] {
		s.stale[instrument] = false
		s.logger.Info("order book stream recovered", zap.String("symbol", instrument))
	}
}

// MainTick публикует возраст стаканов и отмечает замолчавшие потоки
func (s *BookWatchStrategy) MainTick(ctx context.Context, a *Agent) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for instrument, seen := range s.lastSeen {
		age := now.Sub(seen)
		BookAge.WithLabelValues(s.venue, instrument).Set(age.Seconds())
		if age <= s.staleAfter || s.stale[instrument] {
			continue
		}
		s.stale[instrument] = true
		StaleBooks.WithLabelValues(s.venue, instrument).Inc()
		s.logger.Warn("order book stream silent",
			zap.String("symbol", instrument),
			zap.Duration("age", age))
	}
	return nil
}

// Stale - поток инструмента отмечен замолчавшим
func (s *BookWatchStrategy) Stale(instrument string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale[instrument]
}
