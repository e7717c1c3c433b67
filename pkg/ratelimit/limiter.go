package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - token bucket для запросов к API биржи
//
// Ведро пополняется со скоростью rate токенов/сек до ёмкости burst,
// каждый запрос тратит 1 токен.
//
//	limiter := NewRateLimiter(5, 10)
//	if err := limiter.Wait(ctx); err != nil { ... }
type RateLimiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter создаёт limiter; rate <= 0 даёт 10 req/sec, burst <= 0 даёт 2x rate
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = rate * 2
	}
	if burst < rate {
		burst = rate
	}
	if burst < 1 {
		burst = 1
	}

	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
	}
}

// refill вызывается под lock'ом
func (rl *RateLimiter) refill() {
	now := time.Now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow забирает токен без ожидания
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Tokens - текущее число токенов (для метрик и тестов)
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// ============================================================
// VenueLimiter - лимиты по категориям запросов одной биржи
// ============================================================

// Категории запросов к бирже
const (
	CategoryOrder   = "order"   // create/cancel
	CategoryQuery   = "query"   // get_order
	CategoryAccount = "account" // balances
)

// VenueLimiter держит отдельное ведро на каждую категорию.
// Категория без лимита не ограничивается.
type VenueLimiter struct {
	limiters map[string]*RateLimiter
	mu       sync.RWMutex
}

// NewVenueLimiter создаёт пустой набор лимитов
func NewVenueLimiter() *VenueLimiter {
	return &VenueLimiter{limiters: make(map[string]*RateLimiter)}
}

// Set задаёт лимит для категории
func (vl *VenueLimiter) Set(category string, rate, burst float64) *VenueLimiter {
	vl.mu.Lock()
	vl.limiters[category] = NewRateLimiter(rate, burst)
	vl.mu.Unlock()
	return vl
}

// Wait ожидает токен категории
func (vl *VenueLimiter) Wait(ctx context.Context, category string) error {
	vl.mu.RLock()
	limiter, ok := vl.limiters[category]
	vl.mu.RUnlock()

	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

// Get возвращает limiter категории или nil
func (vl *VenueLimiter) Get(category string) *RateLimiter {
	vl.mu.RLock()
	defer vl.mu.RUnlock()
	return vl.limiters[category]
}
