package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter - token bucket для запросов к REST API площадки
//
// Ведро наполняется со скоростью rate токенов/сек до ёмкости burst,
// каждый запрос потребляет один токен.
type Limiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewLimiter создаёт limiter; rate <= 0 означает 10 req/sec, burst <= 0 - 2×rate
func NewLimiter(rate, burst float64) *Limiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = rate * 2
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// вызывается под lock'ом
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
	}
	l.lastRefill = now
}

// Allow забирает токен без ожидания
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Wait блокируется до появления токена или отмены контекста
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens возвращает текущее количество токенов
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// ============================================================
// VenueLimiter - отдельное ведро на каждую площадку
// ============================================================

// VenueLimiter лениво создаёт Limiter для каждой площадки
type VenueLimiter struct {
	rate     float64
	burst    float64
	limiters map[string]*Limiter
	mu       sync.Mutex
}

// NewVenueLimiter создаёт набор limiter'ов с общими параметрами
func NewVenueLimiter(rate, burst float64) *VenueLimiter {
	return &VenueLimiter{
		rate:     rate,
		burst:    burst,
		limiters: make(map[string]*Limiter),
	}
}

// Get возвращает limiter площадки
func (v *VenueLimiter) Get(venue string) *Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.limiters[venue]
	if !ok {
		l = NewLimiter(v.rate, v.burst)
		v.limiters[venue] = l
	}
	return l
}

// Wait ждёт токен площадки
func (v *VenueLimiter) Wait(ctx context.Context, venue string) error {
	return v.Get(venue).Wait(ctx)
}
