package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"crossarb/internal/models"
)

// TradeStore - долговременное хранилище сделок
//
// UpdateStatus должен быть durable до возврата: сага продолжает работу
// только после подтверждения записи.
type TradeStore interface {
	SaveTrade(ctx context.Context, t *models.Trade) error
	UpdateStatus(ctx context.Context, id string, status models.TradeStatus, upd *models.TradeUpdate) error
	LoadActiveTrades(ctx context.Context) ([]*models.Trade, error)
}

// ExitStateStore - необязательное расширение TradeStore для состояния трейлинга
type ExitStateStore interface {
	SaveExitState(ctx context.Context, s models.ExitState) error
	LoadExitStates(ctx context.Context) (map[string]models.ExitState, error)
}

// CooldownStore - время последнего открытия по ключу instrument|long|short
type CooldownStore interface {
	LastOpened(ctx context.Context, key string) (time.Time, bool, error)
	RecordOpen(ctx context.Context, key string, at time.Time, ttl time.Duration) error
}

// ErrLockHeld - ключ уже исполняется (возможно, другим процессом)
var ErrLockHeld = errors.New("execution lock held")

// Locker - межпроцессная блокировка single-flight по ключу
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// TradeListener получает снимок сделки после каждого перехода
type TradeListener interface {
	OnTradeUpdate(t *models.Trade)
}

// NotificationSink доставляет уведомление (БД, WebSocket, лог)
type NotificationSink interface {
	Deliver(ctx context.Context, n *models.Notification) error
}

// NotificationSinkFunc - адаптер функции к NotificationSink
type NotificationSinkFunc func(ctx context.Context, n *models.Notification) error

func (f NotificationSinkFunc) Deliver(ctx context.Context, n *models.Notification) error {
	return f(ctx, n)
}

// ============================================================
// In-memory cooldown
// ============================================================

// memoryCooldowns - cooldown в памяти процесса
type memoryCooldowns struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newMemoryCooldowns() *memoryCooldowns {
	return &memoryCooldowns{last: make(map[string]time.Time)}
}

func (m *memoryCooldowns) LastOpened(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.last[key]
	return t, ok, nil
}

func (m *memoryCooldowns) RecordOpen(_ context.Context, key string, at time.Time, _ time.Duration) error {
	m.mu.Lock()
	m.last[key] = at
	m.mu.Unlock()
	return nil
}
