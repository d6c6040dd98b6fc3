package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"crossarb/internal/bot"
)

// unlockLua удаляет ключ, только если он все еще принадлежит владельцу токена
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// ErrLockHeld - ключ уже захвачен другим исполнителем
var ErrLockHeld = bot.ErrLockHeld

// Locker - межпроцессная блокировка single-flight (SET NX + TTL)
type Locker struct {
	c        *Client
	unlockSc *redis.Script
}

// NewLocker создает блокировку поверх клиента
func NewLocker(c *Client) *Locker {
	return &Locker{c: c, unlockSc: redis.NewScript(unlockLua)}
}

// Acquire захватывает ключ на ttl.
// Возвращает функцию освобождения, безопасную для повторного вызова.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := l.c.key("lock", key)

	ok, err := l.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// контекст вызывающего может быть уже отменен
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.c.rdb, []string{lk}, token).Err()
		})
	}
	return release, nil
}

var _ bot.Locker = (*Locker)(nil)
