package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"crossarb/internal/bot"
)

// CooldownStore хранит момент последнего открытия по ключу сделки.
// Ключ живет ровно cooldown, после чего Redis удаляет его сам.
type CooldownStore struct {
	c *Client
}

// NewCooldownStore создает хранилище cooldown
func NewCooldownStore(c *Client) *CooldownStore {
	return &CooldownStore{c: c}
}

// LastOpened возвращает время последнего открытия; false, если ключа нет
func (s *CooldownStore) LastOpened(ctx context.Context, key string) (time.Time, bool, error) {
	v, err := s.c.rdb.Get(ctx, s.c.key("cooldown", key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis: get cooldown %s: %w", key, err)
	}
	at, err := parseUnixNano(v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis: parse cooldown %s: %w", key, err)
	}
	return at, true, nil
}

// RecordOpen записывает время открытия с TTL = cooldown.
// При нулевом cooldown запись не нужна.
func (s *CooldownStore) RecordOpen(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	err := s.c.rdb.Set(ctx, s.c.key("cooldown", key), formatUnixNano(at), ttl).Err()
	if err != nil {
		return fmt.Errorf("redis: set cooldown %s: %w", key, err)
	}
	return nil
}

func formatUnixNano(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseUnixNano(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

var _ bot.CooldownStore = (*CooldownStore)(nil)
