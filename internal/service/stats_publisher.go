package service

import (
	"context"
	"time"

	"crossarb/internal/models"
)

// StatsBroadcaster - интерфейс для отправки обновлений статистики через WebSocket
type StatsBroadcaster interface {
	BroadcastStats(stats models.EngineStats)
}

// StatsPublisher периодически рассылает снимок движка подписчикам UI
type StatsPublisher struct {
	source   func() models.EngineStats
	hub      StatsBroadcaster
	interval time.Duration
}

// NewStatsPublisher создает публикатор; interval по умолчанию 1 секунда
func NewStatsPublisher(source func() models.EngineStats, hub StatsBroadcaster, interval time.Duration) *StatsPublisher {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatsPublisher{source: source, hub: hub, interval: interval}
}

// Run публикует снимки до отмены контекста
func (p *StatsPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.hub.BroadcastStats(p.source())
		}
	}
}
