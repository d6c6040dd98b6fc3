package service

import (
	"context"
	"time"

	"crossarb/internal/models"
	"crossarb/internal/repository"
)

// NotificationRepositoryInterface определяет интерфейс репозитория уведомлений
type NotificationRepositoryInterface interface {
	Create(ctx context.Context, notif *models.Notification) error
	GetRecent(ctx context.Context, limit int) ([]*models.Notification, error)
	GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
	GetByTradeID(ctx context.Context, tradeID string, limit int) ([]*models.Notification, error)
	DeleteAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	CountByType(ctx context.Context, notifType string) (int, error)
	KeepRecent(ctx context.Context, keep int) (int64, error)
}

// TradeHistoryRepository - чтение истории сделок
type TradeHistoryRepository interface {
	GetByID(ctx context.Context, id string) (*models.Trade, error)
	ListTrades(ctx context.Context, status string, limit int) ([]*models.Trade, error)
	CountByStatus(ctx context.Context) (map[models.TradeStatus]int, error)
	RealizedPnlSince(ctx context.Context, since time.Time) (float64, error)
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ NotificationRepositoryInterface = (*repository.NotificationRepository)(nil)
var _ TradeHistoryRepository = (*repository.TradeRepository)(nil)
var _ TradeHistoryRepository = (*repository.MemoryTradeStore)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// NotificationServiceInterface определяет интерфейс сервиса уведомлений
type NotificationServiceInterface interface {
	GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
	GetTradeNotifications(ctx context.Context, tradeID string, limit int) ([]*models.Notification, error)
	ClearNotifications(ctx context.Context) error
	GetNotificationCount(ctx context.Context) (int, error)
}

// TradeServiceInterface определяет интерфейс сервиса истории сделок
type TradeServiceInterface interface {
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	ListTrades(ctx context.Context, status string, limit int) ([]*models.Trade, error)
	GetSummary(ctx context.Context) (*TradeSummary, error)
}

// Проверяем, что реальные сервисы реализуют интерфейсы
var _ NotificationServiceInterface = (*NotificationService)(nil)
var _ TradeServiceInterface = (*TradeService)(nil)
