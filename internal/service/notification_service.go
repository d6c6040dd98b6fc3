package service

import (
	"context"
	"strings"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// WebSocketBroadcaster - интерфейс для отправки WebSocket сообщений
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	BroadcastNotification(notif *models.Notification)
}

// validNotificationTypes - типы, которые порождает торговое ядро
var validNotificationTypes = map[string]bool{
	models.NotificationTypeOpen:            true,
	models.NotificationTypeClose:           true,
	models.NotificationTypeSL:              true,
	models.NotificationTypeTP:              true,
	models.NotificationTypeTrailing:        true,
	models.NotificationTypeTimeout:         true,
	models.NotificationTypeLiquidationRisk: true,
	models.NotificationTypeError:           true,
	models.NotificationTypeSecondLegFail:   true,
	models.NotificationTypeRecovery:        true,
	models.NotificationTypePause:           true,
}

// NotificationService - sink уведомлений движка и чтение журнала для API.
//
// Deliver вызывается диспетчером движка: уведомление сохраняется
// в журнал (если он есть) и рассылается через WebSocket.
// Типы из disabled не сохраняются и не рассылаются.
type NotificationService struct {
	repo     NotificationRepositoryInterface
	wsHub    WebSocketBroadcaster
	disabled map[string]bool
	keep     int
	log      *utils.Logger
}

// NewNotificationService создает сервис; repo может быть nil (журнал не ведется)
func NewNotificationService(repo NotificationRepositoryInterface, disabledTypes []string, keep int, logger *utils.Logger) *NotificationService {
	disabled := make(map[string]bool, len(disabledTypes))
	for _, t := range disabledTypes {
		if n := strings.ToUpper(strings.TrimSpace(t)); n != "" {
			disabled[n] = true
		}
	}
	return &NotificationService{
		repo:     repo,
		disabled: disabled,
		keep:     keep,
		log:      utils.OrGlobal(logger).WithComponent("notifications"),
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast уведомлений.
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub = hub
}

// Deliver - реализация bot.NotificationSink
func (s *NotificationService) Deliver(ctx context.Context, n *models.Notification) error {
	if !s.IsEnabled(n.Type) {
		return nil
	}

	// одно и то же уведомление получают все sink'и
	c := *n
	if s.repo != nil {
		if err := s.repo.Create(ctx, &c); err != nil {
			// рассылка не зависит от журнала
			s.broadcast(&c)
			return err
		}
	}
	s.broadcast(&c)
	return nil
}

func (s *NotificationService) broadcast(n *models.Notification) {
	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(n)
	}
}

// IsEnabled сообщает, включен ли тип уведомлений
func (s *NotificationService) IsEnabled(notifType string) bool {
	return !s.disabled[strings.ToUpper(notifType)]
}

// GetNotifications возвращает список уведомлений с фильтрацией.
//
// Неизвестные типы отбрасываются; если не осталось ни одного,
// возвращаются все типы. limit по умолчанию 100, не более 500.
func (s *NotificationService) GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	if s.repo == nil {
		return []*models.Notification{}, nil
	}
	limit = clampLimit(limit)

	normalizedTypes := make([]string, 0, len(types))
	for _, t := range types {
		normalized := strings.ToUpper(strings.TrimSpace(t))
		if validNotificationTypes[normalized] {
			normalizedTypes = append(normalizedTypes, normalized)
		}
	}

	if len(normalizedTypes) > 0 {
		return s.repo.GetByTypes(ctx, normalizedTypes, limit)
	}
	return s.repo.GetRecent(ctx, limit)
}

// GetTradeNotifications возвращает уведомления по сделке
func (s *NotificationService) GetTradeNotifications(ctx context.Context, tradeID string, limit int) ([]*models.Notification, error) {
	if s.repo == nil {
		return []*models.Notification{}, nil
	}
	return s.repo.GetByTradeID(ctx, tradeID, clampLimit(limit))
}

// ClearNotifications очищает журнал уведомлений
func (s *NotificationService) ClearNotifications(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.DeleteAll(ctx)
}

// GetNotificationCount возвращает общее количество уведомлений
func (s *NotificationService) GetNotificationCount(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	return s.repo.Count(ctx)
}

// GetNotificationCountByType возвращает количество уведомлений типа
func (s *NotificationService) GetNotificationCountByType(ctx context.Context, notifType string) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	return s.repo.CountByType(ctx, strings.ToUpper(notifType))
}

// CleanupOld оставляет только последние keep записей (по умолчанию из конструктора, затем 1000)
func (s *NotificationService) CleanupOld(ctx context.Context) (int64, error) {
	if s.repo == nil {
		return 0, nil
	}
	keep := s.keep
	if keep <= 0 {
		keep = 1000
	}
	n, err := s.repo.KeepRecent(ctx, keep)
	if err == nil && n > 0 {
		s.log.Info("notification log trimmed", utils.Int64("deleted", n))
	}
	return n, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}

var _ bot.NotificationSink = (*NotificationService)(nil)
