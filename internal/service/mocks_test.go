package service

import (
	"context"
	"sync"
	"time"

	"crossarb/internal/models"
	"crossarb/internal/repository"
)

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	notifications []*models.Notification
	createErr     error
	getErr        error
	deleteErr     error
	nextID        int
	lastLimit     int
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		notifications: make([]*models.Notification, 0),
		nextID:        1,
	}
}

func (m *MockNotificationRepository) Create(_ context.Context, notif *models.Notification) error {
	if m.createErr != nil {
		return m.createErr
	}
	notif.ID = m.nextID
	m.nextID++
	notif.Timestamp = time.Now()
	m.notifications = append(m.notifications, notif)
	return nil
}

func (m *MockNotificationRepository) GetRecent(_ context.Context, limit int) ([]*models.Notification, error) {
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	if limit <= 0 || limit > len(m.notifications) {
		limit = len(m.notifications)
	}
	return m.notifications[len(m.notifications)-limit:], nil
}

func (m *MockNotificationRepository) GetByTypes(_ context.Context, types []string, limit int) ([]*models.Notification, error) {
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	var result []*models.Notification
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	for _, n := range m.notifications {
		if typeSet[n.Type] {
			result = append(result, n)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockNotificationRepository) GetByTradeID(_ context.Context, tradeID string, limit int) ([]*models.Notification, error) {
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	var result []*models.Notification
	for _, n := range m.notifications {
		if n.TradeID != nil && *n.TradeID == tradeID {
			result = append(result, n)
		}
	}
	return result, nil
}

func (m *MockNotificationRepository) DeleteAll(_ context.Context) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.notifications = make([]*models.Notification, 0)
	return nil
}

func (m *MockNotificationRepository) Count(_ context.Context) (int, error) {
	if m.getErr != nil {
		return 0, m.getErr
	}
	return len(m.notifications), nil
}

func (m *MockNotificationRepository) CountByType(_ context.Context, notifType string) (int, error) {
	if m.getErr != nil {
		return 0, m.getErr
	}
	count := 0
	for _, n := range m.notifications {
		if n.Type == notifType {
			count++
		}
	}
	return count, nil
}

func (m *MockNotificationRepository) KeepRecent(_ context.Context, keepCount int) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	if len(m.notifications) <= keepCount {
		return 0, nil
	}
	deleted := int64(len(m.notifications) - keepCount)
	m.notifications = m.notifications[len(m.notifications)-keepCount:]
	return deleted, nil
}

// ============ Mock WebSocket hub ============

type MockWebSocketHub struct {
	mu            sync.Mutex
	notifications []*models.Notification
	stats         []models.EngineStats
}

func (h *MockWebSocketHub) BroadcastNotification(n *models.Notification) {
	h.mu.Lock()
	h.notifications = append(h.notifications, n)
	h.mu.Unlock()
}

func (h *MockWebSocketHub) BroadcastStats(s models.EngineStats) {
	h.mu.Lock()
	h.stats = append(h.stats, s)
	h.mu.Unlock()
}

func (h *MockWebSocketHub) statsCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stats)
}

// ============ Mock live trades ============

type MockLiveTrades map[string]*models.Trade

func (m MockLiveTrades) Trade(id string) (*models.Trade, bool) {
	t, ok := m[id]
	return t, ok
}

// trade store поверх памяти подходит как TradeHistoryRepository
func newSeededTradeStore(trades ...*models.Trade) *repository.MemoryTradeStore {
	s := repository.NewMemoryTradeStore()
	for _, t := range trades {
		_ = s.SaveTrade(context.Background(), t)
	}
	return s
}
