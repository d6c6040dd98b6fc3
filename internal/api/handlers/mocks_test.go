package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/internal/service"
)

// ============ Mock Engine ============

// MockEngine мок для EngineController
type MockEngine struct {
	mu       sync.Mutex
	running  bool
	cfg      models.TradingConfig
	trades   map[string]*models.Trade
	balances map[string]float64
	opps     []*models.Opportunity

	startErr error
	closeErr error
	result   *models.TradeResult

	lastOpp         *models.Opportunity
	lastAuthorized  bool
	startAuthorized bool
}

// NewMockEngine создает мок движка с конфигурацией по умолчанию
func NewMockEngine() *MockEngine {
	return &MockEngine{
		cfg:      models.DefaultTradingConfig(),
		trades:   make(map[string]*models.Trade),
		balances: map[string]float64{"alpha": 1000, "beta": 1000},
	}
}

func (m *MockEngine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return bot.ErrAlreadyRunning
	}
	m.running = true
	m.startAuthorized = bot.IsLiveAuthorized(ctx)
	return nil
}

func (m *MockEngine) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *MockEngine) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *MockEngine) ProcessOpportunity(ctx context.Context, opp *models.Opportunity) (*models.TradeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil, bot.ErrNotRunning
	}
	m.lastOpp = opp
	m.lastAuthorized = bot.IsLiveAuthorized(ctx)
	if !m.cfg.Risk.PaperMode && !m.lastAuthorized {
		return &models.TradeResult{Success: false, Reason: bot.ErrNotAuthorized.Error()}, nil
	}
	if m.result != nil {
		return m.result, nil
	}
	t := &models.Trade{
		ID:         "t-1",
		Instrument: opp.Instrument,
		LongVenue:  opp.BuyVenue,
		ShortVenue: opp.SellVenue,
		Status:     models.TradeStatusActive,
		CreatedAt:  time.Now(),
	}
	m.trades[t.ID] = t
	return &models.TradeResult{Success: true, Trade: t}, nil
}

func (m *MockEngine) Config() models.TradingConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *MockEngine) UpdateConfig(patch models.ConfigPatch) (models.TradingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := patch.Apply(m.cfg)
	if err := next.Validate(); err != nil {
		return m.cfg, err
	}
	m.cfg = next
	return next, nil
}

func (m *MockEngine) GetStats() models.EngineStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.EngineStats{
		Running:    m.running,
		PaperMode:  m.cfg.Risk.PaperMode,
		RiskConfig: m.cfg.Risk,
		UpdatedAt:  time.Now(),
	}
}

func (m *MockEngine) Trades() []*models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out
}

func (m *MockEngine) CloseTrade(_ context.Context, id string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	t, ok := m.trades[id]
	if !ok {
		return nil, bot.ErrTradeNotFound
	}
	t.Status = models.TradeStatusCompleted
	return t, nil
}

func (m *MockEngine) Balances() []models.VenueBalance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.VenueBalance, 0, len(m.balances))
	for v, a := range m.balances {
		out = append(out, models.VenueBalance{Venue: v, Available: a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

func (m *MockEngine) Deposit(venue string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount <= 0 {
		return bot.ErrInvalidAmount
	}
	m.balances[venue] += amount
	return nil
}

func (m *MockEngine) Opportunities() []*models.Opportunity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opps
}

func (m *MockEngine) Recovery() *bot.RecoveryResult {
	return &bot.RecoveryResult{Restored: 1}
}

func (m *MockEngine) Health(_ context.Context) []bot.PositionHealth {
	return []bot.PositionHealth{{TradeID: "t-1", Level: models.RiskLow, Priced: true}}
}

// ============ Mock Trade Service ============

// MockTradeService мок для TradeServiceInterface
type MockTradeService struct {
	trades  map[string]*models.Trade
	listErr error
}

func NewMockTradeService() *MockTradeService {
	return &MockTradeService{trades: make(map[string]*models.Trade)}
}

func (m *MockTradeService) AddTrade(t *models.Trade) {
	m.trades[t.ID] = t
}

func (m *MockTradeService) GetTrade(_ context.Context, id string) (*models.Trade, error) {
	t, ok := m.trades[id]
	if !ok {
		return nil, service.ErrTradeNotFound
	}
	return t, nil
}

func (m *MockTradeService) ListTrades(_ context.Context, status string, limit int) ([]*models.Trade, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if status != "" && !isKnownStatus(status) {
		return nil, service.ErrInvalidStatus
	}
	out := []*models.Trade{}
	for _, t := range m.trades {
		if status == "" || string(t.Status) == status {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockTradeService) GetSummary(_ context.Context) (*service.TradeSummary, error) {
	counts := make(map[models.TradeStatus]int)
	for _, t := range m.trades {
		counts[t.Status]++
	}
	return &service.TradeSummary{ByStatus: counts, Total: len(m.trades), GeneratedAt: time.Now()}, nil
}

func isKnownStatus(s string) bool {
	switch models.TradeStatus(s) {
	case models.TradeStatusPending, models.TradeStatusExecuting, models.TradeStatusActive,
		models.TradeStatusClosing, models.TradeStatusCompleted, models.TradeStatusFailed,
		models.TradeStatusPartial, models.TradeStatusCancelled:
		return true
	}
	return false
}

// ============ Mock Notification Service ============

// MockNotificationService мок для NotificationServiceInterface
type MockNotificationService struct {
	mu            sync.Mutex
	notifications []*models.Notification
	nextID        int
	getErr        error
	clearErr      error
}

func NewMockNotificationService() *MockNotificationService {
	return &MockNotificationService{nextID: 1}
}

func (m *MockNotificationService) AddNotification(notifType, severity, message string, tradeID *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, &models.Notification{
		ID:        m.nextID,
		Timestamp: time.Now(),
		Type:      notifType,
		Severity:  severity,
		TradeID:   tradeID,
		Message:   message,
	})
	m.nextID++
}

func (m *MockNotificationService) GetNotifications(_ context.Context, types []string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []*models.Notification
	for _, n := range m.notifications {
		if len(want) == 0 || want[n.Type] {
			out = append(out, n)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockNotificationService) GetTradeNotifications(_ context.Context, tradeID string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Notification
	for _, n := range m.notifications {
		if n.TradeID != nil && *n.TradeID == tradeID {
			out = append(out, n)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockNotificationService) ClearNotifications(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clearErr != nil {
		return m.clearErr
	}
	m.notifications = nil
	return nil
}

func (m *MockNotificationService) GetNotificationCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications), nil
}
