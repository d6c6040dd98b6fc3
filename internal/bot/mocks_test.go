package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// ============================================================
// mockVenue
// ============================================================

type mockVenue struct {
	mu sync.Mutex

	venue string
	price float64

	rejectAll   bool
	rejectSides map[string]bool
	partial     bool // первый ордер исполняется наполовину и остаётся открытым
	placeErr    error
	panicSides  map[string]bool
	gate        chan struct{} // если задан, PlaceOrder ждёт его закрытия

	attempts  int
	sides     []string
	qtys      []float64
	cancelled []string
}

func newMockVenue(venue string, price float64) *mockVenue {
	return &mockVenue{venue: venue, price: price, rejectSides: map[string]bool{}, panicSides: map[string]bool{}}
}

func (m *mockVenue) Venue() string { return m.venue }

func (m *mockVenue) PlaceOrder(_ context.Context, instrument, side string, qty float64) (*exchange.Order, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	m.sides = append(m.sides, side)
	m.qtys = append(m.qtys, qty)
	id := fmt.Sprintf("%s-%d", m.venue, m.attempts)

	if m.placeErr != nil {
		return nil, m.placeErr
	}
	if m.panicSides[side] {
		panic("venue client: nil order book")
	}
	o := &exchange.Order{ID: id, Venue: m.venue, Instrument: instrument, Side: side, Quantity: qty, CreatedAt: time.Now()}
	switch {
	case m.rejectAll || m.rejectSides[side]:
		o.Status = exchange.OrderStatusFailed
		o.Error = "insufficient margin"
	case m.partial && m.attempts == 1:
		o.Status = exchange.OrderStatusPartial
		o.FilledQty = qty / 2
		o.AvgPrice = m.price
	default:
		o.Status = exchange.OrderStatusFilled
		o.FilledQty = qty
		o.AvgPrice = m.price
	}
	return o, nil
}

func (m *mockVenue) CancelOrder(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return true, nil
}

func (m *mockVenue) GetOrderStatus(_ context.Context, orderID string) (*exchange.Order, error) {
	return &exchange.Order{ID: orderID, Venue: m.venue, Status: exchange.OrderStatusCancelled}, nil
}

func (m *mockVenue) setPrice(p float64) {
	m.mu.Lock()
	m.price = p
	m.mu.Unlock()
}

func (m *mockVenue) calls() (int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts, append([]string(nil), m.sides...)
}

// ============================================================
// stubQuotes
// ============================================================

// stubQuotes - QuoteSource с фиксированными котировками по площадкам
type stubQuotes struct {
	quotes map[string]models.Quote
	err    error
}

func (s *stubQuotes) FetchQuote(_ context.Context, venue, instrument string) (models.Quote, error) {
	if s.err != nil {
		return models.Quote{}, s.err
	}
	q, ok := s.quotes[venue]
	if !ok {
		return models.Quote{}, fmt.Errorf("no quote for %s %s", venue, instrument)
	}
	return q, nil
}

// ============================================================
// memStore
// ============================================================

type memStore struct {
	mu         sync.Mutex
	trades     map[string]*models.Trade
	statuses   map[string][]models.TradeStatus
	exitStates map[string]models.ExitState

	saveErr   error
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{
		trades:     make(map[string]*models.Trade),
		statuses:   make(map[string][]models.TradeStatus),
		exitStates: make(map[string]models.ExitState),
	}
}

func (s *memStore) SaveTrade(_ context.Context, t *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.trades[t.ID] = t.Clone()
	s.statuses[t.ID] = append(s.statuses[t.ID], t.Status)
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status models.TradeStatus, upd *models.TradeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	t, ok := s.trades[id]
	if !ok {
		return errors.New("trade not found")
	}
	upd.Apply(t)
	t.Status = status
	s.statuses[id] = append(s.statuses[id], status)
	return nil
}

func (s *memStore) LoadActiveTrades(_ context.Context) ([]*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Trade
	for _, t := range s.trades {
		if !t.Status.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *memStore) SaveExitState(_ context.Context, st models.ExitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitStates[st.TradeID] = st
	return nil
}

func (s *memStore) LoadExitStates(_ context.Context) (map[string]models.ExitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.ExitState, len(s.exitStates))
	for k, v := range s.exitStates {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) put(t *models.Trade) {
	s.mu.Lock()
	s.trades[t.ID] = t.Clone()
	s.mu.Unlock()
}

func (s *memStore) get(id string) *models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[id].Clone()
}

func (s *memStore) history(id string) []models.TradeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TradeStatus(nil), s.statuses[id]...)
}

// ============================================================
// recordingWatcher
// ============================================================

type recordingWatcher struct {
	mu        sync.Mutex
	watched   map[string]*models.ExitState
	unwatched []string
}

func newRecordingWatcher() *recordingWatcher {
	return &recordingWatcher{watched: make(map[string]*models.ExitState)}
}

func (w *recordingWatcher) Watch(t *models.Trade, restored *models.ExitState) {
	w.mu.Lock()
	w.watched[t.ID] = restored
	w.mu.Unlock()
}

func (w *recordingWatcher) Unwatch(id string) {
	w.mu.Lock()
	delete(w.watched, id)
	w.unwatched = append(w.unwatched, id)
	w.mu.Unlock()
}

func (w *recordingWatcher) isWatched(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watched[id]
	return ok
}

// ============================================================
// executor harness
// ============================================================

const (
	testInstrument = "BTCUSDT"
	testLong       = "alpha"
	testShort      = "beta"
)

type harness struct {
	exec    *TradeExecutor
	store   *memStore
	ledger  *BalanceLedger
	risk    *RiskManager
	agg     *PriceAggregator
	long    *mockVenue
	short   *mockVenue
	watcher *recordingWatcher
	notify  chan *models.Notification
	logs    *observer.ObservedLogs

	cfgMu sync.Mutex
	cfg   models.TradingConfig
}

func testTradingConfig() models.TradingConfig {
	cfg := models.DefaultTradingConfig()
	cfg.Risk.TradingEnabled = true
	cfg.Risk.PaperMode = false
	cfg.Risk.MinSpread = 0.1
	cfg.Risk.CooldownMs = 0
	cfg.Risk.MaxPerTradeUsd = 1000
	cfg.Risk.MaxTotalExposureUsd = 5000
	cfg.Execution.RetryInitialDelay = time.Millisecond
	cfg.Execution.RetryMaxDelay = 2 * time.Millisecond
	cfg.Execution.UseDepthSizing = false
	cfg.Execution.VerifySpread = false
	cfg.Scaled.ChunkDelay = 0
	return cfg
}

func newHarness(cfg models.TradingConfig) *harness {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := utils.FromZap(zap.New(core))

	h := &harness{
		store:   newMemStore(),
		ledger:  NewBalanceLedger(map[string]float64{testLong: 10000, testShort: 10000}),
		agg:     NewPriceAggregator(4),
		long:    newMockVenue(testLong, 100.1),
		short:   newMockVenue(testShort, 100.3),
		watcher: newRecordingWatcher(),
		notify:  make(chan *models.Notification, 100),
		logs:    logs,
		cfg:     cfg,
	}
	h.risk = NewRiskManager(nil, logger)
	h.exec = NewTradeExecutor(ExecutorDeps{
		Config:     h.config,
		Risk:       h.risk,
		Ledger:     h.ledger,
		Depth:      NewDepthAnalyzer(),
		Scaled:     &ScaledOrderExecutor{sleep: func(context.Context, time.Duration) error { return nil }, log: logger},
		Aggregator: h.agg,
		Store:      h.store,
		Venues:     map[string]exchange.VenueOrderClient{testLong: h.long, testShort: h.short},
		NotifyCh:   h.notify,
		Logger:     logger,
	})
	h.exec.AddWatcher(h.watcher)

	h.agg.Update(models.Quote{Venue: testLong, Instrument: testInstrument, Bid: 100.0, Ask: 100.1, ObservedAt: time.Now()})
	h.agg.Update(models.Quote{Venue: testShort, Instrument: testInstrument, Bid: 100.3, Ask: 100.4, ObservedAt: time.Now()})
	return h
}

func (h *harness) config() models.TradingConfig {
	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()
	return h.cfg
}

func (h *harness) setConfig(fn func(c *models.TradingConfig)) {
	h.cfgMu.Lock()
	fn(&h.cfg)
	h.cfgMu.Unlock()
}

func (h *harness) request(size float64) TradeRequest {
	return TradeRequest{
		Instrument:    testInstrument,
		LongVenue:     testLong,
		ShortVenue:    testShort,
		SpreadPercent: 0.1998,
		SizeUsd:       size,
	}
}

func liveCtx() context.Context {
	return WithLiveAuthorization(context.Background())
}

// drainNotifications возвращает типы уведомлений в порядке поступления
func (h *harness) drainNotifications() []string {
	var types []string
	for {
		select {
		case n := <-h.notify:
			types = append(types, n.Type)
		default:
			return types
		}
	}
}
