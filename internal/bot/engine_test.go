package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

type sinkRecorder struct {
	mu    sync.Mutex
	types []string
}

func (s *sinkRecorder) Deliver(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	s.types = append(s.types, n.Type)
	s.mu.Unlock()
	return nil
}

func (s *sinkRecorder) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.types...)
}

type oppRecorder struct {
	recordingTradeListener
	mu   sync.Mutex
	opps []*models.Opportunity
}

func (o *oppRecorder) OnOpportunity(opp *models.Opportunity) {
	o.mu.Lock()
	o.opps = append(o.opps, opp)
	o.mu.Unlock()
}

type recordingTradeListener struct {
	mu      sync.Mutex
	updates []models.TradeStatus
}

func (l *recordingTradeListener) OnTradeUpdate(t *models.Trade) {
	l.mu.Lock()
	l.updates = append(l.updates, t.Status)
	l.mu.Unlock()
}

func paperConfig() models.TradingConfig {
	cfg := testTradingConfig()
	cfg.Risk.PaperMode = true
	return cfg
}

func newTestEngine(t *testing.T, cfg models.TradingConfig, store *memStore, sink *sinkRecorder, listeners ...TradeListener) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, EngineDeps{
		Store:     store,
		Balances:  map[string]float64{testLong: 10000, testShort: 10000},
		Sinks:     []NotificationSink{sink},
		Listeners: listeners,
		NumShards: 2,
		Logger:    utils.NewNopLogger(),
	})
	require.NoError(t, err)
	return e
}

func feedQuotes(ctx context.Context, e *Engine) *models.Opportunity {
	now := time.Now()
	e.HandleTick(ctx, exchange.Tick{Venue: testLong, Instrument: testInstrument, Bid: 100, Ask: 100.1, Timestamp: now})
	return e.HandleTick(ctx, exchange.Tick{Venue: testShort, Instrument: testInstrument, Bid: 100.5, Ask: 100.6, Timestamp: now})
}

func TestNewEngine_Validation(t *testing.T) {
	bad := testTradingConfig()
	bad.Risk.MinSpread = -1
	_, err := NewEngine(bad, EngineDeps{Store: newMemStore()})
	assert.Error(t, err)

	_, err = NewEngine(testTradingConfig(), EngineDeps{})
	assert.EqualError(t, err, "trade store is required")
}

func TestEngine_ProcessOpportunityRequiresRunning(t *testing.T) {
	e := newTestEngine(t, paperConfig(), newMemStore(), &sinkRecorder{})

	_, err := e.ProcessOpportunity(context.Background(), &models.Opportunity{Instrument: testInstrument})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestEngine_StartStop(t *testing.T) {
	sink := &sinkRecorder{}
	e := newTestEngine(t, paperConfig(), newMemStore(), sink)

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.IsRunning())
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyRunning)

	e.Stop()
	assert.False(t, e.IsRunning())
	e.Stop()

	assert.Contains(t, sink.received(), models.NotificationTypePause)
	assert.Contains(t, sink.received(), models.NotificationTypeRecovery)
}

func TestEngine_PaperTradeLifecycle(t *testing.T) {
	sink := &sinkRecorder{}
	opps := &oppRecorder{}
	store := newMemStore()
	e := newTestEngine(t, paperConfig(), store, sink, opps)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	opp := feedQuotes(context.Background(), e)
	require.NotNil(t, opp)
	assert.Equal(t, testLong, opp.BuyVenue)
	assert.Equal(t, testShort, opp.SellVenue)
	assert.Len(t, e.Opportunities(), 1)
	opps.mu.Lock()
	assert.Len(t, opps.opps, 1)
	opps.mu.Unlock()

	opp.SizeUsd = 400
	res, err := e.ProcessOpportunity(context.Background(), opp)
	require.NoError(t, err)
	require.True(t, res.Success, res.Reason)
	assert.True(t, res.Trade.Paper)
	assert.Equal(t, models.TradeStatusActive, res.Trade.Status)

	stats := e.GetStats()
	assert.True(t, stats.Running)
	assert.True(t, stats.PaperMode)
	require.Len(t, stats.ActiveTrades, 1)
	assert.Greater(t, stats.Exposure, 0.0)

	health := e.Health(context.Background())
	require.Len(t, health, 1)
	assert.True(t, health[0].Priced)

	final, err := e.CloseTrade(context.Background(), res.Trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusCompleted, final.Status)
	assert.Empty(t, e.Trades())
	assert.Zero(t, e.GetStats().Exposure)

	got, ok := e.Trade(res.Trade.ID)
	require.True(t, ok)
	assert.Equal(t, models.TradeStatusCompleted, got.Status)

	for _, b := range e.Balances() {
		assert.Zero(t, b.Locked, b.Venue)
	}
	assert.Equal(t, []models.TradeStatus{
		models.TradeStatusPending, models.TradeStatusExecuting, models.TradeStatusActive,
		models.TradeStatusClosing, models.TradeStatusCompleted,
	}, store.history(res.Trade.ID))

	require.Eventually(t, func() bool {
		return containsType(sink.received(), models.NotificationTypeOpen)
	}, time.Second, 5*time.Millisecond)
}

func containsType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func TestEngine_AutoExecute(t *testing.T) {
	cfg := paperConfig()
	cfg.Detector.AutoExecute = true
	cfg.Risk.DefaultSizeUsd = 300
	e := newTestEngine(t, cfg, newMemStore(), &sinkRecorder{})

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	require.NotNil(t, feedQuotes(context.Background(), e))
	require.Eventually(t, func() bool { return len(e.Trades()) == 1 }, 2*time.Second, 5*time.Millisecond)

	tr := e.Trades()[0]
	assert.InDelta(t, 300, tr.SizeUsd, 1e-9)
}

// Повторные тики по той же паре не запускают новые саги
func TestEngine_AutoExecuteSkipsRepeatedTicks(t *testing.T) {
	cfg := paperConfig()
	cfg.Detector.AutoExecute = true
	cfg.Risk.DefaultSizeUsd = 300
	cfg.Risk.CooldownMs = 60_000
	e := newTestEngine(t, cfg, newMemStore(), &sinkRecorder{})

	require.NoError(t, e.Start(context.Background()))
	for i := 0; i < 20; i++ {
		feedQuotes(context.Background(), e)
	}
	require.Eventually(t, func() bool { return len(e.Trades()) == 1 }, 2*time.Second, 5*time.Millisecond)
	for i := 0; i < 20; i++ {
		feedQuotes(context.Background(), e)
	}
	e.Stop()

	assert.Len(t, e.Trades(), 1)
	c := e.executor.Counters()
	assert.Equal(t, 1, c.Opened)
	assert.Zero(t, c.Rejected)
}

func TestEngine_NoAutoExecuteWhenTradingDisabled(t *testing.T) {
	cfg := paperConfig()
	cfg.Detector.AutoExecute = true
	cfg.Risk.TradingEnabled = false
	e := newTestEngine(t, cfg, newMemStore(), &sinkRecorder{})

	require.NoError(t, e.Start(context.Background()))
	require.NotNil(t, feedQuotes(context.Background(), e))
	e.Stop()

	assert.Empty(t, e.Trades())
}

func TestEngine_RecoversOnFirstStartOnly(t *testing.T) {
	store := newMemStore()
	store.put(persisted("t-active", models.TradeStatusActive, 2))
	e := newTestEngine(t, paperConfig(), store, &sinkRecorder{})

	require.NoError(t, e.Start(context.Background()))
	rec := e.Recovery()
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Restored)
	require.Len(t, e.Trades(), 1)
	e.Stop()

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()
	assert.Same(t, rec, e.Recovery())
	assert.Len(t, e.Trades(), 1)
}

func TestEngine_UpdateConfig(t *testing.T) {
	e := newTestEngine(t, paperConfig(), newMemStore(), &sinkRecorder{})

	negative := -0.5
	_, err := e.UpdateConfig(models.ConfigPatch{MinSpread: &negative})
	assert.Error(t, err)
	assert.Equal(t, 0.1, e.Config().Risk.MinSpread)

	spread := 0.25
	live := false
	next, err := e.UpdateConfig(models.ConfigPatch{MinSpread: &spread, PaperMode: &live})
	require.NoError(t, err)
	assert.Equal(t, 0.25, next.Risk.MinSpread)
	assert.False(t, e.Config().Risk.PaperMode)
}

func TestEngine_LiveRequiresAuthorizedStart(t *testing.T) {
	cfg := testTradingConfig()
	e := newTestEngine(t, cfg, newMemStore(), &sinkRecorder{})

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	opp := feedQuotes(context.Background(), e)
	require.NotNil(t, opp)
	res, err := e.ProcessOpportunity(context.Background(), opp)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrNotAuthorized.Error(), res.Reason)
	assert.Empty(t, e.Trades())
}
