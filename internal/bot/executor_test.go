package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossarb/internal/models"
)

func TestExecute_OpensHedgedTrade(t *testing.T) {
	h := newHarness(testTradingConfig())

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.True(t, res.Success, res.Reason)
	require.NotNil(t, res.Trade)

	tr := res.Trade
	assert.Equal(t, models.TradeStatusActive, tr.Status)
	assert.Equal(t, 100.1, tr.EntryPriceLong)
	assert.Equal(t, 100.3, tr.EntryPriceShort)
	assert.InDelta(t, 500/100.1, tr.Quantity, 1e-9)
	assert.Equal(t, 1000.0, tr.SizeUsd)
	assert.NotNil(t, tr.ExecutedAt)

	assert.Equal(t, []models.TradeStatus{
		models.TradeStatusPending, models.TradeStatusExecuting, models.TradeStatusActive,
	}, h.store.history(tr.ID))

	for _, venue := range []string{testLong, testShort} {
		b, _ := h.ledger.Get(venue)
		assert.InDelta(t, 9500, b.Available, 1e-6, venue)
		assert.InDelta(t, 500, b.Locked, 1e-6, venue)
	}

	assert.InDelta(t, 500, h.risk.GetTotalExposure(), 1e-6)
	assert.True(t, h.watcher.isWatched(tr.ID))

	_, longSides := h.long.calls()
	_, shortSides := h.short.calls()
	assert.Equal(t, []string{"buy"}, longSides)
	assert.Equal(t, []string{"sell"}, shortSides)

	assert.Contains(t, h.drainNotifications(), models.NotificationTypeOpen)
	assert.Equal(t, 1, h.exec.Counters().Opened)
}

// Сценарий B: спред ниже минимума отклоняется без создания сделки
func TestExecute_RejectsSpreadBelowMinimum(t *testing.T) {
	cfg := testTradingConfig()
	cfg.Risk.MinSpread = 0.15
	h := newHarness(cfg)

	req := h.request(1000)
	req.SpreadPercent = 0.10
	res := h.exec.Execute(liveCtx(), req)

	assert.False(t, res.Success)
	assert.Nil(t, res.Trade)
	assert.Contains(t, res.Reason, "below minimum 0.1500%")

	attempts, _ := h.long.calls()
	assert.Zero(t, attempts)
	assert.Empty(t, h.store.trades)
	assert.Equal(t, 1, h.exec.Counters().Rejected)
}

// Сценарий C: short нога не открылась, long нога откатывается
func TestExecute_ShortLegFailureCompensatesLong(t *testing.T) {
	cfg := testTradingConfig()
	h := newHarness(cfg)
	h.short.rejectAll = true

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.False(t, res.Success)
	require.NotNil(t, res.Trade)

	tr := res.Trade
	assert.Equal(t, models.TradeStatusFailed, tr.Status)
	assert.Contains(t, tr.ErrorReason, "short leg failed")
	assert.Contains(t, tr.ErrorReason, "long leg compensated")

	shortAttempts, _ := h.short.calls()
	assert.Equal(t, cfg.Execution.LegRetries, shortAttempts)

	_, longSides := h.long.calls()
	assert.Equal(t, []string{"buy", "sell"}, longSides)

	for _, venue := range []string{testLong, testShort} {
		b, _ := h.ledger.Get(venue)
		assert.InDelta(t, 10000, b.Available, 1e-6, venue)
		assert.Zero(t, b.Locked, venue)
	}
	assert.Zero(t, h.risk.GetTotalExposure())
	assert.False(t, h.risk.IsTracked(tr.ID))

	entries := h.logs.FilterMessage("compensation attempted").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "long", fields["leg"])
	assert.Equal(t, true, fields["ok"])
	assert.Equal(t, testLong, fields["venue"])

	assert.Equal(t, []models.TradeStatus{
		models.TradeStatusPending, models.TradeStatusExecuting, models.TradeStatusFailed,
	}, h.store.history(tr.ID))
	assert.Contains(t, h.drainNotifications(), models.NotificationTypeSecondLegFail)

	got, ok := h.exec.GetTrade(tr.ID)
	require.True(t, ok)
	assert.Equal(t, models.TradeStatusFailed, got.Status)
	assert.Empty(t, h.exec.ActiveTrades())
}

func TestExecute_CompensationFailureMarksPartial(t *testing.T) {
	h := newHarness(testTradingConfig())
	h.short.rejectAll = true
	h.long.rejectSides["sell"] = true

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.False(t, res.Success)

	tr := res.Trade
	assert.Equal(t, models.TradeStatusPartial, tr.Status)
	assert.Contains(t, tr.ErrorReason, "manual intervention required")

	// PARTIAL остаётся в учёте экспозиции до ручной сверки
	assert.True(t, h.risk.IsTracked(tr.ID))
	assert.Greater(t, h.risk.GetTotalExposure(), 0.0)

	b, _ := h.ledger.Get(testShort)
	assert.Zero(t, b.Locked)
	assert.Equal(t, 1, h.exec.Counters().Partial)

	entries := h.logs.FilterMessage("compensation attempted").All()
	require.Len(t, entries, 1)
	assert.Equal(t, false, entries[0].ContextMap()["ok"])
}

func TestExecute_LongLegFailureNeedsNoCompensation(t *testing.T) {
	cfg := testTradingConfig()
	h := newHarness(cfg)
	h.long.rejectAll = true

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.False(t, res.Success)
	assert.Equal(t, models.TradeStatusFailed, res.Trade.Status)
	assert.Contains(t, res.Reason, "long leg failed")

	longAttempts, _ := h.long.calls()
	shortAttempts, _ := h.short.calls()
	assert.Equal(t, cfg.Execution.LegRetries, longAttempts)
	assert.Zero(t, shortAttempts)
	assert.Empty(t, h.logs.FilterMessage("compensation attempted").All())

	b, _ := h.ledger.Get(testLong)
	assert.InDelta(t, 10000, b.Available, 1e-6)
	assert.Zero(t, b.Locked)
}

func TestExecute_PartialLongFillIsCancelledAndClosed(t *testing.T) {
	h := newHarness(testTradingConfig())
	h.long.partial = true

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.False(t, res.Success)
	assert.Equal(t, models.TradeStatusFailed, res.Trade.Status)

	assert.Equal(t, []string{"alpha-1"}, h.long.cancelled)
	_, longSides := h.long.calls()
	assert.Equal(t, []string{"buy", "sell"}, longSides)
	assert.InDelta(t, res.Trade.Quantity/2, h.long.qtys[1], 1e-9)

	shortAttempts, _ := h.short.calls()
	assert.Zero(t, shortAttempts)
}

func TestExecute_InsufficientBalanceCancelsWithoutSideEffects(t *testing.T) {
	h := newHarness(testTradingConfig())
	h.ledger = NewBalanceLedger(map[string]float64{testLong: 100, testShort: 10000})
	h.exec.ledger = h.ledger

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.False(t, res.Success)
	require.NotNil(t, res.Trade)
	assert.Equal(t, models.TradeStatusCancelled, res.Trade.Status)
	assert.Contains(t, res.Reason, ErrInsufficientBalance.Error())

	assert.Equal(t, []models.TradeStatus{
		models.TradeStatusPending, models.TradeStatusCancelled,
	}, h.store.history(res.Trade.ID))
	assert.Zero(t, h.exec.Counters().Failed)

	b, _ := h.ledger.Get(testShort)
	assert.Equal(t, 10000.0, b.Available)
	assert.Zero(t, b.Locked)

	attempts, _ := h.long.calls()
	assert.Zero(t, attempts)
}

func TestExecute_LiveRequiresAuthorization(t *testing.T) {
	h := newHarness(testTradingConfig())

	res := h.exec.Execute(context.Background(), h.request(1000))
	assert.False(t, res.Success)
	assert.Equal(t, ErrNotAuthorized.Error(), res.Reason)
	assert.Empty(t, h.store.trades)
}

func TestExecute_UnknownVenue(t *testing.T) {
	h := newHarness(testTradingConfig())

	req := h.request(1000)
	req.ShortVenue = "gamma"
	res := h.exec.Execute(liveCtx(), req)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "no order client")
}

func TestExecute_PaperModeUsesSimulatedFills(t *testing.T) {
	cfg := testTradingConfig()
	cfg.Risk.PaperMode = true
	cfg.Risk.TradingEnabled = false
	h := newHarness(cfg)

	res := h.exec.Execute(context.Background(), h.request(1000))
	require.True(t, res.Success, res.Reason)

	tr := res.Trade
	assert.True(t, tr.Paper)
	assert.Equal(t, models.TradeStatusActive, tr.Status)
	assert.Equal(t, 100.1, tr.EntryPriceLong)
	assert.Equal(t, 100.3, tr.EntryPriceShort)

	// Переходы и запись в хранилище те же, что в живом режиме
	assert.Equal(t, []models.TradeStatus{
		models.TradeStatusPending, models.TradeStatusExecuting, models.TradeStatusActive,
	}, h.store.history(tr.ID))

	longAttempts, _ := h.long.calls()
	shortAttempts, _ := h.short.calls()
	assert.Zero(t, longAttempts)
	assert.Zero(t, shortAttempts)
}

func TestExecute_CooldownRejectsRepeat(t *testing.T) {
	cfg := testTradingConfig()
	cfg.Risk.CooldownMs = 60000
	h := newHarness(cfg)

	first := h.exec.Execute(liveCtx(), h.request(200))
	require.True(t, first.Success, first.Reason)

	second := h.exec.Execute(liveCtx(), h.request(200))
	assert.False(t, second.Success)
	assert.Nil(t, second.Trade)
	assert.Contains(t, second.Reason, "cooldown active")
}

func TestExecute_ExposureNeverExceedsCeiling(t *testing.T) {
	cfg := testTradingConfig()
	cfg.Risk.MaxTotalExposureUsd = 600
	h := newHarness(cfg)

	var (
		accepted int
		sumSize  float64
		rejected *models.TradeResult
	)
	for i := 0; i < 10; i++ {
		res := h.exec.Execute(liveCtx(), h.request(1000))
		assert.LessOrEqual(t, h.risk.GetTotalExposure(), cfg.Risk.MaxTotalExposureUsd+1e-9)
		if !res.Success {
			rejected = res
			break
		}
		accepted++
		sumSize += res.Trade.SizeUsd
	}

	// 1000 (экспозиция 500), затем остаток 100 → 200, затем потолок
	require.NotNil(t, rejected, "ceiling must reject once exhausted")
	assert.Nil(t, rejected.Trade)
	assert.Contains(t, rejected.Reason, "exposure ceiling reached")
	assert.Equal(t, 2, accepted)
	assert.InDelta(t, 1200, sumSize, 1e-6)
	assert.InDelta(t, 600, h.risk.GetTotalExposure(), 1e-6)
	assert.Len(t, h.exec.ActiveTrades(), 2)
}

func TestExecute_SingleFlightPerKey(t *testing.T) {
	h := newHarness(testTradingConfig())
	h.long.gate = make(chan struct{})

	var (
		wg    sync.WaitGroup
		first *models.TradeResult
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = h.exec.Execute(liveCtx(), h.request(1000))
	}()

	require.Eventually(t, func() bool { return len(h.exec.ActiveTrades()) == 1 }, time.Second, time.Millisecond)

	second := h.exec.Execute(liveCtx(), h.request(1000))
	assert.False(t, second.Success)
	assert.Contains(t, second.Reason, "already in flight")

	close(h.long.gate)
	wg.Wait()
	require.True(t, first.Success, first.Reason)
}

func TestExecute_StoreFailureKeepsMemoryState(t *testing.T) {
	h := newHarness(testTradingConfig())

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.True(t, res.Success)
	h.drainNotifications()

	h.store.mu.Lock()
	h.store.updateErr = errors.New("connection refused")
	h.store.mu.Unlock()

	final, err := h.exec.Close(liveCtx(), res.Trade.ID, CloseReasonManual)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusCompleted, final.Status)
	assert.Contains(t, h.drainNotifications(), models.NotificationTypeError)
}

// Запись EXECUTING не прошла: на площадки ничего не отправлено, сделка отменена
func TestExecute_ExecutingWriteFailureCancelsBeforeLegs(t *testing.T) {
	h := newHarness(testTradingConfig())
	h.store.updateErr = errors.New("connection refused")

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.False(t, res.Success)
	require.NotNil(t, res.Trade)
	assert.Equal(t, models.TradeStatusCancelled, res.Trade.Status)
	assert.Contains(t, res.Reason, "trade store unavailable")

	longAttempts, _ := h.long.calls()
	shortAttempts, _ := h.short.calls()
	assert.Zero(t, longAttempts)
	assert.Zero(t, shortAttempts)

	for _, venue := range []string{testLong, testShort} {
		b, _ := h.ledger.Get(venue)
		assert.Equal(t, 10000.0, b.Available, venue)
		assert.Zero(t, b.Locked, venue)
	}
	assert.Zero(t, h.risk.GetTotalExposure())
	assert.Empty(t, h.exec.ActiveTrades())
	assert.False(t, h.watcher.isWatched(res.Trade.ID))

	// В хранилище осталась только PENDING запись; после перезапуска её отмена корректна
	assert.Equal(t, []models.TradeStatus{models.TradeStatusPending}, h.store.history(res.Trade.ID))

	h.store.mu.Lock()
	h.store.updateErr = nil
	h.store.mu.Unlock()

	restarted := newHarness(testTradingConfig())
	restarted.store = h.store
	restarted.exec.store = h.store
	rec, err := restarted.exec.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rec.Restored)
	assert.Equal(t, 1, rec.Cancelled)
	assert.Equal(t, models.TradeStatusCancelled, h.store.get(res.Trade.ID).Status)

	longAttempts, _ = restarted.long.calls()
	assert.Zero(t, longAttempts)
}

// ============================================================
// Сверка спреда
// ============================================================

func verifiedQuotes(longAsk, shortBid float64) *stubQuotes {
	return &stubQuotes{quotes: map[string]models.Quote{
		testLong:  {Venue: testLong, Instrument: testInstrument, Bid: longAsk - 0.1, Ask: longAsk},
		testShort: {Venue: testShort, Instrument: testInstrument, Bid: shortBid, Ask: shortBid + 0.1},
	}}
}

func TestExecute_VerifySpreadRejectsMovedMarket(t *testing.T) {
	tests := []struct {
		name   string
		quotes *stubQuotes
		reason string
	}{
		{"spread collapsed", verifiedQuotes(100.3, 100.3), "spread moved"},
		{"spread jumped", verifiedQuotes(100.0, 101.0), "spread moved"},
		{"source down", &stubQuotes{err: errors.New("timeout")}, "spread verification failed"},
		{"empty quote", &stubQuotes{quotes: map[string]models.Quote{
			testLong:  {Venue: testLong, Ask: 100.1},
			testShort: {Venue: testShort},
		}}, "empty quote"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testTradingConfig()
			cfg.Execution.VerifySpread = true
			h := newHarness(cfg)
			h.exec.verifier = tt.quotes

			res := h.exec.Execute(liveCtx(), h.request(1000))
			require.False(t, res.Success)
			assert.Nil(t, res.Trade)
			assert.Contains(t, res.Reason, tt.reason)

			assert.Zero(t, h.risk.GetTotalExposure())
			assert.Empty(t, h.store.trades)
			assert.Equal(t, 1, h.exec.Counters().Rejected)
			attempts, _ := h.long.calls()
			assert.Zero(t, attempts)
		})
	}
}

// Сверенные котировки в пределах допуска заменяют опорные цены
func TestExecute_VerifySpreadRepricesTrade(t *testing.T) {
	cfg := testTradingConfig()
	cfg.Execution.VerifySpread = true
	h := newHarness(cfg)
	h.exec.verifier = verifiedQuotes(100.2, 100.4)

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.True(t, res.Success, res.Reason)

	assert.InDelta(t, 500/100.2, h.long.qtys[0], 1e-9)
	assert.InDelta(t, 500/100.2, res.Trade.Quantity, 1e-9)
	assert.InDelta(t, 500/100.2, h.short.qtys[0], 1e-9)
}

// ============================================================
// Размер по стакану
// ============================================================

func TestExecute_DepthSizingClampsToBook(t *testing.T) {
	cfg := testTradingConfig()
	cfg.Execution.UseDepthSizing = true
	h := newHarness(cfg)
	h.exec.depth.UpdateDepth(testLong, testInstrument,
		[]models.DepthLevel{{Price: 100.0, Size: 50}},
		[]models.DepthLevel{{Price: 100.1, Size: 2}, {Price: 110, Size: 50}})
	h.exec.depth.UpdateDepth(testShort, testInstrument,
		[]models.DepthLevel{{Price: 100.3, Size: 3}},
		[]models.DepthLevel{{Price: 100.4, Size: 50}})

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.True(t, res.Success, res.Reason)

	// лимит long ноги 2 × 100.1, уровень 110 за границей проскальзывания
	assert.InDelta(t, 400.4, res.Trade.SizeUsd, 1e-9)
	assert.InDelta(t, 2, res.Trade.Quantity, 1e-9)
	assert.Equal(t, 1, h.logs.FilterMessage("size limited by depth").Len())
}

func TestExecute_DepthSizingRejectsEmptyBook(t *testing.T) {
	cfg := testTradingConfig()
	cfg.Execution.UseDepthSizing = true
	h := newHarness(cfg)
	h.exec.depth.UpdateDepth(testLong, testInstrument,
		[]models.DepthLevel{{Price: 100.0, Size: 50}},
		[]models.DepthLevel{{Price: 100.1, Size: 0.001}})
	h.exec.depth.UpdateDepth(testShort, testInstrument,
		[]models.DepthLevel{{Price: 100.3, Size: 50}},
		[]models.DepthLevel{{Price: 100.4, Size: 50}})

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.False(t, res.Success)
	assert.Nil(t, res.Trade)
	assert.Equal(t, "insufficient liquidity within slippage bound", res.Reason)
	assert.Zero(t, h.risk.GetTotalExposure())

	attempts, _ := h.long.calls()
	assert.Zero(t, attempts)
}

// Без свежих стаканов размер не ограничивается
func TestExecute_DepthSizingWithoutBooksKeepsSize(t *testing.T) {
	cfg := testTradingConfig()
	cfg.Execution.UseDepthSizing = true
	h := newHarness(cfg)

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, 1000.0, res.Trade.SizeUsd)
}

// ============================================================
// Исполнение частями
// ============================================================

func scaledConfig() models.TradingConfig {
	cfg := testTradingConfig()
	cfg.Execution.UseScaled = true
	cfg.Scaled.MaxChunkUsd = 120
	cfg.Scaled.MaxSlippagePercent = 0.3
	return cfg
}

func TestExecute_ScaledLegsSplitIntoChunks(t *testing.T) {
	h := newHarness(scaledConfig())
	// продажа дороже опорной цены - выгодное отклонение, не проскальзывание
	h.short.setPrice(100.9)

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, models.TradeStatusActive, res.Trade.Status)

	longAttempts, longSides := h.long.calls()
	shortAttempts, shortSides := h.short.calls()
	assert.Equal(t, 5, longAttempts)
	assert.Equal(t, 5, shortAttempts)
	assert.NotContains(t, longSides, "sell")
	assert.NotContains(t, shortSides, "buy")

	assert.InDelta(t, 500/100.1, res.Trade.Quantity, 1e-9)
	assert.InDelta(t, 100.9, res.Trade.EntryPriceShort, 1e-9)
}

func TestExecute_ScaledSlippageAbortCompensatesLong(t *testing.T) {
	h := newHarness(scaledConfig())
	h.long.setPrice(101)

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.False(t, res.Success)
	assert.Equal(t, models.TradeStatusFailed, res.Trade.Status)
	assert.Contains(t, res.Reason, "scaled execution")
	assert.Contains(t, res.Reason, "slippage")
	assert.Contains(t, res.Reason, "long leg compensated")

	_, longSides := h.long.calls()
	require.NotEmpty(t, longSides)
	assert.Equal(t, "buy", longSides[0])
	assert.Equal(t, "sell", longSides[len(longSides)-1])

	shortAttempts, _ := h.short.calls()
	assert.Zero(t, shortAttempts)
}

// ============================================================
// Паника в саге
// ============================================================

func TestExecute_PanicOnLongLegFailsAndReleases(t *testing.T) {
	h := newHarness(testTradingConfig())
	h.long.panicSides["buy"] = true

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.False(t, res.Success)
	require.NotNil(t, res.Trade)
	assert.Equal(t, models.TradeStatusFailed, res.Trade.Status)
	assert.Contains(t, res.Reason, "internal error")

	for _, venue := range []string{testLong, testShort} {
		b, _ := h.ledger.Get(venue)
		assert.Zero(t, b.Locked, venue)
	}
	assert.Empty(t, h.exec.ActiveTrades())
	assert.Contains(t, h.drainNotifications(), models.NotificationTypeError)
	assert.Equal(t, 1, h.logs.FilterMessage("panic in execution saga").Len())
}

func TestExecute_PanicOnShortLegMarksPartial(t *testing.T) {
	h := newHarness(testTradingConfig())
	h.short.panicSides["sell"] = true

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.False(t, res.Success)
	require.NotNil(t, res.Trade)
	assert.Equal(t, models.TradeStatusPartial, res.Trade.Status)
	assert.Contains(t, res.Reason, "manual intervention required")

	for _, venue := range []string{testLong, testShort} {
		b, _ := h.ledger.Get(venue)
		assert.Zero(t, b.Locked, venue)
	}
	_, longSides := h.long.calls()
	assert.Equal(t, []string{"buy"}, longSides)
	assert.Equal(t, 1, h.exec.Counters().Partial)
	assert.Contains(t, h.drainNotifications(), models.NotificationTypeError)
}

// ============================================================
// Закрытие
// ============================================================

func TestClose_SettlesRealizedPnl(t *testing.T) {
	h := newHarness(testTradingConfig())

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.True(t, res.Success, res.Reason)
	h.drainNotifications()
	id := res.Trade.ID
	qty := res.Trade.Quantity

	h.long.setPrice(101)
	h.short.setPrice(100.5)

	final, err := h.exec.Close(liveCtx(), id, string(ExitReasonTakeProfit))
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusCompleted, final.Status)
	assert.Equal(t, string(ExitReasonTakeProfit), final.CloseReason)

	longPnl := (101 - 100.1) * qty
	shortPnl := (100.3 - 100.5) * qty
	require.NotNil(t, final.RealizedPnl)
	assert.InDelta(t, longPnl+shortPnl, *final.RealizedPnl, 1e-9)
	require.NotNil(t, final.ExitPriceLong)
	assert.Equal(t, 101.0, *final.ExitPriceLong)

	bl, _ := h.ledger.Get(testLong)
	bs, _ := h.ledger.Get(testShort)
	assert.InDelta(t, 10000+longPnl, bl.Available, 1e-6)
	assert.InDelta(t, 10000+shortPnl, bs.Available, 1e-6)
	assert.Zero(t, bl.Locked)
	assert.Zero(t, bs.Locked)

	assert.Equal(t, []models.TradeStatus{
		models.TradeStatusPending, models.TradeStatusExecuting, models.TradeStatusActive,
		models.TradeStatusClosing, models.TradeStatusCompleted,
	}, h.store.history(id))
	assert.Zero(t, h.risk.GetTotalExposure())
	assert.False(t, h.watcher.isWatched(id))
	assert.Len(t, h.exec.History(), 1)
	assert.Contains(t, h.drainNotifications(), models.NotificationTypeTP)

	c := h.exec.Counters()
	assert.Equal(t, 1, c.Completed)
	assert.InDelta(t, longPnl+shortPnl, c.Realized, 1e-9)
}

func TestClose_UnknownTrade(t *testing.T) {
	h := newHarness(testTradingConfig())

	_, err := h.exec.Close(liveCtx(), "missing", CloseReasonManual)
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestClose_LegFailureMarksFailed(t *testing.T) {
	h := newHarness(testTradingConfig())

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.True(t, res.Success)
	h.short.rejectAll = true

	final, err := h.exec.Close(liveCtx(), res.Trade.ID, CloseReasonManual)
	require.Error(t, err)
	assert.Equal(t, models.TradeStatusFailed, final.Status)
	assert.True(t, strings.Contains(final.ErrorReason, "manual intervention required"))

	b, _ := h.ledger.Get(testShort)
	assert.Zero(t, b.Locked)
}

func TestEmergencyClose(t *testing.T) {
	h := newHarness(testTradingConfig())

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.True(t, res.Success)
	h.drainNotifications()

	require.NoError(t, h.exec.EmergencyClose(liveCtx(), res.Trade.ID, "liquidation distance 3.00%"))

	got, ok := h.exec.GetTrade(res.Trade.ID)
	require.True(t, ok)
	assert.Equal(t, models.TradeStatusCompleted, got.Status)
	assert.True(t, strings.HasPrefix(got.CloseReason, CloseReasonEmergency+": "))
	assert.Contains(t, h.drainNotifications(), models.NotificationTypeLiquidationRisk)
}

func TestEmergencyClose_RejectsNonActive(t *testing.T) {
	h := newHarness(testTradingConfig())
	h.short.rejectAll = true
	h.long.rejectSides["sell"] = true

	res := h.exec.Execute(liveCtx(), h.request(1000))
	require.Equal(t, models.TradeStatusPartial, res.Trade.Status)

	err := h.exec.EmergencyClose(liveCtx(), res.Trade.ID, "test")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
