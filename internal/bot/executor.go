package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/retry"
	"crossarb/pkg/utils"
)

var (
	ErrTradeNotFound   = errors.New("trade not found")
	ErrCloseInProgress = errors.New("close already in progress")
	ErrUnknownVenue    = errors.New("no order client for venue")
)

// executionLockTTL - TTL межпроцессной блокировки ключа на время саги
const executionLockTTL = 2 * time.Minute

// PositionWatcher - компонент, отслеживающий открытые позиции
type PositionWatcher interface {
	Watch(t *models.Trade, restored *models.ExitState)
	Unwatch(tradeID string)
}

// ExecutorDeps - зависимости исполнителя
type ExecutorDeps struct {
	Config     func() models.TradingConfig
	Risk       *RiskManager
	Ledger     *BalanceLedger
	Depth      *DepthAnalyzer
	Scaled     *ScaledOrderExecutor
	Aggregator *PriceAggregator
	Store      TradeStore
	Venues     map[string]exchange.VenueOrderClient
	Verifier   exchange.QuoteSource // nil - без перепроверки спреда
	Locker     Locker               // nil - только внутрипроцессный single-flight
	NotifyCh   chan *models.Notification
	Logger     *utils.Logger
}

// TradeExecutor - сага открытия и закрытия хеджированной позиции
//
// Порядок открытия: риск-допуск → перепроверка спреда → PENDING →
// блокировка баланса → EXECUTING → long нога → short нога → ACTIVE.
// Если short нога не открылась, long нога откатывается; неудачный откат
// оставляет сделку в PARTIAL. Каждый переход записывается в хранилище до
// следующего шага.
type TradeExecutor struct {
	config     func() models.TradingConfig
	risk       *RiskManager
	ledger     *BalanceLedger
	depth      *DepthAnalyzer
	scaled     *ScaledOrderExecutor
	aggregator *PriceAggregator
	store      TradeStore
	verifier   exchange.QuoteSource
	locker     Locker

	venuesMu sync.RWMutex
	venues   map[string]exchange.VenueOrderClient
	paper    map[string]*PaperVenue

	// admitMu делает проверку риска и резерв экспозиции атомарными
	admitMu  sync.Mutex
	inflight map[string]struct{}

	mu     sync.RWMutex
	trades map[string]*tradeEntry

	historyMu sync.Mutex
	history   []*models.Trade

	countersMu sync.Mutex
	counters   models.TradeCounters

	watchers  []PositionWatcher
	listeners []TradeListener
	notifyCh  chan *models.Notification

	newID func() string
	now   func() time.Time
	log   *utils.Logger
}

type tradeEntry struct {
	opMu sync.Mutex // сериализует операции над одной сделкой

	mu        sync.RWMutex
	trade     *models.Trade
	lockedUsd float64 // заблокировано на каждой из площадок

	closing atomic.Bool
}

func (te *tradeEntry) snapshot() *models.Trade {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.trade.Clone()
}

func (te *tradeEntry) locked() float64 {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.lockedUsd
}

func (te *tradeEntry) setLocked(v float64) {
	te.mu.Lock()
	te.lockedUsd = v
	te.mu.Unlock()
}

// NewTradeExecutor создаёт исполнитель
func NewTradeExecutor(deps ExecutorDeps) *TradeExecutor {
	cfgFn := deps.Config
	if cfgFn == nil {
		cfgFn = models.DefaultTradingConfig
	}
	venues := make(map[string]exchange.VenueOrderClient, len(deps.Venues))
	for name, c := range deps.Venues {
		venues[name] = c
	}
	return &TradeExecutor{
		config:     cfgFn,
		risk:       deps.Risk,
		ledger:     deps.Ledger,
		depth:      deps.Depth,
		scaled:     deps.Scaled,
		aggregator: deps.Aggregator,
		store:      deps.Store,
		verifier:   deps.Verifier,
		locker:     deps.Locker,
		venues:     venues,
		paper:      make(map[string]*PaperVenue),
		inflight:   make(map[string]struct{}),
		trades:     make(map[string]*tradeEntry),
		notifyCh:   deps.NotifyCh,
		newID:      uuid.NewString,
		now:        time.Now,
		log:        utils.OrGlobal(deps.Logger).WithComponent("executor"),
	}
}

// AddWatcher подключает монитор позиций; вызывать до Start
func (e *TradeExecutor) AddWatcher(w PositionWatcher) {
	e.watchers = append(e.watchers, w)
}

// AddListener подключает получателя снимков сделок; вызывать до Start
func (e *TradeExecutor) AddListener(l TradeListener) {
	e.listeners = append(e.listeners, l)
}

// SetVenue регистрирует или заменяет клиента площадки
func (e *TradeExecutor) SetVenue(c exchange.VenueOrderClient) {
	e.venuesMu.Lock()
	e.venues[c.Venue()] = c
	e.venuesMu.Unlock()
}

func (e *TradeExecutor) clientFor(paper bool, venue string) (exchange.VenueOrderClient, error) {
	e.venuesMu.Lock()
	defer e.venuesMu.Unlock()

	if paper {
		pv, ok := e.paper[venue]
		if !ok {
			pv = NewPaperVenue(venue, e.aggregator)
			e.paper[venue] = pv
		}
		return pv, nil
	}
	c, ok := e.venues[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
	return c, nil
}

// ============================================================
// Открытие позиции
// ============================================================

type tradePlan struct {
	trade        *models.Trade
	legUsd       float64
	depthWarning string
}

// Execute проводит сагу открытия для запроса
//
// Отказ до создания сделки возвращает Success=false без Trade.
func (e *TradeExecutor) Execute(ctx context.Context, req TradeRequest) *models.TradeResult {
	cfg := e.config()
	log := e.log.With(
		utils.Instrument(req.Instrument),
		utils.String("long_venue", req.LongVenue),
		utils.String("short_venue", req.ShortVenue))

	if err := utils.ValidateOpportunity(req.Instrument, req.LongVenue, req.ShortVenue, req.SpreadPercent, req.SizeUsd); err != nil {
		return e.rejected(req, err.Error())
	}
	if !cfg.Risk.PaperMode && !IsLiveAuthorized(ctx) {
		return e.rejected(req, ErrNotAuthorized.Error())
	}

	longClient, err := e.clientFor(cfg.Risk.PaperMode, req.LongVenue)
	if err != nil {
		return e.rejected(req, err.Error())
	}
	shortClient, err := e.clientFor(cfg.Risk.PaperMode, req.ShortVenue)
	if err != nil {
		return e.rejected(req, err.Error())
	}

	if e.locker != nil {
		release, err := e.locker.Acquire(ctx, "exec:"+req.Key(), executionLockTTL)
		if err != nil {
			if errors.Is(err, ErrLockHeld) {
				return e.rejected(req, "execution already in flight for "+req.Key())
			}
			return e.rejected(req, "execution lock unavailable: "+err.Error())
		}
		defer release()
	}

	plan, reason := e.admit(ctx, cfg, req)
	if plan == nil {
		return e.rejected(req, reason)
	}
	defer e.finishInflight(req.Key())

	if plan.depthWarning != "" {
		log.Warn("size limited by depth", utils.String("warning", plan.depthWarning))
	}

	if reason := e.verifySpread(ctx, cfg, req, plan); reason != "" {
		e.risk.UntrackTrade(plan.trade.ID)
		RecordRejection("verify")
		return e.rejected(req, reason)
	}

	// Сага не прерывается отменой запроса: ноги на площадках уже могут быть открыты
	sagaCtx := context.WithoutCancel(ctx)

	trade := plan.trade
	if err := e.persistNew(sagaCtx, trade); err != nil {
		e.risk.UntrackTrade(trade.ID)
		log.Error("failed to persist new trade", utils.Err(err))
		return e.rejected(req, "trade store unavailable: "+err.Error())
	}
	e.risk.RecordOpen(sagaCtx, req.Key(), cfg.Risk.Cooldown())

	entry := &tradeEntry{trade: trade}
	e.mu.Lock()
	e.trades[trade.ID] = entry
	e.mu.Unlock()
	e.publish(trade)

	return e.runOpenSaga(sagaCtx, cfg, entry, plan, longClient, shortClient)
}

// admit: single-flight по ключу, риск-проверка и резерв экспозиции
func (e *TradeExecutor) admit(ctx context.Context, cfg models.TradingConfig, req TradeRequest) (*tradePlan, string) {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	key := req.Key()
	if _, busy := e.inflight[key]; busy {
		RecordRejection("inflight")
		return nil, "execution already in flight for " + key
	}

	decision := e.risk.CheckTrade(ctx, cfg.Risk, req)
	if !decision.Allowed {
		RecordRejection(decision.Check)
		return nil, decision.Reason
	}

	longRef, shortRef := e.referencePrices(req)
	if longRef <= 0 || shortRef <= 0 {
		RecordRejection("no_quote")
		return nil, fmt.Sprintf("no reference price for %s on %s/%s", req.Instrument, req.LongVenue, req.ShortVenue)
	}

	plan := &tradePlan{}
	size := decision.AdjustedSize
	if cfg.Execution.UseDepthSizing && e.depth != nil {
		rec := e.depth.RecommendedSize(req.LongVenue, req.ShortVenue, req.Instrument,
			cfg.Depth.MaxSlippagePercent, size/2, cfg.Depth.StaleAfter)
		if rec.Available {
			size = math.Min(size, rec.SizeUsd*2)
			if rec.LiquidityBound {
				plan.depthWarning = rec.Warning
			}
		}
		if size < MinTradeSizeUsd {
			RecordRejection("liquidity")
			return nil, "insufficient liquidity within slippage bound"
		}
	}

	plan.legUsd = size / 2
	plan.trade = &models.Trade{
		ID:                 e.newID(),
		Instrument:         req.Instrument,
		LongVenue:          req.LongVenue,
		ShortVenue:         req.ShortVenue,
		EntryPriceLong:     longRef,
		EntryPriceShort:    shortRef,
		Quantity:           plan.legUsd / longRef,
		SizeUsd:            size,
		EntrySpreadPercent: req.SpreadPercent,
		Status:             models.TradeStatusPending,
		Paper:              cfg.Risk.PaperMode,
		CreatedAt:          e.now(),
		RiskLevel:          models.RiskLow,
	}

	e.risk.TrackTrade(plan.trade)
	e.inflight[key] = struct{}{}
	return plan, ""
}

func (e *TradeExecutor) finishInflight(key string) {
	e.admitMu.Lock()
	delete(e.inflight, key)
	e.admitMu.Unlock()
}

// referencePrices: ask площадки long и bid площадки short, иначе цены из запроса
func (e *TradeExecutor) referencePrices(req TradeRequest) (float64, float64) {
	longRef, shortRef := req.LongPrice, req.ShortPrice
	if q, ok := e.aggregator.GetQuote(req.LongVenue, req.Instrument); ok && q.Ask > 0 {
		longRef = q.Ask
	}
	if q, ok := e.aggregator.GetQuote(req.ShortVenue, req.Instrument); ok && q.Bid > 0 {
		shortRef = q.Bid
	}
	return longRef, shortRef
}

// verifySpread перезапрашивает котировки и сверяет спред с ожидаемым
//
// Возвращает причину отказа или пустую строку. Свежие цены заменяют опорные.
func (e *TradeExecutor) verifySpread(ctx context.Context, cfg models.TradingConfig, req TradeRequest, plan *tradePlan) string {
	if !cfg.Execution.VerifySpread || e.verifier == nil {
		return ""
	}

	var longQ, shortQ models.Quote
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := e.verifier.FetchQuote(gctx, req.LongVenue, req.Instrument)
		longQ = q
		return err
	})
	g.Go(func() error {
		q, err := e.verifier.FetchQuote(gctx, req.ShortVenue, req.Instrument)
		shortQ = q
		return err
	})
	if err := g.Wait(); err != nil {
		return "spread verification failed: " + err.Error()
	}
	if longQ.Ask <= 0 || shortQ.Bid <= 0 {
		return "spread verification failed: empty quote"
	}

	verified := utils.CalculateSpread(shortQ.Bid, longQ.Ask)
	if math.Abs(verified-req.SpreadPercent) > cfg.Execution.VerifyTolerance {
		return fmt.Sprintf("spread moved: verified %.4f%%, expected %.4f%% ± %.4f",
			verified, req.SpreadPercent, cfg.Execution.VerifyTolerance)
	}

	t := plan.trade
	t.EntryPriceLong = longQ.Ask
	t.EntryPriceShort = shortQ.Bid
	t.Quantity = plan.legUsd / longQ.Ask
	e.risk.TrackTrade(t)
	return ""
}

func (e *TradeExecutor) persistNew(ctx context.Context, t *models.Trade) error {
	return retry.Do(ctx, storeRetryConfig(), func(ctx context.Context) error {
		return e.store.SaveTrade(ctx, t)
	})
}

func storeRetryConfig() retry.Config {
	return retry.Config{
		Attempts:     3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
	}
}

// sagaState - что уже сделано сагой (для обработки паники)
type sagaState struct {
	locked    bool
	longOpen  bool
	finalized bool
}

func (e *TradeExecutor) runOpenSaga(
	ctx context.Context,
	cfg models.TradingConfig,
	entry *tradeEntry,
	plan *tradePlan,
	longClient, shortClient exchange.VenueOrderClient,
) (result *models.TradeResult) {
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	start := e.now()
	trade := entry.snapshot()
	log := e.log.WithTradeID(trade.ID).With(utils.Instrument(trade.Instrument))
	st := &sagaState{}

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in execution saga",
				utils.Any("panic", r),
				utils.String("stack", string(debug.Stack())))
			result = e.abortSaga(ctx, entry, st, fmt.Sprintf("internal error: %v", r))
		}
	}()

	// 1. Блокировка капитала на обеих площадках
	if err := e.ledger.LockPair(trade.LongVenue, trade.ShortVenue, plan.legUsd); err != nil {
		log.Warn("balance lock failed", utils.Err(err))
		st.finalized = true
		final := e.finish(ctx, entry, models.TradeStatusCancelled, &models.TradeUpdate{ErrorReason: models.String(err.Error())})
		SagaDuration.WithLabelValues("cancelled").Observe(msSince(start))
		return &models.TradeResult{Success: false, Trade: final, Reason: err.Error()}
	}
	st.locked = true
	entry.setLocked(plan.legUsd)

	// 2. EXECUTING; без записи в хранилище ноги не выставляются
	if _, err := e.applyTransition(ctx, entry, models.TradeStatusExecuting, nil); err != nil {
		reason := "trade store unavailable before placing legs: " + err.Error()
		log.Error("execution aborted before legs", utils.Err(err))
		e.releaseLocks(entry, trade)
		st.locked = false
		st.finalized = true
		final := e.finish(ctx, entry, models.TradeStatusCancelled, &models.TradeUpdate{ErrorReason: models.String(reason)})
		SagaDuration.WithLabelValues("cancelled").Observe(msSince(start))
		return &models.TradeResult{Success: false, Trade: final, Reason: reason}
	}

	// 3. Long нога
	longFill, err := e.placeLeg(ctx, cfg, longClient, trade.Instrument, exchange.SideBuy, trade.Quantity, trade.EntryPriceLong)
	if err != nil {
		reason := fmt.Sprintf("long leg failed on %s: %v", trade.LongVenue, err)
		log.Warn("long leg failed", utils.Err(err))
		st.longOpen = longFill.committed()
		return e.failOpen(ctx, entry, st, start, reason, longClient, longFill, nil, legFill{})
	}
	st.longOpen = true

	// 4. Short нога на том же количестве
	shortFill, err := e.placeLeg(ctx, cfg, shortClient, trade.Instrument, exchange.SideSell, longFill.Qty, trade.EntryPriceShort)
	if err != nil {
		reason := fmt.Sprintf("short leg failed on %s: %v", trade.ShortVenue, err)
		log.Warn("short leg failed", utils.Err(err))
		return e.failOpen(ctx, entry, st, start, reason, longClient, longFill, shortClient, shortFill)
	}

	// 5. ACTIVE
	st.finalized = true
	now := e.now()
	active := e.transition(ctx, entry, models.TradeStatusActive, &models.TradeUpdate{
		EntryPriceLong:  models.Float(longFill.Price),
		EntryPriceShort: models.Float(shortFill.Price),
		Quantity:        models.Float(longFill.Qty),
		ExecutedAt:      models.Time(now),
	})
	for _, w := range e.watchers {
		w.Watch(active, nil)
	}

	e.bumpCounters(func(c *models.TradeCounters) { c.Opened++ })
	RecordTrade(active.Instrument, "opened", 0)
	SagaDuration.WithLabelValues("active").Observe(msSince(start))
	log.Info("trade opened",
		utils.Float64("quantity", active.Quantity),
		utils.Float64("entry_long", active.EntryPriceLong),
		utils.Float64("entry_short", active.EntryPriceShort),
		utils.Bool("paper", active.Paper))
	e.notify(newNotification(models.NotificationTypeOpen, models.SeverityInfo, active,
		fmt.Sprintf("Opened %s: long %s @ %.6f, short %s @ %.6f, qty %.6f",
			active.Instrument, active.LongVenue, active.EntryPriceLong, active.ShortVenue, active.EntryPriceShort, active.Quantity)))

	return &models.TradeResult{Success: true, Trade: active}
}

// failOpen откатывает исполненное и завершает сделку FAILED или PARTIAL
func (e *TradeExecutor) failOpen(
	ctx context.Context,
	entry *tradeEntry,
	st *sagaState,
	start time.Time,
	reason string,
	longClient exchange.VenueOrderClient, longFill legFill,
	shortClient exchange.VenueOrderClient, shortFill legFill,
) *models.TradeResult {
	cfg := e.config()
	trade := entry.snapshot()
	log := e.log.WithTradeID(trade.ID)

	var compErrs []error
	if longFill.committed() {
		err := e.compensate(ctx, cfg, longClient, trade.Instrument, exchange.SideSell, longFill)
		log.Warn("compensation attempted",
			utils.String("leg", "long"),
			utils.Venue(trade.LongVenue),
			utils.Float64("quantity", longFill.Qty),
			utils.Bool("ok", err == nil),
			utils.Err(err))
		RecordCompensation(err == nil)
		if err != nil {
			compErrs = append(compErrs, fmt.Errorf("long: %w", err))
		}
	}
	if shortClient != nil && shortFill.committed() {
		err := e.compensate(ctx, cfg, shortClient, trade.Instrument, exchange.SideBuy, shortFill)
		log.Warn("compensation attempted",
			utils.String("leg", "short"),
			utils.Venue(trade.ShortVenue),
			utils.Float64("quantity", shortFill.Qty),
			utils.Bool("ok", err == nil),
			utils.Err(err))
		RecordCompensation(err == nil)
		if err != nil {
			compErrs = append(compErrs, fmt.Errorf("short: %w", err))
		}
	}

	e.releaseLocks(entry, trade)
	st.locked = false
	st.finalized = true

	status := models.TradeStatusFailed
	severity := models.SeverityWarn
	if len(compErrs) > 0 {
		status = models.TradeStatusPartial
		severity = models.SeverityCritical
		reason = fmt.Sprintf("%s; compensation failed: %v; manual intervention required", reason, errors.Join(compErrs...))
	} else if longFill.committed() {
		reason += "; long leg compensated"
	}

	upd := &models.TradeUpdate{ErrorReason: models.String(reason)}
	if status == models.TradeStatusPartial && longFill.Qty > 0 {
		upd.EntryPriceLong = models.Float(longFill.Price)
		upd.Quantity = models.Float(longFill.Qty)
	}
	final := e.finish(ctx, entry, status, upd)

	if longFill.committed() {
		e.notify(newNotification(models.NotificationTypeSecondLegFail, severity, final, reason))
	}
	SagaDuration.WithLabelValues(string(status)).Observe(msSince(start))
	return &models.TradeResult{Success: false, Trade: final, Reason: reason}
}

// abortSaga - завершение после паники: блокировки снимаются, сделка не остаётся нетерминальной
func (e *TradeExecutor) abortSaga(ctx context.Context, entry *tradeEntry, st *sagaState, reason string) *models.TradeResult {
	trade := entry.snapshot()
	if st.finalized && trade.Status != models.TradeStatusPending && trade.Status != models.TradeStatusExecuting {
		return &models.TradeResult{Success: trade.Status == models.TradeStatusActive, Trade: trade, Reason: reason}
	}
	if st.locked {
		e.releaseLocks(entry, trade)
	}

	status := models.TradeStatusFailed
	switch {
	case trade.Status == models.TradeStatusPending:
		status = models.TradeStatusCancelled
	case st.longOpen && trade.Status == models.TradeStatusExecuting:
		status = models.TradeStatusPartial
		reason += "; long leg state unknown, manual intervention required"
	}
	final := e.finish(ctx, entry, status, &models.TradeUpdate{ErrorReason: models.String(reason)})
	e.notify(newNotification(models.NotificationTypeError, models.SeverityCritical, final, reason))
	return &models.TradeResult{Success: false, Trade: final, Reason: reason}
}

func (e *TradeExecutor) releaseLocks(entry *tradeEntry, trade *models.Trade) {
	amount := entry.locked()
	if amount <= 0 {
		return
	}
	for _, venue := range []string{trade.LongVenue, trade.ShortVenue} {
		if err := e.ledger.Release(venue, amount); err != nil {
			e.log.Error("ledger release failed", utils.TradeID(trade.ID), utils.Venue(venue), utils.Err(err))
		}
	}
	entry.setLocked(0)
}

// ============================================================
// Переходы состояний
// ============================================================

// transition применяет переход, записывает его и рассылает снимок
//
// Ошибка записи не откатывает переход: после выставления ног состояние
// площадок уже изменилось, поэтому память остаётся источником правды,
// а ошибка уходит в уведомления.
func (e *TradeExecutor) transition(ctx context.Context, entry *tradeEntry, to models.TradeStatus, upd *models.TradeUpdate) *models.Trade {
	t, _ := e.applyTransition(ctx, entry, to, upd)
	return t
}

// applyTransition - transition, возвращающий ошибку записи или ErrInvalidTransition
func (e *TradeExecutor) applyTransition(ctx context.Context, entry *tradeEntry, to models.TradeStatus, upd *models.TradeUpdate) (*models.Trade, error) {
	entry.mu.Lock()
	from := entry.trade.Status
	if !CanTransition(from, to) {
		cur := entry.trade.Clone()
		entry.mu.Unlock()
		e.log.Error("rejected state transition",
			utils.TradeID(cur.ID),
			utils.String("from", string(from)),
			utils.String("to", string(to)),
			utils.Err(ErrInvalidTransition))
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	next := entry.trade.Clone()
	upd.Apply(next)
	next.Status = to
	entry.trade = next
	snapshot := next.Clone()
	entry.mu.Unlock()

	err := retry.Do(ctx, storeRetryConfig(), func(ctx context.Context) error {
		return e.store.UpdateStatus(ctx, snapshot.ID, to, upd)
	})
	if err != nil {
		e.log.Error("failed to persist transition",
			utils.TradeID(snapshot.ID),
			utils.String("from", string(from)),
			utils.String("to", string(to)),
			utils.Err(err))
		e.notify(newNotification(models.NotificationTypeError, models.SeverityError, snapshot,
			fmt.Sprintf("trade store write failed on %s -> %s: %v", from, to, err)))
	}

	e.risk.TrackTrade(snapshot)
	e.publish(snapshot)
	return snapshot, err
}

// finish - переход в терминальное (или PARTIAL) состояние с учётом счётчиков
func (e *TradeExecutor) finish(ctx context.Context, entry *tradeEntry, to models.TradeStatus, upd *models.TradeUpdate) *models.Trade {
	final := e.transition(ctx, entry, to, upd)

	switch final.Status {
	case models.TradeStatusFailed:
		e.bumpCounters(func(c *models.TradeCounters) { c.Failed++ })
		RecordTrade(final.Instrument, "failed", 0)
	case models.TradeStatusPartial:
		e.bumpCounters(func(c *models.TradeCounters) { c.Partial++ })
		RecordTrade(final.Instrument, "partial", 0)
	case models.TradeStatusCompleted:
		var pnl float64
		if final.RealizedPnl != nil {
			pnl = *final.RealizedPnl
		}
		e.bumpCounters(func(c *models.TradeCounters) {
			c.Completed++
			c.Realized += pnl
		})
		RecordTrade(final.Instrument, "completed", pnl)
	}

	if final.Status.IsTerminal() {
		for _, w := range e.watchers {
			w.Unwatch(final.ID)
		}
		e.mu.Lock()
		delete(e.trades, final.ID)
		e.mu.Unlock()
		e.addHistory(final)
		PositionRisk.DeleteLabelValues(final.ID)
	}
	return final
}

func (e *TradeExecutor) rejected(req TradeRequest, reason string) *models.TradeResult {
	e.bumpCounters(func(c *models.TradeCounters) { c.Rejected++ })
	RecordTrade(req.Instrument, "rejected", 0)
	e.log.Info("trade rejected",
		utils.Instrument(req.Instrument),
		utils.String("key", req.Key()),
		utils.String("reason", reason))
	return &models.TradeResult{Success: false, Reason: reason}
}

func (e *TradeExecutor) publish(t *models.Trade) {
	for _, l := range e.listeners {
		l.OnTradeUpdate(t.Clone())
	}
}

func (e *TradeExecutor) notify(n *models.Notification) {
	if !tryEnqueueNotification(e.notifyCh, n) && e.notifyCh != nil {
		e.log.Warn("notification dropped", utils.String("type", n.Type), utils.String("message", n.Message))
	}
}

func (e *TradeExecutor) bumpCounters(fn func(c *models.TradeCounters)) {
	e.countersMu.Lock()
	fn(&e.counters)
	e.countersMu.Unlock()
}

func (e *TradeExecutor) addHistory(t *models.Trade) {
	size := e.config().Execution.HistorySize
	if size <= 0 {
		size = 100
	}
	e.historyMu.Lock()
	e.history = append(e.history, t.Clone())
	if over := len(e.history) - size; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	e.historyMu.Unlock()
}

// ============================================================
// Доступ к состоянию
// ============================================================

// ActiveTrades возвращает снимки нетерминальных сделок по времени создания
func (e *TradeExecutor) ActiveTrades() []*models.Trade {
	e.mu.RLock()
	out := make([]*models.Trade, 0, len(e.trades))
	for _, entry := range e.trades {
		out = append(out, entry.snapshot())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetTrade возвращает снимок сделки из активных или недавней истории
func (e *TradeExecutor) GetTrade(id string) (*models.Trade, bool) {
	if entry := e.entry(id); entry != nil {
		return entry.snapshot(), true
	}
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i].Clone(), true
		}
	}
	return nil, false
}

// History возвращает последние завершённые сделки, новые в конце
func (e *TradeExecutor) History() []*models.Trade {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	out := make([]*models.Trade, len(e.history))
	for i, t := range e.history {
		out[i] = t.Clone()
	}
	return out
}

// Counters возвращает счётчики исходов
func (e *TradeExecutor) Counters() models.TradeCounters {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()
	return e.counters
}

// AnnotateRisk обновляет mark-to-market PNL и уровень риска без смены статуса
func (e *TradeExecutor) AnnotateRisk(id string, pnl float64, level models.RiskLevel) {
	entry := e.entry(id)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	if entry.trade.Status.IsTerminal() {
		entry.mu.Unlock()
		return
	}
	next := entry.trade.Clone()
	next.Pnl = pnl
	next.RiskLevel = level
	entry.trade = next
	entry.mu.Unlock()

	PositionRisk.WithLabelValues(id).Set(float64(level.Rank()))
	e.publish(next)
}

func (e *TradeExecutor) entry(id string) *tradeEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trades[id]
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
