package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine is not running")
)

const (
	tickBufferSize         = 2000
	notificationBufferSize = 500
	sinkTimeout            = 5 * time.Second
	statsInterval          = 5 * time.Second
)

// OpportunityListener получает найденные возможности (для UI)
type OpportunityListener interface {
	OnOpportunity(o *models.Opportunity)
}

// EngineDeps - внешние зависимости движка
type EngineDeps struct {
	Store     TradeStore
	Venues    map[string]exchange.VenueOrderClient
	Feeds     []exchange.PriceFeed
	Verifier  exchange.QuoteSource       // nil - без перепроверки спреда
	Oracle    exchange.LiquidationOracle // nil - риск только по спреду
	Cooldowns CooldownStore              // nil - cooldown в памяти
	Locker    Locker                     // nil - single-flight в процессе
	Listeners []TradeListener
	Sinks     []NotificationSink
	Balances  map[string]float64
	NumShards int // 0 = по числу CPU
	Logger    *utils.Logger
}

// Engine - control surface торгового ядра
//
// Поток данных:
// PriceFeed → шард по инструменту → PriceAggregator → OpportunityDetector →
// (auto-execute) TradeExecutor. PositionMonitor и ExitManager работают
// по своим таймерам и возвращают закрытие исполнителю.
type Engine struct {
	cfgMu sync.RWMutex
	cfg   models.TradingConfig

	aggregator *PriceAggregator
	detector   *OpportunityDetector
	depth      *DepthAnalyzer
	risk       *RiskManager
	ledger     *BalanceLedger
	executor   *TradeExecutor
	monitor    *PositionMonitor
	exits      *ExitManager

	feeds        []exchange.PriceFeed
	sinks        []NotificationSink
	oppListeners []OpportunityListener

	// Шардированные очереди тиков: один инструмент всегда в одном шарде
	tickShards []chan exchange.Tick

	notifyCh chan *models.Notification

	oppMu sync.RWMutex
	opps  map[string]*models.Opportunity

	// Ключи, по которым уже запущено автоисполнение
	autoMu       sync.Mutex
	autoInflight map[string]struct{}

	runMu          sync.Mutex
	running        atomic.Bool
	recovered      bool
	cancel         context.CancelFunc
	cancelDispatch context.CancelFunc
	loops          sync.WaitGroup // циклы, останавливаемые Stop
	bg             sync.WaitGroup // саги и закрытия, запущенные циклами
	dispatcher     sync.WaitGroup

	startedAt time.Time
	recovery  *RecoveryResult

	log *utils.Logger
}

// NewEngine собирает ядро из конфигурации и зависимостей
func NewEngine(cfg models.TradingConfig, deps EngineDeps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trading config: %w", err)
	}
	if deps.Store == nil {
		return nil, errors.New("trade store is required")
	}

	log := utils.OrGlobal(deps.Logger)

	numShards := deps.NumShards
	if numShards <= 0 {
		numShards = runtime.NumCPU()
		if numShards < 4 {
			numShards = 4
		}
		if numShards > 32 {
			numShards = 32
		}
	}

	cooldowns := deps.Cooldowns
	if cooldowns == nil {
		cooldowns = newMemoryCooldowns()
	}

	e := &Engine{
		cfg:          cfg,
		aggregator:   NewPriceAggregator(numShards),
		detector:     NewOpportunityDetector(),
		depth:        NewDepthAnalyzer(),
		ledger:       NewBalanceLedger(deps.Balances),
		feeds:        deps.Feeds,
		sinks:        deps.Sinks,
		tickShards:   make([]chan exchange.Tick, numShards),
		notifyCh:     make(chan *models.Notification, notificationBufferSize),
		opps:         make(map[string]*models.Opportunity),
		autoInflight: make(map[string]struct{}),
		log:          log.WithComponent("engine"),
	}
	for i := range e.tickShards {
		e.tickShards[i] = make(chan exchange.Tick, tickBufferSize)
	}

	e.risk = NewRiskManager(cooldowns, log)
	e.executor = NewTradeExecutor(ExecutorDeps{
		Config:     e.Config,
		Risk:       e.risk,
		Ledger:     e.ledger,
		Depth:      e.depth,
		Scaled:     NewScaledOrderExecutor(log),
		Aggregator: e.aggregator,
		Store:      deps.Store,
		Venues:     deps.Venues,
		Verifier:   deps.Verifier,
		Locker:     deps.Locker,
		NotifyCh:   e.notifyCh,
		Logger:     log,
	})

	e.monitor = NewPositionMonitor(e.aggregator, deps.Oracle, e.Config, log)
	e.monitor.SetCallbacks(e.onHealth, e.onCritical)

	exitStates, _ := deps.Store.(ExitStateStore)
	e.exits = NewExitManager(e.aggregator, exitStates, e.Config, log)
	e.exits.OnExit(e.onExit)

	e.executor.AddWatcher(e.monitor)
	e.executor.AddWatcher(e.exits)
	for _, l := range deps.Listeners {
		e.executor.AddListener(l)
		if ol, ok := l.(OpportunityListener); ok {
			e.oppListeners = append(e.oppListeners, ol)
		}
	}

	return e, nil
}

// ============================================================
// Жизненный цикл
// ============================================================

// Start восстанавливает сделки из хранилища и запускает циклы
//
// Если ctx несёт разрешение на live-торговлю, оно распространяется на
// автоисполнение найденных возможностей.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.running.Load() {
		return ErrAlreadyRunning
	}

	if !e.recovered {
		res, err := e.executor.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
		e.recovery = res
		e.recovered = true
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if IsLiveAuthorized(ctx) {
		runCtx = WithLiveAuthorization(runCtx)
	}
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	e.cancel = cancel
	e.cancelDispatch = cancelDispatch
	e.startedAt = time.Now()

	e.dispatcher.Add(1)
	go func() {
		defer e.dispatcher.Done()
		e.dispatchNotifications(dispatchCtx)
	}()

	for i := range e.tickShards {
		e.spawn(func() { e.tickWorker(runCtx, i) })
	}
	for _, feed := range e.feeds {
		e.spawn(func() { e.runFeed(runCtx, feed) })
	}
	e.spawn(func() { e.monitor.Run(runCtx) })
	e.spawn(func() { e.exits.Run(runCtx) })
	e.spawn(func() { e.statsLoop(runCtx) })

	e.running.Store(true)
	e.log.Info("engine started",
		utils.Int("shards", len(e.tickShards)),
		utils.Int("feeds", len(e.feeds)),
		utils.Bool("paper", e.Config().Risk.PaperMode))
	return nil
}

// Stop останавливает циклы и дожидается запущенных саг и закрытий
//
// Открытые позиции остаются открытыми и продолжат отслеживаться после
// следующего Start.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.running.Load() {
		return
	}
	e.running.Store(false)

	e.cancel()
	e.loops.Wait()
	e.bg.Wait()

	tryEnqueueNotification(e.notifyCh, newNotification(models.NotificationTypePause, models.SeverityInfo, nil, "engine stopped"))
	e.cancelDispatch()
	e.dispatcher.Wait()
	e.log.Info("engine stopped", utils.Dur("uptime", time.Since(e.startedAt)))
}

// IsRunning сообщает, запущен ли движок
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

func (e *Engine) spawn(fn func()) {
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		fn()
	}()
}

func (e *Engine) runFeed(ctx context.Context, feed exchange.PriceFeed) {
	err := feed.Run(ctx, exchange.FeedHandler{
		OnTick:  e.routeTick,
		OnDepth: e.depth.UpdateSnapshot,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.log.Error("price feed stopped", utils.Err(err))
	}
}

// routeTick - роутинг тика в шард по инструменту; при переполнении тик отбрасывается
func (e *Engine) routeTick(t exchange.Tick) {
	idx := fnvHash(t.Instrument) % uint32(len(e.tickShards))
	select {
	case e.tickShards[idx] <- t:
	default:
		RecordBufferOverflow("ticks")
	}
}

func (e *Engine) tickWorker(ctx context.Context, shard int) {
	ch := e.tickShards[shard]
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ch:
			e.HandleTick(ctx, t)
		}
	}
}

// HandleTick обновляет котировку и ищет возможность по инструменту
//
// Возвращает найденную возможность (или nil). При AutoExecute сделка
// запускается асинхронно.
func (e *Engine) HandleTick(ctx context.Context, t exchange.Tick) *models.Opportunity {
	e.aggregator.UpdateTick(t)

	cfg := e.Config()
	opp := e.detector.Detect(t.Instrument, e.aggregator.GetQuotes(t.Instrument), cfg.Detector)

	e.oppMu.Lock()
	if opp == nil {
		delete(e.opps, t.Instrument)
	} else {
		e.opps[t.Instrument] = opp
	}
	e.oppMu.Unlock()

	if opp == nil {
		return nil
	}
	RecordOpportunity(opp.Instrument, opp.SpreadPercent)
	for _, l := range e.oppListeners {
		l.OnOpportunity(opp)
	}

	if cfg.Detector.AutoExecute && cfg.Risk.TradingEnabled && e.running.Load() {
		req := e.requestFor(cfg, opp)
		if e.claimAuto(ctx, cfg, req.Key()) {
			e.bg.Add(1)
			go func() {
				defer e.bg.Done()
				defer e.releaseAuto(req.Key())
				e.executor.Execute(ctx, req)
			}()
		}
	}
	return opp
}

// claimAuto резервирует ключ под автоисполнение.
// Повторные тики по ключу в работе или в cooldown сагу не запускают.
func (e *Engine) claimAuto(ctx context.Context, cfg models.TradingConfig, key string) bool {
	e.autoMu.Lock()
	defer e.autoMu.Unlock()
	if _, busy := e.autoInflight[key]; busy {
		return false
	}
	if e.risk.InCooldown(ctx, key, cfg.Risk.Cooldown()) {
		return false
	}
	e.autoInflight[key] = struct{}{}
	return true
}

func (e *Engine) releaseAuto(key string) {
	e.autoMu.Lock()
	delete(e.autoInflight, key)
	e.autoMu.Unlock()
}

// HandleDepth обновляет стакан площадки
func (e *Engine) HandleDepth(s exchange.DepthSnapshot) {
	e.depth.UpdateSnapshot(s)
}

// ============================================================
// Control surface
// ============================================================

// ProcessOpportunity проводит внешнюю возможность через риск и сагу
func (e *Engine) ProcessOpportunity(ctx context.Context, opp *models.Opportunity) (*models.TradeResult, error) {
	if !e.running.Load() {
		return nil, ErrNotRunning
	}
	if opp == nil {
		return nil, errors.New("opportunity is required")
	}
	return e.executor.Execute(ctx, e.requestFor(e.Config(), opp)), nil
}

func (e *Engine) requestFor(cfg models.TradingConfig, opp *models.Opportunity) TradeRequest {
	size := opp.SizeUsd
	if size <= 0 {
		size = cfg.Risk.DefaultSizeUsd
	}
	return TradeRequest{
		Instrument:    utils.NormalizeInstrument(opp.Instrument),
		LongVenue:     utils.NormalizeVenue(opp.BuyVenue),
		ShortVenue:    utils.NormalizeVenue(opp.SellVenue),
		SpreadPercent: opp.SpreadPercent,
		SizeUsd:       size,
		LongPrice:     opp.BuyPrice,
		ShortPrice:    opp.SellPrice,
	}
}

// Config возвращает текущую конфигурацию (копию)
func (e *Engine) Config() models.TradingConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// UpdateConfig применяет частичное обновление; невалидный результат отклоняется целиком
func (e *Engine) UpdateConfig(patch models.ConfigPatch) (models.TradingConfig, error) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	next := patch.Apply(e.cfg)
	if err := next.Validate(); err != nil {
		return e.cfg, err
	}
	prev := e.cfg
	e.cfg = next

	e.log.Info("trading config updated",
		utils.Bool("trading_enabled", next.Risk.TradingEnabled),
		utils.Bool("paper", next.Risk.PaperMode),
		utils.Float64("min_spread", next.Risk.MinSpread),
		utils.Float64("max_total_exposure_usd", next.Risk.MaxTotalExposureUsd))
	if prev.Risk.PaperMode != next.Risk.PaperMode {
		e.log.Warn("paper mode switched", utils.Bool("paper", next.Risk.PaperMode))
	}
	return next, nil
}

// GetStats возвращает снимок состояния
func (e *Engine) GetStats() models.EngineStats {
	cfg := e.Config()
	return models.EngineStats{
		Running:      e.running.Load(),
		PaperMode:    cfg.Risk.PaperMode,
		ActiveTrades: e.executor.ActiveTrades(),
		History:      e.executor.History(),
		RiskConfig:   cfg.Risk,
		Exposure:     e.risk.GetTotalExposure(),
		Counters:     e.executor.Counters(),
		Balances:     e.ledger.Snapshot(),
		UpdatedAt:    time.Now(),
	}
}

// Trades возвращает нетерминальные сделки
func (e *Engine) Trades() []*models.Trade {
	return e.executor.ActiveTrades()
}

// Trade возвращает сделку из памяти (активные и недавняя история)
func (e *Engine) Trade(id string) (*models.Trade, bool) {
	return e.executor.GetTrade(id)
}

// CloseTrade - ручное закрытие ACTIVE или PARTIAL сделки
func (e *Engine) CloseTrade(ctx context.Context, id string) (*models.Trade, error) {
	e.exits.Unwatch(id)
	return e.executor.Close(context.WithoutCancel(ctx), id, CloseReasonManual)
}

// Balances возвращает записи леджера
func (e *Engine) Balances() []models.VenueBalance {
	return e.ledger.Snapshot()
}

// Deposit пополняет доступный баланс площадки
func (e *Engine) Deposit(venue string, amount float64) error {
	return e.ledger.Deposit(utils.NormalizeVenue(venue), amount)
}

// Opportunities возвращает последние найденные возможности по инструментам
func (e *Engine) Opportunities() []*models.Opportunity {
	e.oppMu.RLock()
	defer e.oppMu.RUnlock()
	out := make([]*models.Opportunity, 0, len(e.opps))
	for _, o := range e.opps {
		c := *o
		out = append(out, &c)
	}
	return out
}

// Recovery возвращает итоги восстановления при первом запуске
func (e *Engine) Recovery() *RecoveryResult {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.recovery
}

// Health возвращает текущую оценку позиций
func (e *Engine) Health(ctx context.Context) []PositionHealth {
	cfg := e.Config().Monitor
	trades := e.executor.ActiveTrades()
	out := make([]PositionHealth, 0, len(trades))
	for _, t := range trades {
		if t.Status != models.TradeStatusActive {
			continue
		}
		out = append(out, e.monitor.Assess(ctx, t, cfg))
	}
	return out
}

// ============================================================
// Колбэки мониторов
// ============================================================

func (e *Engine) onHealth(h PositionHealth) {
	e.executor.AnnotateRisk(h.TradeID, h.MarkPnl, h.Level)
}

func (e *Engine) onCritical(ctx context.Context, t *models.Trade, h PositionHealth) {
	if !e.Config().Monitor.AutoEmergencyClose {
		e.executor.notify(newNotification(models.NotificationTypeLiquidationRisk, models.SeverityCritical, t,
			fmt.Sprintf("position risk CRITICAL: %v", h.Reasons)))
		return
	}

	e.exits.Unwatch(t.ID)
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		reason := fmt.Sprintf("risk critical: %v", h.Reasons)
		if err := e.executor.EmergencyClose(context.WithoutCancel(ctx), t.ID, reason); err != nil {
			e.log.Error("emergency close failed", utils.TradeID(t.ID), utils.Err(err))
		}
	}()
}

func (e *Engine) onExit(ctx context.Context, sig ExitSignal) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if _, err := e.executor.Close(context.WithoutCancel(ctx), sig.TradeID, string(sig.Reason)); err != nil &&
			!errors.Is(err, ErrCloseInProgress) {
			e.log.Error("exit close failed",
				utils.TradeID(sig.TradeID),
				utils.String("reason", string(sig.Reason)),
				utils.Err(err))
		}
	}()
}

// ============================================================
// Уведомления и периодические задачи
// ============================================================

// dispatchNotifications доставляет уведомления во все sink'и
//
// После остановки оставшиеся в буфере уведомления дописываются.
func (e *Engine) dispatchNotifications(ctx context.Context) {
	for {
		select {
		case n := <-e.notifyCh:
			e.deliver(n)
		case <-ctx.Done():
			for {
				select {
				case n := <-e.notifyCh:
					e.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) deliver(n *models.Notification) {
	fields := []interface{}{"type", n.Type, "severity", n.Severity}
	if n.TradeID != nil {
		fields = append(fields, "trade_id", *n.TradeID)
	}
	switch n.Severity {
	case models.SeverityCritical, models.SeverityError:
		e.log.Sugar().Errorw(n.Message, fields...)
	case models.SeverityWarn:
		e.log.Sugar().Warnw(n.Message, fields...)
	default:
		e.log.Sugar().Infow(n.Message, fields...)
	}

	for _, sink := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.Deliver(ctx, n); err != nil {
			e.log.Warn("notification sink failed", utils.String("type", n.Type), utils.Err(err))
		}
		cancel()
	}
}

func (e *Engine) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ActiveTrades.Set(float64(e.risk.TrackedCount()))
			ExposureUsd.Set(e.risk.GetTotalExposure())
		}
	}
}
