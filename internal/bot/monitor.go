package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// PositionHealth - результат оценки одной позиции
type PositionHealth struct {
	TradeID             string           `json:"trade_id"`
	ExitSpread          float64          `json:"exit_spread"`
	Divergence          float64          `json:"divergence"` // exit - entry, п.п.
	MarkPnl             float64          `json:"mark_pnl"`
	LiquidationDistance float64          `json:"liquidation_distance"` // %, -1 = нет данных
	Level               models.RiskLevel `json:"level"`
	Reasons             []string         `json:"reasons,omitempty"`
	Priced              bool             `json:"priced"`
	CheckedAt           time.Time        `json:"checked_at"`
}

// PositionMonitor периодически оценивает риск открытых позиций
//
// Уровень риска - максимум из оценки по расхождению спреда и по
// расстоянию до ликвидации. При переходе в CRITICAL вызывается onCritical
// (один раз на сделку).
type PositionMonitor struct {
	mu        sync.RWMutex
	trades    map[string]*models.Trade
	escalated map[string]bool

	prices *PriceAggregator
	oracle exchange.LiquidationOracle
	config func() models.TradingConfig

	onHealth   func(h PositionHealth)
	onCritical func(ctx context.Context, t *models.Trade, h PositionHealth)

	now func() time.Time
	log *utils.Logger
}

// NewPositionMonitor создаёт монитор; oracle может быть nil
func NewPositionMonitor(prices *PriceAggregator, oracle exchange.LiquidationOracle, config func() models.TradingConfig, logger *utils.Logger) *PositionMonitor {
	return &PositionMonitor{
		trades:    make(map[string]*models.Trade),
		escalated: make(map[string]bool),
		prices:    prices,
		oracle:    oracle,
		config:    config,
		now:       time.Now,
		log:       utils.OrGlobal(logger).WithComponent("monitor"),
	}
}

// SetCallbacks задаёт обработчики; вызывать до Run
func (pm *PositionMonitor) SetCallbacks(
	onHealth func(h PositionHealth),
	onCritical func(ctx context.Context, t *models.Trade, h PositionHealth),
) {
	pm.onHealth = onHealth
	pm.onCritical = onCritical
}

// Watch начинает наблюдение за сделкой
func (pm *PositionMonitor) Watch(t *models.Trade, _ *models.ExitState) {
	pm.mu.Lock()
	pm.trades[t.ID] = t.Clone()
	delete(pm.escalated, t.ID)
	pm.mu.Unlock()
}

// Unwatch прекращает наблюдение
func (pm *PositionMonitor) Unwatch(id string) {
	pm.mu.Lock()
	delete(pm.trades, id)
	delete(pm.escalated, id)
	pm.mu.Unlock()
}

// Watched возвращает ID наблюдаемых сделок
func (pm *PositionMonitor) Watched() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	ids := make([]string, 0, len(pm.trades))
	for id := range pm.trades {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run - цикл проверки с интервалом из конфигурации
func (pm *PositionMonitor) Run(ctx context.Context) {
	interval := pm.config().Monitor.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.CheckAll(ctx)
			if next := pm.config().Monitor.Interval; next != interval && next > 0 {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// CheckAll оценивает все позиции и вызывает обработчики
func (pm *PositionMonitor) CheckAll(ctx context.Context) []PositionHealth {
	cfg := pm.config().Monitor

	pm.mu.RLock()
	trades := make([]*models.Trade, 0, len(pm.trades))
	for _, t := range pm.trades {
		trades = append(trades, t)
	}
	pm.mu.RUnlock()

	out := make([]PositionHealth, 0, len(trades))
	for _, t := range trades {
		h := pm.Assess(ctx, t, cfg)
		out = append(out, h)
		if !h.Priced {
			continue
		}
		if pm.onHealth != nil {
			pm.onHealth(h)
		}
		if h.Level == models.RiskCritical && pm.markEscalated(t.ID) {
			pm.log.Warn("position risk critical",
				utils.TradeID(t.ID),
				utils.Float64("divergence", h.Divergence),
				utils.Float64("liquidation_distance", h.LiquidationDistance),
				utils.Any("reasons", h.Reasons))
			if pm.onCritical != nil {
				pm.onCritical(ctx, t, h)
			}
		}
	}
	return out
}

func (pm *PositionMonitor) markEscalated(id string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, watched := pm.trades[id]; !watched || pm.escalated[id] {
		return false
	}
	pm.escalated[id] = true
	return true
}

// Assess оценивает одну позицию
func (pm *PositionMonitor) Assess(ctx context.Context, t *models.Trade, cfg models.MonitorConfig) PositionHealth {
	h := PositionHealth{
		TradeID:             t.ID,
		Level:               models.RiskLow,
		LiquidationDistance: -1,
		CheckedAt:           pm.now(),
	}

	longBid, shortAsk, ok := pm.prices.ExitPrices(t.Instrument, t.LongVenue, t.ShortVenue)
	if !ok {
		h.Reasons = append(h.Reasons, "no quotes")
		return h
	}
	h.Priced = true
	h.ExitSpread = utils.CalculateExitSpread(longBid, shortAsk)
	h.Divergence = h.ExitSpread - t.EntrySpreadPercent
	h.MarkPnl = utils.CalculateTotalPNL(t.EntryPriceLong, longBid, t.EntryPriceShort, shortAsk, t.Quantity)

	divLevel := divergenceLevel(h.Divergence, cfg)
	if divLevel != models.RiskLow {
		h.Reasons = append(h.Reasons, fmt.Sprintf("spread divergence %.4f", h.Divergence))
	}

	liqLevel := models.RiskLow
	if pm.oracle != nil {
		dist, err := pm.liquidationDistance(ctx, t, longBid, shortAsk)
		switch {
		case err == nil:
			h.LiquidationDistance = dist
			liqLevel = liquidationLevel(dist, cfg)
			if liqLevel != models.RiskLow {
				h.Reasons = append(h.Reasons, fmt.Sprintf("liquidation distance %.2f%%", dist))
			}
		case !errors.Is(err, exchange.ErrNoLiquidationData):
			pm.log.Debug("liquidation oracle error", utils.TradeID(t.ID), utils.Err(err))
		}
	}

	h.Level = maxLevel(divLevel, liqLevel)
	return h
}

// liquidationDistance - минимальное расстояние по двум ногам
func (pm *PositionMonitor) liquidationDistance(ctx context.Context, t *models.Trade, longMark, shortMark float64) (float64, error) {
	legs := []exchange.LegPosition{
		{Venue: t.LongVenue, Instrument: t.Instrument, Side: exchange.SideLong, EntryPrice: t.EntryPriceLong, MarkPrice: longMark, Quantity: t.Quantity},
		{Venue: t.ShortVenue, Instrument: t.Instrument, Side: exchange.SideShort, EntryPrice: t.EntryPriceShort, MarkPrice: shortMark, Quantity: t.Quantity},
	}
	best := math.Inf(1)
	var lastErr error
	for _, leg := range legs {
		d, err := pm.oracle.DistancePercent(ctx, leg)
		if err != nil {
			lastErr = err
			continue
		}
		best = math.Min(best, d)
	}
	if math.IsInf(best, 1) {
		if lastErr == nil {
			lastErr = exchange.ErrNoLiquidationData
		}
		return 0, lastErr
	}
	return best, nil
}

func divergenceLevel(div float64, cfg models.MonitorConfig) models.RiskLevel {
	switch {
	case cfg.DivergenceCritical > 0 && div >= cfg.DivergenceCritical:
		return models.RiskCritical
	case cfg.DivergenceHigh > 0 && div >= cfg.DivergenceHigh:
		return models.RiskHigh
	case cfg.DivergenceMedium > 0 && div >= cfg.DivergenceMedium:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func liquidationLevel(dist float64, cfg models.MonitorConfig) models.RiskLevel {
	switch {
	case dist <= cfg.LiquidationCrit:
		return models.RiskCritical
	case dist <= cfg.LiquidationHigh:
		return models.RiskHigh
	case dist <= cfg.LiquidationMedium:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func maxLevel(a, b models.RiskLevel) models.RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
