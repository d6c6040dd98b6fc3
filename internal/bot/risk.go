package bot

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// TradeRequest - запрос на открытие хеджированной позиции
type TradeRequest struct {
	Instrument    string  `json:"instrument"`
	LongVenue     string  `json:"long_venue"`
	ShortVenue    string  `json:"short_venue"`
	SpreadPercent float64 `json:"spread_percent"`
	SizeUsd       float64 `json:"size_usd"` // 0 = размер по умолчанию

	// Опорные цены из возможности, если агрегатор их не знает
	LongPrice  float64 `json:"long_price,omitempty"`
	ShortPrice float64 `json:"short_price,omitempty"`
}

// Key - ключ cooldown/single-flight
func (r TradeRequest) Key() string {
	return models.TradeKey(r.Instrument, r.LongVenue, r.ShortVenue)
}

// Коды проверок риск-менеджера (метка метрики)
const (
	CheckTradingDisabled = "trading_disabled"
	CheckMinSpread       = "min_spread"
	CheckMaxSpread       = "max_spread"
	CheckCooldown        = "cooldown"
	CheckExposure        = "exposure"
	CheckCooldownStore   = "cooldown_store"
)

// RiskDecision - результат CheckTrade
type RiskDecision struct {
	Allowed      bool    `json:"allowed"`
	Check        string  `json:"check,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	AdjustedSize float64 `json:"adjusted_size"`
}

// MinTradeSizeUsd - меньший остаток потолка экспозиции считается исчерпанным
const MinTradeSizeUsd = 1.0

func reject(check, reason string) RiskDecision {
	return RiskDecision{Check: check, Reason: reason}
}

// RiskManager - допуск сделок и учёт экспозиции
//
// Экспозиция считается по отслеживаемым нетерминальным сделкам, поэтому
// сделки в полёте (PENDING/EXECUTING) уже занимают свою долю потолка.
type RiskManager struct {
	mu     sync.RWMutex
	trades map[string]*models.Trade

	cooldowns CooldownStore
	now       func() time.Time
	log       *utils.Logger
}

// NewRiskManager создаёт риск-менеджер; cooldowns == nil - хранение в памяти
func NewRiskManager(cooldowns CooldownStore, logger *utils.Logger) *RiskManager {
	if cooldowns == nil {
		cooldowns = newMemoryCooldowns()
	}
	return &RiskManager{
		trades:    make(map[string]*models.Trade),
		cooldowns: cooldowns,
		now:       time.Now,
		log:       utils.OrGlobal(logger).WithComponent("risk"),
	}
}

// CheckTrade выполняет проверки по порядку и возвращает первую неудачную
//
//  1. торговля включена или paper
//  2. спред >= MinSpread
//  3. спред <= MaxSpread
//  4. cooldown по ключу истёк
//  5. размер = min(запрошенный, MaxPerTradeUsd, 2 × (потолок - экспозиция));
//     остаток потолка меньше MinTradeSizeUsd - отказ
//
// Размер - суммарный notional обеих ног, экспозиция - quantity × entryPriceLong,
// то есть половина размера сделки.
//
// Не меняет состояние: повторный вызов с теми же аргументами даёт тот же ответ.
func (rm *RiskManager) CheckTrade(ctx context.Context, cfg models.RiskConfig, req TradeRequest) RiskDecision {
	if !cfg.TradingEnabled && !cfg.PaperMode {
		return reject(CheckTradingDisabled, "trading disabled")
	}

	if req.SpreadPercent < cfg.MinSpread {
		return reject(CheckMinSpread, fmt.Sprintf("spread %.4f%% below minimum %.4f%%", req.SpreadPercent, cfg.MinSpread))
	}
	if cfg.MaxSpread > 0 && req.SpreadPercent > cfg.MaxSpread {
		return reject(CheckMaxSpread, fmt.Sprintf("spread %.4f%% above maximum %.4f%%, likely bad data", req.SpreadPercent, cfg.MaxSpread))
	}

	if cooldown := cfg.Cooldown(); cooldown > 0 {
		last, ok, err := rm.cooldowns.LastOpened(ctx, req.Key())
		if err != nil {
			rm.log.Warn("cooldown store unavailable", utils.Err(err))
			return reject(CheckCooldownStore, "cooldown store unavailable")
		}
		if ok {
			if elapsed := rm.now().Sub(last); elapsed < cooldown {
				remaining := (cooldown - elapsed).Round(time.Millisecond)
				return reject(CheckCooldown, fmt.Sprintf("cooldown active for %s, %s remaining", req.Key(), remaining))
			}
		}
	}

	size := req.SizeUsd
	if size <= 0 {
		size = cfg.DefaultSizeUsd
	}
	if cfg.MaxPerTradeUsd > 0 {
		size = math.Min(size, cfg.MaxPerTradeUsd)
	}
	exposure := rm.GetTotalExposure()
	if cfg.MaxTotalExposureUsd > 0 {
		// экспозиция считается по long ноге, а размер - по обеим ногам
		headroom := 2 * (cfg.MaxTotalExposureUsd - exposure)
		if headroom < size {
			size = headroom
			if size < MinTradeSizeUsd {
				return reject(CheckExposure, fmt.Sprintf("exposure ceiling reached: %.2f of %.2f", exposure, cfg.MaxTotalExposureUsd))
			}
		}
	}
	if size <= 0 {
		return reject(CheckExposure, fmt.Sprintf("exposure ceiling reached: %.2f of %.2f", exposure, cfg.MaxTotalExposureUsd))
	}

	return RiskDecision{Allowed: true, AdjustedSize: size}
}

// InCooldown сообщает, что по ключу идёт cooldown. Ошибка хранилища даёт false:
// отказ с причиной выдаст CheckTrade.
func (rm *RiskManager) InCooldown(ctx context.Context, key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return false
	}
	last, ok, err := rm.cooldowns.LastOpened(ctx, key)
	if err != nil || !ok {
		return false
	}
	return rm.now().Sub(last) < cooldown
}

// RecordOpen запоминает момент открытия для cooldown
func (rm *RiskManager) RecordOpen(ctx context.Context, key string, cooldown time.Duration) {
	if err := rm.cooldowns.RecordOpen(ctx, key, rm.now(), cooldown); err != nil {
		rm.log.Warn("failed to record cooldown", utils.String("key", key), utils.Err(err))
	}
}

// TrackTrade добавляет или обновляет сделку; терминальная снимается с учёта
func (rm *RiskManager) TrackTrade(t *models.Trade) {
	if t == nil {
		return
	}
	rm.mu.Lock()
	if t.Status.IsTerminal() {
		delete(rm.trades, t.ID)
	} else {
		rm.trades[t.ID] = t.Clone()
	}
	exposure := rm.exposureLocked()
	count := len(rm.trades)
	rm.mu.Unlock()

	ExposureUsd.Set(exposure)
	ActiveTrades.Set(float64(count))
}

// UntrackTrade снимает сделку с учёта
func (rm *RiskManager) UntrackTrade(id string) {
	rm.mu.Lock()
	delete(rm.trades, id)
	exposure := rm.exposureLocked()
	count := len(rm.trades)
	rm.mu.Unlock()

	ExposureUsd.Set(exposure)
	ActiveTrades.Set(float64(count))
}

// GetTotalExposure - сумма quantity × entryPriceLong по нетерминальным сделкам
func (rm *RiskManager) GetTotalExposure() float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.exposureLocked()
}

func (rm *RiskManager) exposureLocked() float64 {
	var total float64
	for _, t := range rm.trades {
		if !t.Status.IsTerminal() {
			total += t.Exposure()
		}
	}
	return total
}

// TrackedCount - количество отслеживаемых сделок
func (rm *RiskManager) TrackedCount() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.trades)
}

// IsTracked сообщает, учитывается ли сделка в экспозиции
func (rm *RiskManager) IsTracked(id string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.trades[id]
	return ok
}
