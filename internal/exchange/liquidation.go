package exchange

import (
	"context"
	"sync"
)

// LeverageOracle оценивает цену ликвидации изолированной позиции по плечу площадки
//
//	long:  liq = entry × (1 − 1/L + mm)
//	short: liq = entry × (1 + 1/L − mm)
//
// Расстояние - процент от mark до liq в неблагоприятную сторону.
type LeverageOracle struct {
	leverage          map[string]float64 // venue -> плечо
	maintenanceMargin float64
	mu                sync.RWMutex
}

// NewLeverageOracle создаёт оракул; mm - доля поддерживающей маржи (0.005 = 0.5%)
func NewLeverageOracle(leverage map[string]float64, mm float64) *LeverageOracle {
	l := make(map[string]float64, len(leverage))
	for venue, lev := range leverage {
		l[venue] = lev
	}
	return &LeverageOracle{leverage: l, maintenanceMargin: mm}
}

// SetLeverage меняет плечо площадки
func (o *LeverageOracle) SetLeverage(venue string, lev float64) {
	o.mu.Lock()
	o.leverage[venue] = lev
	o.mu.Unlock()
}

// DistancePercent реализует LiquidationOracle
func (o *LeverageOracle) DistancePercent(_ context.Context, leg LegPosition) (float64, error) {
	o.mu.RLock()
	lev, ok := o.leverage[leg.Venue]
	o.mu.RUnlock()
	if !ok || lev <= 1 || leg.EntryPrice <= 0 || leg.MarkPrice <= 0 {
		return 0, ErrNoLiquidationData
	}

	switch leg.Side {
	case SideLong:
		liq := leg.EntryPrice * (1 - 1/lev + o.maintenanceMargin)
		return (leg.MarkPrice - liq) / leg.MarkPrice * 100, nil
	case SideShort:
		liq := leg.EntryPrice * (1 + 1/lev - o.maintenanceMargin)
		return (liq - leg.MarkPrice) / leg.MarkPrice * 100, nil
	default:
		return 0, ErrNoLiquidationData
	}
}
