package models

import "time"

// TradeStatus - состояние хеджированной сделки
type TradeStatus string

// Состояния сделки
//
// PENDING - начальное, COMPLETED/FAILED/CANCELLED - терминальные.
// PARTIAL - одна нога исполнена и не откатилась, требуется ручная сверка.
const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusExecuting TradeStatus = "EXECUTING"
	TradeStatusActive    TradeStatus = "ACTIVE"
	TradeStatusClosing   TradeStatus = "CLOSING"
	TradeStatusCompleted TradeStatus = "COMPLETED"
	TradeStatusFailed    TradeStatus = "FAILED"
	TradeStatusCancelled TradeStatus = "CANCELLED"
	TradeStatusPartial   TradeStatus = "PARTIAL"
)

// IsTerminal возвращает true для финальных состояний
func (s TradeStatus) IsTerminal() bool {
	return s == TradeStatusCompleted || s == TradeStatusFailed || s == TradeStatusCancelled
}

// Trade - центральный агрегат: позиция long на одной площадке и short на другой
type Trade struct {
	ID         string `json:"id" db:"id"`
	Instrument string `json:"instrument" db:"instrument"`
	LongVenue  string `json:"long_venue" db:"long_venue"`
	ShortVenue string `json:"short_venue" db:"short_venue"`

	EntryPriceLong     float64 `json:"entry_price_long" db:"entry_price_long"`
	EntryPriceShort    float64 `json:"entry_price_short" db:"entry_price_short"`
	Quantity           float64 `json:"quantity" db:"quantity"`
	SizeUsd            float64 `json:"size_usd" db:"size_usd"` // суммарный номинал обеих ног
	EntrySpreadPercent float64 `json:"entry_spread_percent" db:"entry_spread_percent"`

	ExitPriceLong     *float64 `json:"exit_price_long,omitempty" db:"exit_price_long"`
	ExitPriceShort    *float64 `json:"exit_price_short,omitempty" db:"exit_price_short"`
	ExitSpreadPercent *float64 `json:"exit_spread_percent,omitempty" db:"exit_spread_percent"`

	Status      TradeStatus `json:"status" db:"status"`
	Pnl         float64     `json:"pnl" db:"pnl"` // mark-to-market
	RealizedPnl *float64    `json:"realized_pnl,omitempty" db:"realized_pnl"`
	Paper       bool        `json:"paper" db:"paper"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty" db:"executed_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	ErrorReason string     `json:"error_reason,omitempty" db:"error_reason"`
	CloseReason string     `json:"close_reason,omitempty" db:"close_reason"`
	RiskLevel   RiskLevel  `json:"risk_level,omitempty" db:"risk_level"`
}

// Key возвращает ключ cooldown/single-flight (instrument, long, short)
func (t *Trade) Key() string {
	return TradeKey(t.Instrument, t.LongVenue, t.ShortVenue)
}

// Exposure возвращает номинал, учитываемый в потолке экспозиции
func (t *Trade) Exposure() float64 {
	return t.Quantity * t.EntryPriceLong
}

// Clone возвращает копию сделки (указатели на float копируются по значению)
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	c := *t
	c.ExitPriceLong = cloneFloat(t.ExitPriceLong)
	c.ExitPriceShort = cloneFloat(t.ExitPriceShort)
	c.ExitSpreadPercent = cloneFloat(t.ExitSpreadPercent)
	c.RealizedPnl = cloneFloat(t.RealizedPnl)
	if t.ExecutedAt != nil {
		ts := *t.ExecutedAt
		c.ExecutedAt = &ts
	}
	if t.ClosedAt != nil {
		ts := *t.ClosedAt
		c.ClosedAt = &ts
	}
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

// TradeKey формирует ключ instrument|long|short
func TradeKey(instrument, longVenue, shortVenue string) string {
	return instrument + "|" + longVenue + "|" + shortVenue
}

// TradeUpdate - набор полей, меняемых вместе со статусом
// nil означает "не менять"
type TradeUpdate struct {
	EntryPriceLong    *float64
	EntryPriceShort   *float64
	Quantity          *float64
	ExitPriceLong     *float64
	ExitPriceShort    *float64
	ExitSpreadPercent *float64
	Pnl               *float64
	RealizedPnl       *float64
	ExecutedAt        *time.Time
	ClosedAt          *time.Time
	ErrorReason       *string
	CloseReason       *string
}

// Apply переносит заданные поля в сделку
func (u *TradeUpdate) Apply(t *Trade) {
	if u == nil || t == nil {
		return
	}
	if u.EntryPriceLong != nil {
		t.EntryPriceLong = *u.EntryPriceLong
	}
	if u.EntryPriceShort != nil {
		t.EntryPriceShort = *u.EntryPriceShort
	}
	if u.Quantity != nil {
		t.Quantity = *u.Quantity
	}
	if u.ExitPriceLong != nil {
		t.ExitPriceLong = cloneFloat(u.ExitPriceLong)
	}
	if u.ExitPriceShort != nil {
		t.ExitPriceShort = cloneFloat(u.ExitPriceShort)
	}
	if u.ExitSpreadPercent != nil {
		t.ExitSpreadPercent = cloneFloat(u.ExitSpreadPercent)
	}
	if u.Pnl != nil {
		t.Pnl = *u.Pnl
	}
	if u.RealizedPnl != nil {
		t.RealizedPnl = cloneFloat(u.RealizedPnl)
	}
	if u.ExecutedAt != nil {
		ts := *u.ExecutedAt
		t.ExecutedAt = &ts
	}
	if u.ClosedAt != nil {
		ts := *u.ClosedAt
		t.ClosedAt = &ts
	}
	if u.ErrorReason != nil {
		t.ErrorReason = *u.ErrorReason
	}
	if u.CloseReason != nil {
		t.CloseReason = *u.CloseReason
	}
}

// TradeResult - ответ execute/processOpportunity
type TradeResult struct {
	Success bool   `json:"success"`
	Trade   *Trade `json:"trade,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ExitState - состояние трейлинга по активной сделке
type ExitState struct {
	TradeID        string    `json:"trade_id" db:"id"`
	BestSpreadSeen float64   `json:"best_spread_seen" db:"best_spread_seen"`
	TrailingActive bool      `json:"trailing_active" db:"trailing_active"`
	EntryTime      time.Time `json:"entry_time" db:"executed_at"`
}

// RiskLevel - классификация риска открытой позиции
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank возвращает порядковый номер уровня (для сравнения)
func (l RiskLevel) Rank() int {
	switch l {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Float возвращает указатель на значение (для TradeUpdate)
func Float(v float64) *float64 { return &v }

// String возвращает указатель на строку (для TradeUpdate)
func String(v string) *string { return &v }

// Time возвращает указатель на время (для TradeUpdate)
func Time(v time.Time) *time.Time { return &v }
