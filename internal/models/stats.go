package models

import "time"

// EngineStats - снимок состояния движка для control surface
type EngineStats struct {
	Running      bool           `json:"running"`
	PaperMode    bool           `json:"paper_mode"`
	ActiveTrades []*Trade       `json:"active_trades"`
	History      []*Trade       `json:"history"`
	RiskConfig   RiskConfig     `json:"risk_config"`
	Exposure     float64        `json:"exposure_usd"`
	Counters     TradeCounters  `json:"counters"`
	Balances     []VenueBalance `json:"balances"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TradeCounters - счетчики исходов с момента старта
type TradeCounters struct {
	Opened    int     `json:"opened"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Partial   int     `json:"partial"`
	Rejected  int     `json:"rejected"`
	Realized  float64 `json:"realized_pnl"`
}

// VenueBalance - запись леджера площадки
type VenueBalance struct {
	Venue     string  `json:"venue"`
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
}
