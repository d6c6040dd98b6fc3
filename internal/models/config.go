package models

import (
	"fmt"
	"time"
)

// TradingConfig - торговые параметры движка
//
// Передаётся в компоненты по значению; изменения только через
// Engine.UpdateConfig.
type TradingConfig struct {
	Risk      RiskConfig      `toml:"risk" json:"risk"`
	Detector  DetectorConfig  `toml:"detector" json:"detector"`
	Execution ExecutionConfig `toml:"execution" json:"execution"`
	Scaled    ScaledConfig    `toml:"scaled" json:"scaled"`
	Depth     DepthConfig     `toml:"depth" json:"depth"`
	Monitor   MonitorConfig   `toml:"monitor" json:"monitor"`
	Exit      ExitConfig      `toml:"exit" json:"exit"`
}

// RiskConfig - лимиты риск-менеджера
type RiskConfig struct {
	TradingEnabled      bool    `toml:"trading_enabled" json:"trading_enabled"`
	PaperMode           bool    `toml:"paper_mode" json:"paper_mode"`
	MinSpread           float64 `toml:"min_spread" json:"min_spread"` // %
	MaxSpread           float64 `toml:"max_spread" json:"max_spread"` // %
	CooldownMs          int64   `toml:"cooldown_ms" json:"cooldown_ms"`
	MaxPerTradeUsd      float64 `toml:"max_per_trade_usd" json:"max_per_trade_usd"`
	MaxTotalExposureUsd float64 `toml:"max_total_exposure_usd" json:"max_total_exposure_usd"`
	DefaultSizeUsd      float64 `toml:"default_size_usd" json:"default_size_usd"`
}

// Cooldown возвращает cooldown как Duration
func (r RiskConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownMs) * time.Millisecond
}

// DetectorConfig - параметры поиска возможностей
type DetectorConfig struct {
	MinSpread   float64       `toml:"min_spread" json:"min_spread"`
	MaxQuoteAge time.Duration `toml:"max_quote_age" json:"max_quote_age"` // 0 = не проверять
	AutoExecute bool          `toml:"auto_execute" json:"auto_execute"`
}

// ExecutionConfig - параметры саги исполнения
type ExecutionConfig struct {
	LegRetries        int           `toml:"leg_retries" json:"leg_retries"`
	RetryInitialDelay time.Duration `toml:"retry_initial_delay" json:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `toml:"retry_max_delay" json:"retry_max_delay"`
	VerifySpread      bool          `toml:"verify_spread" json:"verify_spread"`
	VerifyTolerance   float64       `toml:"verify_tolerance" json:"verify_tolerance"` // п.п.
	UseScaled         bool          `toml:"use_scaled" json:"use_scaled"`
	UseDepthSizing    bool          `toml:"use_depth_sizing" json:"use_depth_sizing"`
	HistorySize       int           `toml:"history_size" json:"history_size"`
}

// ScaledConfig - параметры разбиения ордера на части
type ScaledConfig struct {
	MaxChunkUsd        float64       `toml:"max_chunk_usd" json:"max_chunk_usd"`
	ChunkDelay         time.Duration `toml:"chunk_delay" json:"chunk_delay"`
	TWAPDuration       time.Duration `toml:"twap_duration" json:"twap_duration"` // >0 переопределяет ChunkDelay
	MaxSlippagePercent float64       `toml:"max_slippage_percent" json:"max_slippage_percent"`
}

// DepthConfig - параметры анализа стакана
type DepthConfig struct {
	StaleAfter         time.Duration `toml:"stale_after" json:"stale_after"`
	MaxSlippagePercent float64       `toml:"max_slippage_percent" json:"max_slippage_percent"`
}

// MonitorConfig - пороги мониторинга позиций
type MonitorConfig struct {
	Interval           time.Duration `toml:"interval" json:"interval"`
	DivergenceMedium   float64       `toml:"divergence_medium" json:"divergence_medium"`
	DivergenceHigh     float64       `toml:"divergence_high" json:"divergence_high"`
	DivergenceCritical float64       `toml:"divergence_critical" json:"divergence_critical"`
	LiquidationMedium  float64       `toml:"liquidation_medium" json:"liquidation_medium"` // % до ликвидации
	LiquidationHigh    float64       `toml:"liquidation_high" json:"liquidation_high"`
	LiquidationCrit    float64       `toml:"liquidation_critical" json:"liquidation_critical"`
	AutoEmergencyClose bool          `toml:"auto_emergency_close" json:"auto_emergency_close"`
}

// ExitConfig - правила выхода
type ExitConfig struct {
	Interval           time.Duration `toml:"interval" json:"interval"`
	TakeProfitSpread   float64       `toml:"take_profit_spread" json:"take_profit_spread"`
	StopLossSpread     float64       `toml:"stop_loss_spread" json:"stop_loss_spread"`
	TrailingEnabled    bool          `toml:"trailing_enabled" json:"trailing_enabled"`
	TrailingActivation float64       `toml:"trailing_activation" json:"trailing_activation"`
	TrailingDistance   float64       `toml:"trailing_distance" json:"trailing_distance"`
	MaxHoldTime        time.Duration `toml:"max_hold_time" json:"max_hold_time"` // 0 = без лимита
}

// DefaultTradingConfig возвращает параметры по умолчанию
func DefaultTradingConfig() TradingConfig {
	return TradingConfig{
		Risk: RiskConfig{
			TradingEnabled:      false,
			PaperMode:           true,
			MinSpread:           0.15,
			MaxSpread:           5.0,
			CooldownMs:          60000,
			MaxPerTradeUsd:      1000,
			MaxTotalExposureUsd: 5000,
			DefaultSizeUsd:      500,
		},
		Detector: DetectorConfig{
			MinSpread:   0.1,
			MaxQuoteAge: 5 * time.Second,
		},
		Execution: ExecutionConfig{
			LegRetries:        3,
			RetryInitialDelay: 200 * time.Millisecond,
			RetryMaxDelay:     2 * time.Second,
			VerifyTolerance:   0.1,
			UseDepthSizing:    true,
			HistorySize:       100,
		},
		Scaled: ScaledConfig{
			MaxChunkUsd:        250,
			ChunkDelay:         500 * time.Millisecond,
			MaxSlippagePercent: 0.3,
		},
		Depth: DepthConfig{
			StaleAfter:         10 * time.Second,
			MaxSlippagePercent: 0.2,
		},
		Monitor: MonitorConfig{
			Interval:           10 * time.Second,
			DivergenceMedium:   0.5,
			DivergenceHigh:     1.0,
			DivergenceCritical: 2.0,
			LiquidationMedium:  20,
			LiquidationHigh:    10,
			LiquidationCrit:    5,
			AutoEmergencyClose: true,
		},
		Exit: ExitConfig{
			Interval:           5 * time.Second,
			TakeProfitSpread:   0.0,
			StopLossSpread:     1.0,
			TrailingEnabled:    true,
			TrailingActivation: 0.2,
			TrailingDistance:   0.1,
			MaxHoldTime:        24 * time.Hour,
		},
	}
}

// Validate проверяет согласованность параметров
func (c TradingConfig) Validate() error {
	r := c.Risk
	if r.MinSpread < 0 {
		return fmt.Errorf("min_spread cannot be negative, got %v", r.MinSpread)
	}
	if r.MaxSpread <= r.MinSpread {
		return fmt.Errorf("max_spread (%v) must be greater than min_spread (%v)", r.MaxSpread, r.MinSpread)
	}
	if r.CooldownMs < 0 {
		return fmt.Errorf("cooldown_ms cannot be negative, got %d", r.CooldownMs)
	}
	if r.MaxPerTradeUsd <= 0 {
		return fmt.Errorf("max_per_trade_usd must be positive, got %v", r.MaxPerTradeUsd)
	}
	if r.MaxTotalExposureUsd <= 0 {
		return fmt.Errorf("max_total_exposure_usd must be positive, got %v", r.MaxTotalExposureUsd)
	}
	if c.Execution.LegRetries < 1 || c.Execution.LegRetries > 10 {
		return fmt.Errorf("leg_retries must be between 1 and 10, got %d", c.Execution.LegRetries)
	}
	if c.Scaled.MaxChunkUsd <= 0 {
		return fmt.Errorf("max_chunk_usd must be positive, got %v", c.Scaled.MaxChunkUsd)
	}
	if c.Monitor.Interval <= 0 || c.Exit.Interval <= 0 {
		return fmt.Errorf("monitor and exit intervals must be positive")
	}
	m := c.Monitor
	if !(m.DivergenceMedium <= m.DivergenceHigh && m.DivergenceHigh <= m.DivergenceCritical) {
		return fmt.Errorf("divergence thresholds must be ascending: %v/%v/%v",
			m.DivergenceMedium, m.DivergenceHigh, m.DivergenceCritical)
	}
	if !(m.LiquidationMedium >= m.LiquidationHigh && m.LiquidationHigh >= m.LiquidationCrit) {
		return fmt.Errorf("liquidation thresholds must be descending: %v/%v/%v",
			m.LiquidationMedium, m.LiquidationHigh, m.LiquidationCrit)
	}
	if c.Exit.TrailingEnabled && c.Exit.TrailingDistance <= 0 {
		return fmt.Errorf("trailing_distance must be positive when trailing is enabled")
	}
	return nil
}

// ConfigPatch - частичное обновление конфигурации (nil = без изменений)
type ConfigPatch struct {
	TradingEnabled      *bool    `json:"trading_enabled,omitempty"`
	PaperMode           *bool    `json:"paper_mode,omitempty"`
	MinSpread           *float64 `json:"min_spread,omitempty"`
	MaxSpread           *float64 `json:"max_spread,omitempty"`
	CooldownMs          *int64   `json:"cooldown_ms,omitempty"`
	MaxPerTradeUsd      *float64 `json:"max_per_trade_usd,omitempty"`
	MaxTotalExposureUsd *float64 `json:"max_total_exposure_usd,omitempty"`
	DefaultSizeUsd      *float64 `json:"default_size_usd,omitempty"`

	DetectorMinSpread *float64 `json:"detector_min_spread,omitempty"`
	AutoExecute       *bool    `json:"auto_execute,omitempty"`

	UseScaled          *bool    `json:"use_scaled,omitempty"`
	MaxChunkUsd        *float64 `json:"max_chunk_usd,omitempty"`
	MaxSlippagePercent *float64 `json:"max_slippage_percent,omitempty"`

	TakeProfitSpread   *float64 `json:"take_profit_spread,omitempty"`
	StopLossSpread     *float64 `json:"stop_loss_spread,omitempty"`
	TrailingEnabled    *bool    `json:"trailing_enabled,omitempty"`
	TrailingActivation *float64 `json:"trailing_activation,omitempty"`
	TrailingDistance   *float64 `json:"trailing_distance,omitempty"`
	MaxHoldSeconds     *int64   `json:"max_hold_seconds,omitempty"`
}

// Apply возвращает новую конфигурацию с применённым патчем
func (p ConfigPatch) Apply(c TradingConfig) TradingConfig {
	setBool(&c.Risk.TradingEnabled, p.TradingEnabled)
	setBool(&c.Risk.PaperMode, p.PaperMode)
	setFloat(&c.Risk.MinSpread, p.MinSpread)
	setFloat(&c.Risk.MaxSpread, p.MaxSpread)
	if p.CooldownMs != nil {
		c.Risk.CooldownMs = *p.CooldownMs
	}
	setFloat(&c.Risk.MaxPerTradeUsd, p.MaxPerTradeUsd)
	setFloat(&c.Risk.MaxTotalExposureUsd, p.MaxTotalExposureUsd)
	setFloat(&c.Risk.DefaultSizeUsd, p.DefaultSizeUsd)

	setFloat(&c.Detector.MinSpread, p.DetectorMinSpread)
	setBool(&c.Detector.AutoExecute, p.AutoExecute)

	setBool(&c.Execution.UseScaled, p.UseScaled)
	setFloat(&c.Scaled.MaxChunkUsd, p.MaxChunkUsd)
	setFloat(&c.Scaled.MaxSlippagePercent, p.MaxSlippagePercent)

	setFloat(&c.Exit.TakeProfitSpread, p.TakeProfitSpread)
	setFloat(&c.Exit.StopLossSpread, p.StopLossSpread)
	setBool(&c.Exit.TrailingEnabled, p.TrailingEnabled)
	setFloat(&c.Exit.TrailingActivation, p.TrailingActivation)
	setFloat(&c.Exit.TrailingDistance, p.TrailingDistance)
	if p.MaxHoldSeconds != nil {
		c.Exit.MaxHoldTime = time.Duration(*p.MaxHoldSeconds) * time.Second
	}
	return c
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
