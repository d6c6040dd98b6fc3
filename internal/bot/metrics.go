package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================

// ============ Метрики латентности ============

// LegExecutionLatency - время размещения ноги (с учётом повторов)
var LegExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "crossarb",
		Subsystem: "execution",
		Name:      "leg_latency_ms",
		Help:      "Time to place one leg including retries in milliseconds",
		Buckets:   []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"venue", "side"},
)

// SagaDuration - время от PENDING до терминального или ACTIVE
var SagaDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "crossarb",
		Subsystem: "execution",
		Name:      "saga_duration_ms",
		Help:      "Time from trade creation to ACTIVE or failure in milliseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	},
	[]string{"result"},
)

// ============ Счётчики событий ============

// TradesTotal - исходы сделок
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "trading",
		Name:      "trades_total",
		Help:      "Total number of trades by outcome",
	},
	[]string{"instrument", "result"}, // opened, completed, failed, partial, rejected
)

// RiskRejections - отказы риск-менеджера по причинам
var RiskRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "risk",
		Name:      "rejections_total",
		Help:      "Trades rejected before creation, by check",
	},
	[]string{"check"},
)

// OpportunitiesDetected - найденные возможности
var OpportunitiesDetected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "trading",
		Name:      "opportunities_detected_total",
		Help:      "Number of arbitrage opportunities detected",
	},
	[]string{"instrument"},
)

// ExitsTriggered - срабатывания правил выхода
var ExitsTriggered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "risk",
		Name:      "exits_triggered_total",
		Help:      "Exit rule triggers by reason",
	},
	[]string{"reason"},
)

// Compensations - попытки отката первой ноги
var Compensations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "execution",
		Name:      "compensations_total",
		Help:      "Compensating actions on the long leg by outcome",
	},
	[]string{"outcome"}, // ok, failed
)

// PnlTotal - суммарный реализованный PNL в USD
var PnlTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "trading",
		Name:      "pnl_total_usd",
		Help:      "Total realized PnL in USD",
	},
)

// BufferOverflows - переполнения внутренних буферов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crossarb",
		Subsystem: "internal",
		Name:      "buffer_overflows_total",
		Help:      "Dropped messages because a buffer was full",
	},
	[]string{"buffer"},
)

// ============ Метрики состояния ============

// ActiveTrades - открытые (не терминальные) сделки
var ActiveTrades = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "trading",
		Name:      "active_trades",
		Help:      "Current number of non-terminal trades",
	},
)

// ExposureUsd - текущая экспозиция
var ExposureUsd = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "risk",
		Name:      "exposure_usd",
		Help:      "Current total exposure in USD",
	},
)

// PositionRisk - уровень риска по сделкам (0 LOW .. 3 CRITICAL)
var PositionRisk = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "crossarb",
		Subsystem: "risk",
		Name:      "position_risk_level",
		Help:      "Risk level per active trade, 0=LOW 3=CRITICAL",
	},
	[]string{"trade_id"},
)

// SpreadObserved - распределение наблюдаемых спредов
var SpreadObserved = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "crossarb",
		Subsystem: "trading",
		Name:      "spread_observed_percent",
		Help:      "Observed best cross-venue spread in percent",
		Buckets:   []float64{0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1, 2, 5},
	},
	[]string{"instrument"},
)

// ============ Вспомогательные функции ============

// RecordTrade записывает исход сделки
func RecordTrade(instrument, result string, pnl float64) {
	TradesTotal.WithLabelValues(instrument, result).Inc()
	if result == "completed" && pnl != 0 {
		PnlTotal.Add(pnl)
	}
}

// RecordRejection записывает отказ риск-проверки
func RecordRejection(check string) {
	RiskRejections.WithLabelValues(check).Inc()
}

// RecordOpportunity записывает обнаруженную возможность
func RecordOpportunity(instrument string, spreadPercent float64) {
	OpportunitiesDetected.WithLabelValues(instrument).Inc()
	SpreadObserved.WithLabelValues(instrument).Observe(spreadPercent)
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordExit записывает срабатывание правила выхода
func RecordExit(reason string) {
	ExitsTriggered.WithLabelValues(reason).Inc()
}

// RecordCompensation записывает результат отката
func RecordCompensation(ok bool) {
	if ok {
		Compensations.WithLabelValues("ok").Inc()
		return
	}
	Compensations.WithLabelValues("failed").Inc()
}
