package models

import "time"

// Notification представляет уведомление о событии
type Notification struct {
	ID        int                    `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Type      string                 `json:"type" db:"type"`         // OPEN, CLOSE, SL, TP, TRAILING, ...
	Severity  string                 `json:"severity" db:"severity"` // info, warn, error, critical
	TradeID   *string                `json:"trade_id,omitempty" db:"trade_id"`
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // дополнительные данные (JSON в БД)
}

// Типы уведомлений
const (
	NotificationTypeOpen            = "OPEN"             // открыта хеджированная позиция
	NotificationTypeClose           = "CLOSE"            // позиция закрыта
	NotificationTypeSL              = "SL"               // срабатывание Stop Loss
	NotificationTypeTP              = "TP"               // Take Profit
	NotificationTypeTrailing        = "TRAILING"         // трейлинг-стоп
	NotificationTypeTimeout         = "TIMEOUT"          // превышено время удержания
	NotificationTypeLiquidationRisk = "LIQUIDATION_RISK" // критический риск позиции
	NotificationTypeError           = "ERROR"            // ошибка ордера/хранилища
	NotificationTypeSecondLegFail   = "SECOND_LEG_FAIL"  // не удалось открыть вторую ногу
	NotificationTypeRecovery        = "RECOVERY"         // восстановление после рестарта
	NotificationTypePause           = "PAUSE"            // остановка бота
)

// Уровни важности
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityCritical = "critical"
)
