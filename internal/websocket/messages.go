package websocket

import (
	"time"

	"crossarb/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeTradeUpdate - переход сделки по саге (PENDING → ... → COMPLETED)
	MessageTypeTradeUpdate MessageType = "tradeUpdate"

	// MessageTypeNotification - новое уведомление
	MessageTypeNotification MessageType = "notification"

	// MessageTypeOpportunity - найденная возможность
	MessageTypeOpportunity MessageType = "opportunity"

	// MessageTypeStatsUpdate - снимок движка (экспозиция, балансы, счетчики)
	MessageTypeStatsUpdate MessageType = "statsUpdate"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// TradeUpdateMessage - снимок сделки после перехода
type TradeUpdateMessage struct {
	BaseMessage
	TradeID string        `json:"trade_id"`
	Data    *models.Trade `json:"data"`
}

// NotificationMessage - сообщение о новом уведомлении
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// OpportunityMessage - лучшая пара площадок по инструменту
type OpportunityMessage struct {
	BaseMessage
	Data *models.Opportunity `json:"data"`
}

// StatsUpdateMessage - сообщение со снимком движка
type StatsUpdateMessage struct {
	BaseMessage
	Data *StatsUpdateData `json:"data"`
}

// StatsUpdateData - облегченный снимок: без истории сделок
type StatsUpdateData struct {
	Running      bool                  `json:"running"`
	PaperMode    bool                  `json:"paper_mode"`
	ActiveTrades int                   `json:"active_trades"`
	Exposure     float64               `json:"exposure_usd"`
	MaxExposure  float64               `json:"max_exposure_usd"`
	Counters     models.TradeCounters  `json:"counters"`
	Balances     []models.VenueBalance `json:"balances"`
}

// ============ Фабричные функции для создания сообщений ============

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now()}
}

// NewTradeUpdateMessage создает сообщение о переходе сделки
func NewTradeUpdateMessage(t *models.Trade) *TradeUpdateMessage {
	return &TradeUpdateMessage{
		BaseMessage: newBase(MessageTypeTradeUpdate),
		TradeID:     t.ID,
		Data:        t,
	}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(notif *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: newBase(MessageTypeNotification),
		Data:        notif,
	}
}

// NewOpportunityMessage создает сообщение о возможности
func NewOpportunityMessage(o *models.Opportunity) *OpportunityMessage {
	return &OpportunityMessage{
		BaseMessage: newBase(MessageTypeOpportunity),
		Data:        o,
	}
}

// NewStatsUpdateMessage создает сообщение статистики
func NewStatsUpdateMessage(stats models.EngineStats) *StatsUpdateMessage {
	return &StatsUpdateMessage{
		BaseMessage: newBase(MessageTypeStatsUpdate),
		Data: &StatsUpdateData{
			Running:      stats.Running,
			PaperMode:    stats.PaperMode,
			ActiveTrades: len(stats.ActiveTrades),
			Exposure:     stats.Exposure,
			MaxExposure:  stats.RiskConfig.MaxTotalExposureUsd,
			Counters:     stats.Counters,
			Balances:     stats.Balances,
		},
	}
}
