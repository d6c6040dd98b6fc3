package bot

import (
	"time"

	"crossarb/internal/models"
)

// tryEnqueueNotification отправляет уведомление в канал без блокировки.
// Возвращает true, если уведомление поставлено в очередь.
func tryEnqueueNotification(ch chan *models.Notification, notif *models.Notification) bool {
	if ch == nil || notif == nil {
		return false
	}

	select {
	case ch <- notif:
		return true
	default:
		RecordBufferOverflow("notification")
		return false
	}
}

// newNotification собирает уведомление о сделке
func newNotification(typ, severity string, trade *models.Trade, message string) *models.Notification {
	n := &models.Notification{
		Timestamp: time.Now(),
		Type:      typ,
		Severity:  severity,
		Message:   message,
	}
	if trade != nil {
		id := trade.ID
		n.TradeID = &id
		n.Meta = map[string]interface{}{
			"instrument":  trade.Instrument,
			"long_venue":  trade.LongVenue,
			"short_venue": trade.ShortVenue,
			"status":      string(trade.Status),
		}
	}
	return n
}
