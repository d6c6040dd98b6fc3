package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"crossarb/internal/models"
	"crossarb/internal/service"
)

// NotificationHandler отвечает за журнал уведомлений
//
// Endpoints:
// - GET /api/v1/notifications - получение списка уведомлений
// - GET /api/v1/notifications?types=open,close,error - с фильтрацией по типам
// - GET /api/v1/notifications?limit=50 - с ограничением количества
// - DELETE /api/v1/notifications - очистка журнала уведомлений
// - GET /api/v1/trades/{id}/notifications - события конкретной сделки
type NotificationHandler struct {
	notificationService service.NotificationServiceInterface
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(notificationService service.NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
	}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []NotificationDTO `json:"notifications"`
	Total         int               `json:"total"`
}

// NotificationDTO представляет уведомление в API
type NotificationDTO struct {
	ID        int                    `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	TradeID   *string                `json:"trade_id,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// GetNotifications возвращает список уведомлений с фильтрацией
//
// GET /api/v1/notifications
//
// Query параметры:
// - types (string): типы через запятую, например open,close,sl,liquidation_risk
// - limit (int): количество записей (по умолчанию 100, максимум 500)
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				types = append(types, strings.ToUpper(trimmed))
			}
		}
	}

	notifications, err := h.notificationService.GetNotifications(r.Context(), types, parseLimit(r, 100))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to get notifications: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, toNotificationsResponse(notifications))
}

// GetTradeNotifications возвращает события одной сделки
//
// GET /api/v1/trades/{id}/notifications
func (h *NotificationHandler) GetTradeNotifications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "trade id is required")
		return
	}

	notifications, err := h.notificationService.GetTradeNotifications(r.Context(), id, parseLimit(r, 100))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to get notifications: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, toNotificationsResponse(notifications))
}

// ClearNotifications очищает журнал уведомлений
//
// DELETE /api/v1/notifications
func (h *NotificationHandler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := h.notificationService.ClearNotifications(r.Context()); err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to clear notifications: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Notifications cleared successfully"})
}

func toNotificationsResponse(notifications []*models.Notification) GetNotificationsResponse {
	dtos := make([]NotificationDTO, 0, len(notifications))
	for _, n := range notifications {
		dtos = append(dtos, NotificationDTO{
			ID:        n.ID,
			Timestamp: n.Timestamp.Format(time.RFC3339),
			Type:      n.Type,
			Severity:  n.Severity,
			TradeID:   n.TradeID,
			Message:   n.Message,
			Meta:      n.Meta,
		})
	}
	return GetNotificationsResponse{Notifications: dtos, Total: len(dtos)}
}
