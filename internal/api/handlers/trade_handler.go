package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/internal/service"
)

// TradeCloser - часть движка, нужная для живых сделок
type TradeCloser interface {
	Trades() []*models.Trade
	CloseTrade(ctx context.Context, id string) (*models.Trade, error)
}

// TradeHandler отвечает за сделки
//
// Endpoints:
// - GET /api/v1/trades - история (?status=COMPLETED&limit=50, ?active=true - только открытые)
// - GET /api/v1/trades/summary - агрегаты и PnL
// - GET /api/v1/trades/{id} - сделка по ID
// - POST /api/v1/trades/{id}/close - ручное закрытие
type TradeHandler struct {
	tradeService service.TradeServiceInterface
	engine       TradeCloser
}

// NewTradeHandler создает TradeHandler
func NewTradeHandler(tradeService service.TradeServiceInterface, engine TradeCloser) *TradeHandler {
	return &TradeHandler{tradeService: tradeService, engine: engine}
}

// ListTrades возвращает сделки, новые сверху
//
// GET /api/v1/trades
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		trades := h.engine.Trades()
		if trades == nil {
			trades = []*models.Trade{}
		}
		respondWithJSON(w, http.StatusOK, trades)
		return
	}

	trades, err := h.tradeService.ListTrades(r.Context(), r.URL.Query().Get("status"), parseLimit(r, 100))
	if err != nil {
		if errors.Is(err, service.ErrInvalidStatus) {
			respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to list trades: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, trades)
}

// GetTrade возвращает сделку по ID
//
// GET /api/v1/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	trade, err := h.tradeService.GetTrade(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrTradeNotFound) {
			respondWithError(w, http.StatusNotFound, CodeNotFound, "trade not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to get trade: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, trade)
}

// GetSummary возвращает агрегаты по истории
//
// GET /api/v1/trades/summary
func (h *TradeHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.tradeService.GetSummary(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to build summary: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// CloseTrade закрывает ACTIVE или PARTIAL сделку вручную
//
// POST /api/v1/trades/{id}/close
//
// HTTP коды:
// - 200 OK: сделка закрыта (COMPLETED)
// - 404 Not Found: сделка не найдена
// - 409 Conflict: закрытие уже идет или статус не допускает закрытия
// - 502 Bad Gateway: площадка не исполнила закрытие, сделка FAILED
func (h *TradeHandler) CloseTrade(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	trade, err := h.engine.CloseTrade(r.Context(), id)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, trade)
	case errors.Is(err, bot.ErrTradeNotFound):
		respondWithError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, bot.ErrCloseInProgress), errors.Is(err, bot.ErrInvalidTransition):
		respondWithError(w, http.StatusConflict, CodeConflict, err.Error())
	default:
		respondWithJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:   "close failed",
			Code:    CodeInternal,
			Details: err.Error(),
		})
	}
}
