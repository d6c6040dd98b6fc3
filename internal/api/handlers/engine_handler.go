package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"crossarb/internal/bot"
	"crossarb/internal/models"
)

// EngineController - управляющая поверхность торгового ядра
type EngineController interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	ProcessOpportunity(ctx context.Context, opp *models.Opportunity) (*models.TradeResult, error)
	Config() models.TradingConfig
	UpdateConfig(patch models.ConfigPatch) (models.TradingConfig, error)
	GetStats() models.EngineStats
	Trades() []*models.Trade
	CloseTrade(ctx context.Context, id string) (*models.Trade, error)
	Balances() []models.VenueBalance
	Deposit(venue string, amount float64) error
	Opportunities() []*models.Opportunity
	Recovery() *bot.RecoveryResult
	Health(ctx context.Context) []bot.PositionHealth
}

var _ EngineController = (*bot.Engine)(nil)

// EngineHandler отвечает за управление движком
//
// Endpoints:
// - GET /api/v1/engine - состояние (running, paper, recovery)
// - POST /api/v1/engine/start - запуск
// - POST /api/v1/engine/stop - остановка
// - POST /api/v1/opportunities - провести возможность через риск и сагу
// - GET /api/v1/opportunities - последние найденные возможности
// - GET /api/v1/config - текущая конфигурация
// - PATCH /api/v1/config - частичное обновление конфигурации
// - GET /api/v1/stats - снимок статистики
// - GET /api/v1/health - оценка риска открытых позиций
// - GET /api/v1/balances - балансы площадок
// - POST /api/v1/balances/{venue}/deposit - пополнение баланса
type EngineHandler struct {
	engine EngineController
}

// NewEngineHandler создает EngineHandler
func NewEngineHandler(engine EngineController) *EngineHandler {
	return &EngineHandler{engine: engine}
}

// EngineStatusResponse - состояние движка
type EngineStatusResponse struct {
	Running      bool                `json:"running"`
	PaperMode    bool                `json:"paper_mode"`
	ActiveTrades int                 `json:"active_trades"`
	Recovery     *bot.RecoveryResult `json:"recovery,omitempty"`
}

// GetStatus возвращает состояние движка
//
// GET /api/v1/engine
func (h *EngineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.status())
}

// Start запускает движок
//
// POST /api/v1/engine/start
//
// Разрешение на live-торговлю из контекста запроса переносится на
// автоисполнение найденных возможностей.
//
// HTTP коды:
// - 200 OK: движок запущен
// - 409 Conflict: уже запущен
// - 500 Internal Server Error: ошибка восстановления
func (h *EngineHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Start(r.Context()); err != nil {
		if errors.Is(err, bot.ErrAlreadyRunning) {
			respondWithError(w, http.StatusConflict, CodeConflict, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to start engine: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, h.status())
}

// Stop останавливает движок; открытые позиции остаются открытыми
//
// POST /api/v1/engine/stop
func (h *EngineHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	respondWithJSON(w, http.StatusOK, h.status())
}

func (h *EngineHandler) status() EngineStatusResponse {
	return EngineStatusResponse{
		Running:      h.engine.IsRunning(),
		PaperMode:    h.engine.Config().Risk.PaperMode,
		ActiveTrades: len(h.engine.Trades()),
		Recovery:     h.engine.Recovery(),
	}
}

// OpportunityRequest - тело POST /api/v1/opportunities
type OpportunityRequest struct {
	Instrument    string  `json:"instrument"`
	BuyVenue      string  `json:"buy_venue"`
	SellVenue     string  `json:"sell_venue"`
	BuyPrice      float64 `json:"buy_price"`
	SellPrice     float64 `json:"sell_price"`
	SpreadPercent float64 `json:"spread_percent"`
	SizeUsd       float64 `json:"size_usd,omitempty"`
}

// Validate проверяет обязательные поля
func (req OpportunityRequest) Validate() error {
	switch {
	case strings.TrimSpace(req.Instrument) == "":
		return errors.New("instrument is required")
	case strings.TrimSpace(req.BuyVenue) == "" || strings.TrimSpace(req.SellVenue) == "":
		return errors.New("buy_venue and sell_venue are required")
	case req.BuyPrice <= 0 || req.SellPrice <= 0:
		return errors.New("buy_price and sell_price must be positive")
	case req.SizeUsd < 0:
		return errors.New("size_usd must not be negative")
	}
	return nil
}

// ProcessOpportunity проводит возможность через риск и сагу исполнения
//
// POST /api/v1/opportunities
//
// Если spread_percent не передан, он вычисляется из цен.
//
// HTTP коды:
// - 200 OK: сделка открыта (success=true)
// - 400 Bad Request: невалидное тело
// - 403 Forbidden: live-режим без авторизации
// - 409 Conflict: движок не запущен
// - 422 Unprocessable Entity: отказ риска или неуспешная сага (TradeResult в теле)
func (h *EngineHandler) ProcessOpportunity(w http.ResponseWriter, r *http.Request) {
	var req OpportunityRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	spread := req.SpreadPercent
	if spread == 0 {
		spread = (req.SellPrice - req.BuyPrice) / req.BuyPrice * 100
	}

	result, err := h.engine.ProcessOpportunity(r.Context(), &models.Opportunity{
		Instrument:    req.Instrument,
		BuyVenue:      req.BuyVenue,
		SellVenue:     req.SellVenue,
		BuyPrice:      req.BuyPrice,
		SellPrice:     req.SellPrice,
		SpreadPercent: spread,
		ObservedAt:    time.Now(),
		SizeUsd:       req.SizeUsd,
	})
	if err != nil {
		if errors.Is(err, bot.ErrNotRunning) {
			respondWithError(w, http.StatusConflict, CodeNotRunning, err.Error())
			return
		}
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	switch {
	case result.Success:
		respondWithJSON(w, http.StatusOK, result)
	case result.Reason == bot.ErrNotAuthorized.Error():
		respondWithJSON(w, http.StatusForbidden, result)
	default:
		respondWithJSON(w, http.StatusUnprocessableEntity, result)
	}
}

// GetOpportunities возвращает последние найденные возможности
//
// GET /api/v1/opportunities
func (h *EngineHandler) GetOpportunities(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.engine.Opportunities())
}

// GetConfig возвращает текущую конфигурацию
//
// GET /api/v1/config
func (h *EngineHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.engine.Config())
}

// UpdateConfig применяет частичное обновление
//
// PATCH /api/v1/config
//
// Невалидный итог отклоняется целиком, конфигурация не меняется.
func (h *EngineHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch models.ConfigPatch
	if err := decodeBody(w, r, &patch); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	cfg, err := h.engine.UpdateConfig(patch)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeInvalidConfig, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, cfg)
}

// GetStats возвращает снимок статистики
//
// GET /api/v1/stats
func (h *EngineHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.engine.GetStats())
}

// GetHealth возвращает оценку риска открытых позиций
//
// GET /api/v1/health
func (h *EngineHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.engine.Health(r.Context()))
}

// GetBalances возвращает балансы площадок
//
// GET /api/v1/balances
func (h *EngineHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.engine.Balances())
}

// DepositRequest - тело пополнения
type DepositRequest struct {
	Amount float64 `json:"amount"`
}

// Deposit пополняет доступный баланс площадки
//
// POST /api/v1/balances/{venue}/deposit
func (h *EngineHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	venue := mux.Vars(r)["venue"]
	if venue == "" {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "venue is required")
		return
	}

	var req DepositRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := h.engine.Deposit(venue, req.Amount); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, h.engine.Balances())
}
