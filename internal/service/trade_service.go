package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crossarb/internal/models"
	"crossarb/internal/repository"
	"crossarb/pkg/utils"
)

// Ошибки сервиса сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
	ErrInvalidStatus = errors.New("invalid trade status")
)

var knownStatuses = map[models.TradeStatus]bool{
	models.TradeStatusPending:   true,
	models.TradeStatusExecuting: true,
	models.TradeStatusActive:    true,
	models.TradeStatusClosing:   true,
	models.TradeStatusCompleted: true,
	models.TradeStatusFailed:    true,
	models.TradeStatusCancelled: true,
	models.TradeStatusPartial:   true,
}

// LiveTrades - сделки, которые держит движок в памяти
type LiveTrades interface {
	Trade(id string) (*models.Trade, bool)
}

// TradeSummary - агрегаты по истории сделок
type TradeSummary struct {
	ByStatus    map[models.TradeStatus]int `json:"by_status"`
	Total       int                        `json:"total"`
	PnlToday    float64                    `json:"pnl_today"`
	PnlWeek     float64                    `json:"pnl_week"`
	PnlMonth    float64                    `json:"pnl_month"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// TradeService - история сделок для API.
//
// Сначала смотрит в память движка (там актуальный mark-to-market),
// затем в хранилище.
type TradeService struct {
	repo TradeHistoryRepository
	live LiveTrades
	now  func() time.Time
}

// NewTradeService создает сервис истории; live может быть nil
func NewTradeService(repo TradeHistoryRepository, live LiveTrades) *TradeService {
	return &TradeService{repo: repo, live: live, now: time.Now}
}

// GetTrade возвращает сделку по ID
func (s *TradeService) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	if s.live != nil {
		if t, ok := s.live.Trade(id); ok {
			return t, nil
		}
	}
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTradeNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListTrades возвращает сделки, новые сверху.
// Пустой status - все статусы; limit по умолчанию 100, не более 500.
func (s *TradeService) ListTrades(ctx context.Context, status string, limit int) ([]*models.Trade, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != "" && !knownStatuses[models.TradeStatus(status)] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	trades, err := s.repo.ListTrades(ctx, status, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []*models.Trade{}
	}
	return trades, nil
}

// GetSummary считает распределение по статусам и реализованный PnL
// за сутки, неделю и месяц (по UTC, от начала периода)
func (s *TradeService) GetSummary(ctx context.Context) (*TradeSummary, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	dayStart := utils.DayStartFrom(now)
	weekStart := utils.WeekStartFrom(now)
	monthStart := utils.MonthStartFrom(now)

	summary := &TradeSummary{ByStatus: counts, GeneratedAt: now}
	for _, n := range counts {
		summary.Total += n
	}

	if summary.PnlToday, err = s.repo.RealizedPnlSince(ctx, dayStart); err != nil {
		return nil, err
	}
	if summary.PnlWeek, err = s.repo.RealizedPnlSince(ctx, weekStart); err != nil {
		return nil, err
	}
	if summary.PnlMonth, err = s.repo.RealizedPnlSince(ctx, monthStart); err != nil {
		return nil, err
	}
	return summary, nil
}
