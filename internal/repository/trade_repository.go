package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"crossarb/internal/models"
)

// Ошибки репозитория сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
)

// tradeColumns - порядок колонок для SELECT и scanTrade
const tradeColumns = `id, instrument, long_venue, short_venue,
	entry_price_long, entry_price_short, quantity, size_usd, entry_spread_percent,
	exit_price_long, exit_price_short, exit_spread_percent,
	status, pnl, realized_pnl, paper,
	created_at, executed_at, closed_at, error_reason, close_reason, risk_level`

// terminalStatuses - статусы, не требующие восстановления
var terminalStatuses = []string{
	string(models.TradeStatusCompleted),
	string(models.TradeStatusFailed),
	string(models.TradeStatusCancelled),
}

// TradeRepository - работа с таблицей trades
//
// Реализует bot.TradeStore и bot.ExitStateStore: состояние трейлинга
// хранится в колонках best_spread_seen / trailing_active той же строки.
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// SaveTrade создает или полностью перезаписывает сделку
func (r *TradeRepository) SaveTrade(ctx context.Context, t *models.Trade) error {
	query := `
		INSERT INTO trades (id, instrument, long_venue, short_venue,
			entry_price_long, entry_price_short, quantity, size_usd, entry_spread_percent,
			exit_price_long, exit_price_short, exit_spread_percent,
			status, pnl, realized_pnl, paper,
			created_at, executed_at, closed_at, error_reason, close_reason, risk_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			entry_price_long = EXCLUDED.entry_price_long,
			entry_price_short = EXCLUDED.entry_price_short,
			quantity = EXCLUDED.quantity,
			size_usd = EXCLUDED.size_usd,
			exit_price_long = EXCLUDED.exit_price_long,
			exit_price_short = EXCLUDED.exit_price_short,
			exit_spread_percent = EXCLUDED.exit_spread_percent,
			status = EXCLUDED.status,
			pnl = EXCLUDED.pnl,
			realized_pnl = EXCLUDED.realized_pnl,
			executed_at = EXCLUDED.executed_at,
			closed_at = EXCLUDED.closed_at,
			error_reason = EXCLUDED.error_reason,
			close_reason = EXCLUDED.close_reason,
			risk_level = EXCLUDED.risk_level`

	_, err := r.db.ExecContext(ctx, query,
		t.ID,
		t.Instrument,
		t.LongVenue,
		t.ShortVenue,
		t.EntryPriceLong,
		t.EntryPriceShort,
		t.Quantity,
		t.SizeUsd,
		t.EntrySpreadPercent,
		t.ExitPriceLong,
		t.ExitPriceShort,
		t.ExitSpreadPercent,
		string(t.Status),
		t.Pnl,
		t.RealizedPnl,
		t.Paper,
		t.CreatedAt,
		t.ExecutedAt,
		t.ClosedAt,
		t.ErrorReason,
		t.CloseReason,
		string(t.RiskLevel),
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

// UpdateStatus меняет статус и переданные поля одной командой
//
// nil-поля upd сохраняют текущее значение колонки (COALESCE).
func (r *TradeRepository) UpdateStatus(ctx context.Context, id string, status models.TradeStatus, upd *models.TradeUpdate) error {
	if upd == nil {
		upd = &models.TradeUpdate{}
	}

	query := `
		UPDATE trades SET
			status = $1,
			entry_price_long = COALESCE($2, entry_price_long),
			entry_price_short = COALESCE($3, entry_price_short),
			quantity = COALESCE($4, quantity),
			exit_price_long = COALESCE($5, exit_price_long),
			exit_price_short = COALESCE($6, exit_price_short),
			exit_spread_percent = COALESCE($7, exit_spread_percent),
			pnl = COALESCE($8, pnl),
			realized_pnl = COALESCE($9, realized_pnl),
			executed_at = COALESCE($10, executed_at),
			closed_at = COALESCE($11, closed_at),
			error_reason = COALESCE($12, error_reason),
			close_reason = COALESCE($13, close_reason)
		WHERE id = $14`

	result, err := r.db.ExecContext(ctx, query,
		string(status),
		upd.EntryPriceLong,
		upd.EntryPriceShort,
		upd.Quantity,
		upd.ExitPriceLong,
		upd.ExitPriceShort,
		upd.ExitSpreadPercent,
		upd.Pnl,
		upd.RealizedPnl,
		upd.ExecutedAt,
		upd.ClosedAt,
		upd.ErrorReason,
		upd.CloseReason,
		id,
	)
	if err != nil {
		return fmt.Errorf("update trade %s to %s: %w", id, status, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// LoadActiveTrades возвращает все нетерминальные сделки (для восстановления)
func (r *TradeRepository) LoadActiveTrades(ctx context.Context) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades
		WHERE status <> ALL($1)
		ORDER BY created_at`

	return r.queryTrades(ctx, query, pq.Array(terminalStatuses))
}

// GetByID возвращает сделку по ID
func (r *TradeRepository) GetByID(ctx context.Context, id string) (*models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`

	t, err := scanTrade(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListTrades возвращает последние сделки; пустой status - все статусы
func (r *TradeRepository) ListTrades(ctx context.Context, status string, limit int) ([]*models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	if status == "" {
		query := `SELECT ` + tradeColumns + ` FROM trades ORDER BY created_at DESC LIMIT $1`
		return r.queryTrades(ctx, query, limit)
	}
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
	return r.queryTrades(ctx, query, status, limit)
}

// ListTerminalBefore возвращает терминальные сделки, закрытые раньше before
func (r *TradeRepository) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades
		WHERE status = ANY($1) AND COALESCE(closed_at, created_at) < $2
		ORDER BY created_at
		LIMIT $3`

	return r.queryTrades(ctx, query, pq.Array(terminalStatuses), before, limit)
}

// DeleteByIDs удаляет сделки (после архивации)
func (r *TradeRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM trades WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountByStatus возвращает количество сделок по статусам
func (r *TradeRepository) CountByStatus(ctx context.Context) (map[models.TradeStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM trades GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.TradeStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[models.TradeStatus(status)] = count
	}
	return counts, rows.Err()
}

// RealizedPnlSince - сумма реализованного PnL по сделкам, закрытым после since
func (r *TradeRepository) RealizedPnlSince(ctx context.Context, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM trades
		WHERE status = $1 AND closed_at >= $2`

	var total float64
	if err := r.db.QueryRowContext(ctx, query, string(models.TradeStatusCompleted), since).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// ============================================================
// Состояние трейлинга
// ============================================================

// SaveExitState сохраняет лучший спред и флаг трейлинга
func (r *TradeRepository) SaveExitState(ctx context.Context, s models.ExitState) error {
	query := `
		UPDATE trades
		SET best_spread_seen = $1, trailing_active = $2
		WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, s.BestSpreadSeen, s.TrailingActive, s.TradeID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// LoadExitStates возвращает сохранённое состояние трейлинга ACTIVE сделок
func (r *TradeRepository) LoadExitStates(ctx context.Context) (map[string]models.ExitState, error) {
	query := `
		SELECT id, best_spread_seen, trailing_active, executed_at
		FROM trades
		WHERE status = $1 AND best_spread_seen IS NOT NULL`

	rows, err := r.db.QueryContext(ctx, query, string(models.TradeStatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]models.ExitState)
	for rows.Next() {
		var (
			st         models.ExitState
			executedAt sql.NullTime
		)
		if err := rows.Scan(&st.TradeID, &st.BestSpreadSeen, &st.TrailingActive, &executedAt); err != nil {
			return nil, err
		}
		if executedAt.Valid {
			st.EntryTime = executedAt.Time
		}
		states[st.TradeID] = st
	}
	return states, rows.Err()
}

// ============================================================
// Сканирование
// ============================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *TradeRepository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*models.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

func scanTrade(row rowScanner) (*models.Trade, error) {
	var (
		t                                        models.Trade
		status, riskLevel                        string
		exitLong, exitShort, exitSpread, realized sql.NullFloat64
		executedAt, closedAt                     sql.NullTime
	)
	err := row.Scan(
		&t.ID,
		&t.Instrument,
		&t.LongVenue,
		&t.ShortVenue,
		&t.EntryPriceLong,
		&t.EntryPriceShort,
		&t.Quantity,
		&t.SizeUsd,
		&t.EntrySpreadPercent,
		&exitLong,
		&exitShort,
		&exitSpread,
		&status,
		&t.Pnl,
		&realized,
		&t.Paper,
		&t.CreatedAt,
		&executedAt,
		&closedAt,
		&t.ErrorReason,
		&t.CloseReason,
		&riskLevel,
	)
	if err != nil {
		return nil, err
	}

	t.Status = models.TradeStatus(status)
	t.RiskLevel = models.RiskLevel(riskLevel)
	t.ExitPriceLong = nullFloat(exitLong)
	t.ExitPriceShort = nullFloat(exitShort)
	t.ExitSpreadPercent = nullFloat(exitSpread)
	t.RealizedPnl = nullFloat(realized)
	t.ExecutedAt = nullTime(executedAt)
	t.ClosedAt = nullTime(closedAt)
	return &t, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	x := v.Float64
	return &x
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := v.Time
	return &ts
}
