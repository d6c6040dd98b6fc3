package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"crossarb/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки репозитория уведомлений
var (
	ErrNotificationNotFound = errors.New("notification not found")
)

const notificationColumns = `id, timestamp, type, severity, trade_id, message, meta`

// NotificationRepository - работа с таблицей notifications
//
// Журнал событий торгового ядра: OPEN, CLOSE, SL, TP, TRAILING, TIMEOUT,
// LIQUIDATION_RISK, ERROR, SECOND_LEG_FAIL, RECOVERY, PAUSE.
// Meta хранится как JSONB.
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create записывает уведомление и заполняет ID
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (timestamp, type, severity, trade_id, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var meta []byte
	if len(n.Meta) > 0 {
		var err error
		meta, err = json.Marshal(n.Meta)
		if err != nil {
			return err
		}
	}

	return r.db.QueryRowContext(ctx, query,
		n.Timestamp,
		n.Type,
		n.Severity,
		n.TradeID,
		n.Message,
		meta,
	).Scan(&n.ID)
}

// Deliver - реализация bot.NotificationSink
func (r *NotificationRepository) Deliver(ctx context.Context, n *models.Notification) error {
	c := *n
	return r.Create(ctx, &c)
}

// GetByID возвращает уведомление по ID
func (r *NotificationRepository) GetByID(ctx context.Context, id int) (*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// GetRecent возвращает последние N уведомлений
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications ORDER BY timestamp DESC LIMIT $1`
	return r.query(ctx, query, limit)
}

// GetByTypes возвращает последние уведомления заданных типов
func (r *NotificationRepository) GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	if len(types) == 0 {
		return r.GetRecent(ctx, limit)
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE type = ANY($1) ORDER BY timestamp DESC LIMIT $2`
	return r.query(ctx, query, pq.Array(types), limit)
}

// GetByTradeID возвращает уведомления по сделке
func (r *NotificationRepository) GetByTradeID(ctx context.Context, tradeID string, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE trade_id = $1 ORDER BY timestamp DESC LIMIT $2`
	return r.query(ctx, query, tradeID, limit)
}

// DeleteAll очищает журнал
func (r *NotificationRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM notifications`)
	return err
}

// DeleteOlderThan удаляет уведомления старше указанной даты
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, timestamp time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, timestamp)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// KeepRecent оставляет только последние keep уведомлений
func (r *NotificationRepository) KeepRecent(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM notifications WHERE id NOT IN (
			SELECT id FROM notifications ORDER BY timestamp DESC LIMIT $1
		)`

	result, err := r.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Count возвращает общее количество уведомлений
func (r *NotificationRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`).Scan(&count)
	return count, err
}

// CountByType возвращает количество уведомлений типа
func (r *NotificationRepository) CountByType(ctx context.Context, notifType string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE type = $1`, notifType).Scan(&count)
	return count, err
}

func (r *NotificationRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	var (
		n       models.Notification
		tradeID sql.NullString
		meta    []byte
	)
	if err := row.Scan(&n.ID, &n.Timestamp, &n.Type, &n.Severity, &tradeID, &n.Message, &meta); err != nil {
		return nil, err
	}
	if tradeID.Valid {
		id := tradeID.String
		n.TradeID = &id
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Meta); err != nil {
			return nil, err
		}
	}
	return &n, nil
}
