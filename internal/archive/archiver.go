package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultBatchSize = 500
	contentTypeJSONL = "application/x-ndjson"
)

// BlobWriter - куда пишутся архивы (S3Writer в проде)
type BlobWriter interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
}

// TradeSource - выборка и удаление завершенных сделок
type TradeSource interface {
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]*models.Trade, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// Config - параметры архиватора
type Config struct {
	Retention time.Duration // сделки, закрытые раньше now-Retention, уходят в архив
	Interval  time.Duration
	BatchSize int
	Prefix    string // по умолчанию "archive/trades"
}

// Archiver периодически выгружает завершенные сделки в JSONL,
// по файлу на день закрытия, и удаляет выгруженное из базы.
// Сделка удаляется только после успешной загрузки ее файла.
type Archiver struct {
	writer BlobWriter
	trades TradeSource
	cfg    Config
	logger *utils.Logger
	now    func() time.Time
}

// NewArchiver создает архиватор
func NewArchiver(writer BlobWriter, trades TradeSource, cfg Config, logger *utils.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "archive/trades"
	}
	return &Archiver{
		writer: writer,
		trades: trades,
		cfg:    cfg,
		logger: utils.OrGlobal(logger).WithComponent("archiver"),
		now:    time.Now,
	}
}

// Run выполняет RunOnce каждые Interval до отмены контекста
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("archive run failed", utils.Err(err))
			}
		}
	}
}

// RunOnce архивирует одну пачку; возвращает количество удаленных сделок
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	now := a.now().UTC()
	cutoff := now.Add(-a.cfg.Retention)

	trades, err := a.trades.ListTerminalBefore(ctx, cutoff, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("archive: list trades: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	var archived int64
	byDay := groupByDay(trades)
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		group := byDay[day]
		buf, err := marshalJSONL(group)
		if err != nil {
			return archived, fmt.Errorf("archive: marshal %s: %w", day, err)
		}

		key := objectKey(a.cfg.Prefix, day, now)
		if err := a.writer.Put(ctx, key, bytes.NewReader(buf), contentTypeJSONL); err != nil {
			return archived, err
		}

		ids := make([]string, len(group))
		for i, t := range group {
			ids[i] = t.ID
		}
		n, err := a.trades.DeleteByIDs(ctx, ids)
		if err != nil {
			return archived, fmt.Errorf("archive: delete %s: %w", day, err)
		}
		archived += n

		a.logger.Info("trades archived",
			utils.String("key", key),
			utils.Int("count", len(group)),
			utils.Int64("deleted", n),
		)
	}

	return archived, nil
}

// closedDay - день закрытия (UTC) или создания, если сделка не закрывалась
func closedDay(t *models.Trade) string {
	at := t.CreatedAt
	if t.ClosedAt != nil {
		at = *t.ClosedAt
	}
	return utils.DayKey(at)
}

func groupByDay(trades []*models.Trade) map[string][]*models.Trade {
	out := make(map[string][]*models.Trade)
	for _, t := range trades {
		day := closedDay(t)
		out[day] = append(out[day], t)
	}
	return out
}

// objectKey: <prefix>/<YYYY-MM-DD>/<unix-nano запуска>.jsonl
func objectKey(prefix, day string, runAt time.Time) string {
	return fmt.Sprintf("%s/%s/%d.jsonl", prefix, day, runAt.UnixNano())
}

func marshalJSONL(trades []*models.Trade) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, t := range trades {
		if err := enc.Encode(t); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
