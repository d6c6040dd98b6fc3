// Package events публикует переходы сделок во внешнюю шину (Kafka)
package events

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultBufferSize   = 1024
	defaultBatchSize    = 100
	defaultFlushTimeout = 200 * time.Millisecond
)

// TradeEvent - сообщение о переходе сделки
type TradeEvent struct {
	TradeID     string             `json:"trade_id"`
	Status      models.TradeStatus `json:"status"`
	Instrument  string             `json:"instrument"`
	LongVenue   string             `json:"long_venue"`
	ShortVenue  string             `json:"short_venue"`
	Quantity    float64            `json:"quantity"`
	SizeUsd     float64            `json:"size_usd"`
	EntrySpread float64            `json:"entry_spread_percent"`
	ExitSpread  *float64           `json:"exit_spread_percent,omitempty"`
	Pnl         float64            `json:"pnl"`
	RealizedPnl *float64           `json:"realized_pnl,omitempty"`
	Paper       bool               `json:"paper"`
	Reason      string             `json:"reason,omitempty"`
	At          time.Time          `json:"at"`
}

// NewTradeEvent формирует событие из снимка сделки
func NewTradeEvent(t *models.Trade, at time.Time) TradeEvent {
	reason := t.CloseReason
	if reason == "" {
		reason = t.ErrorReason
	}
	return TradeEvent{
		TradeID:     t.ID,
		Status:      t.Status,
		Instrument:  t.Instrument,
		LongVenue:   t.LongVenue,
		ShortVenue:  t.ShortVenue,
		Quantity:    t.Quantity,
		SizeUsd:     t.SizeUsd,
		EntrySpread: t.EntrySpreadPercent,
		ExitSpread:  t.ExitSpreadPercent,
		Pnl:         t.Pnl,
		RealizedPnl: t.RealizedPnl,
		Paper:       t.Paper,
		Reason:      reason,
		At:          at,
	}
}

// MessageWriter - часть kafka.Writer, нужная издателю
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig - параметры издателя
type KafkaConfig struct {
	Brokers    []string
	Topic      string
	BufferSize int
}

// NewKafkaWriter создает kafka.Writer для топика событий
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: defaultFlushTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaPublisher - bot.TradeListener, отправляющий события в Kafka.
//
// OnTradeUpdate вызывается из саги и не должен блокироваться,
// поэтому события идут через буферизованный канал; при переполнении
// событие отбрасывается и учитывается в метрике буферов.
// Ключ сообщения - trade_id, так что события одной сделки попадают
// в одну партицию и сохраняют порядок.
type KafkaPublisher struct {
	w      MessageWriter
	events chan TradeEvent
	logger *utils.Logger
	now    func() time.Time
}

// NewKafkaPublisher создает издателя поверх writer
func NewKafkaPublisher(w MessageWriter, bufferSize int, logger *utils.Logger) *KafkaPublisher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &KafkaPublisher{
		w:      w,
		events: make(chan TradeEvent, bufferSize),
		logger: utils.OrGlobal(logger).WithComponent("kafka_publisher"),
		now:    time.Now,
	}
}

// OnTradeUpdate ставит событие в очередь
func (p *KafkaPublisher) OnTradeUpdate(t *models.Trade) {
	if t == nil {
		return
	}
	select {
	case p.events <- NewTradeEvent(t, p.now()):
	default:
		bot.RecordBufferOverflow("kafka_events")
	}
}

// Run отправляет события пачками до отмены контекста.
// Перед выходом дописывает то, что осталось в буфере, и закрывает writer.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(defaultFlushTimeout)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, defaultBatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := p.w.WriteMessages(ctx, batch...); err != nil {
			p.logger.Error("failed to publish trade events",
				utils.Int("count", len(batch)), utils.Err(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.events:
					batch = p.append(batch, ev)
					continue
				default:
				}
				break
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutdownCtx)
			cancel()
			if err := p.w.Close(); err != nil {
				p.logger.Warn("kafka writer close", utils.Err(err))
			}
			return nil

		case ev := <-p.events:
			batch = p.append(batch, ev)
			if len(batch) >= defaultBatchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (p *KafkaPublisher) append(batch []kafka.Message, ev TradeEvent) []kafka.Message {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode trade event", utils.TradeID(ev.TradeID), utils.Err(err))
		return batch
	}
	return append(batch, kafka.Message{
		Key:   []byte(ev.TradeID),
		Value: value,
		Time:  ev.At,
	})
}

var _ bot.TradeListener = (*KafkaPublisher)(nil)
