package websocket

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const broadcastBufferSize = 1024

// ============ ОПТИМИЗАЦИЯ: sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет всеми активными WebSocket соединениями
//
// Рассылает клиентам UI переходы сделок, уведомления, найденные
// возможности и снимки движка. Hub реализует bot.TradeListener и
// bot.OpportunityListener, поэтому подключается к движку напрямую.
//
// Broadcast никогда не блокирует вызывающего: при заполненном
// буфере сообщение отбрасывается и учитывается в DroppedMessages.
// Медленные клиенты отключаются.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	dropped atomic.Int64
	count   atomic.Int64

	origins *OriginChecker
	log     *utils.Logger
}

// NewHub создает новый Hub; пустой список origins разрешает любые
func NewHub(allowedOrigins []string, logger *utils.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		origins:    NewOriginChecker(allowedOrigins),
		log:        utils.OrGlobal(logger).WithComponent("ws_hub"),
	}
}

// Run запускает главный цикл Hub до Stop или отмены контекста
func (h *Hub) Run(ctx context.Context) error {
	defer h.Stop()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.log.Debug("client connected", utils.Int("clients", len(h.clients)))

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("client disconnected", utils.Int("clients", len(h.clients)))

		case message := <-h.broadcast:
			var slow []*Client
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				h.remove(client)
			}
			if len(slow) > 0 {
				h.log.Warn("removed slow clients",
					utils.Int("removed", len(slow)),
					utils.Int("clients", len(h.clients)))
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.count.Store(int64(len(h.clients)))
}

func (h *Hub) closeAll() {
	for client := range h.clients {
		h.remove(client)
	}
}

// Stop останавливает Run
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error("failed to marshal broadcast message", utils.Err(err))
		jsonBufferPool.Put(buf)
		return
	}

	data := bytes.TrimRight(buf.Bytes(), "\n")
	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	h.BroadcastRaw(msgCopy)
}

// BroadcastRaw ставит в очередь уже сериализованное сообщение
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
		bot.RecordBufferOverflow("ws_broadcast")
	}
}

// BroadcastNotification отправляет новое уведомление
func (h *Hub) BroadcastNotification(n *models.Notification) {
	h.Broadcast(NewNotificationMessage(n))
}

// BroadcastStats отправляет снимок движка
func (h *Hub) BroadcastStats(stats models.EngineStats) {
	h.Broadcast(NewStatsUpdateMessage(stats))
}

// OnTradeUpdate - реализация bot.TradeListener
func (h *Hub) OnTradeUpdate(t *models.Trade) {
	h.Broadcast(NewTradeUpdateMessage(t))
}

// OnOpportunity - реализация bot.OpportunityListener
func (h *Hub) OnOpportunity(o *models.Opportunity) {
	h.Broadcast(NewOpportunityMessage(o))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// DroppedMessages возвращает число сообщений, отброшенных из-за полного буфера
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}

var (
	_ bot.TradeListener       = (*Hub)(nil)
	_ bot.OpportunityListener = (*Hub)(nil)
)
