package exchange

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// WSFeedConfig - параметры подключения к ленте котировок
type WSFeedConfig struct {
	URL         string
	Instruments []string // подписка после каждого подключения; пусто = всё

	InitialDelay   time.Duration // задержка переподключения, удваивается до MaxDelay
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// DefaultWSFeedConfig возвращает конфигурацию по умолчанию (2s, 4s, 8s, 16s)
func DefaultWSFeedConfig(url string) WSFeedConfig {
	return WSFeedConfig{
		URL:            url,
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   15 * time.Second,
		PongTimeout:    30 * time.Second,
	}
}

// WSConnectionState состояние WebSocket соединения
type WSConnectionState int32

const (
	WSStateDisconnected WSConnectionState = iota
	WSStateConnecting
	WSStateConnected
	WSStateReconnecting
	WSStateClosed
)

func (s WSConnectionState) String() string {
	switch s {
	case WSStateDisconnected:
		return "disconnected"
	case WSStateConnecting:
		return "connecting"
	case WSStateConnected:
		return "connected"
	case WSStateReconnecting:
		return "reconnecting"
	case WSStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// feedMessage - формат сообщения нормализованной ленты
//
//	{"type":"tick","venue":"alpha","instrument":"BTCUSDT","bid":100,"ask":100.1,"ts":1700000000000}
//	{"type":"depth","venue":"alpha","instrument":"BTCUSDT","bids":[[100,2]],"asks":[[100.1,1.5]],"ts":...}
type feedMessage struct {
	Type       string       `json:"type"`
	Venue      string       `json:"venue"`
	Instrument string       `json:"instrument"`
	Bid        float64      `json:"bid"`
	Ask        float64      `json:"ask"`
	Bids       [][2]float64 `json:"bids"`
	Asks       [][2]float64 `json:"asks"`
	Ts         int64        `json:"ts"`
}

// WSPriceFeed - PriceFeed поверх WebSocket с автоматическим переподключением
type WSPriceFeed struct {
	cfg   WSFeedConfig
	log   *utils.Logger
	state int32 // atomic WSConnectionState

	reconnects int64 // atomic
}

// NewWSPriceFeed создаёт ленту
func NewWSPriceFeed(cfg WSFeedConfig, logger *utils.Logger) *WSPriceFeed {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval * 2
	}
	return &WSPriceFeed{
		cfg: cfg,
		log: utils.OrGlobal(logger).WithComponent("ws_feed"),
	}
}

// State возвращает текущее состояние соединения
func (f *WSPriceFeed) State() WSConnectionState {
	return WSConnectionState(atomic.LoadInt32(&f.state))
}

// Reconnects возвращает число переподключений
func (f *WSPriceFeed) Reconnects() int64 {
	return atomic.LoadInt64(&f.reconnects)
}

func (f *WSPriceFeed) setState(s WSConnectionState) {
	atomic.StoreInt32(&f.state, int32(s))
}

// Run подключается и читает ленту до отмены ctx, переподключаясь с backoff
func (f *WSPriceFeed) Run(ctx context.Context, h FeedHandler) error {
	delay := f.cfg.InitialDelay
	defer f.setState(WSStateClosed)

	for {
		f.setState(WSStateConnecting)
		connected, err := f.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = f.cfg.InitialDelay
		}

		f.setState(WSStateReconnecting)
		atomic.AddInt64(&f.reconnects, 1)
		f.log.Warn("price feed disconnected, reconnecting",
			utils.Err(err), utils.Dur("delay", delay), utils.String("url", f.cfg.URL))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		delay *= 2
		if delay > f.cfg.MaxDelay {
			delay = f.cfg.MaxDelay
		}
	}
}

// session - одно соединение: dial, подписка, чтение до ошибки
func (f *WSPriceFeed) session(ctx context.Context, h FeedHandler) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if len(f.cfg.Instruments) > 0 {
		sub := map[string]interface{}{"op": "subscribe", "instruments": f.cfg.Instruments}
		if err := conn.WriteJSON(sub); err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
	}

	f.setState(WSStateConnected)
	f.log.Info("price feed connected", utils.String("url", f.cfg.URL))

	conn.SetReadDeadline(time.Now().Add(f.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.PongTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go f.pingLoop(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(f.cfg.PongTimeout))
		f.dispatch(data, h)
	}
}

// pingLoop держит соединение живым и закрывает его при отмене ctx
func (f *WSPriceFeed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.cfg.PongTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (f *WSPriceFeed) dispatch(data []byte, h FeedHandler) {
	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Debug("skip malformed feed message", utils.Err(err))
		return
	}

	ts := time.Now()
	if msg.Ts > 0 {
		ts = time.UnixMilli(msg.Ts)
	}

	switch msg.Type {
	case "tick", "":
		if h.OnTick != nil && msg.Venue != "" && msg.Instrument != "" {
			h.OnTick(Tick{
				Venue:      msg.Venue,
				Instrument: msg.Instrument,
				Bid:        msg.Bid,
				Ask:        msg.Ask,
				Timestamp:  ts,
			})
		}
	case "depth":
		if h.OnDepth != nil {
			h.OnDepth(DepthSnapshot{
				Venue:      msg.Venue,
				Instrument: msg.Instrument,
				Bids:       toLevels(msg.Bids),
				Asks:       toLevels(msg.Asks),
				Timestamp:  ts,
			})
		}
	}
}

func toLevels(raw [][2]float64) []models.DepthLevel {
	levels := make([]models.DepthLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, models.DepthLevel{Price: l[0], Size: l[1]})
	}
	return levels
}
