package exchange

import (
	"context"
	"errors"
	"strconv"
	"time"

	"crossarb/internal/models"
)

// VenueOrderClient - размещение ордеров на одной площадке
//
// Отказ площадки (недостаточно маржи, неверный инструмент и т.п.)
// возвращается как Order со статусом OrderStatusFailed и nil error.
// error зарезервирован для транспортных сбоев, которые имеет смысл повторить.
type VenueOrderClient interface {
	// Venue возвращает идентификатор площадки
	Venue() string

	// PlaceOrder размещает рыночный ордер
	PlaceOrder(ctx context.Context, instrument, side string, quantity float64) (*Order, error)

	// CancelOrder отменяет ордер; false если ордер уже исполнен или неизвестен
	CancelOrder(ctx context.Context, orderID string) (bool, error)

	// GetOrderStatus возвращает текущее состояние ордера
	GetOrderStatus(ctx context.Context, orderID string) (*Order, error)
}

// PriceFeed - поток нормализованных котировок (и, опционально, стаканов)
//
// Run блокируется до отмены ctx; порядок между площадками не гарантируется.
type PriceFeed interface {
	Run(ctx context.Context, h FeedHandler) error
}

// FeedHandler - push-callback'и ленты
type FeedHandler struct {
	OnTick  func(Tick)
	OnDepth func(DepthSnapshot)
}

// QuoteSource - медленный авторитетный источник котировок (REST)
type QuoteSource interface {
	FetchQuote(ctx context.Context, venue, instrument string) (models.Quote, error)
}

// LiquidationOracle оценивает расстояние до цены ликвидации ноги в процентах
//
// Возвращает ErrNoLiquidationData, если для площадки нет данных.
type LiquidationOracle interface {
	DistancePercent(ctx context.Context, leg LegPosition) (float64, error)
}

// ErrNoLiquidationData - у оракула нет данных по площадке/инструменту
var ErrNoLiquidationData = errors.New("no liquidation data")

// Tick - нормализованная котировка от ленты
type Tick struct {
	Venue      string    `json:"venue"`
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Timestamp  time.Time `json:"timestamp"`
}

// DepthSnapshot - снимок стакана площадки
type DepthSnapshot struct {
	Venue      string              `json:"venue"`
	Instrument string              `json:"instrument"`
	Bids       []models.DepthLevel `json:"bids"`
	Asks       []models.DepthLevel `json:"asks"`
	Timestamp  time.Time           `json:"timestamp"`
}

// LegPosition - открытая нога для оценки ликвидации
type LegPosition struct {
	Venue      string
	Instrument string
	Side       string // long / short
	EntryPrice float64
	MarkPrice  float64
	Quantity   float64
}

// Order представляет ордер
type Order struct {
	ID         string    `json:"id"`
	Venue      string    `json:"venue"`
	Instrument string    `json:"instrument"`
	Side       string    `json:"side"` // buy / sell
	Quantity   float64   `json:"quantity"`
	FilledQty  float64   `json:"filled_quantity"`
	AvgPrice   float64   `json:"price"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsFilled - ордер исполнен полностью
func (o *Order) IsFilled() bool {
	return o != nil && o.Status == OrderStatusFilled
}

// VenueError представляет транспортную ошибку площадки
type VenueError struct {
	Venue      string
	StatusCode int
	Message    string
	Original   error
}

func (e *VenueError) Error() string {
	if e.StatusCode != 0 {
		return e.Venue + ": http " + strconv.Itoa(e.StatusCode) + ": " + e.Message
	}
	return e.Venue + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для errors.Is() и errors.As()
func (e *VenueError) Unwrap() error {
	return e.Original
}

// Side constants for orders
const (
	SideBuy  = "buy"  // открытие long или закрытие short
	SideSell = "sell" // открытие short или закрытие long
)

// Side constants for positions
const (
	SideLong  = "long"
	SideShort = "short"
)

// Order status constants
const (
	OrderStatusFilled    = "filled"
	OrderStatusPartial   = "partial"
	OrderStatusOpen      = "open"
	OrderStatusCancelled = "cancelled"
	OrderStatusFailed    = "failed"
)
