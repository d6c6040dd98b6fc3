package bot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crossarb/internal/exchange"
)

// PaperVenue - симуляция площадки: исполняет ордера по последней котировке
//
// Покупка по ask, продажа по bid. Без котировки ордер отклоняется.
type PaperVenue struct {
	venue      string
	aggregator *PriceAggregator

	seq    atomic.Int64
	mu     sync.Mutex
	orders map[string]*exchange.Order
}

// NewPaperVenue создаёт симулятор площадки
func NewPaperVenue(venue string, aggregator *PriceAggregator) *PaperVenue {
	return &PaperVenue{
		venue:      venue,
		aggregator: aggregator,
		orders:     make(map[string]*exchange.Order),
	}
}

func (p *PaperVenue) Venue() string { return p.venue }

// PlaceOrder исполняет рыночный ордер целиком по текущей котировке
func (p *PaperVenue) PlaceOrder(ctx context.Context, instrument, side string, quantity float64) (*exchange.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	order := &exchange.Order{
		ID:         fmt.Sprintf("paper-%s-%d", p.venue, p.seq.Add(1)),
		Venue:      p.venue,
		Instrument: instrument,
		Side:       side,
		Quantity:   quantity,
		CreatedAt:  time.Now(),
	}

	q, ok := p.aggregator.GetQuote(p.venue, instrument)
	price := q.Ask
	if side == exchange.SideSell {
		price = q.Bid
	}
	switch {
	case quantity <= 0:
		order.Status = exchange.OrderStatusFailed
		order.Error = "quantity must be positive"
	case !ok || price <= 0:
		order.Status = exchange.OrderStatusFailed
		order.Error = "no quote"
	default:
		order.Status = exchange.OrderStatusFilled
		order.FilledQty = quantity
		order.AvgPrice = price
	}

	p.mu.Lock()
	p.orders[order.ID] = order
	p.mu.Unlock()
	return order, nil
}

// CancelOrder: рыночные ордера исполняются мгновенно, отменять нечего
func (p *PaperVenue) CancelOrder(_ context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.Status != exchange.OrderStatusOpen {
		return false, nil
	}
	o.Status = exchange.OrderStatusCancelled
	return true, nil
}

func (p *PaperVenue) GetOrderStatus(_ context.Context, orderID string) (*exchange.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper order %s not found", orderID)
	}
	c := *o
	return &c, nil
}
