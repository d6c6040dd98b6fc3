package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/retry"
	"crossarb/pkg/utils"
)

// legFill - результат размещения ноги
type legFill struct {
	OrderIDs []string
	Qty      float64 // исполненное количество
	Price    float64 // средняя цена исполнения
	Open     *exchange.Order
}

// committed сообщает, что на площадке что-то осталось: исполнение или висящий ордер
func (f legFill) committed() bool {
	return f.Qty > 0 || (f.Open != nil && (f.Open.Status == exchange.OrderStatusOpen || f.Open.Status == exchange.OrderStatusPartial))
}

func legRetryConfig(cfg models.TradingConfig, log *utils.Logger) retry.Config {
	rc := retry.LegConfig(cfg.Execution.LegRetries, cfg.Execution.RetryInitialDelay, cfg.Execution.RetryMaxDelay)
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("leg attempt failed, retrying",
			utils.Int("attempt", attempt),
			utils.Dur("delay", delay),
			utils.Err(err))
	}
	return rc
}

// placeLeg размещает рыночную ногу с ограниченным числом повторов
//
// Отклонённый площадкой ордер повторяется. Частичное исполнение или
// висящий ордер не повторяется: это уже позиция, которую нужно откатить.
// Крупный номинал при включённом UseScaled исполняется частями.
func (e *TradeExecutor) placeLeg(
	ctx context.Context,
	cfg models.TradingConfig,
	client exchange.VenueOrderClient,
	instrument, side string,
	qty, refPrice float64,
) (legFill, error) {
	start := time.Now()
	defer func() {
		LegExecutionLatency.WithLabelValues(client.Venue(), side).Observe(msSince(start))
	}()
	log := e.log.With(utils.Venue(client.Venue()), utils.Instrument(instrument), utils.Side(side))

	notional := qty * refPrice
	if cfg.Execution.UseScaled && cfg.Scaled.MaxChunkUsd > 0 && refPrice > 0 && notional > cfg.Scaled.MaxChunkUsd {
		res := e.scaled.ExecuteScaled(ctx, client, instrument, side, notional, refPrice, cfg.Scaled)
		fill := legFill{Qty: res.ExecutedQty, Price: res.AvgPrice}
		for _, c := range res.Chunks {
			if c.OrderID != "" {
				fill.OrderIDs = append(fill.OrderIDs, c.OrderID)
			}
		}
		if !res.Success {
			reason := res.AbortReason
			if reason == "" {
				reason = fmt.Sprintf("executed %.2f of %.2f", res.ExecutedQty*refPrice, notional)
			}
			return fill, fmt.Errorf("scaled execution: %s", reason)
		}
		return fill, nil
	}

	var last *exchange.Order
	order, err := retry.DoWithResult(ctx, legRetryConfig(cfg, log), func(ctx context.Context) (*exchange.Order, error) {
		o, err := client.PlaceOrder(ctx, instrument, side, qty)
		if err != nil {
			return nil, err
		}
		last = o
		switch {
		case o.IsFilled():
			return o, nil
		case o.Status == exchange.OrderStatusPartial || o.Status == exchange.OrderStatusOpen:
			return nil, retry.Permanent(fmt.Errorf("order %s not filled: %s %.8f/%.8f", o.ID, o.Status, o.FilledQty, o.Quantity))
		default:
			msg := o.Error
			if msg == "" {
				msg = o.Status
			}
			return nil, fmt.Errorf("order rejected: %s", msg)
		}
	})
	if err != nil {
		fill := legFill{}
		if last != nil && (last.Status == exchange.OrderStatusPartial || last.Status == exchange.OrderStatusOpen) {
			fill.Open = last
			fill.Qty = last.FilledQty
			fill.Price = last.AvgPrice
			fill.OrderIDs = []string{last.ID}
		}
		return fill, err
	}

	log.Debug("leg filled",
		utils.OrderID(order.ID),
		utils.Price(order.AvgPrice),
		utils.Volume(order.FilledQty),
		utils.Elapsed(start))
	return legFill{OrderIDs: []string{order.ID}, Qty: order.FilledQty, Price: order.AvgPrice}, nil
}

// compensate отменяет висящий ордер и закрывает исполненное встречным ордером
//
// closeSide - сторона закрывающего ордера (sell для long ноги, buy для short).
func (e *TradeExecutor) compensate(
	ctx context.Context,
	cfg models.TradingConfig,
	client exchange.VenueOrderClient,
	instrument, closeSide string,
	fill legFill,
) error {
	var errs []error

	if fill.Open != nil && (fill.Open.Status == exchange.OrderStatusOpen || fill.Open.Status == exchange.OrderStatusPartial) {
		if _, err := client.CancelOrder(ctx, fill.Open.ID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", fill.Open.ID, err))
		} else if st, err := client.GetOrderStatus(ctx, fill.Open.ID); err == nil && st.FilledQty > fill.Qty {
			fill.Qty = st.FilledQty
		}
	}

	if fill.Qty > 0 {
		if _, err := e.closeQuantity(ctx, cfg, client, instrument, closeSide, fill.Qty); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeQuantity - рыночный закрывающий ордер с повторами; нужен полный fill
func (e *TradeExecutor) closeQuantity(
	ctx context.Context,
	cfg models.TradingConfig,
	client exchange.VenueOrderClient,
	instrument, side string,
	qty float64,
) (*exchange.Order, error) {
	log := e.log.With(utils.Venue(client.Venue()), utils.Instrument(instrument), utils.Side(side))
	remaining := qty
	var filledNotional, filledQty float64

	order, err := retry.DoWithResult(ctx, legRetryConfig(cfg, log), func(ctx context.Context) (*exchange.Order, error) {
		o, err := client.PlaceOrder(ctx, instrument, side, remaining)
		if err != nil {
			return nil, err
		}
		if o.FilledQty > 0 && o.AvgPrice > 0 {
			filledQty += o.FilledQty
			filledNotional += o.FilledQty * o.AvgPrice
			remaining -= o.FilledQty
		}
		if o.IsFilled() || remaining <= qty*1e-9 {
			return o, nil
		}
		return nil, fmt.Errorf("close order %s: %s, %.8f remaining", o.ID, o.Status, remaining)
	})
	if err != nil {
		return nil, err
	}

	// Итог по всем попыткам: количество и средняя цена
	out := *order
	out.FilledQty = filledQty
	if filledQty > 0 {
		out.AvgPrice = filledNotional / filledQty
	}
	return &out, nil
}
