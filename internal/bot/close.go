package bot

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// Причины закрытия
const (
	CloseReasonManual    = "Manual"
	CloseReasonEmergency = "Emergency"
)

// Close закрывает обе ноги сделки и фиксирует результат
//
// Допустимо из ACTIVE, PARTIAL (закрывается только long нога) и CLOSING
// (после EmergencyClose). Ноги закрываются параллельно. Повторный вызов во
// время закрытия возвращает ErrCloseInProgress.
func (e *TradeExecutor) Close(ctx context.Context, id, reason string) (*models.Trade, error) {
	entry := e.entry(id)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	if !entry.closing.CompareAndSwap(false, true) {
		return nil, ErrCloseInProgress
	}

	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	cfg := e.config()
	cur := entry.snapshot()
	log := e.log.WithTradeID(cur.ID).With(utils.Instrument(cur.Instrument), utils.String("reason", reason))

	closeShort := true
	switch cur.Status {
	case models.TradeStatusActive:
		cur = e.transition(ctx, entry, models.TradeStatusClosing, &models.TradeUpdate{CloseReason: models.String(reason)})
	case models.TradeStatusPartial:
		closeShort = false
		cur = e.transition(ctx, entry, models.TradeStatusClosing, &models.TradeUpdate{CloseReason: models.String(reason)})
	case models.TradeStatusClosing:
		// EmergencyClose уже перевёл сделку
		if cur.EntryPriceShort <= 0 {
			closeShort = false
		}
	default:
		entry.closing.Store(false)
		return cur, fmt.Errorf("%w: cannot close trade in %s", ErrInvalidTransition, cur.Status)
	}

	longClient, errLong := e.clientFor(cur.Paper, cur.LongVenue)
	shortClient, errShort := e.clientFor(cur.Paper, cur.ShortVenue)
	if err := errors.Join(errLong, errShort); err != nil {
		return e.failClose(ctx, entry, cur, fmt.Sprintf("close failed: %v; manual intervention required", err), nil, nil), err
	}

	var (
		g                   errgroup.Group
		longOrder, shortOrd *exchange.Order
		longErr, shortErr   error
	)
	g.Go(func() error {
		longOrder, longErr = e.closeQuantity(ctx, cfg, longClient, cur.Instrument, exchange.SideSell, cur.Quantity)
		return nil
	})
	if closeShort {
		g.Go(func() error {
			shortOrd, shortErr = e.closeQuantity(ctx, cfg, shortClient, cur.Instrument, exchange.SideBuy, cur.Quantity)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(wrapLeg("long", longErr), wrapLeg("short", shortErr)); err != nil {
		log.Error("close failed", utils.Err(err))
		return e.failClose(ctx, entry, cur, fmt.Sprintf("close failed: %v; manual intervention required", err), longOrder, shortOrd), err
	}

	longPnl := utils.CalculatePNL(exchange.SideLong, cur.EntryPriceLong, longOrder.AvgPrice, cur.Quantity)
	var shortPnl float64
	upd := &models.TradeUpdate{
		ExitPriceLong: models.Float(longOrder.AvgPrice),
		ClosedAt:      models.Time(e.now()),
	}
	if closeShort {
		shortPnl = utils.CalculatePNL(exchange.SideShort, cur.EntryPriceShort, shortOrd.AvgPrice, cur.Quantity)
		upd.ExitPriceShort = models.Float(shortOrd.AvgPrice)
		upd.ExitSpreadPercent = models.Float(utils.CalculateExitSpread(longOrder.AvgPrice, shortOrd.AvgPrice))
	}
	realized := longPnl + shortPnl
	upd.RealizedPnl = models.Float(realized)
	upd.Pnl = models.Float(realized)

	e.settle(entry, cur, longPnl, shortPnl)
	final := e.finish(ctx, entry, models.TradeStatusCompleted, upd)

	log.Info("trade closed", utils.PNL(realized), utils.Bool("paper", final.Paper))
	e.notify(newNotification(notificationTypeFor(reason), severityFor(reason), final,
		fmt.Sprintf("Closed %s (%s): realized PnL %.4f", final.Instrument, reason, realized)))
	return final, nil
}

// EmergencyClose переводит сделку в CLOSING с причиной и закрывает её
//
// Если закрытие уже идёт, возвращает nil.
func (e *TradeExecutor) EmergencyClose(ctx context.Context, id, reason string) error {
	entry := e.entry(id)
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}

	entry.opMu.Lock()
	cur := entry.snapshot()
	if cur.Status != models.TradeStatusActive {
		entry.opMu.Unlock()
		if cur.Status == models.TradeStatusClosing {
			return nil
		}
		return fmt.Errorf("%w: emergency close from %s", ErrInvalidTransition, cur.Status)
	}
	closeReason := CloseReasonEmergency + ": " + reason
	cur = e.transition(context.WithoutCancel(ctx), entry, models.TradeStatusClosing, &models.TradeUpdate{CloseReason: models.String(closeReason)})
	entry.opMu.Unlock()

	e.log.Warn("emergency close", utils.TradeID(id), utils.String("reason", reason))
	e.notify(newNotification(models.NotificationTypeLiquidationRisk, models.SeverityCritical, cur,
		fmt.Sprintf("Emergency close of %s: %s", cur.Instrument, reason)))

	_, err := e.Close(ctx, id, closeReason)
	if errors.Is(err, ErrCloseInProgress) {
		return nil
	}
	return err
}

// failClose фиксирует неудачное закрытие: FAILED, блокировки снимаются
func (e *TradeExecutor) failClose(ctx context.Context, entry *tradeEntry, cur *models.Trade, reason string, longOrder, shortOrder *exchange.Order) *models.Trade {
	upd := &models.TradeUpdate{
		ErrorReason: models.String(reason),
		ClosedAt:    models.Time(e.now()),
	}
	if longOrder != nil {
		upd.ExitPriceLong = models.Float(longOrder.AvgPrice)
	}
	if shortOrder != nil {
		upd.ExitPriceShort = models.Float(shortOrder.AvgPrice)
	}
	e.releaseLocks(entry, cur)
	final := e.finish(ctx, entry, models.TradeStatusFailed, upd)
	e.notify(newNotification(models.NotificationTypeError, models.SeverityCritical, final, reason))
	return final
}

// settle возвращает заблокированный капитал с учётом PNL каждой ноги
func (e *TradeExecutor) settle(entry *tradeEntry, t *models.Trade, longPnl, shortPnl float64) {
	amount := entry.locked()
	for _, leg := range []struct {
		venue string
		pnl   float64
	}{{t.LongVenue, longPnl}, {t.ShortVenue, shortPnl}} {
		if err := e.ledger.Settle(leg.venue, amount, leg.pnl); err != nil {
			e.log.Error("ledger settle failed", utils.TradeID(t.ID), utils.Venue(leg.venue), utils.Err(err))
		}
	}
	entry.setLocked(0)
}

func wrapLeg(leg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s leg: %w", leg, err)
}

func notificationTypeFor(reason string) string {
	switch ExitReason(reason) {
	case ExitReasonTakeProfit:
		return models.NotificationTypeTP
	case ExitReasonStopLoss:
		return models.NotificationTypeSL
	case ExitReasonTrailing:
		return models.NotificationTypeTrailing
	case ExitReasonTimeLimit:
		return models.NotificationTypeTimeout
	default:
		return models.NotificationTypeClose
	}
}

func severityFor(reason string) string {
	switch ExitReason(reason) {
	case ExitReasonStopLoss, ExitReasonTimeLimit:
		return models.SeverityWarn
	default:
		return models.SeverityInfo
	}
}
