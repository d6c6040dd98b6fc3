package bot

import (
	"context"
	"fmt"
	"time"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// RecoveryResult содержит итоги восстановления после перезапуска
type RecoveryResult struct {
	// Restored - ACTIVE и PARTIAL сделки, снова под наблюдением
	Restored int `json:"restored"`

	// Cancelled - PENDING: до площадок дело не дошло
	Cancelled int `json:"cancelled"`

	// MarkedPartial - EXECUTING: состояние ног неизвестно
	MarkedPartial int `json:"marked_partial"`

	// MarkedFailed - CLOSING: закрытие прервано
	MarkedFailed int `json:"marked_failed"`

	Errors []string `json:"errors,omitempty"`
}

// Recover загружает нетерминальные сделки и восстанавливает учёт
//
// Ордера на площадки не отправляются. ACTIVE сделки снова блокируют
// капитал и регистрируются в мониторах с сохранённым состоянием трейлинга.
// Прерванные переходы завершаются так, чтобы ни одна сделка не осталась
// в полёте: PENDING → CANCELLED, EXECUTING → PARTIAL, CLOSING → FAILED.
func (e *TradeExecutor) Recover(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	trades, err := e.store.LoadActiveTrades(ctx)
	if err != nil {
		return result, fmt.Errorf("load active trades: %w", err)
	}

	exitStates := map[string]models.ExitState{}
	if ess, ok := e.store.(ExitStateStore); ok {
		if states, err := ess.LoadExitStates(ctx); err != nil {
			e.log.Warn("failed to load exit states, trailing restarts from entry", utils.Err(err))
			result.Errors = append(result.Errors, err.Error())
		} else {
			exitStates = states
		}
	}

	for _, t := range trades {
		if t.Status.IsTerminal() {
			continue
		}
		entry := &tradeEntry{trade: t.Clone()}
		e.mu.Lock()
		e.trades[t.ID] = entry
		e.mu.Unlock()
		e.risk.TrackTrade(t)

		log := e.log.WithTradeID(t.ID).With(utils.State(string(t.Status)))

		switch t.Status {
		case models.TradeStatusActive:
			legUsd := t.SizeUsd / 2
			if err := e.ledger.LockPair(t.LongVenue, t.ShortVenue, legUsd); err != nil {
				log.Warn("could not re-lock balance for recovered trade", utils.Err(err))
			} else {
				entry.setLocked(legUsd)
			}
			var restored *models.ExitState
			if st, ok := exitStates[t.ID]; ok {
				restored = &st
			}
			for _, w := range e.watchers {
				w.Watch(t.Clone(), restored)
			}
			result.Restored++
			log.Info("active trade restored")

		case models.TradeStatusPartial:
			result.Restored++
			log.Warn("partial trade restored, manual reconciliation pending")

		case models.TradeStatusPending:
			e.finish(ctx, entry, models.TradeStatusCancelled, &models.TradeUpdate{
				ErrorReason: models.String("interrupted before execution"),
			})
			result.Cancelled++

		case models.TradeStatusExecuting:
			final := e.finish(ctx, entry, models.TradeStatusPartial, &models.TradeUpdate{
				ErrorReason: models.String("execution interrupted by restart, leg state unknown; reconcile manually"),
			})
			e.notify(newNotification(models.NotificationTypeRecovery, models.SeverityCritical, final,
				fmt.Sprintf("Trade %s was executing during restart and needs manual reconciliation", final.ID)))
			result.MarkedPartial++

		case models.TradeStatusClosing:
			final := e.finish(ctx, entry, models.TradeStatusFailed, &models.TradeUpdate{
				ErrorReason: models.String("close interrupted by restart; reconcile manually"),
				ClosedAt:    models.Time(e.now()),
			})
			e.notify(newNotification(models.NotificationTypeRecovery, models.SeverityCritical, final,
				fmt.Sprintf("Trade %s was closing during restart and needs manual reconciliation", final.ID)))
			result.MarkedFailed++
		}
	}

	e.notify(newNotification(models.NotificationTypeRecovery, models.SeverityInfo, nil, fmt.Sprintf(
		"Recovery summary: %d restored, %d cancelled, %d partial, %d failed",
		result.Restored, result.Cancelled, result.MarkedPartial, result.MarkedFailed)))
	e.log.Info("recovery complete",
		utils.Int("restored", result.Restored),
		utils.Int("cancelled", result.Cancelled),
		utils.Int("partial", result.MarkedPartial),
		utils.Int("failed", result.MarkedFailed))
	return result, nil
}
