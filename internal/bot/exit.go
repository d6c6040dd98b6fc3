package bot

import (
	"context"
	"sort"
	"sync"
	"time"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// ExitReason - причина автоматического закрытия
type ExitReason string

const (
	ExitReasonTakeProfit ExitReason = "Take Profit"
	ExitReasonStopLoss   ExitReason = "Stop Loss"
	ExitReasonTrailing   ExitReason = "Trailing Stop"
	ExitReasonTimeLimit  ExitReason = "Time Limit"
)

// ExitSignal - сработавшее правило выхода
type ExitSignal struct {
	TradeID string     `json:"trade_id"`
	Reason  ExitReason `json:"reason"`
	Spread  float64    `json:"spread"`
}

type exitTrack struct {
	trade *models.Trade
	state models.ExitState
}

// ExitManager проверяет правила выхода по открытым позициям
//
// Порядок правил: take profit, stop loss, trailing stop, лимит времени.
// Срабатывает первое подходящее; сделка снимается с наблюдения, чтобы
// закрытие не было запрошено дважды.
type ExitManager struct {
	mu     sync.Mutex
	tracks map[string]*exitTrack

	prices *PriceAggregator
	states ExitStateStore // nil - состояние трейлинга только в памяти
	config func() models.TradingConfig
	onExit func(ctx context.Context, sig ExitSignal)

	now func() time.Time
	log *utils.Logger
}

// NewExitManager создаёт менеджер выхода; states может быть nil
func NewExitManager(prices *PriceAggregator, states ExitStateStore, config func() models.TradingConfig, logger *utils.Logger) *ExitManager {
	return &ExitManager{
		tracks: make(map[string]*exitTrack),
		prices: prices,
		states: states,
		config: config,
		now:    time.Now,
		log:    utils.OrGlobal(logger).WithComponent("exit"),
	}
}

// OnExit задаёт обработчик сигналов; вызывать до Run
func (em *ExitManager) OnExit(fn func(ctx context.Context, sig ExitSignal)) {
	em.onExit = fn
}

// Watch начинает наблюдение; restored - сохранённое состояние трейлинга
func (em *ExitManager) Watch(t *models.Trade, restored *models.ExitState) {
	st := models.ExitState{
		TradeID:        t.ID,
		BestSpreadSeen: t.EntrySpreadPercent,
		EntryTime:      t.CreatedAt,
	}
	if t.ExecutedAt != nil {
		st.EntryTime = *t.ExecutedAt
	}
	if restored != nil {
		st.BestSpreadSeen = restored.BestSpreadSeen
		st.TrailingActive = restored.TrailingActive
		if !restored.EntryTime.IsZero() {
			st.EntryTime = restored.EntryTime
		}
	}

	em.mu.Lock()
	em.tracks[t.ID] = &exitTrack{trade: t.Clone(), state: st}
	em.mu.Unlock()
}

// Unwatch прекращает наблюдение
func (em *ExitManager) Unwatch(id string) {
	em.mu.Lock()
	delete(em.tracks, id)
	em.mu.Unlock()
}

// State возвращает текущее состояние трейлинга
func (em *ExitManager) State(id string) (models.ExitState, bool) {
	em.mu.Lock()
	defer em.mu.Unlock()
	tr, ok := em.tracks[id]
	if !ok {
		return models.ExitState{}, false
	}
	return tr.state, true
}

// Watched возвращает ID наблюдаемых сделок
func (em *ExitManager) Watched() []string {
	em.mu.Lock()
	defer em.mu.Unlock()
	ids := make([]string, 0, len(em.tracks))
	for id := range em.tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run - цикл проверки правил
func (em *ExitManager) Run(ctx context.Context) {
	interval := em.config().Exit.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sig := range em.Evaluate(ctx) {
				if em.onExit != nil {
					em.onExit(ctx, sig)
				}
			}
			if next := em.config().Exit.Interval; next != interval && next > 0 {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Evaluate проверяет все позиции и возвращает сработавшие сигналы
func (em *ExitManager) Evaluate(ctx context.Context) []ExitSignal {
	cfg := em.config().Exit
	now := em.now()

	var (
		signals []ExitSignal
		dirty   []models.ExitState
	)

	em.mu.Lock()
	for id, tr := range em.tracks {
		exit, ok := em.prices.ExitSpread(tr.trade.Instrument, tr.trade.LongVenue, tr.trade.ShortVenue)
		if !ok {
			continue
		}
		reason, fired, changed := evaluateExit(cfg, tr.trade.EntrySpreadPercent, exit, &tr.state, now)
		if changed {
			dirty = append(dirty, tr.state)
		}
		if fired {
			signals = append(signals, ExitSignal{TradeID: id, Reason: reason, Spread: exit})
			delete(em.tracks, id)
		}
	}
	em.mu.Unlock()

	if em.states != nil {
		for _, st := range dirty {
			if err := em.states.SaveExitState(ctx, st); err != nil {
				em.log.Warn("failed to persist exit state", utils.TradeID(st.TradeID), utils.Err(err))
			}
		}
	}

	sort.Slice(signals, func(i, j int) bool { return signals[i].TradeID < signals[j].TradeID })
	for _, sig := range signals {
		RecordExit(string(sig.Reason))
		em.log.Info("exit triggered",
			utils.TradeID(sig.TradeID),
			utils.String("reason", string(sig.Reason)),
			utils.Spread(sig.Spread))
	}
	return signals
}

// evaluateExit применяет правила к одной позиции
//
// Спред выхода = (ask short - bid long) / bid long; чем он ниже, тем
// больше прибыль. st меняется на месте; changed сообщает, что состояние
// трейлинга нужно сохранить.
func evaluateExit(cfg models.ExitConfig, entry, exit float64, st *models.ExitState, now time.Time) (reason ExitReason, fired, changed bool) {
	if exit <= cfg.TakeProfitSpread {
		return ExitReasonTakeProfit, true, false
	}
	if cfg.StopLossSpread > 0 && exit-entry >= cfg.StopLossSpread {
		return ExitReasonStopLoss, true, false
	}

	if cfg.TrailingEnabled && cfg.TrailingDistance > 0 {
		if !st.TrailingActive {
			if entry-exit >= cfg.TrailingActivation {
				st.TrailingActive = true
				st.BestSpreadSeen = exit
				changed = true
			}
		} else if exit < st.BestSpreadSeen {
			st.BestSpreadSeen = exit
			changed = true
		} else if exit-st.BestSpreadSeen >= cfg.TrailingDistance {
			return ExitReasonTrailing, true, changed
		}
	}

	if cfg.MaxHoldTime > 0 && !st.EntryTime.IsZero() && now.Sub(st.EntryTime) >= cfg.MaxHoldTime {
		return ExitReasonTimeLimit, true, changed
	}
	return "", false, changed
}
