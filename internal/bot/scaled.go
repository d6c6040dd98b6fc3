package bot

import (
	"context"
	"fmt"
	"time"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// minExecutedRatio - доля цели, при которой масштабированное исполнение успешно
const minExecutedRatio = 0.99

// ChunkOutcome - результат одной части
type ChunkOutcome struct {
	Index           int     `json:"index"`
	TargetUsd       float64 `json:"target_usd"`
	OrderID         string  `json:"order_id,omitempty"`
	FilledQty       float64 `json:"filled_qty"`
	Price           float64 `json:"price"`
	SlippagePercent float64 `json:"slippage_percent"`
	Status          string  `json:"status"`
	Error           string  `json:"error,omitempty"`
}

// ScaledExecutionResult - итог масштабированного исполнения
type ScaledExecutionResult struct {
	TargetUsd   float64        `json:"target_usd"`
	ExecutedUsd float64        `json:"executed_usd"`
	ExecutedQty float64        `json:"executed_qty"`
	AvgPrice    float64        `json:"avg_price"` // VWAP
	Chunks      []ChunkOutcome `json:"chunks"`
	Aborted     bool           `json:"aborted"`
	AbortReason string         `json:"abort_reason,omitempty"`
	Success     bool           `json:"success"`
}

// ScaledOrderExecutor делит крупный ордер на части
//
// Части исполняются последовательно с паузой ChunkDelay, либо равномерно
// на интервале TWAPDuration. Неисполненная часть или проскальзывание
// сверх MaxSlippagePercent прерывает оставшиеся части.
type ScaledOrderExecutor struct {
	sleep func(ctx context.Context, d time.Duration) error
	log   *utils.Logger
}

// NewScaledOrderExecutor создаёт исполнитель
func NewScaledOrderExecutor(logger *utils.Logger) *ScaledOrderExecutor {
	return &ScaledOrderExecutor{
		sleep: sleepCtx,
		log:   utils.OrGlobal(logger).WithComponent("scaled"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteScaled исполняет totalSizeUsd частями по cfg.MaxChunkUsd
func (s *ScaledOrderExecutor) ExecuteScaled(
	ctx context.Context,
	client exchange.VenueOrderClient,
	instrument, side string,
	totalSizeUsd, referencePrice float64,
	cfg models.ScaledConfig,
) *ScaledExecutionResult {
	result := &ScaledExecutionResult{TargetUsd: totalSizeUsd}
	if referencePrice <= 0 {
		result.Aborted = true
		result.AbortReason = "no reference price"
		return result
	}

	chunks := utils.SplitNotional(totalSizeUsd, cfg.MaxChunkUsd)
	delay := cfg.ChunkDelay
	if cfg.TWAPDuration > 0 && len(chunks) > 1 {
		delay = cfg.TWAPDuration / time.Duration(len(chunks)-1)
	}

	log := s.log.With(utils.Venue(client.Venue()), utils.Instrument(instrument), utils.Side(side))
	log.Debug("scaled execution started",
		utils.Float64("target_usd", totalSizeUsd),
		utils.Int("chunks", len(chunks)),
		utils.Dur("delay", delay))

	var prices, qtys []float64
	for i, chunkUsd := range chunks {
		if i > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				result.Aborted = true
				result.AbortReason = fmt.Sprintf("cancelled before chunk %d: %v", i+1, err)
				break
			}
		}

		outcome := ChunkOutcome{Index: i, TargetUsd: chunkUsd}
		order, err := client.PlaceOrder(ctx, instrument, side, chunkUsd/referencePrice)
		if err != nil {
			outcome.Status = exchange.OrderStatusFailed
			outcome.Error = err.Error()
		} else {
			outcome.OrderID = order.ID
			outcome.Status = order.Status
			outcome.Error = order.Error
			if order.FilledQty > 0 && order.AvgPrice > 0 {
				outcome.FilledQty = order.FilledQty
				outcome.Price = order.AvgPrice
				outcome.SlippagePercent = utils.SlippagePercent(side, referencePrice, order.AvgPrice)
				prices = append(prices, order.AvgPrice)
				qtys = append(qtys, order.FilledQty)
				result.ExecutedQty += order.FilledQty
				result.ExecutedUsd += order.FilledQty * order.AvgPrice
			}
		}
		result.Chunks = append(result.Chunks, outcome)

		if !order.IsFilled() {
			result.Aborted = true
			result.AbortReason = fmt.Sprintf("chunk %d/%d not filled: %s", i+1, len(chunks), chunkError(outcome))
			break
		}
		if cfg.MaxSlippagePercent > 0 && outcome.SlippagePercent > cfg.MaxSlippagePercent {
			result.Aborted = true
			result.AbortReason = fmt.Sprintf("chunk %d/%d slippage %.4f%% exceeds %.4f%%",
				i+1, len(chunks), outcome.SlippagePercent, cfg.MaxSlippagePercent)
			break
		}
	}

	result.AvgPrice = utils.CalculateWeightedAverage(prices, qtys)
	// Доля исполнения считается по количеству, чтобы выгодная цена не занижала её
	result.Success = !result.Aborted && result.ExecutedQty*referencePrice >= totalSizeUsd*minExecutedRatio

	if result.Aborted {
		log.Warn("scaled execution aborted",
			utils.String("reason", result.AbortReason),
			utils.Float64("executed_usd", result.ExecutedUsd))
	}
	return result
}

func chunkError(o ChunkOutcome) string {
	if o.Error != "" {
		return o.Error
	}
	return o.Status
}
