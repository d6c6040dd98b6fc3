package bot

import (
	"sort"
	"time"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// OpportunityDetector ищет лучшую пару площадок для инструмента
//
// Состояния не хранит: конфигурация передаётся в каждый вызов.
type OpportunityDetector struct {
	now func() time.Time
}

// NewOpportunityDetector создаёт детектор
func NewOpportunityDetector() *OpportunityDetector {
	return &OpportunityDetector{now: time.Now}
}

// Detect перебирает упорядоченные пары (buy, sell) различных площадок
//
// Спред пары = (bid_sell - ask_buy) / ask_buy × 100. Котировки с
// неположительной стороной пропускаются, как и устаревшие при заданном
// MaxQuoteAge. Площадки обходятся в лексикографическом порядке, а лучший
// кандидат заменяется только строго большим спредом, поэтому при равенстве
// выигрывает первая пара. nil, если ни одна пара не достигла минимума.
func (d *OpportunityDetector) Detect(instrument string, quotes map[string]models.Quote, cfg models.DetectorConfig) *models.Opportunity {
	if len(quotes) < 2 {
		return nil
	}

	now := d.now()
	venues := make([]string, 0, len(quotes))
	for v, q := range quotes {
		if !q.Ready() {
			continue
		}
		if cfg.MaxQuoteAge > 0 && !q.ObservedAt.IsZero() && now.Sub(q.ObservedAt) > cfg.MaxQuoteAge {
			continue
		}
		venues = append(venues, v)
	}
	sort.Strings(venues)

	var best *models.Opportunity
	for _, buyVenue := range venues {
		buy := quotes[buyVenue]
		for _, sellVenue := range venues {
			if sellVenue == buyVenue {
				continue
			}
			sell := quotes[sellVenue]

			spread := utils.CalculateSpread(sell.Bid, buy.Ask)
			if spread <= 0 {
				continue
			}
			if best != nil && spread <= best.SpreadPercent {
				continue
			}

			observed := buy.ObservedAt
			if sell.ObservedAt.After(observed) {
				observed = sell.ObservedAt
			}
			best = &models.Opportunity{
				Instrument:    instrument,
				BuyVenue:      buyVenue,
				SellVenue:     sellVenue,
				BuyPrice:      buy.Ask,
				SellPrice:     sell.Bid,
				SpreadPercent: spread,
				ObservedAt:    observed,
			}
		}
	}

	if best == nil || best.SpreadPercent < cfg.MinSpread {
		return nil
	}
	return best
}
