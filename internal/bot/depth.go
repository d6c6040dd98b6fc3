package bot

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
)

// DepthAnalyzer хранит стаканы и оценивает исполнимый объём
type DepthAnalyzer struct {
	mu    sync.RWMutex
	books map[quoteKey]*depthBook
	now   func() time.Time
}

type depthBook struct {
	bids      []models.DepthLevel // по убыванию цены
	asks      []models.DepthLevel // по возрастанию цены
	updatedAt time.Time
}

// SizeRecommendation - результат анализа ликвидности
//
// Все суммы - номинал одной ноги в USD.
type SizeRecommendation struct {
	SizeUsd        float64 `json:"size_usd"`
	LongLimitUsd   float64 `json:"long_limit_usd"`
	ShortLimitUsd  float64 `json:"short_limit_usd"`
	LiquidityBound bool    `json:"liquidity_bound"`
	Available      bool    `json:"available"` // свежие стаканы есть по обеим ногам
	Warning        string  `json:"warning,omitempty"`
}

// NewDepthAnalyzer создаёт анализатор
func NewDepthAnalyzer() *DepthAnalyzer {
	return &DepthAnalyzer{
		books: make(map[quoteKey]*depthBook),
		now:   time.Now,
	}
}

// UpdateDepth заменяет стакан (venue, instrument)
//
// Уровни с неположительной ценой или объёмом отбрасываются.
func (da *DepthAnalyzer) UpdateDepth(venue, instrument string, bids, asks []models.DepthLevel) {
	book := &depthBook{
		bids:      cleanLevels(bids),
		asks:      cleanLevels(asks),
		updatedAt: da.now(),
	}
	sort.Slice(book.bids, func(i, j int) bool { return book.bids[i].Price > book.bids[j].Price })
	sort.Slice(book.asks, func(i, j int) bool { return book.asks[i].Price < book.asks[j].Price })

	da.mu.Lock()
	da.books[quoteKey{Instrument: instrument, Venue: venue}] = book
	da.mu.Unlock()
}

// UpdateSnapshot - UpdateDepth из снимка фида
func (da *DepthAnalyzer) UpdateSnapshot(s exchange.DepthSnapshot) {
	da.UpdateDepth(s.Venue, s.Instrument, s.Bids, s.Asks)
}

func cleanLevels(in []models.DepthLevel) []models.DepthLevel {
	out := make([]models.DepthLevel, 0, len(in))
	for _, l := range in {
		if l.Price > 0 && l.Size > 0 {
			out = append(out, l)
		}
	}
	return out
}

// MaxExecutable возвращает номинал (USD), исполнимый по рынку на стороне side
// без выхода за maxSlippagePercent от лучшей цены.
//
// ok == false, если стакана нет, он пуст или старше staleAfter.
func (da *DepthAnalyzer) MaxExecutable(venue, instrument, side string, maxSlippagePercent float64, staleAfter time.Duration) (float64, bool) {
	da.mu.RLock()
	book := da.books[quoteKey{Instrument: instrument, Venue: venue}]
	da.mu.RUnlock()

	if book == nil {
		return 0, false
	}
	if staleAfter > 0 && da.now().Sub(book.updatedAt) > staleAfter {
		return 0, false
	}

	var levels []models.DepthLevel
	var inBound func(price, limit float64) bool
	var limit float64

	switch side {
	case exchange.SideBuy:
		levels = book.asks
		if len(levels) == 0 {
			return 0, false
		}
		limit = levels[0].Price * (1 + maxSlippagePercent/100)
		inBound = func(p, l float64) bool { return p <= l }
	case exchange.SideSell:
		levels = book.bids
		if len(levels) == 0 {
			return 0, false
		}
		limit = levels[0].Price * (1 - maxSlippagePercent/100)
		inBound = func(p, l float64) bool { return p >= l }
	default:
		return 0, false
	}

	var notional float64
	for _, lvl := range levels {
		if !inBound(lvl.Price, limit) {
			break
		}
		notional += lvl.Price * lvl.Size
	}
	return notional, true
}

// RecommendedSize - минимум из лимитов обеих ног и maxSizeUsd
//
// Long нога покупает по асками площадки longVenue, short продаёт по бидам
// shortVenue. Без свежих стаканов возвращает maxSizeUsd с Available=false.
func (da *DepthAnalyzer) RecommendedSize(longVenue, shortVenue, instrument string, maxSlippagePercent, maxSizeUsd float64, staleAfter time.Duration) SizeRecommendation {
	longLimit, okLong := da.MaxExecutable(longVenue, instrument, exchange.SideBuy, maxSlippagePercent, staleAfter)
	shortLimit, okShort := da.MaxExecutable(shortVenue, instrument, exchange.SideSell, maxSlippagePercent, staleAfter)

	rec := SizeRecommendation{
		SizeUsd:       maxSizeUsd,
		LongLimitUsd:  longLimit,
		ShortLimitUsd: shortLimit,
		Available:     okLong && okShort,
	}
	if !rec.Available {
		rec.Warning = "no fresh depth data, size not liquidity-checked"
		return rec
	}

	liquidity := math.Min(longLimit, shortLimit)
	if liquidity < maxSizeUsd {
		rec.SizeUsd = liquidity
		rec.LiquidityBound = true
		rec.Warning = fmt.Sprintf("liquidity-bound: long %.2f, short %.2f, requested %.2f", longLimit, shortLimit, maxSizeUsd)
	}
	return rec
}
