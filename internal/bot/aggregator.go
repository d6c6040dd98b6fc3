package bot

import (
	"sort"
	"sync"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// Inline FNV-1a без аллокаций
const (
	fnvOffset32 = uint32(2166136261)
	fnvPrime32  = uint32(16777619)
)

func fnvHash(s string) uint32 {
	h := fnvOffset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}

// PriceAggregator - шардированное хранилище последних котировок
//
// Инструмент → шард через hash(instrument) % numShards, так что обновления
// разных инструментов не конкурируют за один мьютекс. Внутри шарда
// котировки лежат по ключу {instrument, venue}, плюс индекс
// instrument → площадки для выборки без полного обхода.
type PriceAggregator struct {
	shards    []*quoteShard
	numShards uint32
}

type quoteShard struct {
	quotes      map[quoteKey]models.Quote
	symbolIndex map[string][]string // instrument -> venues в порядке появления
	mu          sync.RWMutex
}

type quoteKey struct {
	Instrument string
	Venue      string
}

// NewPriceAggregator создаёт агрегатор
func NewPriceAggregator(numShards int) *PriceAggregator {
	if numShards <= 0 {
		numShards = 16
	}

	pa := &PriceAggregator{
		shards:    make([]*quoteShard, numShards),
		numShards: uint32(numShards),
	}
	for i := range pa.shards {
		pa.shards[i] = &quoteShard{
			quotes:      make(map[quoteKey]models.Quote),
			symbolIndex: make(map[string][]string),
		}
	}
	return pa
}

func (pa *PriceAggregator) getShard(instrument string) *quoteShard {
	return pa.shards[fnvHash(instrument)%pa.numShards]
}

// Update перезаписывает котировку (venue, instrument)
func (pa *PriceAggregator) Update(q models.Quote) {
	shard := pa.getShard(q.Instrument)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	key := quoteKey{Instrument: q.Instrument, Venue: q.Venue}
	if _, exists := shard.quotes[key]; !exists {
		shard.symbolIndex[q.Instrument] = append(shard.symbolIndex[q.Instrument], q.Venue)
	}
	shard.quotes[key] = q
}

// UpdateTick - Update из тика фида
func (pa *PriceAggregator) UpdateTick(t exchange.Tick) {
	pa.Update(models.Quote{
		Venue:      t.Venue,
		Instrument: t.Instrument,
		Bid:        t.Bid,
		Ask:        t.Ask,
		ObservedAt: t.Timestamp,
	})
}

// GetQuotes возвращает копию котировок инструмента по площадкам
func (pa *PriceAggregator) GetQuotes(instrument string) map[string]models.Quote {
	shard := pa.getShard(instrument)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	venues := shard.symbolIndex[instrument]
	out := make(map[string]models.Quote, len(venues))
	for _, v := range venues {
		out[v] = shard.quotes[quoteKey{Instrument: instrument, Venue: v}]
	}
	return out
}

// GetQuote возвращает котировку одной площадки
func (pa *PriceAggregator) GetQuote(venue, instrument string) (models.Quote, bool) {
	shard := pa.getShard(instrument)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	q, ok := shard.quotes[quoteKey{Instrument: instrument, Venue: venue}]
	return q, ok
}

// Instruments возвращает отсортированный список известных инструментов
func (pa *PriceAggregator) Instruments() []string {
	var out []string
	for _, shard := range pa.shards {
		shard.mu.RLock()
		for s := range shard.symbolIndex {
			out = append(out, s)
		}
		shard.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// ExitPrices возвращает цены закрытия позиции: bid площадки long и ask площадки short
func (pa *PriceAggregator) ExitPrices(instrument, longVenue, shortVenue string) (longBid, shortAsk float64, ok bool) {
	lq, ok1 := pa.GetQuote(longVenue, instrument)
	sq, ok2 := pa.GetQuote(shortVenue, instrument)
	if !ok1 || !ok2 || lq.Bid <= 0 || sq.Ask <= 0 {
		return 0, 0, false
	}
	return lq.Bid, sq.Ask, true
}

// ExitSpread - текущий спред закрытия позиции в %
func (pa *PriceAggregator) ExitSpread(instrument, longVenue, shortVenue string) (float64, bool) {
	longBid, shortAsk, ok := pa.ExitPrices(instrument, longVenue, shortVenue)
	if !ok {
		return 0, false
	}
	return utils.CalculateExitSpread(longBid, shortAsk), true
}
