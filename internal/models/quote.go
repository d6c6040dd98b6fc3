package models

import "time"

// Quote - последняя котировка инструмента на площадке
type Quote struct {
	Venue      string    `json:"venue"`
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	ObservedAt time.Time `json:"observed_at"`
}

// Ready сообщает, что обе стороны котировки положительны
func (q Quote) Ready() bool {
	return q.Bid > 0 && q.Ask > 0
}

// Opportunity - лучшая найденная пара площадок для инструмента
type Opportunity struct {
	Instrument    string    `json:"instrument"`
	BuyVenue      string    `json:"buy_venue"`
	SellVenue     string    `json:"sell_venue"`
	BuyPrice      float64   `json:"buy_price"`
	SellPrice     float64   `json:"sell_price"`
	SpreadPercent float64   `json:"spread_percent"`
	ObservedAt    time.Time `json:"observed_at"`
	SizeUsd       float64   `json:"size_usd,omitempty"` // запрошенный размер, 0 = по конфигу
}

// DepthLevel - уровень стакана
type DepthLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}
