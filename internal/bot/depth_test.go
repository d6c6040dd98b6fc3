package bot

import (
	"math"
	"testing"
	"time"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
)

func testBook() ([]models.DepthLevel, []models.DepthLevel) {
	bids := []models.DepthLevel{
		{Price: 99.9, Size: 1},
		{Price: 100, Size: 2},
		{Price: 99.5, Size: 10},
	}
	asks := []models.DepthLevel{
		{Price: 100.2, Size: 1},
		{Price: 100.1, Size: 2},
		{Price: 101, Size: 10},
		{Price: 0, Size: 5}, // мусор
	}
	return bids, asks
}

func TestDepthAnalyzer_MaxExecutable(t *testing.T) {
	da := NewDepthAnalyzer()
	bids, asks := testBook()
	da.UpdateDepth("a", "X", bids, asks)

	tests := []struct {
		name string
		side string
		slip float64
		want float64
	}{
		{"buy в пределах 0.2%", exchange.SideBuy, 0.2, 100.1*2 + 100.2*1},
		{"buy только лучший уровень", exchange.SideBuy, 0.01, 100.1 * 2},
		{"sell в пределах 0.2%", exchange.SideSell, 0.2, 100*2 + 99.9*1},
		{"sell с большим допуском", exchange.SideSell, 1, 100*2 + 99.9*1 + 99.5*10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := da.MaxExecutable("a", "X", tt.side, tt.slip, 0)
			if !ok {
				t.Fatal("стакан должен быть доступен")
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("MaxExecutable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDepthAnalyzer_RecommendedSize(t *testing.T) {
	da := NewDepthAnalyzer()
	bids, asks := testBook()
	da.UpdateDepth("long", "X", nil, asks)
	da.UpdateDepth("short", "X", bids, nil)

	rec := da.RecommendedSize("long", "short", "X", 0.2, 1000, 0)
	if !rec.Available {
		t.Fatal("ожидались свежие стаканы")
	}
	wantLiquidity := math.Min(100.1*2+100.2, 100*2+99.9)
	if !rec.LiquidityBound || math.Abs(rec.SizeUsd-wantLiquidity) > 1e-9 {
		t.Errorf("размер = %v (bound=%v), want %v", rec.SizeUsd, rec.LiquidityBound, wantLiquidity)
	}
	if rec.Warning == "" {
		t.Error("ограничение ликвидностью должно сопровождаться предупреждением")
	}

	small := da.RecommendedSize("long", "short", "X", 0.2, 50, 0)
	if small.LiquidityBound || small.SizeUsd != 50 {
		t.Errorf("малый размер не должен ограничиваться: %+v", small)
	}
}

func TestDepthAnalyzer_StaleDepthIsAbsent(t *testing.T) {
	da := NewDepthAnalyzer()
	base := time.Now()
	da.now = func() time.Time { return base }
	bids, asks := testBook()
	da.UpdateDepth("a", "X", bids, asks)
	da.UpdateDepth("b", "X", bids, asks)

	da.now = func() time.Time { return base.Add(time.Minute) }
	rec := da.RecommendedSize("a", "b", "X", 0.2, 1000, 10*time.Second)
	if rec.Available {
		t.Error("устаревший стакан должен считаться отсутствующим")
	}
	if rec.SizeUsd != 1000 {
		t.Errorf("без стаканов размер не меняется: %v", rec.SizeUsd)
	}
}
