package utils

import (
	"math"
)

// math.go - математические утилиты для межплощадочного арбитража
//
// Все функции чистые, без побочных эффектов.
//
// Функции:
// - CalculateSpread: спред входа между двумя площадками
// - CalculateExitSpread: спред закрытия открытой позиции
// - CalculatePNL / CalculateTotalPNL: PnL ног
// - CalculateWeightedAverage: средневзвешенная цена (VWAP)
// - SlippagePercent: неблагоприятное отклонение цены исполнения
// - SplitNotional: разбиение номинала на равные части

// CalculateSpread расчитывает спред между двумя ценами в процентах.
//
//	Спред (%) = ((P_высокая - P_низкая) / P_низкая) × 100
//
// Для входа: priceHigh = bid площадки продажи, priceLow = ask площадки покупки.
// Если priceLow <= 0, возвращает 0.
//
// Примеры:
//   - CalculateSpread(101.0, 100.0) = 1.0 (1%)
//   - CalculateSpread(100.3, 100.1) ≈ 0.1998
func CalculateSpread(priceHigh, priceLow float64) float64 {
	if priceLow <= 0 {
		return 0
	}
	return (priceHigh - priceLow) / priceLow * 100
}

// CalculateExitSpread расчитывает спред закрытия позиции.
//
// Закрытие = продажа лонга по bid и откуп шорта по ask:
//
//	Exit (%) = (shortAsk - longBid) / longBid × 100
//
// Чем меньше значение, тем выгоднее закрытие; отрицательное значение
// означает, что цены "перехлестнулись".
func CalculateExitSpread(longBid, shortAsk float64) float64 {
	return CalculateSpread(shortAsk, longBid)
}

// CalculatePNL расчитывает PNL одной ноги.
//
//   - Long PNL = (P_close - P_open) × qty
//   - Short PNL = (P_open - P_close) × qty
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}

	switch side {
	case "long":
		return (currentPrice - entryPrice) * quantity
	case "short":
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}

// CalculateTotalPNL расчитывает суммарный PNL хеджированной позиции
// (объём одинаковый для обеих ног).
func CalculateTotalPNL(longEntry, longCurrent, shortEntry, shortCurrent, quantity float64) float64 {
	longPNL := CalculatePNL("long", longEntry, longCurrent, quantity)
	shortPNL := CalculatePNL("short", shortEntry, shortCurrent, quantity)
	return longPNL + shortPNL
}

// CalculateWeightedAverage расчитывает средневзвешенное значение.
//
// Для VWAP: values = цены, weights = объёмы.
// Возвращает 0 при пустых или несовпадающих по длине слайсах
// и при нулевой сумме весов.
func CalculateWeightedAverage(values, weights []float64) float64 {
	if len(values) == 0 || len(values) != len(weights) {
		return 0
	}

	var sum, wsum float64
	for i := range values {
		sum += values[i] * weights[i]
		wsum += weights[i]
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// SlippagePercent возвращает неблагоприятное отклонение fill от reference в %.
//
// Для покупки неблагоприятно fill > reference, для продажи fill < reference.
// Благоприятное отклонение даёт 0.
func SlippagePercent(side string, reference, fill float64) float64 {
	if reference <= 0 || fill <= 0 {
		return 0
	}
	var diff float64
	switch side {
	case "buy":
		diff = fill - reference
	case "sell":
		diff = reference - fill
	default:
		return 0
	}
	if diff <= 0 {
		return 0
	}
	return diff / reference * 100
}

// SplitNotional разбивает total на ceil(total/maxChunk) равных частей.
//
// Последняя часть поглощает остаток округления, так что сумма частей
// в точности равна total. При maxChunk <= 0 возвращает одну часть.
func SplitNotional(total, maxChunk float64) []float64 {
	if total <= 0 {
		return nil
	}
	if maxChunk <= 0 || total <= maxChunk {
		return []float64{total}
	}

	n := int(math.Ceil(total / maxChunk))
	chunk := total / float64(n)
	parts := make([]float64, n)
	var sum float64
	for i := 0; i < n-1; i++ {
		parts[i] = chunk
		sum += chunk
	}
	parts[n-1] = total - sum
	return parts
}

// Abs возвращает абсолютное значение
func Abs(x float64) float64 {
	return math.Abs(x)
}
