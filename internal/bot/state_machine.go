package bot

import (
	"errors"

	"crossarb/internal/models"
)

// ErrInvalidTransition - переход между состояниями сделки запрещён
var ErrInvalidTransition = errors.New("invalid trade transition")

// ValidTransitions определяет допустимые переходы между состояниями сделки
var ValidTransitions = map[models.TradeStatus][]models.TradeStatus{
	models.TradeStatusPending:   {models.TradeStatusExecuting, models.TradeStatusCancelled},
	models.TradeStatusExecuting: {models.TradeStatusActive, models.TradeStatusFailed, models.TradeStatusPartial},
	models.TradeStatusActive:    {models.TradeStatusClosing},
	models.TradeStatusClosing:   {models.TradeStatusCompleted, models.TradeStatusFailed},
	models.TradeStatusPartial:   {models.TradeStatusClosing}, // только ручное закрытие
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to models.TradeStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s models.TradeStatus) string {
	switch s {
	case models.TradeStatusPending:
		return "Сделка создана, ожидает исполнения"
	case models.TradeStatusExecuting:
		return "Открытие ног..."
	case models.TradeStatusActive:
		return "Позиция открыта"
	case models.TradeStatusClosing:
		return "Закрытие позиций..."
	case models.TradeStatusCompleted:
		return "Сделка закрыта"
	case models.TradeStatusFailed:
		return "Сделка не удалась"
	case models.TradeStatusCancelled:
		return "Сделка отменена"
	case models.TradeStatusPartial:
		return "Открыта одна нога! Требуется вмешательство"
	default:
		return "Неизвестное состояние"
	}
}

// HasOpenPosition возвращает true если на площадках есть открытая позиция
func HasOpenPosition(s models.TradeStatus) bool {
	return s == models.TradeStatusActive || s == models.TradeStatusClosing || s == models.TradeStatusPartial
}
