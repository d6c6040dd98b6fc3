package utils

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// validator.go - валидация входных данных control surface
//
// Возвращает error с описанием проблемы или nil.

var (
	ErrInvalidInstrument = errors.New("invalid instrument")
	ErrInvalidVenue      = errors.New("invalid venue")
	ErrSameVenue         = errors.New("buy and sell venue must differ")
	ErrInvalidSpread     = errors.New("invalid spread")
	ErrInvalidSize       = errors.New("invalid size")
)

var (
	instrumentRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_/\-]{1,29}$`)
	venueRe      = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,31}$`)
)

// ValidateInstrument проверяет формат инструмента (BTCUSDT, BTC-USDT, BTC/USDT)
func ValidateInstrument(s string) error {
	if !instrumentRe.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidInstrument, s)
	}
	return nil
}

// NormalizeInstrument приводит инструмент к виду BTCUSDT
func NormalizeInstrument(s string) string {
	r := strings.NewReplacer("-", "", "_", "", "/", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(s)))
}

// ValidateVenue проверяет идентификатор площадки (после NormalizeVenue)
func ValidateVenue(v string) error {
	if !venueRe.MatchString(v) {
		return fmt.Errorf("%w: %q", ErrInvalidVenue, v)
	}
	return nil
}

// NormalizeVenue приводит идентификатор площадки к нижнему регистру
func NormalizeVenue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// ValidateSpread проверяет, что спред - конечное число в разумных пределах
func ValidateSpread(spread float64) error {
	if math.IsNaN(spread) || math.IsInf(spread, 0) || spread <= -100 || spread >= 100 {
		return fmt.Errorf("%w: %v", ErrInvalidSpread, spread)
	}
	return nil
}

// ValidateSizeUsd проверяет размер сделки (0 = по конфигу)
func ValidateSizeUsd(size float64) error {
	if math.IsNaN(size) || math.IsInf(size, 0) || size < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSize, size)
	}
	return nil
}

// ValidateOpportunity проверяет все поля запроса на исполнение
func ValidateOpportunity(instrument, buyVenue, sellVenue string, spread, sizeUsd float64) error {
	var errs ValidationErrors
	errs.AddError("instrument", ValidateInstrument(instrument))
	errs.AddError("buy_venue", ValidateVenue(buyVenue))
	errs.AddError("sell_venue", ValidateVenue(sellVenue))
	if buyVenue != "" && buyVenue == sellVenue {
		errs.AddError("sell_venue", ErrSameVenue)
	}
	errs.AddError("spread_percent", ValidateSpread(spread))
	errs.AddError("size_usd", ValidateSizeUsd(sizeUsd))
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidationError - ошибка конкретного поля
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors - набор ошибок валидации
type ValidationErrors []ValidationError

// Add добавляет ошибку поля
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// AddError добавляет ошибку, если она не nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

// HasErrors возвращает true если есть ошибки
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}
