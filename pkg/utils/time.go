package utils

import "time"

// time.go - границы периодов для агрегатов PnL и архивации (все в UTC)

// DayStartFrom возвращает начало дня (00:00:00 UTC) для t
func DayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStartFrom возвращает понедельник 00:00:00 UTC недели, содержащей t
func WeekStartFrom(t time.Time) time.Time {
	day := DayStartFrom(t)
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return day.AddDate(0, 0, -(weekday - 1))
}

// MonthStartFrom возвращает 1-е число месяца 00:00:00 UTC
func MonthStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// DayKey возвращает дату в формате 2006-01-02 (UTC)
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
