package recurrence

import (
	"sort"
	"time"

	"taskpulse/internal/models"
)

// Next returns the next occurrence after anchor for the given pattern, or
// false when the pattern has ended. The result is deterministic: one pattern
// and one anchor always yield the same date. Days that do not exist in the
// target month (the 31st in a 30-day month, Feb 29 off-leap) clamp to the
// last valid day.
func Next(p models.RecurrencePattern, anchor time.Time) (time.Time, bool) {
	if p.EndDate != nil && !anchor.Before(*p.EndDate) {
		return time.Time{}, false
	}
	next := nextDate(p, anchor)
	if p.EndDate != nil && next.After(*p.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

func nextDate(p models.RecurrencePattern, anchor time.Time) time.Time {
	interval := p.Interval
	if interval < 1 {
		interval = 1
	}
	switch p.Type {
	case models.RecurrenceWeekly:
		return nextWeekly(anchor, interval, p.DaysOfWeek)
	case models.RecurrenceMonthly:
		return nextMonthly(anchor, interval, p.DayOfMonth)
	case models.RecurrenceYearly:
		return nextYearly(anchor, interval, p.MonthOfYear, p.DayOfMonth)
	default:
		// daily and custom both advance by whole days.
		return anchor.AddDate(0, 0, interval)
	}
}

// weekdayMon is the anchor's weekday on the Monday=0..Sunday=6 scale used by
// RecurrencePattern.DaysOfWeek.
func weekdayMon(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func nextWeekly(anchor time.Time, interval int, daysOfWeek []int) time.Time {
	if len(daysOfWeek) == 0 {
		return anchor.AddDate(0, 0, 7*interval)
	}
	days := append([]int(nil), daysOfWeek...)
	sort.Ints(days)
	current := weekdayMon(anchor)

	// A later listed day in the anchor's own week comes first.
	for _, day := range days {
		if day > current {
			return anchor.AddDate(0, 0, day-current)
		}
	}

	// Otherwise jump to the first listed day, interval weeks on.
	untilMonday := (7 - current) % 7
	if untilMonday == 0 {
		untilMonday = 7
	}
	return anchor.AddDate(0, 0, untilMonday+7*(interval-1)+days[0])
}

func nextMonthly(anchor time.Time, interval int, dayOfMonth *int) time.Time {
	targetDay := anchor.Day()
	if dayOfMonth != nil {
		targetDay = *dayOfMonth
	}

	month := int(anchor.Month()) + interval
	year := anchor.Year()
	for month > 12 {
		month -= 12
		year++
	}

	day := clampDay(targetDay, year, time.Month(month))
	return time.Date(year, time.Month(month), day,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), anchor.Location())
}

func nextYearly(anchor time.Time, interval int, monthOfYear, dayOfMonth *int) time.Time {
	year := anchor.Year() + interval
	month := anchor.Month()
	if monthOfYear != nil {
		month = time.Month(*monthOfYear)
	}
	targetDay := anchor.Day()
	if dayOfMonth != nil {
		targetDay = *dayOfMonth
	}

	day := clampDay(targetDay, year, month)
	return time.Date(year, month, day,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), anchor.Location())
}

func clampDay(day, year int, month time.Month) int {
	last := daysInMonth(year, month)
	if day > last {
		return last
	}
	if day < 1 {
		return 1
	}
	return day
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
