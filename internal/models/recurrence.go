package models

import "time"

// RecurrenceType enumerates the supported repetition kinds.
type RecurrenceType string

const (
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
	RecurrenceYearly  RecurrenceType = "yearly"
	// RecurrenceCustom repeats every Interval days.
	RecurrenceCustom RecurrenceType = "custom"
)

// RecurrencePattern describes how a task repeats. Given a pattern and an
// anchor date exactly one next occurrence exists, or none once EndDate passes.
type RecurrencePattern struct {
	ID          string         `json:"id,omitempty"`
	Type        RecurrenceType `json:"type"`
	Interval    int            `json:"interval"`
	DaysOfWeek  []int          `json:"days_of_week,omitempty"` // 0=Monday .. 6=Sunday
	DayOfMonth  *int           `json:"day_of_month,omitempty"`
	MonthOfYear *int           `json:"month_of_year,omitempty"`
	EndDate     *time.Time     `json:"end_date,omitempty"`
}
