package domain

import (
	"fmt"
	"time"
)

// Frequency is the period between two occurrences of a template.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// Advance moves t forward by exactly one calendar unit of f, keeping the
// wall-clock time and location. Months and years keep the day-of-month,
// clamped to the last day of the target month.
func (f Frequency) Advance(t time.Time) (time.Time, error) {
	return f.AdvanceAnchored(t, t.Day())
}

// AdvanceAnchored is Advance for a series whose months and years fall on
// anchorDay. A cursor clamped into a short month returns to anchorDay in
// the next month that has it, so Jan 31 goes to Feb 29 and then Mar 31.
func (f Frequency) AdvanceAnchored(t time.Time, anchorDay int) (time.Time, error) {
	switch f {
	case FrequencyDaily:
		return t.AddDate(0, 0, 1), nil
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7), nil
	case FrequencyMonthly:
		return addMonthsClamped(t, 1, anchorDay), nil
	case FrequencyYearly:
		return addMonthsClamped(t, 12, anchorDay), nil
	}
	return time.Time{}, &ErrValidation{Field: "frequency", Message: fmt.Sprintf("unsupported frequency '%s'", f)}
}

func addMonthsClamped(t time.Time, months, day int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	if day >= 1 && day <= 31 {
		d = day
	}

	// first of the target month never overflows
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ParseDate accepts YYYY-MM-DD (UTC midnight) or RFC 3339.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
