package usage

import "time"

// PeriodStart returns the calendar-month UTC period containing t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodEnd returns the half-open end of the period containing t.
func PeriodEnd(t time.Time) time.Time {
	return PeriodStart(t).AddDate(0, 1, 0)
}

// PreviousPeriodStart returns the start of the period immediately before the
// one containing t.
func PreviousPeriodStart(t time.Time) time.Time {
	return PeriodStart(t).AddDate(0, -1, 0)
}
