package timeutil

import (
	"time"
)

// DateLayout is the canonical wire format for calendar dates.
const DateLayout = "2006-01-02"

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// TruncateToDay normalizes the timestamp to midnight in the provided zone.
func TruncateToDay(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// MonthStart returns midnight on the first day of t's month in the provided zone.
func MonthStart(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

// DaysInMonth returns the number of calendar days in t's month.
func DaysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// DaysBetween returns the number of calendar days from a to b. The dates are
// diffed in UTC so a DST transition inside the range cannot shave off a day;
// same-day returns 0, b before a is negative.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	au := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	bu := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au).Hours() / 24)
}

// SameDate reports whether a and b fall on the same calendar date, ignoring zone.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DateString formats t as YYYY-MM-DD.
func DateString(t time.Time) string {
	return t.Format(DateLayout)
}
