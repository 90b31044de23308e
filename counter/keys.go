package counter

import (
	"fmt"
	"time"
)

// Prefixes name the four counters. A period counter's key is prefix + "_" + period.
type Prefixes struct {
	Total   string
	Daily   string
	Weekly  string
	Monthly string
}

// DefaultPrefixes returns the standard counter names.
func DefaultPrefixes() Prefixes {
	return Prefixes{
		Total:   "total_requests",
		Daily:   "daily",
		Weekly:  "weekly",
		Monthly: "monthly",
	}
}

// Periods identifies the calendar buckets an instant falls in.
type Periods struct {
	Day   string `json:"day"`
	Week  string `json:"week"`
	Month string `json:"month"`
}

// Keys are the store keys for the lifetime counter and the current period counters.
type Keys struct {
	Total   string
	Daily   string
	Weekly  string
	Monthly string
	Periods Periods
}

// PeriodsAt returns the day (YYYY-MM-DD), ISO week (YYYY-WW) and month (YYYY-MM)
// containing t, using t's own location.
func PeriodsAt(t time.Time) Periods {
	isoYear, week := WeekNumber(t)
	return Periods{
		Day:   fmt.Sprintf("%04d-%02d-%02d", t.Year(), int(t.Month()), t.Day()),
		Week:  fmt.Sprintf("%04d-%02d", isoYear, week),
		Month: fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month())),
	}
}

// Keys derives the counter keys for the instant now.
func (p Prefixes) Keys(now time.Time) Keys {
	periods := PeriodsAt(now)
	return Keys{
		Total:   p.Total,
		Daily:   p.Daily + "_" + periods.Day,
		Weekly:  p.Weekly + "_" + periods.Week,
		Monthly: p.Monthly + "_" + periods.Month,
		Periods: periods,
	}
}

// DeriveKeys derives the counter keys for now using DefaultPrefixes.
func DeriveKeys(now time.Time) Keys {
	return DefaultPrefixes().Keys(now)
}

// WeekNumber returns the ISO-8601 week-numbering year and week of t's calendar date.
//
// The date is moved to the Thursday of its Monday-based week; the week number is
// then the 1-based seven-day block of that Thursday within its own year. Week 1 is
// the week containing the year's first Thursday.
func WeekNumber(t time.Time) (year, week int) {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	dow := int(d.Weekday())
	if dow == 0 {
		dow = 7
	}
	thursday := d.AddDate(0, 0, 4-dow)

	daysSinceJan1 := thursday.YearDay() - 1
	return thursday.Year(), daysSinceJan1/7 + 1
}
