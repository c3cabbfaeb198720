package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY - Local calendar day used for ledger windows and reconciliation
// =============================================================================

// Day is a calendar date with no time-of-day. Spending windows and
// reconciliations are keyed by Day, computed in the factory's local zone
// rather than UTC, so a sale at 01:00 local time belongs to that local day.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

const dayLayout = "2006-01-02"

// DayOf returns the calendar day of t in loc. A nil loc means UTC.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return Day{Year: lt.Year(), Month: lt.Month(), Day: lt.Day()}
}

// NewDay builds a Day, normalizing overflow (e.g. Feb 30 -> Mar 2).
func NewDay(year int, month time.Month, day int) Day {
	return DayOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC), time.UTC)
}

// ParseDay parses YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, &ValidationError{Field: "date", Message: "use YYYY-MM-DD"}
	}
	return DayOf(t, time.UTC), nil
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MonthKey identifies the calendar month, e.g. "2025-03".
func (d Day) MonthKey() string {
	return fmt.Sprintf("%04d-%02d", d.Year, int(d.Month))
}

// Time returns midnight UTC of the day.
func (d Day) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Day) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

func (d Day) Before(o Day) bool { return d.Time().Before(o.Time()) }

func (d Day) AddDays(n int) Day { return DayOf(d.Time().AddDate(0, 0, n), time.UTC) }

// LoadLocation resolves a zone name, falling back to UTC for "".
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
