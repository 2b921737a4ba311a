// Package timesource provides the clock every date and period computation in
// iowatchdog is derived from. Days are UTC calendar days.
package timesource

import (
	"time"

	"github.com/coder/quartz"
)

// Day is the length of one stats day.
const Day = 24 * time.Hour

// Source wraps a quartz.Clock with day arithmetic.
type Source struct {
	clock quartz.Clock
}

// New returns a Source backed by clock. A nil clock uses the real clock.
func New(clock quartz.Clock) *Source {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Source{clock: clock}
}

// Clock returns the underlying clock for timers and tickers.
func (s *Source) Clock() quartz.Clock {
	return s.clock
}

// Now returns the current time in UTC.
func (s *Source) Now() time.Time {
	return s.clock.Now("timesource", "now").UTC()
}

// Today returns midnight UTC of the current day.
func (s *Source) Today() time.Time {
	return StartOfDay(s.Now())
}

// DaysAgo returns midnight UTC n days before today.
func (s *Source) DaysAgo(n int) time.Time {
	return s.Today().AddDate(0, 0, -n)
}

// WeekStart returns Monday midnight UTC of the current week.
func (s *Source) WeekStart() time.Time {
	return StartOfWeek(s.Now())
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StartOfWeek truncates t to the preceding Monday, midnight UTC.
func StartOfWeek(t time.Time) time.Time {
	day := StartOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// DayEpoch returns the unix seconds of midnight UTC for t's day.
func DayEpoch(t time.Time) int64 {
	return StartOfDay(t).Unix()
}

// SameDay reports whether a and b fall on the same UTC day.
func SameDay(a, b time.Time) bool {
	return StartOfDay(a).Equal(StartOfDay(b))
}
