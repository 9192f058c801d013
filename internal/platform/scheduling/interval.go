// Package scheduling is the appointment slot engine: interval math,
// availability search, conflict detection, no-show risk and slot ranking.
// Every function here works on caller-supplied snapshots and never touches
// storage or the wall clock.
package scheduling

import (
	"fmt"
	"time"
)

// TimeInterval is a half-open range [Start, End).
type TimeInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval builds a validated interval.
func NewInterval(start, end time.Time) (TimeInterval, error) {
	iv := TimeInterval{Start: start, End: end}
	if err := iv.Validate(); err != nil {
		return TimeInterval{}, err
	}
	return iv, nil
}

// Validate reports an *InvalidIntervalError unless Start is strictly before End.
func (iv TimeInterval) Validate() error {
	if !iv.Start.Before(iv.End) {
		return &InvalidIntervalError{Start: iv.Start, End: iv.End}
	}
	return nil
}

func (iv TimeInterval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

func (iv TimeInterval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}

// Overlaps reports whether a and b share at least one instant.
// Adjacent intervals (a.End == b.Start) do not overlap. Both arguments must
// be valid intervals from NewInterval or Validate; use CheckOverlap for
// unvalidated input.
func Overlaps(a, b TimeInterval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Contains reports whether candidate lies entirely inside window. Both
// arguments must be valid; use CheckContains for unvalidated input.
func Contains(window, candidate TimeInterval) bool {
	return !candidate.Start.Before(window.Start) && !candidate.End.After(window.End)
}

// CheckOverlap is Overlaps for intervals that have not been validated. It
// returns an *InvalidIntervalError for the first malformed argument.
func CheckOverlap(a, b TimeInterval) (bool, error) {
	if err := validateAll(a, b); err != nil {
		return false, err
	}
	return Overlaps(a, b), nil
}

// CheckContains is Contains for intervals that have not been validated.
func CheckContains(window, candidate TimeInterval) (bool, error) {
	if err := validateAll(window, candidate); err != nil {
		return false, err
	}
	return Contains(window, candidate), nil
}

func validateAll(ivs ...TimeInterval) error {
	for _, iv := range ivs {
		if err := iv.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParseTimeOfDay parses a HH:MM string into hour and minute.
func ParseTimeOfDay(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil || len(s) != 5 {
		return 0, 0, fmt.Errorf("invalid time format %q: expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// DayWindow anchors HH:MM start and end on the calendar day of date, in loc.
func DayWindow(date time.Time, start, end string, loc *time.Location) (TimeInterval, error) {
	sh, sm, err := ParseTimeOfDay(start)
	if err != nil {
		return TimeInterval{}, err
	}
	eh, em, err := ParseTimeOfDay(end)
	if err != nil {
		return TimeInterval{}, err
	}
	if loc == nil {
		loc = date.Location()
	}
	d := date.In(loc)
	return NewInterval(
		time.Date(d.Year(), d.Month(), d.Day(), sh, sm, 0, 0, loc),
		time.Date(d.Year(), d.Month(), d.Day(), eh, em, 0, 0, loc),
	)
}

// DateKey is the canonical calendar-day key used to group bookings and windows.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
