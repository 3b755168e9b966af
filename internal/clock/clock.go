// Package clock holds the wall-clock arithmetic for the daily target time.
//
// Everything here is pure: no timers, no side effects. The substrate owns
// the actual waiting.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a local wall-clock target (e.g. 23:59).
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// NextOccurrence returns the next instant at hour:minute in now's location.
//
// If today's target is already in the past, the target moves to tomorrow by
// incrementing the calendar day and re-deriving the wall-clock time in the
// local calendar (AddDate + time.Date), so a DST transition between now and
// the target still yields the requested local time rather than "now + 24h".
// A target exactly equal to now is returned as-is ("fire immediately").
func NextOccurrence(now time.Time, at TimeOfDay) time.Time {
	loc := now.Location()
	target := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, loc)
	if target.Before(now) {
		d := now.AddDate(0, 0, 1)
		target = time.Date(d.Year(), d.Month(), d.Day(), at.Hour, at.Minute, 0, 0, loc)
	}
	return target
}

// UntilNext returns the delay from now until the next occurrence of the
// target wall-clock time. A result of exactly 0 means "fire immediately",
// never "skip a day".
func UntilNext(now time.Time, at TimeOfDay) time.Duration {
	return NextOccurrence(now, at).Sub(now)
}
