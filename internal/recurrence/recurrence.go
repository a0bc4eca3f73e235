// Package recurrence computes the next fire time of a chore schedule.
//
// A schedule is a Rule (daily, weekly on a given weekday, or monthly on a
// given month-day) combined with a time of day. Next() is a pure function of
// its inputs so cycle advancement stays deterministic and testable.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidTime is returned when a time of day is not valid 24h HH:MM.
	ErrInvalidTime = errors.New("invalid time: expected 24-hour HH:MM")
	// ErrInvalidDay is returned when a rule's day is out of range for its kind.
	ErrInvalidDay = errors.New("invalid day for schedule")
)

type Kind string

const (
	Daily   Kind = "daily"
	Weekly  Kind = "weekly"
	Monthly Kind = "monthly"
)

var kindFromName = map[string]Kind{
	"daily":   Daily,
	"weekly":  Weekly,
	"monthly": Monthly,
}

// ParseKind parses a schedule kind name ("daily", "weekly", "monthly").
func ParseKind(s string) (Kind, error) {
	k, ok := kindFromName[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown schedule kind: %q", s)
	}
	return k, nil
}

// weekdayNames uses the 0=Monday..6=Sunday convention.
var weekdayNames = [7]string{
	"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
}

// Rule describes when a chore recurs.
//
// Day is interpreted per Kind:
//   - Daily: unused (must be 0)
//   - Weekly: weekday, 0=Monday .. 6=Sunday
//   - Monthly: day of month, 1..31 (clamped to shorter months, see Next)
type Rule struct {
	Kind Kind
	Day  int
}

// Validate checks the day range for the rule's kind.
func (r Rule) Validate() error {
	switch r.Kind {
	case Daily:
		if r.Day != 0 {
			return fmt.Errorf("%w: daily schedules take no day", ErrInvalidDay)
		}
	case Weekly:
		if r.Day < 0 || r.Day > 6 {
			return fmt.Errorf("%w: weekday must be 0 (Monday) through 6 (Sunday)", ErrInvalidDay)
		}
	case Monthly:
		if r.Day < 1 || r.Day > 31 {
			return fmt.Errorf("%w: day of month must be 1 through 31", ErrInvalidDay)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", r.Kind)
	}
	return nil
}

// Describe returns a human-readable description like "weekly on Tuesday".
func (r Rule) Describe(tod TimeOfDay) string {
	switch r.Kind {
	case Daily:
		return "daily at " + tod.String()
	case Weekly:
		return "weekly on " + weekdayNames[r.Day] + " at " + tod.String()
	case Monthly:
		return fmt.Sprintf("monthly on day %d at %s", r.Day, tod)
	}
	return ""
}

// TimeOfDay is a wall-clock time in 24h format.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM" in 24-hour format.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// Next returns the first occurrence of the rule strictly after the given
// instant, evaluated in loc.
//
// Monthly rules whose day exceeds the target month's length clamp to that
// month's last day: a "day 31" rule fires on April 30 and February 28 (29 in
// leap years). The clamp is applied per target month, so the rule returns to
// day 31 in the following long month.
func Next(r Rule, tod TimeOfDay, loc *time.Location, after time.Time) time.Time {
	if loc == nil {
		loc = time.Local
	}
	at := after.In(loc)

	switch r.Kind {
	case Daily:
		next := time.Date(at.Year(), at.Month(), at.Day(), tod.Hour, tod.Minute, 0, 0, loc)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next

	case Weekly:
		ahead := r.Day - mondayIndexed(at.Weekday())
		if ahead < 0 {
			ahead += 7
		}
		next := time.Date(at.Year(), at.Month(), at.Day()+ahead, tod.Hour, tod.Minute, 0, 0, loc)
		if !next.After(after) {
			next = next.AddDate(0, 0, 7)
		}
		return next

	case Monthly:
		next := monthlyAt(at.Year(), at.Month(), r.Day, tod, loc)
		if !next.After(after) {
			y, m := at.Year(), at.Month()+1
			next = monthlyAt(y, m, r.Day, tod, loc)
		}
		return next
	}

	return time.Time{}
}

// monthlyAt places day/tod within the month starting at (year, month),
// clamping day to the month's length. month may be out of [1,12]; time.Date
// normalizes it.
func monthlyAt(year int, month time.Month, day int, tod TimeOfDay, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	if last := daysIn(first.Year(), first.Month(), loc); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, tod.Hour, tod.Minute, 0, 0, loc)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// mondayIndexed converts time.Weekday (Sunday=0) to the 0=Monday convention.
func mondayIndexed(d time.Weekday) int {
	return (int(d) + 6) % 7
}
