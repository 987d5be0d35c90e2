package weekly

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// NewTimeOfDay validates hour 0..23 and minute 0..59.
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	t := TimeOfDay{Hour: hour, Minute: minute}
	if err := t.Validate(); err != nil {
		return TimeOfDay{}, err
	}
	return t, nil
}

// MustTimeOfDay is NewTimeOfDay for constants; it panics on invalid input.
func MustTimeOfDay(hour, minute int) TimeOfDay {
	t, err := NewTimeOfDay(hour, minute)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	raw := s
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, &InvalidScheduleError{Field: "time", Value: raw, Reason: "expected HH:MM"}
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, &InvalidScheduleError{Field: "time", Value: raw, Reason: "invalid hour"}
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 2 {
		return TimeOfDay{}, &InvalidScheduleError{Field: "time", Value: raw, Reason: "invalid minute"}
	}
	return NewTimeOfDay(h, m)
}

func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return &InvalidScheduleError{Field: "time", Value: t.rawString(), Reason: "hour must be 0..23"}
	}
	if t.Minute < 0 || t.Minute > 59 {
		return &InvalidScheduleError{Field: "time", Value: t.rawString(), Reason: "minute must be 0..59"}
	}
	return nil
}

// Minutes returns minutes since midnight. It defines the total order.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) Before(o TimeOfDay) bool { return t.Minutes() < o.Minutes() }

func (t TimeOfDay) After(o TimeOfDay) bool { return t.Minutes() > o.Minutes() }

// On combines the calendar date of day (in day's location) with t.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) rawString() string { return fmt.Sprintf("%d:%d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
