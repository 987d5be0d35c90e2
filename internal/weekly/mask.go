package weekly

import (
	"strconv"
	"strings"
	"time"
)

// Mask selects days of the week. Index 0 is Sunday, index 6 is Saturday,
// the same numbering as time.Weekday.
type Mask [7]bool

var dayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// MaskFromSlice copies a slice into a Mask. Any length other than 7 is a
// construction error.
func MaskFromSlice(days []bool) (Mask, error) {
	if len(days) != 7 {
		return Mask{}, &InvalidScheduleError{Field: "days", Value: strconv.Itoa(len(days)) + " entries", Reason: "mask must have exactly 7 entries"}
	}
	var m Mask
	copy(m[:], days)
	return m, nil
}

// MaskOf returns a mask with the given weekdays selected.
func MaskOf(days ...time.Weekday) Mask {
	var m Mask
	for _, d := range days {
		if d >= time.Sunday && d <= time.Saturday {
			m[d] = true
		}
	}
	return m
}

// ParseMask accepts either a 7-character bitstring ("0010000", Sunday first)
// or a comma separated list of day names, short or full ("mon,wednesday"). The keywords
// "daily", "weekdays", "weekends" and "never" are also understood.
func ParseMask(s string) (Mask, error) {
	raw := s
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "daily", "everyday":
		return Mask{true, true, true, true, true, true, true}, nil
	case "weekdays":
		return MaskOf(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday), nil
	case "weekends":
		return MaskOf(time.Saturday, time.Sunday), nil
	case "", "never", "none":
		return Mask{}, nil
	}
	if isBits(s) {
		if len(s) != 7 {
			return Mask{}, &InvalidScheduleError{Field: "days", Value: raw, Reason: "bit mask must have exactly 7 digits"}
		}
		var m Mask
		for i := 0; i < 7; i++ {
			m[i] = s[i] == '1'
		}
		return m, nil
	}
	var m Mask
	for _, part := range strings.Split(s, ",") {
		idx := dayIndex(strings.TrimSpace(part))
		if idx < 0 {
			return Mask{}, &InvalidScheduleError{Field: "days", Value: raw, Reason: "unknown day " + strconv.Quote(strings.TrimSpace(part))}
		}
		m[idx] = true
	}
	return m, nil
}

// dayIndex matches a lower-case short ("wed") or full ("wednesday") day name.
func dayIndex(name string) int {
	for i, n := range dayNames {
		if name == n || name == strings.ToLower(time.Weekday(i).String()) {
			return i
		}
	}
	return -1
}

func isBits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '0' && s[i] != '1' {
			return false
		}
	}
	return s != ""
}

// Has reports whether day is selected.
func (m Mask) Has(day time.Weekday) bool {
	if day < time.Sunday || day > time.Saturday {
		return false
	}
	return m[day]
}

// Empty reports whether no day is selected ("never recur").
func (m Mask) Empty() bool {
	for _, b := range m {
		if b {
			return false
		}
	}
	return true
}

// Count returns the number of selected days.
func (m Mask) Count() int {
	n := 0
	for _, b := range m {
		if b {
			n++
		}
	}
	return n
}

// Bits renders the mask as a Sunday-first bitstring, e.g. "0010000".
func (m Mask) Bits() string {
	var b strings.Builder
	b.Grow(7)
	for _, v := range m {
		if v {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// String renders selected day names, e.g. "mon,wed".
func (m Mask) String() string {
	if m.Empty() {
		return "never"
	}
	names := make([]string, 0, 7)
	for i, v := range m {
		if v {
			names = append(names, dayNames[i])
		}
	}
	return strings.Join(names, ",")
}

func (m Mask) MarshalText() ([]byte, error) { return []byte(m.Bits()), nil }

func (m *Mask) UnmarshalText(b []byte) error {
	v, err := ParseMask(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
