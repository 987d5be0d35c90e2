package weekly

import "time"

// Next returns the next instant at which a weekly recurrence fires.
//
// Candidates are today and the following seven days, in order. A candidate
// day must be selected in days. Today additionally requires that forceNextDay
// is false and that at is strictly after now. The result is built in now's
// location, so a DST gap or overlap is resolved by time.Date.
//
// Looking seven days ahead (not six) lets a single-day mask whose time has
// already passed today land on the same weekday next week.
func Next(now time.Time, at TimeOfDay, days Mask, forceNextDay bool) (time.Time, error) {
	if err := at.Validate(); err != nil {
		return time.Time{}, err
	}
	if days.Empty() {
		return time.Time{}, ErrNoOccurrence
	}
	today := int(now.Weekday())
	y, m, d := now.Date()
	for offset := 0; offset <= 7; offset++ {
		if !days[(today+offset)%7] {
			continue
		}
		candidate := time.Date(y, m, d+offset, at.Hour, at.Minute, 0, 0, now.Location())
		if offset == 0 && (forceNextDay || !candidate.After(now)) {
			continue
		}
		return candidate, nil
	}
	// Unreachable with a non-empty mask: offset 7 repeats today's weekday.
	return time.Time{}, ErrNoOccurrence
}

// Delay is the non-negative wait from now until next.
func Delay(now, next time.Time) time.Duration {
	d := next.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
