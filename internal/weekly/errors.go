package weekly

import (
	"errors"
	"fmt"
)

// ErrNoOccurrence is returned by Next when the mask selects no day at all.
var ErrNoOccurrence = errors.New("weekly: mask selects no day")

// InvalidScheduleError reports a malformed time of day or day mask.
// It is a construction error: values that fail validation never reach Next.
type InvalidScheduleError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid schedule %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid schedule %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsInvalidSchedule reports whether err is (or wraps) an InvalidScheduleError.
func IsInvalidSchedule(err error) bool {
	var e *InvalidScheduleError
	return errors.As(err, &e)
}
