// Package weekly models wall-clock times of day and 7-day selection masks,
// and computes the next trigger instant for a weekly recurrence.
//
// Everything here is pure: no I/O, no global clock. Callers pass "now" in the
// location the recurrence should be evaluated in.
package weekly
