package config

import (
	"fmt"
	"strings"
	"time"

	"modeshift/internal/weekly"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseTimeOfDayOrDefault parses an "HH:MM" field; empty selects def.
func ParseTimeOfDayOrDefault(path, raw string, def weekly.TimeOfDay) (weekly.TimeOfDay, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	t, err := weekly.ParseTimeOfDay(raw)
	if err != nil {
		return weekly.TimeOfDay{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
