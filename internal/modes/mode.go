// Package modes schedules and applies user-defined setting modes.
//
// A mode is a named, ordered list of settings with an optional weekly
// schedule. The Engine keeps exactly one pending job per schedulable mode,
// keyed "mode_<id>"; the Handler applies the settings when that job fires and
// re-arms the next occurrence, forming a self-rescheduling chain.
package modes

import (
	"errors"
	"fmt"
	"strings"

	"modeshift/internal/settings"
	"modeshift/internal/storage"
	"modeshift/internal/weekly"
)

// DefaultIcon is used when a mode is saved without one.
const DefaultIcon = "battery"

var (
	ErrModeNotFound = errors.New("mode not found")
	ErrInvalidMode  = errors.New("invalid mode")
)

type Setting = settings.Setting

type Mode struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Icon          string            `json:"icon,omitempty"`
	Enabled       bool              `json:"enabled"`
	ScheduledTime *weekly.TimeOfDay `json:"scheduled_time,omitempty"`
	ScheduleDays  *weekly.Mask      `json:"schedule_days,omitempty"`
	Settings      []Setting         `json:"settings"`
}

// Schedulable reports whether the mode must have a pending job.
func (m Mode) Schedulable() bool {
	return m.Enabled && m.ScheduledTime != nil && m.ScheduleDays != nil && !m.ScheduleDays.Empty()
}

// Validate checks the fields a stored mode must carry.
func (m Mode) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidMode)
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMode)
	}
	if m.ScheduledTime != nil {
		if err := m.ScheduledTime.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMode, err)
		}
	}
	for i, s := range m.Settings {
		if _, err := settings.ParseNamespace(s.Namespace); err != nil {
			return fmt.Errorf("%w: setting %d: %w", ErrInvalidMode, i, err)
		}
		if strings.TrimSpace(s.Key) == "" {
			return fmt.Errorf("%w: setting %d: key is required", ErrInvalidMode, i)
		}
	}
	return nil
}

func (m Mode) record() storage.ModeRecord {
	r := storage.ModeRecord{
		ID:      m.ID,
		Name:    m.Name,
		Icon:    m.Icon,
		Enabled: m.Enabled,
	}
	if m.ScheduledTime != nil {
		r.ScheduledTime = m.ScheduledTime.String()
	}
	if m.ScheduleDays != nil {
		r.ScheduleDays = m.ScheduleDays.Bits()
	}
	for _, s := range m.Settings {
		r.Settings = append(r.Settings, storage.SettingRecord(s))
	}
	return r
}

func fromRecord(r storage.ModeRecord) (Mode, error) {
	m := Mode{
		ID:       r.ID,
		Name:     r.Name,
		Icon:     r.Icon,
		Enabled:  r.Enabled,
		Settings: make([]Setting, 0, len(r.Settings)),
	}
	if r.ScheduledTime != "" {
		t, err := weekly.ParseTimeOfDay(r.ScheduledTime)
		if err != nil {
			return Mode{}, fmt.Errorf("mode %s: %w", r.ID, err)
		}
		m.ScheduledTime = &t
	}
	if r.ScheduleDays != "" {
		d, err := weekly.ParseMask(r.ScheduleDays)
		if err != nil {
			return Mode{}, fmt.Errorf("mode %s: %w", r.ID, err)
		}
		m.ScheduleDays = &d
	}
	for _, s := range r.Settings {
		m.Settings = append(m.Settings, Setting(s))
	}
	return m, nil
}

// JobKey is the stable job key of a mode.
func JobKey(id string) string { return jobKeyPrefix + id }

// ModeID extracts the mode id from a job key.
func ModeID(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, jobKeyPrefix)
	return id, ok && id != ""
}

const (
	jobKeyPrefix = "mode_"
	// JobKind is the scheduler handler kind for mode jobs.
	JobKind = "mode"
)

type jobPayload struct {
	ModeID string `json:"mode_id"`
}
