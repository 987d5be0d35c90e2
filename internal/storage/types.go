package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrEmptyKey = errors.New("storage: empty key")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process only, nothing survives a restart
//   - "file": single JSON snapshot file, rewritten atomically on every change
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SettingRecord is one ordered entry of a mode.
type SettingRecord struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Enabled   bool   `json:"enabled"`
}

// ModeRecord is the persisted form of a mode.
// ScheduledTime is "HH:MM" and ScheduleDays a 7-char Sunday-first bitstring;
// empty means unset.
type ModeRecord struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Icon          string          `json:"icon,omitempty"`
	Enabled       bool            `json:"enabled"`
	ScheduledTime string          `json:"scheduled_time,omitempty"`
	ScheduleDays  string          `json:"schedule_days,omitempty"`
	Settings      []SettingRecord `json:"settings,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ToggleRecord is the persisted weekly charging toggle state.
type ToggleRecord struct {
	Mask          string    `json:"mask"`
	Default       string    `json:"default"`
	LastApplied   string    `json:"last_applied,omitempty"`
	LastAppliedAt time.Time `json:"last_applied_at,omitempty"`
}

// JobRecord is a pending one-shot job.
// Generation identifies one submission; a newer submission under the same
// key replaces the record and its generation. Attempt counts the failed runs
// of this generation; RunAt then holds the next retry.
type JobRecord struct {
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	Payload    []byte    `json:"payload,omitempty"`
	RunAt      time.Time `json:"run_at"`
	Generation string    `json:"generation"`
	Attempt    int       `json:"attempt,omitempty"`
}

type ModeStore interface {
	ListModes(ctx context.Context) ([]ModeRecord, error)
	GetMode(ctx context.Context, id string) (ModeRecord, bool, error)
	PutMode(ctx context.Context, m ModeRecord) error
	DeleteMode(ctx context.Context, id string) (bool, error)
}

type ToggleStore interface {
	GetToggle(ctx context.Context) (ToggleRecord, bool, error)
	PutToggle(ctx context.Context, r ToggleRecord) error
}

type JobStore interface {
	ListJobs(ctx context.Context) ([]JobRecord, error)
	PutJob(ctx context.Context, r JobRecord) error
	// DeleteJob removes the record for key. A non-empty generation makes the
	// delete conditional on the stored generation matching.
	DeleteJob(ctx context.Context, key, generation string) (bool, error)
}

type SettingStore interface {
	GetSetting(ctx context.Context, namespace, key string) (string, bool, error)
	PutSetting(ctx context.Context, namespace, key, value string) error
	ListSettings(ctx context.Context, namespace string) (map[string]string, error)
}

// Store is the persistence API used by the modeshift services.
type Store interface {
	ModeStore
	ToggleStore
	JobStore
	SettingStore
	Close() error
}
