package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("30s", "5m"); times of day are "HH:MM".
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of fired jobs. If omitted, defaults apply
	// and the engine follows scheduler.enabled.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Storage is where modes, toggle state and pending jobs live. Omitted
	// means an in-memory store: nothing survives a restart.
	Storage *StorageConfig `json:"storage,omitempty"`

	Settings SettingsConfig `json:"settings"`
	Modes    ModesConfig    `json:"modes"`
	Toggle   ToggleConfig   `json:"toggle"`
	HTTP     HTTPConfig     `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the job trigger service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name; empty means the host's local zone. Mode and
	// toggle times are evaluated in it.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./modeshift.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SettingsConfig selects the privileged settings gateway.
//
// driver "adb" talks to a device through the adb binary; "store" keeps values
// in storage and is meant for dry runs and tests.
type SettingsConfig struct {
	Driver  string `json:"driver"`
	ADBPath string `json:"adb_path,omitempty"`
	Serial  string `json:"serial,omitempty"`
	// Package whose WRITE_SECURE_SETTINGS grant is checked before applying.
	Package string `json:"package,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// Granted is the capability reported by the store driver (default true).
	Granted *bool `json:"granted,omitempty"`
}

// ModesConfig controls mode job execution.
type ModesConfig struct {
	RetryBase string `json:"retry_base,omitempty"` // default "5m", linear
	RetryMax  int    `json:"retry_max,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	// NativeRecurrence stops the handler from re-arming the next occurrence.
	NativeRecurrence bool `json:"native_recurrence,omitempty"`
}

// ToggleConfig controls the daily charging toggle.
type ToggleConfig struct {
	Enabled   bool   `json:"enabled"`
	Anchor    string `json:"anchor,omitempty"`     // default "00:05"
	RollAfter string `json:"roll_after,omitempty"` // default "23:30"
	Interval  string `json:"interval,omitempty"`   // default "24h"
	RetryBase string `json:"retry_base,omitempty"` // default "30s", linear
	RetryMax  int    `json:"retry_max,omitempty"`
	// SyncDefault stores the device's charging state as the default at startup.
	SyncDefault bool `json:"sync_default,omitempty"`
}

// HTTPConfig controls the local control API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8377"): the API changes
//     device settings.
//   - A non-loopback addr needs a token or an explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// RequestsPerSec limits each client IP; 0 means 20.
	RequestsPerSec int `json:"requests_per_sec,omitempty"`
	// WriteRatePerSec limits mutating requests; 0 means 5.
	WriteRatePerSec float64  `json:"write_rate_per_sec,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
}
