package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modeshift/internal/config"
	"modeshift/internal/httpapi"
	"modeshift/internal/settings"
	"modeshift/internal/storage"
	"modeshift/internal/task/engine"
	"modeshift/internal/task/scheduler"
	"modeshift/internal/toggle"
	"modeshift/internal/weekly"
	logx "modeshift/pkg/logx"
)

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

// mapStorageConfig falls back to an in-memory store when the section is
// omitted.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Workers:     2,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	// Jobs fire into the engine; a disabled engine would strand them.
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	for _, f := range []struct {
		name string
		v    int
	}{{"workers", te.Workers}, {"queue_size", te.QueueSize}, {"history_size", te.HistorySize}, {"retry_max", te.RetryMax}} {
		if f.v < 0 {
			return engine.Config{}, fmt.Errorf("task_engine.%s must be >= 0", f.name)
		}
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSettingsConfig(cfg *Config) (settings.Config, error) {
	sc := cfg.Settings
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "store", "adb":
	default:
		return settings.Config{}, fmt.Errorf("unknown settings.driver: %s", sc.Driver)
	}
	timeout, err := config.ParseDurationOrDefault("settings.timeout", sc.Timeout, 10*time.Second)
	if err != nil {
		return settings.Config{}, err
	}
	granted := true
	if sc.Granted != nil {
		granted = *sc.Granted
	}
	return settings.Config{
		Driver:  driver,
		ADBPath: strings.TrimSpace(sc.ADBPath),
		Serial:  strings.TrimSpace(sc.Serial),
		Package: strings.TrimSpace(sc.Package),
		Timeout: timeout,
		Granted: granted,
	}, nil
}

// modesOptions is the execution policy of mode jobs.
type modesOptions struct {
	Timeout time.Duration
	Opt     engine.TaskOptions
	Native  bool
}

func mapModesConfig(cfg *Config) (modesOptions, error) {
	mc := cfg.Modes
	base, err := config.ParseDurationOrDefault("modes.retry_base", mc.RetryBase, 5*time.Minute)
	if err != nil {
		return modesOptions{}, err
	}
	timeout, err := config.ParseDurationField("modes.timeout", mc.Timeout)
	if err != nil {
		return modesOptions{}, err
	}
	if mc.RetryMax < 0 {
		return modesOptions{}, fmt.Errorf("modes.retry_max must be >= 0")
	}
	retryMax := mc.RetryMax
	if retryMax == 0 {
		retryMax = 5
	}
	return modesOptions{
		Timeout: timeout,
		Native:  mc.NativeRecurrence,
		Opt: engine.TaskOptions{
			Overlap:   engine.OverlapSkipIfRunning,
			Backoff:   engine.BackoffLinear,
			RetryMax:  retryMax,
			RetryBase: base,
		},
	}, nil
}

func mapToggleConfig(cfg *Config) (toggle.Config, error) {
	tc := cfg.Toggle
	anchor, err := config.ParseTimeOfDayOrDefault("toggle.anchor", tc.Anchor, weekly.MustTimeOfDay(0, 5))
	if err != nil {
		return toggle.Config{}, err
	}
	roll, err := config.ParseTimeOfDayOrDefault("toggle.roll_after", tc.RollAfter, weekly.MustTimeOfDay(23, 30))
	if err != nil {
		return toggle.Config{}, err
	}
	interval, err := config.ParseDurationOrDefault("toggle.interval", tc.Interval, 24*time.Hour)
	if err != nil {
		return toggle.Config{}, err
	}
	if interval < time.Minute {
		return toggle.Config{}, fmt.Errorf("toggle.interval must be >= 1m")
	}
	base, err := config.ParseDurationOrDefault("toggle.retry_base", tc.RetryBase, 30*time.Second)
	if err != nil {
		return toggle.Config{}, err
	}
	if tc.RetryMax < 0 {
		return toggle.Config{}, fmt.Errorf("toggle.retry_max must be >= 0")
	}
	return toggle.Config{
		Enabled:   tc.Enabled,
		Anchor:    anchor,
		RollAfter: roll,
		Interval:  interval,
		RetryBase: base,
		RetryMax:  tc.RetryMax,
	}, nil
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	if hc.WriteRatePerSec < 0 {
		return httpapi.Config{}, fmt.Errorf("http.write_rate_per_sec must be >= 0")
	}
	if hc.RequestsPerSec < 0 {
		return httpapi.Config{}, fmt.Errorf("http.requests_per_sec must be >= 0")
	}
	out := httpapi.Config{
		Enabled:         hc.Enabled,
		Addr:            strings.TrimSpace(hc.Addr),
		Token:           strings.TrimSpace(hc.Token),
		AllowInsecure:   hc.AllowInsecure,
		RequestsPerSec:  hc.RequestsPerSec,
		WriteRatePerSec: hc.WriteRatePerSec,
		AllowedOrigins:  hc.AllowedOrigins,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, time.Minute); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// validateConfig rejects a config any mapper would fail on. It guards hot
// reloads before they are committed.
func validateConfig(_ context.Context, cfg *Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSettingsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapModesConfig(cfg); err != nil {
		return err
	}
	if _, err := mapToggleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}

// CheckConfig loads the config at path and runs every mapper over it without
// starting anything.
func CheckConfig(path string) (*Config, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
