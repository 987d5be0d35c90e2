package settings

import (
	"fmt"
	"strings"
	"time"

	"modeshift/internal/storage"
	logx "modeshift/pkg/logx"
)

// Config selects and configures a gateway driver.
type Config struct {
	Driver  string // "adb" | "store"
	ADBPath string
	Serial  string
	Package string
	Timeout time.Duration
	// Granted is the simulated capability for the store driver.
	Granted bool
}

// Open builds the configured gateway. The store driver keeps values in st.
func Open(cfg Config, st storage.SettingStore, log logx.Logger) (Gateway, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "adb":
		return NewADBGateway(ADBConfig{Path: cfg.ADBPath, Serial: cfg.Serial, Package: cfg.Package, Timeout: cfg.Timeout}, log), nil
	case "", "store":
		if st == nil {
			return nil, fmt.Errorf("settings: store driver needs storage")
		}
		return NewStoreGateway(st, cfg.Granted, log), nil
	default:
		return nil, fmt.Errorf("settings: unknown driver %q", d)
	}
}
