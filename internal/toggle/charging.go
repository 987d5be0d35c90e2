package toggle

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"modeshift/internal/settings"
)

// ChargingState is the device's charging optimization mode.
type ChargingState int

const (
	Unknown ChargingState = iota
	Adaptive
	Limited
)

const (
	keyAdaptive     = "adaptive_charging_enabled"
	keyOptimization = "charge_optimization_mode"
)

func (c ChargingState) String() string {
	switch c {
	case Adaptive:
		return "adaptive"
	case Limited:
		return "limited"
	default:
		return "unknown"
	}
}

// ParseChargingState is case-insensitive. Empty input is Unknown.
func ParseChargingState(s string) (ChargingState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "adaptive":
		return Adaptive, nil
	case "limited":
		return Limited, nil
	case "", "unknown":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unknown charging state %q", s)
}

func (c ChargingState) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ChargingState) UnmarshalText(b []byte) error {
	v, err := ParseChargingState(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Opposite swaps Adaptive and Limited. Unknown stays Unknown.
func (c ChargingState) Opposite() ChargingState {
	switch c {
	case Adaptive:
		return Limited
	case Limited:
		return Adaptive
	default:
		return Unknown
	}
}

// Settings returns the secure settings that select c.
func (c ChargingState) Settings() ([]settings.Setting, error) {
	var adaptive, optimization string
	switch c {
	case Adaptive:
		adaptive, optimization = "1", "0"
	case Limited:
		adaptive, optimization = "0", "1"
	default:
		return nil, ErrUnknownState
	}
	ns := string(settings.NamespaceSecure)
	return []settings.Setting{
		{Namespace: ns, Key: keyAdaptive, Value: adaptive, Enabled: true},
		{Namespace: ns, Key: keyOptimization, Value: optimization, Enabled: true},
	}, nil
}

// ReadCharging derives the current state from the gateway. Missing or
// non-numeric values count as 0.
func ReadCharging(ctx context.Context, gw settings.Gateway) (ChargingState, error) {
	a, err := readInt(ctx, gw, keyAdaptive)
	if err != nil {
		return Unknown, err
	}
	o, err := readInt(ctx, gw, keyOptimization)
	if err != nil {
		return Unknown, err
	}
	switch {
	case a == 1 && o == 0:
		return Adaptive, nil
	case a == 0 && o == 1:
		return Limited, nil
	}
	return Unknown, nil
}

func readInt(ctx context.Context, gw settings.Gateway, key string) (int, error) {
	v, ok, err := gw.Get(ctx, settings.NamespaceSecure, key)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, nil
	}
	return n, nil
}
