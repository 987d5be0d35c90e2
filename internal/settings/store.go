package settings

import (
	"context"
	"strings"
	"sync/atomic"

	"modeshift/internal/storage"
	logx "modeshift/pkg/logx"
)

// StoreGateway keeps setting values in the storage backend. It stands in for
// a device when running without adb, and Granted follows configuration.
type StoreGateway struct {
	st      storage.SettingStore
	log     logx.Logger
	granted atomic.Bool
}

func NewStoreGateway(st storage.SettingStore, granted bool, log logx.Logger) *StoreGateway {
	g := &StoreGateway{st: st, log: log}
	g.granted.Store(granted)
	return g
}

// SetGranted flips the simulated capability.
func (g *StoreGateway) SetGranted(v bool) { g.granted.Store(v) }

func (g *StoreGateway) Granted(ctx context.Context) bool { return g.granted.Load() }

func (g *StoreGateway) Get(ctx context.Context, ns Namespace, key string) (string, bool, error) {
	if !ns.Valid() {
		return "", false, ErrNamespaceInvalid
	}
	return g.st.GetSetting(ctx, string(ns), strings.TrimSpace(key))
}

func (g *StoreGateway) Set(ctx context.Context, ns Namespace, key, value string) error {
	if !ns.Valid() {
		return ErrNamespaceInvalid
	}
	if !g.Granted(ctx) {
		return ErrPermissionDenied
	}
	if err := g.st.PutSetting(ctx, string(ns), strings.TrimSpace(key), value); err != nil {
		return err
	}
	g.log.Debug("setting written", logx.String("ns", string(ns)), logx.String("key", key))
	return nil
}

func (g *StoreGateway) List(ctx context.Context, ns Namespace) (map[string]string, error) {
	if !ns.Valid() {
		return nil, ErrNamespaceInvalid
	}
	return g.st.ListSettings(ctx, string(ns))
}
