// Package settings writes device settings through a privileged gateway.
//
// Settings live in one of three namespaces (system, secure, global). Writing
// secure and global values needs the WRITE_SECURE_SETTINGS capability;
// Gateway.Granted reports whether it is currently held.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("settings: write permission not granted")
	ErrNamespaceInvalid = errors.New("settings: invalid namespace")
)

type Namespace string

const (
	NamespaceSystem Namespace = "system"
	NamespaceSecure Namespace = "secure"
	NamespaceGlobal Namespace = "global"
)

// Namespaces lists every namespace in snapshot merge order: later entries
// win on key collisions.
func Namespaces() []Namespace {
	return []Namespace{NamespaceGlobal, NamespaceSecure, NamespaceSystem}
}

func ParseNamespace(s string) (Namespace, error) {
	switch ns := Namespace(strings.ToLower(strings.TrimSpace(s))); ns {
	case NamespaceSystem, NamespaceSecure, NamespaceGlobal:
		return ns, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrNamespaceInvalid, s)
	}
}

func (n Namespace) Valid() bool {
	_, err := ParseNamespace(string(n))
	return err == nil
}

func (n Namespace) String() string { return string(n) }

// Gateway reads and writes settings.
//
// Get reports ok=false for keys that are not set.
// Set fails with ErrPermissionDenied or ErrNamespaceInvalid.
type Gateway interface {
	Get(ctx context.Context, ns Namespace, key string) (value string, ok bool, err error)
	Set(ctx context.Context, ns Namespace, key, value string) error
	List(ctx context.Context, ns Namespace) (map[string]string, error)
	Granted(ctx context.Context) bool
}

// Setting is one entry to apply. Disabled entries are skipped.
type Setting struct {
	Namespace string `json:"namespace" yaml:"namespace" validate:"required,oneof=system secure global"`
	Key       string `json:"key" yaml:"key" validate:"required"`
	Value     string `json:"value" yaml:"value"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
}

// ApplyError reports a partially applied list. Applied holds the keys written
// before Failed; nothing is rolled back.
type ApplyError struct {
	Applied []string
	Failed  Setting
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s/%s (after %d applied): %v", e.Failed.Namespace, e.Failed.Key, len(e.Applied), e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Apply writes the enabled entries in order and stops at the first failure.
// It returns the keys written ("namespace/key").
func Apply(ctx context.Context, gw Gateway, list []Setting) ([]string, error) {
	applied := make([]string, 0, len(list))
	for _, s := range list {
		if !s.Enabled {
			continue
		}
		ns, err := ParseNamespace(s.Namespace)
		if err == nil {
			err = gw.Set(ctx, ns, s.Key, s.Value)
		}
		if err != nil {
			return applied, &ApplyError{Applied: applied, Failed: s, Err: err}
		}
		applied = append(applied, string(ns)+"/"+s.Key)
	}
	return applied, nil
}

// Value is a snapshot entry: the value and the namespace it came from.
type Value struct {
	Value     string    `json:"value"`
	Namespace Namespace `json:"namespace"`
}

// Snapshot reads every namespace and merges them by key in Namespaces order.
func Snapshot(ctx context.Context, gw Gateway) (map[string]Value, error) {
	out := map[string]Value{}
	for _, ns := range Namespaces() {
		vals, err := gw.List(ctx, ns)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", ns, err)
		}
		for k, v := range vals {
			out[k] = Value{Value: v, Namespace: ns}
		}
	}
	return out, nil
}
