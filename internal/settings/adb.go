package settings

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	logx "modeshift/pkg/logx"
)

const writeSecureSettings = "android.permission.WRITE_SECURE_SETTINGS"

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type ADBConfig struct {
	Path    string // adb binary, default "adb"
	Serial  string // optional device serial (-s)
	Package string // package whose WRITE_SECURE_SETTINGS grant is checked
	Timeout time.Duration
}

// ADBGateway talks to a device through `adb shell settings`.
type ADBGateway struct {
	cfg ADBConfig
	run Runner
	log logx.Logger
}

func NewADBGateway(cfg ADBConfig, log logx.Logger) *ADBGateway {
	return newADBGateway(cfg, execRunner, log)
}

func newADBGateway(cfg ADBConfig, run Runner, log logx.Logger) *ADBGateway {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "adb"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ADBGateway{cfg: cfg, run: run, log: log}
}

func (g *ADBGateway) adb(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	full := make([]string, 0, len(args)+2)
	if g.cfg.Serial != "" {
		full = append(full, "-s", g.cfg.Serial)
	}
	full = append(full, args...)

	out, err := g.run(ctx, g.cfg.Path, full...)
	text := strings.TrimSpace(string(out))
	if isPermissionDenial(text) {
		return text, ErrPermissionDenied
	}
	if err != nil {
		if text != "" {
			return text, fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, text)
		}
		return text, fmt.Errorf("adb %s: %w", strings.Join(args, " "), err)
	}
	return text, nil
}

func isPermissionDenial(out string) bool {
	return strings.Contains(out, "SecurityException") ||
		strings.Contains(out, "Permission denial") ||
		strings.Contains(out, "requires:"+writeSecureSettings)
}

// Granted checks the package's WRITE_SECURE_SETTINGS grant, or plain device
// reachability when no package is configured.
func (g *ADBGateway) Granted(ctx context.Context) bool {
	if g.cfg.Package == "" {
		out, err := g.adb(ctx, "get-state")
		return err == nil && out == "device"
	}
	out, err := g.adb(ctx, "shell", "dumpsys", "package", g.cfg.Package)
	if err != nil {
		g.log.Debug("grant check failed", logx.String("package", g.cfg.Package), logx.Err(err))
		return false
	}
	return strings.Contains(out, writeSecureSettings+": granted=true")
}

func (g *ADBGateway) Get(ctx context.Context, ns Namespace, key string) (string, bool, error) {
	if !ns.Valid() {
		return "", false, ErrNamespaceInvalid
	}
	out, err := g.adb(ctx, "shell", "settings", "get", string(ns), key)
	if err != nil {
		return "", false, err
	}
	if out == "null" {
		return "", false, nil
	}
	return out, true, nil
}

func (g *ADBGateway) Set(ctx context.Context, ns Namespace, key, value string) error {
	if !ns.Valid() {
		return ErrNamespaceInvalid
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("settings: empty key")
	}
	// adb joins shell arguments with spaces; quote for the device shell.
	if _, err := g.adb(ctx, "shell", "settings", "put", string(ns), shellQuote(key), shellQuote(value)); err != nil {
		return err
	}
	g.log.Debug("setting written", logx.String("ns", string(ns)), logx.String("key", key))
	return nil
}

func (g *ADBGateway) List(ctx context.Context, ns Namespace) (map[string]string, error) {
	if !ns.Valid() {
		return nil, ErrNamespaceInvalid
	}
	out, err := g.adb(ctx, "shell", "settings", "list", string(ns))
	if err != nil {
		return nil, err
	}
	return parseList(out), nil
}

func parseList(out string) map[string]string {
	vals := map[string]string{}
	sc := bufio.NewScanner(bytes.NewBufferString(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		vals[strings.TrimSpace(k)] = strings.TrimRight(v, "\r")
	}
	return vals
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]#~!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
