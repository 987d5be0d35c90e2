package modes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modeshift/internal/eventbus"
	"modeshift/internal/settings"
	"modeshift/internal/task/engine"
	logx "modeshift/pkg/logx"
)

// Handler runs a fired mode job: it applies the mode's settings and re-arms
// the next occurrence.
type Handler struct {
	engine *Engine
	gw     settings.Gateway
	log    logx.Logger
	bus    eventbus.Bus

	// native skips re-arming when the job facility recurs on its own.
	native bool
}

type HandlerOption func(*Handler)

// WithNativeRecurrence disables re-arming after a successful run.
func WithNativeRecurrence(enabled bool) HandlerOption {
	return func(h *Handler) { h.native = enabled }
}

func WithHandlerBus(bus eventbus.Bus) HandlerOption { return func(h *Handler) { h.bus = bus } }

func NewHandler(e *Engine, gw settings.Gateway, log logx.Logger, opts ...HandlerOption) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{engine: e, gw: gw, log: log, bus: e.bus}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ModeEvent is published on mode.applied, mode.failed and mode.rearmed.
type ModeEvent struct {
	ID      string    `json:"id"`
	Name    string    `json:"name,omitempty"`
	Applied []string  `json:"applied,omitempty"`
	Next    time.Time `json:"next,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Run is the scheduler handler for JobKind.
func (h *Handler) Run(ctx context.Context, payload []byte) error {
	if !h.gw.Granted(ctx) {
		h.fail(ModeEvent{}, settings.ErrPermissionDenied)
		return settings.ErrPermissionDenied
	}

	var p jobPayload
	if err := json.Unmarshal(payload, &p); err != nil || strings.TrimSpace(p.ModeID) == "" {
		err = fmt.Errorf("mode job payload %q: missing mode id", payload)
		h.fail(ModeEvent{}, err)
		return engine.NoRetry(err)
	}
	id := p.ModeID

	m, err := h.engine.Get(ctx, id)
	if errors.Is(err, ErrModeNotFound) {
		// Stale job for a deleted mode: end the chain.
		h.engine.CancelSchedule(ctx, id)
		h.log.Warn("mode job for missing mode", logx.String("mode", id))
		h.fail(ModeEvent{ID: id}, err)
		return engine.NoRetry(err)
	}
	if err != nil {
		h.fail(ModeEvent{ID: id}, err)
		return err
	}

	applied, err := settings.Apply(ctx, h.gw, m.Settings)
	if err != nil {
		h.log.Warn("mode apply failed", logx.String("mode", id), logx.Strings("applied", applied), logx.Err(err))
		h.fail(ModeEvent{ID: id, Name: m.Name, Applied: applied}, err)
		return err
	}
	h.log.Info("mode applied", logx.String("mode", id), logx.String("name", m.Name), logx.Strings("applied", applied))
	eventbus.Publish(h.bus, eventbus.ModeApplied, ModeEvent{ID: id, Name: m.Name, Applied: applied})

	if h.native {
		return nil
	}

	// The mode may have been edited or disabled while the settings were applied.
	cur, err := h.engine.Get(ctx, id)
	if errors.Is(err, ErrModeNotFound) {
		h.log.Info("mode deleted during run; not re-armed", logx.String("mode", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("re-read mode %s: %w", id, err)
	}
	if !cur.Enabled {
		h.log.Info("mode disabled; not re-armed", logx.String("mode", id))
		return nil
	}
	// The fired job left the scheduler, so a pending one was armed by a save
	// during the run and already points at the right occurrence.
	if at, ok := h.engine.NextRun(id); ok {
		h.log.Info("mode re-armed during run; keeping pending job", logx.String("mode", id), logx.Time("next", at))
		return nil
	}
	next, err := h.engine.ScheduleMode(ctx, cur, true)
	if err != nil {
		h.log.Error("mode re-arm failed", logx.String("mode", id), logx.Err(err))
		return err
	}
	if !next.IsZero() {
		eventbus.Publish(h.bus, eventbus.ModeRearmed, ModeEvent{ID: id, Name: cur.Name, Next: next})
	}
	return nil
}

func (h *Handler) fail(ev ModeEvent, err error) {
	ev.Error = err.Error()
	eventbus.Publish(h.bus, eventbus.ModeFailed, ev)
}
