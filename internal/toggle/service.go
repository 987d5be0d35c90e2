// Package toggle flips the charging mode once a day from a weekly mask.
package toggle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modeshift/internal/eventbus"
	"modeshift/internal/settings"
	"modeshift/internal/storage"
	"modeshift/internal/task/engine"
	"modeshift/internal/task/scheduler"
	"modeshift/internal/weekly"
	logx "modeshift/pkg/logx"
)

const (
	// IntervalKey names the periodic daily job.
	IntervalKey = "battery_schedule"
	// OneShotKey names the job covering the first night after install.
	OneShotKey = "battery_schedule_one_time"
	// JobKind is the scheduler handler kind of OneShotKey.
	JobKind = "toggle"
)

var ErrUnknownState = errors.New("toggle: charging state unknown")

type Config struct {
	Enabled bool
	// Anchor is the local time of the daily run.
	Anchor weekly.TimeOfDay
	// RollAfter moves the first run to the following day when install
	// happens at or after it.
	RollAfter weekly.TimeOfDay
	Interval  time.Duration
	Timeout   time.Duration
	RetryBase time.Duration
	RetryMax  int
}

func (c Config) withDefaults() Config {
	if c.Anchor == (weekly.TimeOfDay{}) {
		c.Anchor = weekly.MustTimeOfDay(0, 5)
	}
	if c.RollAfter == (weekly.TimeOfDay{}) {
		c.RollAfter = weekly.MustTimeOfDay(23, 30)
	}
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	return c
}

// Jobs is the part of the scheduler the toggle needs.
type Jobs interface {
	AddInterval(name string, every time.Duration, first time.Time, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) error
	Submit(ctx context.Context, key, kind string, delay time.Duration, payload []byte, policy scheduler.Policy) (scheduler.JobHandle, error)
	Cancel(ctx context.Context, key string) bool
}

// State is the persisted toggle configuration.
type State struct {
	Mask          weekly.Mask   `json:"mask"`
	Default       ChargingState `json:"default"`
	LastApplied   ChargingState `json:"last_applied"`
	LastAppliedAt time.Time     `json:"last_applied_at,omitempty"`
}

// Result describes one Fire.
type Result struct {
	Day     time.Weekday  `json:"day"`
	Flipped bool          `json:"flipped"`
	Applied ChargingState `json:"applied"`
	Keys    []string      `json:"keys"`
}

type Service struct {
	cfg   Config
	store storage.ToggleStore
	gw    settings.Gateway
	jobs  Jobs
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	loc   *time.Location
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func New(cfg Config, store storage.ToggleStore, gw settings.Gateway, jobs Jobs, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		gw:    gw,
		jobs:  jobs,
		log:   log,
		now:   time.Now,
		loc:   time.Local,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// TaskOptions is the retry policy of toggle runs: linear backoff from
// RetryBase.
func (s *Service) TaskOptions() engine.TaskOptions {
	return engine.TaskOptions{
		Overlap:   engine.OverlapSkipIfRunning,
		Backoff:   engine.BackoffLinear,
		RetryMax:  s.cfg.RetryMax,
		RetryBase: s.cfg.RetryBase,
	}
}

// Handler runs OneShotKey jobs.
func (s *Service) Handler() scheduler.Handler {
	return scheduler.Handler{
		Run: func(ctx context.Context, _ []byte) error {
			_, err := s.Fire(ctx)
			return err
		},
		Timeout: s.cfg.Timeout,
		Opt:     s.TaskOptions(),
	}
}

// FirstRun is when the daily job first fires after installing at now: the
// anchor time today, or tomorrow once now has reached RollAfter. A result in
// the past means "run now".
func (s *Service) FirstRun(now time.Time) time.Time {
	now = now.In(s.loc)
	day := now
	cur := weekly.MustTimeOfDay(now.Hour(), now.Minute())
	if !cur.Before(s.cfg.RollAfter) {
		day = now.AddDate(0, 0, 1)
	}
	return s.cfg.Anchor.On(day)
}

// Install registers the periodic job and, unless one is already pending, the
// one-shot job. When disabled it removes both.
func (s *Service) Install(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.Uninstall(ctx)
		return nil
	}
	now := s.now().In(s.loc)
	first := s.FirstRun(now)

	// The periodic grid starts at the first anchor that is still ahead.
	periodic := first
	for !periodic.After(now) {
		periodic = periodic.Add(s.cfg.Interval)
	}
	err := s.jobs.AddInterval(IntervalKey, s.cfg.Interval, periodic, s.cfg.Timeout, s.TaskOptions(), func(ctx context.Context) error {
		_, err := s.Fire(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("install %s: %w", IntervalKey, err)
	}

	h, err := s.jobs.Submit(ctx, OneShotKey, JobKind, weekly.Delay(now, first), nil, scheduler.Keep)
	if err != nil {
		return fmt.Errorf("install %s: %w", OneShotKey, err)
	}
	s.log.Info("toggle installed", logx.Time("periodic_first", periodic), logx.Duration("every", s.cfg.Interval), logx.Time("one_shot", h.RunAt))
	return nil
}

func (s *Service) Uninstall(ctx context.Context) {
	a := s.jobs.Cancel(ctx, IntervalKey)
	b := s.jobs.Cancel(ctx, OneShotKey)
	if a || b {
		s.log.Info("toggle uninstalled")
	}
}

// Fire applies the default state, or its opposite when today is in the mask.
func (s *Service) Fire(ctx context.Context) (Result, error) {
	if !s.gw.Granted(ctx) {
		return Result{}, settings.ErrPermissionDenied
	}
	st, err := s.State(ctx)
	if err != nil {
		return Result{}, err
	}
	if st.Default == Unknown {
		s.log.Warn("toggle default is unknown; nothing applied")
		return Result{}, engine.NoRetry(ErrUnknownState)
	}

	now := s.now().In(s.loc)
	res := Result{Day: now.Weekday(), Applied: st.Default}
	if st.Mask.Has(now.Weekday()) {
		res.Flipped = true
		res.Applied = st.Default.Opposite()
	}
	list, err := res.Applied.Settings()
	if err != nil {
		return res, engine.NoRetry(err)
	}
	res.Keys, err = settings.Apply(ctx, s.gw, list)
	if err != nil {
		return res, err
	}

	st.LastApplied = res.Applied
	st.LastAppliedAt = now
	if err := s.put(ctx, st); err != nil {
		// Applied on the device; only the bookkeeping is lost.
		s.log.Warn("toggle state not saved", logx.Err(err))
	}
	s.log.Info("toggle applied", logx.String("day", res.Day.String()), logx.Bool("flipped", res.Flipped), logx.String("state", res.Applied.String()))
	eventbus.Publish(s.bus, eventbus.ToggleApplied, res)
	return res, nil
}

// State loads the persisted state. Nothing stored yields an empty mask and an
// Unknown default.
func (s *Service) State(ctx context.Context) (State, error) {
	r, ok, err := s.store.GetToggle(ctx)
	if err != nil {
		return State{}, fmt.Errorf("load toggle: %w", err)
	}
	if !ok {
		return State{}, nil
	}
	return fromRecord(r)
}

func (s *Service) SetMask(ctx context.Context, m weekly.Mask) (State, error) {
	return s.update(ctx, func(st *State) error {
		st.Mask = m
		return nil
	})
}

// SetDefault stores the default state. Unknown is rejected.
func (s *Service) SetDefault(ctx context.Context, c ChargingState) (State, error) {
	return s.update(ctx, func(st *State) error {
		if c == Unknown {
			return ErrUnknownState
		}
		st.Default = c
		return nil
	})
}

// SyncDefault stores the device's current charging state as the default when
// it is known.
func (s *Service) SyncDefault(ctx context.Context) (ChargingState, error) {
	cur, err := ReadCharging(ctx, s.gw)
	if err != nil {
		return Unknown, err
	}
	if cur == Unknown {
		s.log.Debug("charging state unknown; default unchanged")
		return Unknown, nil
	}
	if _, err := s.SetDefault(ctx, cur); err != nil {
		return cur, err
	}
	s.log.Info("toggle default synced", logx.String("default", cur.String()))
	return cur, nil
}

func (s *Service) update(ctx context.Context, fn func(*State) error) (State, error) {
	st, err := s.State(ctx)
	if err != nil {
		return State{}, err
	}
	if err := fn(&st); err != nil {
		return State{}, err
	}
	if err := s.put(ctx, st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *Service) put(ctx context.Context, st State) error {
	r := storage.ToggleRecord{
		Mask:          st.Mask.Bits(),
		Default:       st.Default.String(),
		LastAppliedAt: st.LastAppliedAt,
	}
	if st.LastApplied != Unknown {
		r.LastApplied = st.LastApplied.String()
	}
	if err := s.store.PutToggle(ctx, r); err != nil {
		return fmt.Errorf("save toggle: %w", err)
	}
	return nil
}

func fromRecord(r storage.ToggleRecord) (State, error) {
	var st State
	var err error
	if r.Mask != "" {
		if st.Mask, err = weekly.ParseMask(r.Mask); err != nil {
			return State{}, fmt.Errorf("toggle mask: %w", err)
		}
	}
	if st.Default, err = ParseChargingState(r.Default); err != nil {
		return State{}, err
	}
	if st.LastApplied, err = ParseChargingState(r.LastApplied); err != nil {
		return State{}, err
	}
	st.LastAppliedAt = r.LastAppliedAt
	return st, nil
}
