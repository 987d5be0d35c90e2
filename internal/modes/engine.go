package modes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"modeshift/internal/eventbus"
	"modeshift/internal/storage"
	"modeshift/internal/task/scheduler"
	"modeshift/internal/weekly"
	logx "modeshift/pkg/logx"
)

// Store is the mode persistence the engine needs.
type Store = storage.ModeStore

// JobScheduler is the keyed one-shot job facility.
type JobScheduler interface {
	Submit(ctx context.Context, key, kind string, delay time.Duration, payload []byte, policy scheduler.Policy) (scheduler.JobHandle, error)
	Cancel(ctx context.Context, key string) bool
	Next(key string) (time.Time, bool)
	Jobs() []scheduler.JobInfo
}

// Engine keeps the job facility in step with stored modes.
type Engine struct {
	store Store
	jobs  JobScheduler
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	loc   *time.Location
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the timezone schedules are evaluated in.
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithBus(bus eventbus.Bus) EngineOption { return func(e *Engine) { e.bus = bus } }

func NewEngine(store Store, jobs JobScheduler, log logx.Logger, opts ...EngineOption) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{store: store, jobs: jobs, log: log, now: time.Now, loc: time.Local}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ScheduleMode arms the next occurrence of m, replacing any pending job for it.
// A mode that is not schedulable has its job canceled and yields a zero time.
func (e *Engine) ScheduleMode(ctx context.Context, m Mode, forceNextDay bool) (time.Time, error) {
	if !m.Schedulable() {
		e.CancelSchedule(ctx, m.ID)
		switch {
		case !m.Enabled:
			e.log.Debug("mode disabled; not scheduled", logx.String("mode", m.ID))
		case m.ScheduledTime == nil || m.ScheduleDays == nil:
			e.log.Debug("mode has no schedule", logx.String("mode", m.ID))
		default:
			e.log.Debug("mode schedule selects no day", logx.String("mode", m.ID))
		}
		return time.Time{}, nil
	}

	now := e.now().In(e.loc)
	next, err := weekly.Next(now, *m.ScheduledTime, *m.ScheduleDays, forceNextDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule mode %s: %w", m.ID, err)
	}
	payload, err := json.Marshal(jobPayload{ModeID: m.ID})
	if err != nil {
		return time.Time{}, err
	}
	delay := weekly.Delay(now, next)
	if _, err := e.jobs.Submit(ctx, JobKey(m.ID), JobKind, delay, payload, scheduler.Replace); err != nil {
		return time.Time{}, fmt.Errorf("schedule mode %s: %w", m.ID, err)
	}
	e.log.Info("mode scheduled", logx.String("mode", m.ID), logx.String("name", m.Name), logx.Time("next", next), logx.Duration("delay", delay), logx.Bool("force_next_day", forceNextDay))
	return next, nil
}

// CancelSchedule cancels the pending job of a mode. Repeating it is harmless.
func (e *Engine) CancelSchedule(ctx context.Context, id string) bool {
	ok := e.jobs.Cancel(ctx, JobKey(id))
	if ok {
		e.log.Debug("mode schedule canceled", logx.String("mode", id))
	}
	return ok
}

// Save validates and stores m, then schedules it. A missing id is generated
// and a missing icon defaults to DefaultIcon.
func (e *Engine) Save(ctx context.Context, m Mode) (Mode, time.Time, error) {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if strings.TrimSpace(m.Icon) == "" {
		m.Icon = DefaultIcon
	}
	if err := m.Validate(); err != nil {
		return Mode{}, time.Time{}, err
	}
	if err := e.store.PutMode(ctx, m.record()); err != nil {
		return Mode{}, time.Time{}, fmt.Errorf("store mode %s: %w", m.ID, err)
	}
	next, err := e.ScheduleMode(ctx, m, false)
	return m, next, err
}

// Delete cancels the mode's job and then removes the mode.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.CancelSchedule(ctx, id)
	ok, err := e.store.DeleteMode(ctx, id)
	if err != nil {
		return fmt.Errorf("delete mode %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrModeNotFound, id)
	}
	e.log.Info("mode deleted", logx.String("mode", id))
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (Mode, error) {
	r, ok, err := e.store.GetMode(ctx, id)
	if err != nil {
		return Mode{}, err
	}
	if !ok {
		return Mode{}, fmt.Errorf("%w: %s", ErrModeNotFound, id)
	}
	return fromRecord(r)
}

func (e *Engine) List(ctx context.Context) ([]Mode, error) {
	recs, err := e.store.ListModes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Mode, 0, len(recs))
	for _, r := range recs {
		m, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// NextRun returns when the mode's pending job fires.
func (e *Engine) NextRun(id string) (time.Time, bool) {
	return e.jobs.Next(JobKey(id))
}

// ReconcileReport summarizes a Reconcile pass.
type ReconcileReport struct {
	Armed    int `json:"armed"`
	Overdue  int `json:"overdue"`
	Retrying int `json:"retrying"`
	Idle     int `json:"idle"`
	Orphans  int `json:"orphans"`
}

// Reconcile re-arms every stored mode and cancels mode jobs whose mode no
// longer exists. Pending jobs that are already due or waiting to retry a
// failed run are left to fire.
// Run it after the scheduler has restored persisted jobs.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	list, err := e.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}

	now := e.now()
	pending := make(map[string]scheduler.JobInfo)
	for _, j := range e.jobs.Jobs() {
		pending[j.Key] = j
	}
	known := make(map[string]struct{}, len(list))
	var errs []error
	for _, m := range list {
		known[m.ID] = struct{}{}
		if j, ok := pending[JobKey(m.ID)]; ok && m.Schedulable() {
			switch {
			case !j.Next.After(now):
				rep.Overdue++
				continue
			case j.Attempt > 0:
				rep.Retrying++
				continue
			}
		}
		next, err := e.ScheduleMode(ctx, m, false)
		switch {
		case err != nil:
			errs = append(errs, err)
		case next.IsZero():
			rep.Idle++
		default:
			rep.Armed++
		}
	}

	for _, j := range e.jobs.Jobs() {
		id, ok := ModeID(j.Key)
		if !ok {
			continue
		}
		if _, exists := known[id]; exists {
			continue
		}
		if e.jobs.Cancel(ctx, j.Key) {
			rep.Orphans++
		}
	}

	e.log.Info("modes reconciled", logx.Int("armed", rep.Armed), logx.Int("overdue", rep.Overdue), logx.Int("retrying", rep.Retrying), logx.Int("idle", rep.Idle), logx.Int("orphans", rep.Orphans))
	return rep, errors.Join(errs...)
}
