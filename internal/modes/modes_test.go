package modes

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"modeshift/internal/settings"
	"modeshift/internal/storage"
	"modeshift/internal/task/engine"
	"modeshift/internal/task/scheduler"
	"modeshift/internal/weekly"
	logx "modeshift/pkg/logx"
)

type fakeJob struct {
	kind    string
	payload []byte
	runAt   time.Time
	gen     int
	attempt int
}

// fakeJobs is an in-memory JobScheduler driven by a fixed clock.
type fakeJobs struct {
	mu      sync.Mutex
	now     func() time.Time
	jobs    map[string]fakeJob
	submits int
	err     error
}

func newFakeJobs(now func() time.Time) *fakeJobs {
	return &fakeJobs{now: now, jobs: map[string]fakeJob{}}
}

func (f *fakeJobs) Submit(ctx context.Context, key, kind string, delay time.Duration, payload []byte, policy scheduler.Policy) (scheduler.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return scheduler.JobHandle{}, f.err
	}
	f.submits++
	if cur, ok := f.jobs[key]; ok && policy == scheduler.Keep {
		return scheduler.JobHandle{Key: key, RunAt: cur.runAt}, nil
	}
	j := fakeJob{kind: kind, payload: payload, runAt: f.now().Add(delay), gen: f.submits}
	f.jobs[key] = j
	return scheduler.JobHandle{Key: key, RunAt: j.runAt}, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[key]
	delete(f.jobs, key)
	return ok
}

func (f *fakeJobs) Next(key string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[key]
	return j.runAt, ok
}

func (f *fakeJobs) Jobs() []scheduler.JobInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scheduler.JobInfo
	for k, j := range f.jobs {
		out = append(out, scheduler.JobInfo{Key: k, Kind: j.kind, Attempt: j.attempt, Next: j.runAt})
	}
	return out
}

func (f *fakeJobs) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// 2024-01-01 is a Monday.
var monday0900 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  storage.Store
	gw     *settings.StoreGateway
	jobs   *fakeJobs
	engine *Engine
	clock  *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clock := monday0900
	f := &fixture{store: st, clock: &clock}
	now := func() time.Time { return *f.clock }
	f.jobs = newFakeJobs(now)
	f.gw = settings.NewStoreGateway(st, true, logx.Nop())
	f.engine = NewEngine(st, f.jobs, logx.Nop(), WithClock(now), WithLocation(time.UTC))
	return f
}

func tod(s string) *weekly.TimeOfDay {
	t, err := weekly.ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return &t
}

func days(s string) *weekly.Mask {
	m, err := weekly.ParseMask(s)
	if err != nil {
		panic(err)
	}
	return &m
}

func nightMode() Mode {
	return Mode{
		ID:            "night",
		Name:          "Night",
		Enabled:       true,
		ScheduledTime: tod("22:00"),
		ScheduleDays:  days("mon,wed"),
		Settings: []Setting{
			{Namespace: "secure", Key: "adaptive_charging_enabled", Value: "0", Enabled: true},
			{Namespace: "secure", Key: "charge_optimization_mode", Value: "1", Enabled: true},
		},
	}
}

func TestScheduleModeIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	m := nightMode()

	first, err := f.engine.ScheduleMode(ctx, m, false)
	if err != nil {
		t.Fatalf("ScheduleMode: %v", err)
	}
	second, err := f.engine.ScheduleMode(ctx, m, false)
	if err != nil {
		t.Fatalf("ScheduleMode: %v", err)
	}
	want := time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC)
	if !first.Equal(want) || !second.Equal(want) {
		t.Fatalf("next = %v / %v, want %v", first, second, want)
	}
	if n := f.jobs.len(); n != 1 {
		t.Fatalf("jobs = %d, want 1", n)
	}
	at, ok := f.engine.NextRun("night")
	if !ok || !at.Equal(want) {
		t.Fatalf("NextRun = %v %v", at, ok)
	}
	j := f.jobs.jobs["mode_night"]
	var p jobPayload
	if err := json.Unmarshal(j.payload, &p); err != nil || p.ModeID != "night" || j.kind != JobKind {
		t.Fatalf("job = %+v payload err %v", j, err)
	}
}

func TestScheduleModeNotSchedulableCancels(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(m *Mode)
	}{
		{"disabled", func(m *Mode) { m.Enabled = false }},
		{"no time", func(m *Mode) { m.ScheduledTime = nil }},
		{"no days", func(m *Mode) { m.ScheduleDays = nil }},
		{"empty mask", func(m *Mode) { m.ScheduleDays = days("0000000") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()
			m := nightMode()
			if _, err := f.engine.ScheduleMode(ctx, m, false); err != nil {
				t.Fatalf("ScheduleMode: %v", err)
			}
			tc.mutate(&m)
			next, err := f.engine.ScheduleMode(ctx, m, false)
			if err != nil || !next.IsZero() {
				t.Fatalf("got %v, %v; want zero, nil", next, err)
			}
			if n := f.jobs.len(); n != 0 {
				t.Fatalf("jobs = %d, want 0", n)
			}
		})
	}
}

func TestScheduleModeForceNextDay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	m := nightMode()
	m.ScheduleDays = days("daily")
	next, err := f.engine.ScheduleMode(context.Background(), m, true)
	if err != nil {
		t.Fatalf("ScheduleMode: %v", err)
	}
	want := time.Date(2024, 1, 2, 22, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestSaveDefaultsAndValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	m := nightMode()
	m.ID = ""
	saved, next, err := f.engine.Save(ctx, m)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.ID == "" || saved.Icon != DefaultIcon {
		t.Fatalf("saved = %+v", saved)
	}
	if next.IsZero() {
		t.Fatal("expected next occurrence")
	}
	got, err := f.engine.Get(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ScheduleDays.Bits() != "0101000" || got.ScheduledTime.String() != "22:00" || len(got.Settings) != 2 {
		t.Fatalf("round trip = %+v", got)
	}

	bad := nightMode()
	bad.Name = " "
	if _, _, err := f.engine.Save(ctx, bad); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("got %v, want ErrInvalidMode", err)
	}
	bad = nightMode()
	bad.Settings = append(bad.Settings, Setting{Namespace: "vendor", Key: "x", Enabled: true})
	if _, _, err := f.engine.Save(ctx, bad); !errors.Is(err, settings.ErrNamespaceInvalid) {
		t.Fatalf("got %v, want ErrNamespaceInvalid", err)
	}
}

func TestDeleteCancelsFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.engine.Save(ctx, nightMode()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := f.engine.Delete(ctx, "night"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n := f.jobs.len(); n != 0 {
		t.Fatalf("jobs = %d, want 0", n)
	}
	if err := f.engine.Delete(ctx, "night"); !errors.Is(err, ErrModeNotFound) {
		t.Fatalf("got %v, want ErrModeNotFound", err)
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Stored directly: no jobs yet, as after a crash.
	_ = f.store.PutMode(ctx, nightMode().record())
	idle := nightMode()
	idle.ID, idle.Enabled = "idle", false
	_ = f.store.PutMode(ctx, idle.record())
	// Orphan left behind by a deleted mode and an unrelated key.
	_, _ = f.jobs.Submit(ctx, "mode_gone", JobKind, time.Hour, nil, scheduler.Replace)
	_, _ = f.jobs.Submit(ctx, "battery_schedule_one_time", "toggle", time.Hour, nil, scheduler.Replace)

	rep, err := f.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := ReconcileReport{Armed: 1, Idle: 1, Orphans: 1}
	if rep != want {
		t.Fatalf("report = %+v, want %+v", rep, want)
	}
	if _, ok := f.jobs.Next("mode_night"); !ok {
		t.Fatal("mode_night not armed")
	}
	if _, ok := f.jobs.Next("battery_schedule_one_time"); !ok {
		t.Fatal("non-mode job must be left alone")
	}

	// Running again changes nothing.
	rep, _ = f.engine.Reconcile(ctx)
	if rep != (ReconcileReport{Armed: 1, Idle: 1}) || f.jobs.len() != 2 {
		t.Fatalf("second pass = %+v jobs=%d", rep, f.jobs.len())
	}
}

func TestReconcileLeavesOverdueJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, _ = f.engine.Save(ctx, nightMode())
	before, _ := f.jobs.Next("mode_night")

	// Device was off past the scheduled time.
	*f.clock = before.Add(time.Minute)
	rep, err := f.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Overdue != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if after, _ := f.jobs.Next("mode_night"); !after.Equal(before) {
		t.Fatalf("overdue job replaced: %v -> %v", before, after)
	}
}

func TestReconcileLeavesPendingRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, _ = f.engine.Save(ctx, nightMode())

	// The last run failed and waits five minutes for its retry.
	retryAt := f.clock.Add(5 * time.Minute)
	f.jobs.mu.Lock()
	j := f.jobs.jobs["mode_night"]
	j.runAt, j.attempt = retryAt, 1
	f.jobs.jobs["mode_night"] = j
	f.jobs.mu.Unlock()

	rep, err := f.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep != (ReconcileReport{Retrying: 1}) {
		t.Fatalf("report = %+v", rep)
	}
	if at, _ := f.jobs.Next("mode_night"); !at.Equal(retryAt) {
		t.Fatalf("pending retry replaced: %v", at)
	}
}

func payloadFor(id string) []byte {
	b, _ := json.Marshal(jobPayload{ModeID: id})
	return b
}

func TestHandlerAppliesAndRearms(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, _ = f.engine.Save(ctx, nightMode())

	// Fire Monday 22:00; the scheduler drops a job when it fires.
	*f.clock = time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC)
	f.jobs.Cancel(ctx, "mode_night")
	h := NewHandler(f.engine, f.gw, logx.Nop())
	if err := h.Run(ctx, payloadFor("night")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, key := range []string{"adaptive_charging_enabled", "charge_optimization_mode"} {
		if _, ok, _ := f.gw.Get(ctx, settings.NamespaceSecure, key); !ok {
			t.Fatalf("%s not applied", key)
		}
	}
	next, ok := f.jobs.Next("mode_night")
	want := time.Date(2024, 1, 3, 22, 0, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Fatalf("re-armed at %v, want %v", next, want)
	}
}

// hookGateway runs onSet before the first write.
type hookGateway struct {
	settings.Gateway
	once  sync.Once
	onSet func()
}

func (g *hookGateway) Set(ctx context.Context, ns settings.Namespace, key, value string) error {
	g.once.Do(g.onSet)
	return g.Gateway.Set(ctx, ns, key, value)
}

func TestHandlerKeepsJobSavedDuringRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.PutMode(ctx, nightMode().record())

	*f.clock = time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC)
	gw := &hookGateway{Gateway: f.gw, onSet: func() {
		// Moved to 22:30 while the 22:00 run applies its settings.
		edited := nightMode()
		edited.ScheduledTime = tod("22:30")
		if _, _, err := f.engine.Save(ctx, edited); err != nil {
			t.Errorf("Save: %v", err)
		}
	}}
	h := NewHandler(f.engine, gw, logx.Nop())
	if err := h.Run(ctx, payloadFor("night")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	next, ok := f.jobs.Next("mode_night")
	want := time.Date(2024, 1, 1, 22, 30, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Fatalf("next = %v, want %v (today's edited time)", next, want)
	}
}

func TestHandlerDisabledModeNotRearmed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	m := nightMode()
	m.Enabled = false
	_ = f.store.PutMode(ctx, m.record())

	h := NewHandler(f.engine, f.gw, logx.Nop())
	if err := h.Run(ctx, payloadFor("night")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v, ok, _ := f.gw.Get(ctx, settings.NamespaceSecure, "charge_optimization_mode"); !ok || v != "1" {
		t.Fatal("settings must still be applied")
	}
	if f.jobs.len() != 0 {
		t.Fatal("disabled mode was re-armed")
	}
}

func TestHandlerDeletedMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.jobs.Submit(ctx, "mode_gone", JobKind, 0, payloadFor("gone"), scheduler.Replace)

	h := NewHandler(f.engine, f.gw, logx.Nop())
	err := h.Run(ctx, payloadFor("gone"))
	if !errors.Is(err, ErrModeNotFound) || !engine.IsNoRetry(err) {
		t.Fatalf("got %v, want no-retry ErrModeNotFound", err)
	}
	if f.jobs.len() != 0 {
		t.Fatal("stale job key must be canceled")
	}
}

func TestHandlerPermissionDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, _, _ = f.engine.Save(ctx, nightMode())
	f.gw.SetGranted(false)

	h := NewHandler(f.engine, f.gw, logx.Nop())
	err := h.Run(ctx, payloadFor("night"))
	if !errors.Is(err, settings.ErrPermissionDenied) || engine.IsNoRetry(err) {
		t.Fatalf("got %v, want retryable ErrPermissionDenied", err)
	}
}

func TestHandlerPartialApply(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	m := nightMode()
	m.Settings = append(m.Settings[:1], Setting{Namespace: "vendor", Key: "bad", Value: "1", Enabled: true}, m.Settings[1])
	// Bypass Save validation to reach the apply path.
	_ = f.store.PutMode(ctx, m.record())
	before := f.jobs.len()

	h := NewHandler(f.engine, f.gw, logx.Nop())
	err := h.Run(ctx, payloadFor("night"))
	var ae *settings.ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("got %v, want *settings.ApplyError", err)
	}
	if !slices.Equal(ae.Applied, []string{"secure/adaptive_charging_enabled"}) {
		t.Fatalf("applied = %v", ae.Applied)
	}
	if f.jobs.len() != before {
		t.Fatal("failed run must not re-arm")
	}
}

func TestHandlerBadPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := NewHandler(f.engine, f.gw, logx.Nop())
	for _, p := range []string{"", "{}", `{"mode_id":" "}`, "not json"} {
		if err := h.Run(context.Background(), []byte(p)); !engine.IsNoRetry(err) {
			t.Fatalf("payload %q: got %v, want no-retry", p, err)
		}
	}
}

func TestHandlerNativeRecurrence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.PutMode(ctx, nightMode().record())
	h := NewHandler(f.engine, f.gw, logx.Nop(), WithNativeRecurrence(true))
	if err := h.Run(ctx, payloadFor("night")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.jobs.len() != 0 {
		t.Fatal("native recurrence must not re-arm")
	}
}

func TestModeIDFromKey(t *testing.T) {
	t.Parallel()
	if id, ok := ModeID(JobKey("abc")); !ok || id != "abc" {
		t.Fatalf("got %q %v", id, ok)
	}
	for _, k := range []string{"mode_", "battery_schedule", ""} {
		if _, ok := ModeID(k); ok {
			t.Fatalf("ModeID(%q) should fail", k)
		}
	}
	if !strings.HasPrefix(JobKey("x"), "mode_") {
		t.Fatal("job key prefix changed")
	}
}
