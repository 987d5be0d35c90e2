package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "modeshift/pkg/logx"
)

func openDrivers(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	open := func(cfg Config) func() Store {
		return func() Store {
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open(%s): %v", cfg.Driver, err)
			}
			return st
		}
	}
	return map[string]func() Store{
		"memory": open(Config{Driver: "memory"}),
		"file":   open(Config{Driver: "file", Path: filepath.Join(dir, "state.json")}),
		"sqlite": open(Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db")}),
	}
}

func TestModesRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()

			m := ModeRecord{
				ID: "m1", Name: "Night", Icon: "battery", Enabled: true,
				ScheduledTime: "22:00", ScheduleDays: "0111110",
				Settings: []SettingRecord{
					{Namespace: "secure", Key: "adaptive_charging_enabled", Value: "0", Enabled: true},
					{Namespace: "system", Key: "screen_brightness", Value: "10", Enabled: false},
				},
			}
			if err := st.PutMode(ctx, m); err != nil {
				t.Fatalf("PutMode: %v", err)
			}
			got, ok, err := st.GetMode(ctx, "m1")
			if err != nil || !ok {
				t.Fatalf("GetMode: ok=%v err=%v", ok, err)
			}
			if got.Name != "Night" || got.ScheduleDays != "0111110" || len(got.Settings) != 2 || got.Settings[1].Enabled {
				t.Fatalf("unexpected mode %+v", got)
			}

			m.Name = "Late night"
			if err := st.PutMode(ctx, m); err != nil {
				t.Fatalf("PutMode update: %v", err)
			}
			list, err := st.ListModes(ctx)
			if err != nil || len(list) != 1 || list[0].Name != "Late night" {
				t.Fatalf("ListModes = %+v, %v", list, err)
			}

			deleted, err := st.DeleteMode(ctx, "m1")
			if err != nil || !deleted {
				t.Fatalf("DeleteMode: deleted=%v err=%v", deleted, err)
			}
			if _, ok, _ := st.GetMode(ctx, "m1"); ok {
				t.Fatal("mode still present after delete")
			}
			if deleted, _ := st.DeleteMode(ctx, "m1"); deleted {
				t.Fatal("second delete reported a deletion")
			}
			if err := st.PutMode(ctx, ModeRecord{Name: "x"}); !errors.Is(err, ErrEmptyKey) {
				t.Fatalf("got %v, want ErrEmptyKey", err)
			}
		})
	}
}

func TestJobsGenerationGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()

			runAt := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
			if err := st.PutJob(ctx, JobRecord{Key: "mode_a", Kind: "mode", Payload: []byte(`{"mode_id":"a"}`), RunAt: runAt, Generation: "g1"}); err != nil {
				t.Fatalf("PutJob: %v", err)
			}
			// Replace under the same key.
			if err := st.PutJob(ctx, JobRecord{Key: "mode_a", Kind: "mode", Payload: []byte(`{"mode_id":"a"}`), RunAt: runAt, Generation: "g2", Attempt: 2}); err != nil {
				t.Fatalf("PutJob replace: %v", err)
			}
			if deleted, _ := st.DeleteJob(ctx, "mode_a", "g1"); deleted {
				t.Fatal("stale generation deleted the newer record")
			}
			jobs, err := st.ListJobs(ctx)
			if err != nil || len(jobs) != 1 {
				t.Fatalf("ListJobs = %+v, %v", jobs, err)
			}
			if jobs[0].Generation != "g2" || jobs[0].Attempt != 2 || !jobs[0].RunAt.Equal(runAt) || string(jobs[0].Payload) != `{"mode_id":"a"}` {
				t.Fatalf("unexpected job %+v", jobs[0])
			}
			if deleted, _ := st.DeleteJob(ctx, "mode_a", "g2"); !deleted {
				t.Fatal("matching generation did not delete")
			}
			if jobs, _ := st.ListJobs(ctx); len(jobs) != 0 {
				t.Fatalf("jobs left: %+v", jobs)
			}
		})
	}
}

func TestToggleAndSettings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()

			if _, ok, err := st.GetToggle(ctx); ok || err != nil {
				t.Fatalf("empty toggle: ok=%v err=%v", ok, err)
			}
			at := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
			if err := st.PutToggle(ctx, ToggleRecord{Mask: "0101010", Default: "adaptive", LastApplied: "limited", LastAppliedAt: at}); err != nil {
				t.Fatalf("PutToggle: %v", err)
			}
			r, ok, err := st.GetToggle(ctx)
			if err != nil || !ok || r.Mask != "0101010" || r.Default != "adaptive" || !r.LastAppliedAt.Equal(at) {
				t.Fatalf("GetToggle = %+v ok=%v err=%v", r, ok, err)
			}

			if err := st.PutSetting(ctx, "secure", "charge_optimization_mode", "1"); err != nil {
				t.Fatalf("PutSetting: %v", err)
			}
			v, ok, err := st.GetSetting(ctx, "secure", "charge_optimization_mode")
			if err != nil || !ok || v != "1" {
				t.Fatalf("GetSetting = %q ok=%v err=%v", v, ok, err)
			}
			all, err := st.ListSettings(ctx, "secure")
			if err != nil || len(all) != 1 {
				t.Fatalf("ListSettings = %v, %v", all, err)
			}
			if _, ok, _ := st.GetSetting(ctx, "system", "charge_optimization_mode"); ok {
				t.Fatal("namespaces must not share keys")
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.PutMode(ctx, ModeRecord{ID: "m1", Name: "Work"}); err != nil {
		t.Fatalf("PutMode: %v", err)
	}
	if err := st.PutJob(ctx, JobRecord{Key: "mode_m1", Kind: "mode", RunAt: time.Now(), Generation: "g"}); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.PutMode(ctx, ModeRecord{ID: "m2", Name: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if m, ok, _ := st.GetMode(ctx, "m1"); !ok || m.Name != "Work" {
		t.Fatalf("mode lost across reopen: %+v", m)
	}
	if jobs, _ := st.ListJobs(ctx); len(jobs) != 1 {
		t.Fatalf("jobs lost across reopen: %+v", jobs)
	}
}

func TestSQLiteAddsAttemptColumn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")

	// Schema written before jobs carried an attempt count.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE jobs (key TEXT PRIMARY KEY, kind TEXT NOT NULL, payload BLOB, run_at INTEGER NOT NULL, generation TEXT NOT NULL)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO jobs(key, kind, run_at, generation) VALUES('mode_a', 'mode', 0, 'g1')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = db.Close()

	for i := range 2 {
		st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		jobs, err := st.ListJobs(ctx)
		if err != nil || len(jobs) != 1 {
			t.Fatalf("ListJobs #%d = %+v, %v", i, jobs, err)
		}
		if jobs[0].Attempt != i {
			t.Fatalf("attempt #%d = %d", i, jobs[0].Attempt)
		}
		jobs[0].Attempt++
		if err := st.PutJob(ctx, jobs[0]); err != nil {
			t.Fatalf("PutJob #%d: %v", i, err)
		}
		_ = st.Close()
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("got %v, want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
