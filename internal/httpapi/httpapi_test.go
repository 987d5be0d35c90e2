package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"modeshift/internal/modes"
	"modeshift/internal/settings"
	"modeshift/internal/storage"
	"modeshift/internal/task/scheduler"
	"modeshift/internal/toggle"
	logx "modeshift/pkg/logx"
)

var now = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) // Monday

// memJobs satisfies modes.JobScheduler and toggle.Jobs.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]scheduler.JobInfo
}

func (m *memJobs) Submit(ctx context.Context, key, kind string, delay time.Duration, payload []byte, policy scheduler.Policy) (scheduler.JobHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[key]; ok && policy == scheduler.Keep {
		return scheduler.JobHandle{Key: key, RunAt: j.Next}, nil
	}
	m.jobs[key] = scheduler.JobInfo{Key: key, Kind: kind, Next: now.Add(delay)}
	return scheduler.JobHandle{Key: key, RunAt: now.Add(delay)}, nil
}

func (m *memJobs) AddInterval(name string, every time.Duration, first time.Time, timeout time.Duration, opt scheduler.TaskOptions, job func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[name] = scheduler.JobInfo{Key: name, Periodic: true, Every: every, Next: first}
	return nil
}

func (m *memJobs) Cancel(ctx context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[key]
	delete(m.jobs, key)
	return ok
}

func (m *memJobs) Next(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key]
	return j.Next, ok
}

func (m *memJobs) Jobs() []scheduler.JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]scheduler.JobInfo, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}

func (m *memJobs) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Enabled: true, Timezone: "UTC", Jobs: m.Jobs()}
}

type harness struct {
	h    http.Handler
	gw   *settings.StoreGateway
	jobs *memJobs
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clock := func() time.Time { return now }
	jobs := &memJobs{jobs: map[string]scheduler.JobInfo{}}
	gw := settings.NewStoreGateway(st, true, logx.Nop())
	eng := modes.NewEngine(st, jobs, logx.Nop(), modes.WithClock(clock), modes.WithLocation(time.UTC))
	tog := toggle.New(toggle.Config{Enabled: true}, st, gw, jobs, logx.Nop(), toggle.WithClock(clock), toggle.WithLocation(time.UTC))
	h := NewRouter(cfg, Deps{Modes: eng, Toggle: tog, Gateway: gw, Status: jobs, Now: clock}, logx.Nop())
	return &harness{h: h, gw: gw, jobs: jobs}
}

func (h *harness) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const nightBody = `{
	"name": "Night",
	"enabled": true,
	"scheduled_time": "22:00",
	"schedule_days": "mon,wed",
	"settings": [{"namespace": "secure", "key": "charge_optimization_mode", "value": "1", "enabled": true}]
}`

func TestModeLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{WriteRatePerSec: 100})

	rec := h.do(t, http.MethodPost, "/modes", nightBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d %s", rec.Code, rec.Body)
	}
	created := decodeBody[map[string]any](t, rec)
	id, _ := created["id"].(string)
	if id == "" || created["icon"] != modes.DefaultIcon || created["schedule_days"] != "0101000" {
		t.Fatalf("created = %v", created)
	}
	if created["next_run_human"] != "13 hours from now" {
		t.Fatalf("next_run_human = %v", created["next_run_human"])
	}

	rec = h.do(t, http.MethodGet, "/modes/"+id+"/next", "")
	next := decodeBody[map[string]any](t, rec)
	if next["scheduled"] != true || next["next_run"] != "2024-01-01T22:00:00Z" {
		t.Fatalf("next = %v", next)
	}

	upd := strings.Replace(nightBody, `"enabled": true`, `"enabled": false`, 1)
	rec = h.do(t, http.MethodPut, "/modes/"+id, upd)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: got %d %s", rec.Code, rec.Body)
	}
	if _, ok := h.jobs.Next(modes.JobKey(id)); ok {
		t.Fatal("disabled mode still scheduled")
	}

	rec = h.do(t, http.MethodGet, "/modes", "")
	if list := decodeBody[[]map[string]any](t, rec); len(list) != 1 {
		t.Fatalf("list = %v", list)
	}

	if rec = h.do(t, http.MethodDelete, "/modes/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", rec.Code)
	}
	if rec = h.do(t, http.MethodGet, "/modes/"+id, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: got %d", rec.Code)
	}
	if rec = h.do(t, http.MethodPut, "/modes/missing", nightBody); rec.Code != http.StatusNotFound {
		t.Fatalf("put missing: got %d", rec.Code)
	}
}

func TestModeValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{WriteRatePerSec: 100})
	cases := []struct {
		name string
		body string
	}{
		{"missing name", `{"enabled": true}`},
		{"bad namespace", `{"name": "x", "settings": [{"namespace": "vendor", "key": "k"}]}`},
		{"bad time", `{"name": "x", "scheduled_time": "24:00"}`},
		{"bad days", `{"name": "x", "schedule_days": "0101"}`},
		{"unknown field", `{"name": "x", "color": "red"}`},
		{"not json", `nope`},
	}
	for _, tc := range cases {
		rec := h.do(t, http.MethodPost, "/modes", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d %s, want 400", tc.name, rec.Code, rec.Body)
		}
	}
}

func TestToggleEndpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{WriteRatePerSec: 100})

	if rec := h.do(t, http.MethodPost, "/toggle/run", ""); rec.Code != http.StatusConflict {
		t.Fatalf("run without default: got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPut, "/toggle", `{"default": "turbo"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad default: got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPut, "/toggle", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty put: got %d", rec.Code)
	}

	rec := h.do(t, http.MethodPut, "/toggle", `{"mask": "mon", "default": "adaptive"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: got %d %s", rec.Code, rec.Body)
	}
	st := decodeBody[map[string]any](t, rec)
	if st["mask"] != "0100000" || st["default"] != "adaptive" {
		t.Fatalf("state = %v", st)
	}

	rec = h.do(t, http.MethodPost, "/toggle/run", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("run: got %d %s", rec.Code, rec.Body)
	}
	res := decodeBody[map[string]any](t, rec)
	if res["flipped"] != true || res["applied"] != "limited" {
		t.Fatalf("result = %v", res)
	}

	h.gw.SetGranted(false)
	if rec := h.do(t, http.MethodPost, "/toggle/run", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("run without grant: got %d", rec.Code)
	}
}

func TestSettingsSnapshotAndHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	_ = h.gw.Set(ctx, settings.NamespaceGlobal, "shared", "g")
	_ = h.gw.Set(ctx, settings.NamespaceSystem, "shared", "s")

	rec := h.do(t, http.MethodGet, "/settings/snapshot", "")
	snap := decodeBody[map[string]settings.Value](t, rec)
	if snap["shared"].Value != "s" || snap["shared"].Namespace != settings.NamespaceSystem {
		t.Fatalf("snapshot = %v", snap)
	}

	rec = h.do(t, http.MethodGet, "/healthz", "")
	health := decodeBody[map[string]any](t, rec)
	if health["granted"] != true || health["scheduler"] == nil {
		t.Fatalf("health = %v", health)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Token: "s3cret"})
	if rec := h.do(t, http.MethodGet, "/modes", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/modes", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/modes", "", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("good token: got %d", rec.Code)
	}
}

func TestWriteRateLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{WriteRatePerSec: 1})
	if rec := h.do(t, http.MethodPut, "/toggle", `{"mask": "mon"}`); rec.Code != http.StatusOK {
		t.Fatalf("first write: got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPut, "/toggle", `{"mask": "tue"}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second write: got %d, want 429", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/toggle", ""); rec.Code != http.StatusOK {
		t.Fatalf("reads are not throttled: got %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8377": true,
		"localhost:80":   true,
		"[::1]:80":       true,
		":8377":          false,
		"0.0.0.0:8377":   false,
		"10.0.0.2:8377":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for svc.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	addr := svc.Addr()
	if addr == "" {
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	if svc.Addr() != "" {
		t.Fatal("listener still set after Stop")
	}
}
