package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "modeshift/pkg/logx"
)

// fileStore keeps all state in memory and, when path is set, mirrors it to a
// single JSON snapshot (<path>) written via tmp file + rename on every change.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
	state  fileState
}

type fileState struct {
	Version  int                          `json:"version"`
	Modes    map[string]ModeRecord        `json:"modes"`
	Toggle   *ToggleRecord                `json:"toggle,omitempty"`
	Jobs     map[string]JobRecord         `json:"jobs"`
	Settings map[string]map[string]string `json:"settings"`
}

const fileStateVersion = 1

func newFileStore(path string, log logx.Logger) *fileStore {
	return &fileStore{
		log:  log,
		path: path,
		state: fileState{
			Version:  fileStateVersion,
			Modes:    map[string]ModeRecord{},
			Jobs:     map[string]JobRecord{},
			Settings: map[string]map[string]string{},
		},
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := newFileStore(path, log)
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s.state); err != nil {
		return nil, err
	}
	if s.state.Modes == nil {
		s.state.Modes = map[string]ModeRecord{}
	}
	if s.state.Jobs == nil {
		s.state.Jobs = map[string]JobRecord{}
	}
	if s.state.Settings == nil {
		s.state.Settings = map[string]map[string]string{}
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flushLocked()
}

// mutate runs fn under the lock and persists the result.
func (s *fileStore) mutate(fn func(st *fileState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := fn(&s.state); err != nil {
		return err
	}
	return s.flushLocked()
}

func (s *fileStore) flushLocked() error {
	if s.path == "" {
		return nil
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("storage snapshot rename failed", logx.String("path", s.path), logx.Err(err))
		return err
	}
	return nil
}

func (s *fileStore) read(fn func(st *fileState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	fn(&s.state)
	return nil
}

func (s *fileStore) ListModes(ctx context.Context) ([]ModeRecord, error) {
	_ = ctx
	var out []ModeRecord
	err := s.read(func(st *fileState) {
		out = make([]ModeRecord, 0, len(st.Modes))
		for _, m := range st.Modes {
			out = append(out, cloneMode(m))
		}
	})
	slices.SortFunc(out, func(a, b ModeRecord) int { return strings.Compare(a.ID, b.ID) })
	return out, err
}

func (s *fileStore) GetMode(ctx context.Context, id string) (ModeRecord, bool, error) {
	_ = ctx
	var (
		m  ModeRecord
		ok bool
	)
	err := s.read(func(st *fileState) {
		m, ok = st.Modes[strings.TrimSpace(id)]
		m = cloneMode(m)
	})
	return m, ok, err
}

func (s *fileStore) PutMode(ctx context.Context, m ModeRecord) error {
	_ = ctx
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return ErrEmptyKey
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	return s.mutate(func(st *fileState) error {
		st.Modes[m.ID] = cloneMode(m)
		return nil
	})
}

func (s *fileStore) DeleteMode(ctx context.Context, id string) (bool, error) {
	_ = ctx
	id = strings.TrimSpace(id)
	existed := false
	err := s.mutate(func(st *fileState) error {
		_, existed = st.Modes[id]
		delete(st.Modes, id)
		return nil
	})
	return existed, err
}

func (s *fileStore) GetToggle(ctx context.Context) (ToggleRecord, bool, error) {
	_ = ctx
	var (
		r  ToggleRecord
		ok bool
	)
	err := s.read(func(st *fileState) {
		if st.Toggle != nil {
			r, ok = *st.Toggle, true
		}
	})
	return r, ok, err
}

func (s *fileStore) PutToggle(ctx context.Context, r ToggleRecord) error {
	_ = ctx
	return s.mutate(func(st *fileState) error {
		st.Toggle = &r
		return nil
	})
}

func (s *fileStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	_ = ctx
	var out []JobRecord
	err := s.read(func(st *fileState) {
		out = make([]JobRecord, 0, len(st.Jobs))
		for _, j := range st.Jobs {
			j.Payload = slices.Clone(j.Payload)
			out = append(out, j)
		}
	})
	slices.SortFunc(out, func(a, b JobRecord) int { return strings.Compare(a.Key, b.Key) })
	return out, err
}

func (s *fileStore) PutJob(ctx context.Context, r JobRecord) error {
	_ = ctx
	r.Key = strings.TrimSpace(r.Key)
	if r.Key == "" {
		return ErrEmptyKey
	}
	r.Payload = slices.Clone(r.Payload)
	return s.mutate(func(st *fileState) error {
		st.Jobs[r.Key] = r
		return nil
	})
}

func (s *fileStore) DeleteJob(ctx context.Context, key, generation string) (bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	deleted := false
	err := s.mutate(func(st *fileState) error {
		cur, ok := st.Jobs[key]
		if !ok || (generation != "" && cur.Generation != generation) {
			return nil
		}
		delete(st.Jobs, key)
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *fileStore) GetSetting(ctx context.Context, namespace, key string) (string, bool, error) {
	_ = ctx
	var (
		v  string
		ok bool
	)
	err := s.read(func(st *fileState) {
		v, ok = st.Settings[namespace][key]
	})
	return v, ok, err
}

func (s *fileStore) PutSetting(ctx context.Context, namespace, key, value string) error {
	_ = ctx
	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return s.mutate(func(st *fileState) error {
		ns := st.Settings[namespace]
		if ns == nil {
			ns = map[string]string{}
			st.Settings[namespace] = ns
		}
		ns[key] = value
		return nil
	})
}

func (s *fileStore) ListSettings(ctx context.Context, namespace string) (map[string]string, error) {
	_ = ctx
	out := map[string]string{}
	err := s.read(func(st *fileState) {
		for k, v := range st.Settings[namespace] {
			out[k] = v
		}
	})
	return out, err
}

func cloneMode(m ModeRecord) ModeRecord {
	m.Settings = slices.Clone(m.Settings)
	return m
}
