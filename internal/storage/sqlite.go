package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "modeshift/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	return s.addColumn(ctx, "jobs", "attempt", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn adds a column to a table created by an older schema.
func (s *sqliteStore) addColumn(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMode(r rowScanner) (ModeRecord, error) {
	var (
		m                     ModeRecord
		icon, tod, days       sql.NullString
		settingsJSON, updated string
		enabled               int
	)
	if err := r.Scan(&m.ID, &m.Name, &icon, &enabled, &tod, &days, &settingsJSON, &updated); err != nil {
		return ModeRecord{}, err
	}
	m.Icon = icon.String
	m.Enabled = enabled != 0
	m.ScheduledTime = tod.String
	m.ScheduleDays = days.String
	if settingsJSON != "" {
		if err := json.Unmarshal([]byte(settingsJSON), &m.Settings); err != nil {
			return ModeRecord{}, fmt.Errorf("mode %s settings: %w", m.ID, err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		m.UpdatedAt = t
	}
	return m, nil
}

const modeColumns = `id, name, icon, enabled, scheduled_time, schedule_days, settings, updated_at`

func (s *sqliteStore) ListModes(ctx context.Context) ([]ModeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modeColumns+` FROM modes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ModeRecord
	for rows.Next() {
		m, err := scanMode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetMode(ctx context.Context, id string) (ModeRecord, bool, error) {
	m, err := scanMode(s.db.QueryRowContext(ctx, `SELECT `+modeColumns+` FROM modes WHERE id = ?`, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return ModeRecord{}, false, nil
	}
	if err != nil {
		return ModeRecord{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) PutMode(ctx context.Context, m ModeRecord) error {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return ErrEmptyKey
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	settings := m.Settings
	if settings == nil {
		settings = []SettingRecord{}
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO modes(`+modeColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, icon=excluded.icon, enabled=excluded.enabled,
		   scheduled_time=excluded.scheduled_time, schedule_days=excluded.schedule_days,
		   settings=excluded.settings, updated_at=excluded.updated_at`,
		m.ID, m.Name, nullStr(m.Icon), boolInt(m.Enabled), nullStr(m.ScheduledTime), nullStr(m.ScheduleDays),
		string(b), m.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteMode(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM modes WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) GetToggle(ctx context.Context) (ToggleRecord, bool, error) {
	var (
		r            ToggleRecord
		last, lastAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT mask, default_state, last_applied, last_applied_at FROM toggle_state WHERE id = 1`,
	).Scan(&r.Mask, &r.Default, &last, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ToggleRecord{}, false, nil
	}
	if err != nil {
		return ToggleRecord{}, false, err
	}
	r.LastApplied = last.String
	if lastAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastAt.String); err == nil {
			r.LastAppliedAt = t
		}
	}
	return r, true, nil
}

func (s *sqliteStore) PutToggle(ctx context.Context, r ToggleRecord) error {
	var lastAt any
	if !r.LastAppliedAt.IsZero() {
		lastAt = r.LastAppliedAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO toggle_state(id, mask, default_state, last_applied, last_applied_at) VALUES(1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET mask=excluded.mask, default_state=excluded.default_state,
		   last_applied=excluded.last_applied, last_applied_at=excluded.last_applied_at`,
		r.Mask, r.Default, nullStr(r.LastApplied), lastAt,
	)
	return err
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, kind, payload, run_at, generation, attempt FROM jobs ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		var (
			r  JobRecord
			ms int64
		)
		if err := rows.Scan(&r.Key, &r.Kind, &r.Payload, &ms, &r.Generation, &r.Attempt); err != nil {
			return nil, err
		}
		r.RunAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutJob(ctx context.Context, r JobRecord) error {
	r.Key = strings.TrimSpace(r.Key)
	if r.Key == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(key, kind, payload, run_at, generation, attempt) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET kind=excluded.kind, payload=excluded.payload,
		   run_at=excluded.run_at, generation=excluded.generation, attempt=excluded.attempt`,
		r.Key, r.Kind, r.Payload, r.RunAt.UnixMilli(), r.Generation, r.Attempt,
	)
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, key, generation string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	key = strings.TrimSpace(key)
	if generation == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE key = ?`, key)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE key = ? AND generation = ?`, key, generation)
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) GetSetting(ctx context.Context, namespace, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM setting_values WHERE namespace = ? AND key = ?`, namespace, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutSetting(ctx context.Context, namespace, key, value string) error {
	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO setting_values(namespace, key, value) VALUES(?,?,?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value`,
		namespace, key, value,
	)
	return err
}

func (s *sqliteStore) ListSettings(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM setting_values WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
