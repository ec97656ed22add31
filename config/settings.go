package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hazyhaar/scribe/dbopen"
)

// Runtime setting keys.
const (
	KeyConcurrency = "concurrency"
	KeyJobTimeout  = "job_timeout"
)

var (
	// ErrUnknownSetting is returned for keys outside the runtime set.
	ErrUnknownSetting = errors.New("config: unknown setting")
	// ErrInvalidSetting is returned when a value does not parse or is out
	// of range for its key.
	ErrInvalidSetting = errors.New("config: invalid setting value")
)

const settingsSchema = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Runtime is the subset of the configuration that can change live.
type Runtime struct {
	Concurrency int           `json:"concurrency"`
	JobTimeout  time.Duration `json:"job_timeout"`
}

// Settings stores runtime settings in SQLite. Every write bumps a
// revision so watchers can detect changes with one query.
type Settings struct {
	db  *sql.DB
	now func() time.Time
}

func NewSettings(db *sql.DB) *Settings {
	return &Settings{db: db, now: time.Now}
}

// Init creates the settings table.
func (s *Settings) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, settingsSchema); err != nil {
		return fmt.Errorf("config: settings schema: %w", err)
	}
	return nil
}

func known(key string) bool { return key == KeyConcurrency || key == KeyJobTimeout }

// Validate checks value for key without storing it.
func Validate(key, value string) error {
	switch key {
	case KeyConcurrency:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: %s must be an integer >= 1", ErrInvalidSetting, key)
		}
	case KeyJobTimeout:
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return fmt.Errorf("%w: %s must be a non-negative duration", ErrInvalidSetting, key)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	return nil
}

// Get returns the stored value of key. ok is false when it was never set.
func (s *Settings) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	if !known(key) {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	err = s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("config: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set validates and stores value under key.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	if err := Validate(key, value); err != nil {
		return err
	}
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO settings (key, value, revision, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(revision), 0) + 1 FROM settings), ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = excluded.revision,
			updated_at = excluded.updated_at`,
		key, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("config: set %s: %w", key, err)
	}
	return nil
}

// All returns every stored setting.
func (s *Settings) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("config: list settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Revision returns the highest revision written, 0 for an empty table.
func (s *Settings) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision), 0) FROM settings`).Scan(&rev)
	return rev, err
}

// Runtime returns base with every stored setting applied over it.
func (s *Settings) Runtime(ctx context.Context, base Runtime) (Runtime, error) {
	all, err := s.All(ctx)
	if err != nil {
		return base, err
	}
	if v, ok := all[KeyConcurrency]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			base.Concurrency = n
		}
	}
	if v, ok := all[KeyJobTimeout]; ok {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			base.JobTimeout = d
		}
	}
	return base, nil
}

// Runtime returns the live-tunable part of c.
func (c *Config) Runtime() Runtime {
	return Runtime{Concurrency: c.Concurrency, JobTimeout: c.JobTimeout.D()}
}
