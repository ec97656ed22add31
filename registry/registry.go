// Package registry is the durable record of every job. All status writes
// are compare-and-set on the expected current status, and every accepted
// transition is appended to the job's history.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/scribe/dbopen"
	"github.com/hazyhaar/scribe/job"
)

// ErrSessionUsed is returned by Create when the upload session already
// produced a job.
var ErrSessionUsed = errors.New("registry: upload session already has a job")

// ErrClaimed is returned by Claim when another worker holds a live lease.
var ErrClaimed = errors.New("registry: job claimed by another worker")

// ErrLeaseLost is returned by ExtendLease when the caller no longer owns
// the claim.
var ErrLeaseLost = errors.New("registry: lease lost")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    owner               TEXT NOT NULL DEFAULT '',
    filename            TEXT NOT NULL DEFAULT '',
    session_id          TEXT UNIQUE,
    artifact_path       TEXT NOT NULL,
    params              TEXT NOT NULL DEFAULT '{}',
    status              TEXT NOT NULL,
    backend             TEXT NOT NULL DEFAULT '',
    handle              TEXT NOT NULL DEFAULT '',
    generation          TEXT NOT NULL DEFAULT '',
    attempt             INTEGER NOT NULL DEFAULT 1,
    retry_of            TEXT NOT NULL DEFAULT '',
    failure_reason      TEXT NOT NULL DEFAULT '',
    failure_note        TEXT NOT NULL DEFAULT '',
    failure_detail      TEXT NOT NULL DEFAULT '',
    result_ref          TEXT NOT NULL DEFAULT '',
    cancel_requested    INTEGER NOT NULL DEFAULT 0,
    cancel_requested_at INTEGER NOT NULL DEFAULT 0,
    claim_owner         TEXT NOT NULL DEFAULT '',
    lease_until         INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    started_at          INTEGER NOT NULL DEFAULT 0,
    finished_at         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_owner  ON jobs(owner, created_at);

CREATE TABLE IF NOT EXISTS job_transitions (
    job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    note        TEXT NOT NULL DEFAULT '',
    at          INTEGER NOT NULL,
    PRIMARY KEY (job_id, seq)
);

CREATE TABLE IF NOT EXISTS job_logs (
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (job_id, seq)
);
`

const columns = `id, owner, filename, COALESCE(session_id, ''), artifact_path, params, status,
	backend, handle, generation, attempt, retry_of, failure_reason, failure_note, failure_detail,
	result_ref, cancel_requested, cancel_requested_at, claim_owner, lease_until,
	created_at, updated_at, started_at, finished_at`

// Registry stores jobs in SQLite.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns a Registry on db. Call Init before use.
func New(db *sql.DB, opts ...Option) *Registry {
	r := &Registry{db: db, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Init creates the tables if they do not exist.
func (r *Registry) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("registry: init: %w", err)
	}
	return nil
}

// DB returns the underlying database.
func (r *Registry) DB() *sql.DB { return r.db }

// Create inserts j in its initial status. CreatedAt and UpdatedAt are set
// when zero, Attempt defaults to 1.
func (r *Registry) Create(ctx context.Context, j *job.Job) error {
	if j.ID == "" || j.ArtifactPath == "" {
		return fmt.Errorf("registry: create: id and artifact path are required")
	}
	if j.Status == "" {
		j.Status = job.Queued
	}
	if !j.Status.Valid() {
		return fmt.Errorf("registry: create: invalid status %q", j.Status)
	}
	now := r.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = j.CreatedAt
	if j.Attempt == 0 {
		j.Attempt = 1
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("registry: create: %w", err)
	}

	return dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		if j.SessionID != "" {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE session_id = ?`, j.SessionID).Scan(&existing)
			if err == nil {
				return fmt.Errorf("%w: session %s -> %s", ErrSessionUsed, j.SessionID, existing)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("registry: create: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, owner, filename, session_id, artifact_path, params, status,
				backend, generation, attempt, retry_of, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.Owner, j.Filename, nullString(j.SessionID), j.ArtifactPath, string(params), string(j.Status),
			j.Backend, j.Generation, j.Attempt, j.RetryOf, ms(j.CreatedAt), ms(j.UpdatedAt))
		if err != nil {
			return fmt.Errorf("registry: create: %w", err)
		}
		return nil
	})
}

// Get returns the job with id, or job.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*job.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", id, err)
	}
	return j, nil
}

// Exists reports whether a job with id is recorded.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("registry: exists: %w", err)
	}
	return n > 0, nil
}

// BySession returns the job produced by an upload session, or
// job.ErrNotFound.
func (r *Registry) BySession(ctx context.Context, sessionID string) (*job.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE session_id = ?`, sessionID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: by session: %w", err)
	}
	return j, nil
}

// List returns the newest jobs of owner (all owners when empty).
func (r *Registry) List(ctx context.Context, owner string, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + columns + ` FROM jobs`
	args := []any{}
	if owner != "" {
		q += ` WHERE owner = ?`
		args = append(args, owner)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return r.query(ctx, q, args...)
}

// ListByStatus returns every job in one of statuses, oldest first.
func (r *Registry) ListByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return r.query(ctx, `SELECT `+columns+` FROM jobs WHERE status IN (`+marks+`) ORDER BY created_at, id`, args...)
}

// ListQueued returns up to limit queued jobs, oldest first.
func (r *Registry) ListQueued(ctx context.Context, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 64
	}
	return r.query(ctx, `SELECT `+columns+` FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		string(job.Queued), limit)
}

// CountByStatus returns the number of jobs per status.
func (r *Registry) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("registry: count: %w", err)
	}
	defer rows.Close()
	out := make(map[job.Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[job.Status(s)] = n
	}
	return out, rows.Err()
}

// Transition moves job id from -> to if it is currently in from. mutate,
// when non-nil, may set the other fields written with the transition
// (handle, failure reason, result ref...). It must not change Status.
//
// An edge outside the status graph returns *job.TransitionError without
// touching the database; a job no longer in from returns
// *job.ConflictError.
func (r *Registry) Transition(ctx context.Context, id string, from, to job.Status, mutate func(*job.Job)) (*job.Job, error) {
	if !job.CanTransition(from, to) {
		return nil, &job.TransitionError{ID: id, From: from, To: to}
	}
	var out *job.Job
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != from {
			return &job.ConflictError{ID: id, Expected: from, Actual: cur.Status}
		}
		next := cur.Clone()
		if mutate != nil {
			mutate(next)
		}
		now := r.now().UTC()
		next.Status = to
		next.UpdatedAt = now
		if to == job.Processing && next.StartedAt.IsZero() {
			next.StartedAt = now
		}
		if to == job.Failed && !next.FailureReason.Valid() {
			next.FailureReason = job.ReasonInternalError
		}
		if to != job.Failed {
			next.FailureReason = ""
		}
		if to.Terminal() {
			next.FinishedAt = now
			next.ClaimOwner = ""
			next.LeaseUntil = time.Time{}
		}
		if err := writeTx(ctx, tx, next, from); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_transitions (job_id, seq, from_status, to_status, reason, note, at)
			SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ? FROM job_transitions WHERE job_id = ?`,
			id, string(from), string(to), string(next.FailureReason), next.FailureNote, ms(now), id)
		if err != nil {
			return fmt.Errorf("registry: record transition: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update rewrites non-status fields of job id if it is still in expect.
func (r *Registry) Update(ctx context.Context, id string, expect job.Status, mutate func(*job.Job)) (*job.Job, error) {
	var out *job.Job
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != expect {
			return &job.ConflictError{ID: id, Expected: expect, Actual: cur.Status}
		}
		next := cur.Clone()
		mutate(next)
		next.Status = expect
		next.UpdatedAt = r.now().UTC()
		if err := writeTx(ctx, tx, next, expect); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the recorded transitions of job id in order.
func (r *Registry) History(ctx context.Context, id string) ([]job.Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, from_status, to_status, reason, note, at
		FROM job_transitions WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("registry: history: %w", err)
	}
	defer rows.Close()
	var out []job.Transition
	for rows.Next() {
		var (
			tr         job.Transition
			from, to   string
			reason, nt string
			at         int64
		)
		if err := rows.Scan(&tr.Seq, &from, &to, &reason, &nt, &at); err != nil {
			return nil, err
		}
		tr.JobID = id
		tr.From, tr.To = job.Status(from), job.Status(to)
		tr.Reason, tr.Note = job.Reason(reason), nt
		tr.At = fromMs(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (r *Registry) query(ctx context.Context, q string, args ...any) ([]*job.Job, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: query: %w", err)
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (*job.Job, error) {
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", id, err)
	}
	return j, nil
}

func writeTx(ctx context.Context, tx *sql.Tx, j *job.Job, expect job.Status) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, params = ?, backend = ?, handle = ?, generation = ?,
			failure_reason = ?, failure_note = ?, failure_detail = ?, result_ref = ?,
			cancel_requested = ?, cancel_requested_at = ?, claim_owner = ?, lease_until = ?,
			updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		string(j.Status), string(params), j.Backend, j.Handle, j.Generation,
		string(j.FailureReason), j.FailureNote, j.FailureDetail, j.ResultRef,
		boolInt(j.CancelRequested), ms(j.CancelRequestedAt), j.ClaimOwner, ms(j.LeaseUntil),
		ms(j.UpdatedAt), ms(j.StartedAt), ms(j.FinishedAt),
		j.ID, string(expect))
	if err != nil {
		return fmt.Errorf("registry: write %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &job.ConflictError{ID: j.ID, Expected: expect, Actual: "unknown"}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*job.Job, error) {
	var (
		j                                   job.Job
		params, status, reason              string
		cancel                              int
		cancelAt, lease                     int64
		created, updated, started, finished int64
	)
	err := s.Scan(&j.ID, &j.Owner, &j.Filename, &j.SessionID, &j.ArtifactPath, &params, &status,
		&j.Backend, &j.Handle, &j.Generation, &j.Attempt, &j.RetryOf, &reason, &j.FailureNote, &j.FailureDetail,
		&j.ResultRef, &cancel, &cancelAt, &j.ClaimOwner, &lease,
		&created, &updated, &started, &finished)
	if err != nil {
		return nil, err
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
			return nil, fmt.Errorf("params: %w", err)
		}
	}
	j.Status = job.Status(status)
	j.FailureReason = job.Reason(reason)
	j.CancelRequested = cancel != 0
	j.CancelRequestedAt = fromMs(cancelAt)
	j.LeaseUntil = fromMs(lease)
	j.CreatedAt = fromMs(created)
	j.UpdatedAt = fromMs(updated)
	j.StartedAt = fromMs(started)
	j.FinishedAt = fromMs(finished)
	return &j, nil
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
