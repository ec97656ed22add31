package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/scribe/dbopen"
	"github.com/hazyhaar/scribe/job"
)

// Claim gives owner exclusive execution rights on an admitted job for
// lease. It succeeds when the job is processing or enriching and nobody
// else holds an unexpired lease; owner may re-claim its own job.
// Returns ErrClaimed when another live claim exists and *job.ConflictError
// when the job is not in an executable status.
func (r *Registry) Claim(ctx context.Context, id, owner string, lease time.Duration) (*job.Job, error) {
	now := r.now().UTC()
	res, err := dbopen.Exec(ctx, r.db, `
		UPDATE jobs SET claim_owner = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
		  AND (claim_owner = '' OR claim_owner = ? OR lease_until < ?)`,
		owner, ms(now.Add(lease)), ms(now),
		id, string(job.Processing), string(job.Enriching),
		owner, ms(now))
	if err != nil {
		return nil, fmt.Errorf("registry: claim %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return r.Get(ctx, id)
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Active() {
		return cur, fmt.Errorf("%w: %s held by %s until %s", ErrClaimed, id, cur.ClaimOwner, cur.LeaseUntil.Format(time.RFC3339))
	}
	return cur, &job.ConflictError{ID: id, Expected: job.Processing, Actual: cur.Status}
}

// ExtendLease pushes the lease of owner's claim on id forward.
func (r *Registry) ExtendLease(ctx context.Context, id, owner string, lease time.Duration) error {
	now := r.now().UTC()
	res, err := dbopen.Exec(ctx, r.db, `
		UPDATE jobs SET lease_until = ? WHERE id = ? AND claim_owner = ? AND status IN (?, ?)`,
		ms(now.Add(lease)), id, owner, string(job.Processing), string(job.Enriching))
	if err != nil {
		return fmt.Errorf("registry: extend lease %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseClaim drops owner's claim so another worker may take the job.
func (r *Registry) ReleaseClaim(ctx context.Context, id, owner string) error {
	_, err := dbopen.Exec(ctx, r.db, `
		UPDATE jobs SET claim_owner = '', lease_until = 0 WHERE id = ? AND claim_owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("registry: release claim %s: %w", id, err)
	}
	return nil
}

// LogLine is one engine output line recorded for a job.
type LogLine struct {
	Seq  int64     `json:"seq"`
	Line string    `json:"line"`
	At   time.Time `json:"at"`
}

// AppendLog records line for job id and returns its sequence number.
func (r *Registry) AppendLog(ctx context.Context, id, line string) (int64, error) {
	var seq int64
	err := dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM job_logs WHERE job_id = ?`, id).Scan(&seq)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO job_logs (job_id, seq, line, created_at) VALUES (?, ?, ?, ?)`,
			id, seq, line, ms(r.now()))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("registry: append log %s: %w", id, err)
	}
	return seq, nil
}

// Logs returns the log lines of job id with seq > after, at most limit.
func (r *Registry) Logs(ctx context.Context, id string, after int64, limit int) ([]LogLine, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, line, created_at FROM job_logs
		WHERE job_id = ? AND seq > ? ORDER BY seq LIMIT ?`, id, after, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: logs %s: %w", id, err)
	}
	defer rows.Close()
	var out []LogLine
	for rows.Next() {
		var l LogLine
		var at int64
		if err := rows.Scan(&l.Seq, &l.Line, &at); err != nil {
			return nil, err
		}
		l.At = fromMs(at)
		out = append(out, l)
	}
	return out, rows.Err()
}

// IsClaimed reports whether err is ErrClaimed.
func IsClaimed(err error) bool { return errors.Is(err, ErrClaimed) }
