// Package vtq is a visibility-timeout queue stored in SQLite.
//
// A claimed message stays in the table but is hidden from other consumers
// until its visibility deadline. The holder acks it when done, extends the
// deadline while it works, or releases it early. A holder that crashes
// simply stops extending and the message becomes claimable again.
//
//	CREATE TABLE vtq_messages (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- unix ms
//	    created_at  INTEGER NOT NULL,             -- unix ms
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/scribe/dbopen"
)

// Message is a row in the queue.
type Message struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures a queue handle.
type Options struct {
	// Queue is the logical queue name; several queues share the table.
	Queue string
	// Visibility is how long a claimed message stays hidden. Default 30s.
	Visibility time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Q is a queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New returns a queue handle. Call EnsureTable once before use.
func New(db *sql.DB, opts Options) *Q {
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Q{db: db, opts: opts}
}

func (q *Q) Queue() string             { return q.opts.Queue }
func (q *Q) Visibility() time.Duration { return q.opts.Visibility }

func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_messages (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_messages (queue, visible_at);
	`)
	if err != nil {
		return fmt.Errorf("vtq: ensure table: %w", err)
	}
	return nil
}

// Publish inserts a message that is immediately visible.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	now := q.opts.Now().UnixMilli()
	_, err := dbopen.Exec(ctx, q.db,
		`INSERT INTO vtq_messages (id, queue, payload, visible_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, q.opts.Queue, payload, now, now)
	if err != nil {
		return fmt.Errorf("vtq: publish %s: %w", id, err)
	}
	return nil
}

// Claim hides the oldest visible message for the visibility duration and
// returns it. It returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Message, error) {
	now := q.opts.Now()
	var m Message
	var visAt, creAt int64
	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			UPDATE vtq_messages
			SET visible_at = ?, attempts = attempts + 1
			WHERE id = (
				SELECT id FROM vtq_messages
				WHERE queue = ? AND visible_at <= ?
				ORDER BY visible_at ASC, created_at ASC
				LIMIT 1
			)
			RETURNING id, queue, payload, visible_at, created_at, attempts`,
			now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, now.UnixMilli(),
		).Scan(&m.ID, &m.Queue, &m.Payload, &visAt, &creAt, &m.Attempts)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vtq: claim: %w", err)
	}
	m.VisibleAt = time.UnixMilli(visAt)
	m.CreatedAt = time.UnixMilli(creAt)
	return &m, nil
}

// Ack deletes a processed message.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db,
		`DELETE FROM vtq_messages WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	if err != nil {
		return fmt.Errorf("vtq: ack %s: %w", id, err)
	}
	return nil
}

// Release makes a claimed message visible again after delay (0 means now).
func (q *Q) Release(ctx context.Context, id string, delay time.Duration) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE vtq_messages SET visible_at = ? WHERE id = ? AND queue = ?`,
		q.opts.Now().Add(delay).UnixMilli(), id, q.opts.Queue)
	if err != nil {
		return fmt.Errorf("vtq: release %s: %w", id, err)
	}
	return nil
}

// Extend pushes the visibility deadline of a held message to now+d.
func (q *Q) Extend(ctx context.Context, id string, d time.Duration) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE vtq_messages SET visible_at = ? WHERE id = ? AND queue = ?`,
		q.opts.Now().Add(d).UnixMilli(), id, q.opts.Queue)
	if err != nil {
		return fmt.Errorf("vtq: extend %s: %w", id, err)
	}
	return nil
}

// Remove deletes a message only if no consumer currently holds it. It
// reports whether the message was removed.
func (q *Q) Remove(ctx context.Context, id string) (bool, error) {
	res, err := dbopen.Exec(ctx, q.db,
		`DELETE FROM vtq_messages WHERE id = ? AND queue = ? AND visible_at <= ?`,
		id, q.opts.Queue, q.opts.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("vtq: remove %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Exists reports whether the message is still in the queue.
func (q *Q) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_messages WHERE id = ? AND queue = ?`, id, q.opts.Queue).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("vtq: exists %s: %w", id, err)
	}
	return n > 0, nil
}

// Len counts visible and hidden messages.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_messages WHERE queue = ?`, q.opts.Queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vtq: len: %w", err)
	}
	return n, nil
}

// Purge deletes every message of the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := dbopen.Exec(ctx, q.db, `DELETE FROM vtq_messages WHERE queue = ?`, q.opts.Queue)
	return err
}
