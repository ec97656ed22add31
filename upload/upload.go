// Package upload reassembles client artifacts from chunks. Sessions are
// recorded in SQLite; chunk bytes live in a chunkstore. A session moves
// receiving -> finalizing -> assembled, or receiving -> expired when its
// TTL runs out, and the finalizing state shields an assembly in progress
// from both late chunks and the purge.
package upload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/scribe/chunkstore"
	"github.com/hazyhaar/scribe/dbopen"
	"github.com/hazyhaar/scribe/horosafe"
	"github.com/hazyhaar/scribe/idgen"
	"github.com/hazyhaar/scribe/keylock"
	"github.com/hazyhaar/scribe/observability"
)

// State of an upload session.
type State string

const (
	Receiving  State = "receiving"
	Finalizing State = "finalizing"
	Assembled  State = "assembled"
	Expired    State = "expired"
)

// DefaultMaxChunkBytes caps a single chunk payload (10 MiB).
const DefaultMaxChunkBytes int64 = 10 << 20

// MaxChunks caps the declared chunk count of a session.
const MaxChunks = 100_000

const schema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
    id            TEXT PRIMARY KEY,
    owner         TEXT NOT NULL DEFAULT '',
    filename      TEXT NOT NULL DEFAULT '',
    total_chunks  INTEGER NOT NULL,
    checksum      TEXT NOT NULL DEFAULT '',
    state         TEXT NOT NULL,
    artifact_path TEXT NOT NULL DEFAULT '',
    artifact_hash TEXT NOT NULL DEFAULT '',
    size_bytes    INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_state ON upload_sessions(state, created_at);
`

// Session is the record of one chunked upload.
type Session struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner,omitempty"`
	Filename     string    `json:"filename"`
	TotalChunks  int       `json:"total_chunks"`
	Checksum     string    `json:"checksum,omitempty"`
	State        State     `json:"state"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	ArtifactHash string    `json:"artifact_hash,omitempty"`
	Size         int64     `json:"size_bytes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Progress describes which chunks of a session are present.
type Progress struct {
	Session  *Session `json:"session"`
	Received []int    `json:"received"`
	Missing  []int    `json:"missing"`
	Complete bool     `json:"complete"`
}

// PutResult is the outcome of an accepted chunk.
type PutResult struct {
	Accepted bool `json:"accepted"`
	Complete bool `json:"session_complete"`
	Received int  `json:"received"`
	Total    int  `json:"total"`
}

// Assembler validates chunks, tracks session completeness and builds
// artifacts.
type Assembler struct {
	db           *sql.DB
	chunks       *chunkstore.Store
	artifactsDir string
	maxChunk     int64
	now          func() time.Time
	newID        idgen.Generator
	logger       *slog.Logger
	events       *observability.EventLogger
	metrics      *observability.MetricsManager
	locks        *keylock.Map
}

// Option configures an Assembler.
type Option func(*Assembler)

func WithMaxChunkBytes(n int64) Option         { return func(a *Assembler) { a.maxChunk = n } }
func WithClock(now func() time.Time) Option    { return func(a *Assembler) { a.now = now } }
func WithIDGenerator(g idgen.Generator) Option { return func(a *Assembler) { a.newID = g } }
func WithLogger(l *slog.Logger) Option         { return func(a *Assembler) { a.logger = l } }

func WithEvents(e *observability.EventLogger) Option {
	return func(a *Assembler) { a.events = e }
}

func WithMetrics(m *observability.MetricsManager) Option {
	return func(a *Assembler) { a.metrics = m }
}

// New returns an Assembler storing sessions in db, chunks in chunks and
// artifacts under artifactsDir. Call Init before use.
func New(db *sql.DB, chunks *chunkstore.Store, artifactsDir string, opts ...Option) *Assembler {
	a := &Assembler{
		db:           db,
		chunks:       chunks,
		artifactsDir: artifactsDir,
		maxChunk:     DefaultMaxChunkBytes,
		now:          time.Now,
		newID:        idgen.SessionID,
		logger:       slog.Default(),
		locks:        keylock.New(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Init creates the session table and the artifacts directory.
func (a *Assembler) Init(ctx context.Context) error {
	if err := os.MkdirAll(a.artifactsDir, 0o755); err != nil {
		return fmt.Errorf("upload: mkdir artifacts: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("upload: init: %w", err)
	}
	return nil
}

// ArtifactsDir returns the directory holding assembled artifacts.
func (a *Assembler) ArtifactsDir() string { return a.artifactsDir }

// Open creates a session ahead of its chunks, declaring the file name and
// an optional checksum.
func (a *Assembler) Open(ctx context.Context, owner, filename string, total int, checksum string) (*Session, error) {
	sum, err := ParseChecksum(checksum)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
	}
	if total <= 0 || total > MaxChunks {
		return nil, fmt.Errorf("%w: total %d out of range", ErrInvalidChunk, total)
	}
	now := a.now().UTC()
	s := &Session{
		ID:          a.newID(),
		Owner:       owner,
		Filename:    horosafe.SanitizeFilename(filename),
		TotalChunks: total,
		Checksum:    sum.String(),
		State:       Receiving,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.insert(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns session id.
func (a *Assembler) Get(ctx context.Context, id string) (*Session, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, owner, filename, total_chunks, checksum, state, artifact_path, artifact_hash,
		       size_bytes, created_at, updated_at
		FROM upload_sessions WHERE id = ?`, id)
	var (
		s                Session
		state            string
		created, updated int64
	)
	err := row.Scan(&s.ID, &s.Owner, &s.Filename, &s.TotalChunks, &s.Checksum, &state,
		&s.ArtifactPath, &s.ArtifactHash, &s.Size, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("upload: get %s: %w", id, err)
	}
	s.State = State(state)
	s.CreatedAt = time.UnixMilli(created).UTC()
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return &s, nil
}

// PutChunk stores chunk index of total for session. The session is
// created on its first chunk. Re-sending an index overwrites it.
func (a *Assembler) PutChunk(ctx context.Context, session, owner string, index, total int, data []byte) (PutResult, error) {
	if err := horosafe.ValidateIdentifier(session); err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
	}
	if total <= 0 || total > MaxChunks {
		return PutResult{}, fmt.Errorf("%w: total %d out of range", ErrInvalidChunk, total)
	}
	if index < 0 || index >= total {
		return PutResult{}, fmt.Errorf("%w: index %d not in [0,%d)", ErrInvalidChunk, index, total)
	}
	if int64(len(data)) > a.maxChunk {
		return PutResult{}, fmt.Errorf("%w: chunk of %d bytes exceeds %d", ErrInvalidChunk, len(data), a.maxChunk)
	}

	unlock := a.locks.Lock(session)
	defer unlock()

	s, err := a.Get(ctx, session)
	switch {
	case errors.Is(err, ErrNotFound):
		now := a.now().UTC()
		s = &Session{ID: session, Owner: owner, Filename: session, TotalChunks: total,
			State: Receiving, CreatedAt: now, UpdatedAt: now}
		if err := a.insert(ctx, s); err != nil {
			return PutResult{}, err
		}
	case err != nil:
		return PutResult{}, err
	}

	switch s.State {
	case Finalizing:
		return PutResult{}, fmt.Errorf("%w: %s", ErrFinalizing, session)
	case Assembled, Expired:
		return PutResult{}, fmt.Errorf("%w: %s is %s", ErrClosed, session, s.State)
	}
	if s.TotalChunks != total {
		return PutResult{}, fmt.Errorf("%w: total %d conflicts with declared %d", ErrInvalidChunk, total, s.TotalChunks)
	}

	if err := a.chunks.Put(session, index, data); err != nil {
		return PutResult{}, &IOError{Session: session, Op: "store chunk", Err: err}
	}
	// a failed touch only shortens the session's TTL
	if _, err := dbopen.Exec(ctx, a.db, `UPDATE upload_sessions SET updated_at = ? WHERE id = ?`, a.now().UnixMilli(), session); err != nil {
		a.logger.Warn("upload: touch session failed", "session_id", session, "error", err)
	}

	received, missing, err := a.completeness(session, total)
	if err != nil {
		return PutResult{}, err
	}
	return PutResult{Accepted: true, Complete: len(missing) == 0, Received: len(received), Total: total}, nil
}

// Status reports received and missing chunks, recomputed from the store.
func (a *Assembler) Status(ctx context.Context, session string) (*Progress, error) {
	s, err := a.Get(ctx, session)
	if err != nil {
		return nil, err
	}
	p := &Progress{Session: s}
	if s.State == Assembled {
		p.Complete = true
		return p, nil
	}
	p.Received, p.Missing, err = a.completeness(session, s.TotalChunks)
	if err != nil {
		return nil, err
	}
	p.Complete = len(p.Missing) == 0
	return p, nil
}

func (a *Assembler) completeness(session string, total int) (received, missing []int, err error) {
	idx, err := a.chunks.Indices(session)
	if err != nil {
		return nil, nil, &IOError{Session: session, Op: "list chunks", Err: err}
	}
	have := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i < total {
			have[i] = true
			received = append(received, i)
		}
	}
	for i := 0; i < total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return received, missing, nil
}

// Finalize assembles session into its artifact. checksum, when non-empty,
// overrides the one declared at Open. A session already assembled is
// returned as is.
//
// On IncompleteUpload, ChecksumMismatch or IOFailure the session returns
// to receiving and no artifact is left behind.
func (a *Assembler) Finalize(ctx context.Context, session, checksum string) (*Session, error) {
	unlock := a.locks.Lock(session)
	s, err := a.Get(ctx, session)
	if err != nil {
		unlock()
		return nil, err
	}
	switch s.State {
	case Assembled:
		unlock()
		return s, nil
	case Finalizing:
		unlock()
		return nil, fmt.Errorf("%w: %s", ErrFinalizing, session)
	case Expired:
		unlock()
		return nil, fmt.Errorf("%w: %s is expired", ErrClosed, session)
	}

	sumText := s.Checksum
	if checksum != "" {
		sumText = checksum
	}
	sum, err := ParseChecksum(sumText)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
	}

	_, missing, err := a.completeness(session, s.TotalChunks)
	if err != nil {
		unlock()
		return nil, err
	}
	if len(missing) > 0 {
		unlock()
		return nil, &IncompleteError{Session: session, Missing: missing}
	}
	if err := a.setState(ctx, session, Receiving, Finalizing); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	start := a.now()
	path, digest, size, err := a.assemble(s, sum)
	if err != nil {
		unlock := a.locks.Lock(session)
		if rerr := a.setState(context.WithoutCancel(ctx), session, Finalizing, Receiving); rerr != nil {
			a.logger.Error("upload: revert to receiving failed", "session_id", session, "error", rerr)
		}
		unlock()
		a.events.LogEvent(ctx, observability.BusinessEvent{
			EventType: observability.EventUploadRejected, EntityType: "upload", EntityID: session,
			UserID: s.Owner, Action: "finalize", Details: err.Error(), Success: false,
		})
		a.logger.Warn("upload: finalize failed", "session_id", session, "error", err)
		return nil, err
	}

	unlock = a.locks.Lock(session)
	defer unlock()
	_, err = dbopen.Exec(context.WithoutCancel(ctx), a.db, `
		UPDATE upload_sessions
		SET state = ?, artifact_path = ?, artifact_hash = ?, size_bytes = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(Assembled), path, digest, size, a.now().UnixMilli(), session, string(Finalizing))
	if err != nil {
		os.Remove(path)
		a.setState(context.WithoutCancel(ctx), session, Finalizing, Receiving)
		return nil, &IOError{Session: session, Op: "record artifact", Err: err}
	}
	if err := a.chunks.Delete(session); err != nil {
		a.logger.Warn("upload: chunk cleanup failed", "session_id", session, "error", err)
	}

	a.events.LogEvent(ctx, observability.BusinessEvent{
		EventType: observability.EventUploadFinalized, EntityType: "upload", EntityID: session,
		UserID: s.Owner, Action: "finalize", Details: digest, Success: true,
	})
	a.metrics.RecordSimple(observability.MetricUploadBytes, float64(size), "bytes")
	a.logger.Info("upload: assembled", "session_id", session, "bytes", size,
		"chunks", s.TotalChunks, "duration", a.now().Sub(start))
	return a.Get(ctx, session)
}

// assemble concatenates the chunks in index order into a temporary file,
// verifies the digest and renames the file into place.
func (a *Assembler) assemble(s *Session, sum Checksum) (path, digest string, size int64, err error) {
	dir, err := horosafe.SafePath(a.artifactsDir, s.ID)
	if err != nil {
		return "", "", 0, &IOError{Session: s.ID, Op: "artifact path", Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", 0, &IOError{Session: s.ID, Op: "mkdir artifact", Err: err}
	}
	out, err := os.CreateTemp(dir, ".assemble-*")
	if err != nil {
		return "", "", 0, &IOError{Session: s.ID, Op: "create artifact", Err: err}
	}
	tmpName := out.Name()
	fail := func(e error) (string, string, int64, error) {
		out.Close()
		os.Remove(tmpName)
		return "", "", 0, e
	}

	h := sum.newHash()
	w := io.MultiWriter(out, h)
	for i := 0; i < s.TotalChunks; i++ {
		rc, err := a.chunks.Open(s.ID, i)
		if errors.Is(err, chunkstore.ErrNotFound) {
			return fail(&IncompleteError{Session: s.ID, Missing: []int{i}})
		}
		if err != nil {
			return fail(&IOError{Session: s.ID, Op: fmt.Sprintf("open chunk %d", i), Err: err})
		}
		n, err := io.Copy(w, rc)
		rc.Close()
		if err != nil {
			return fail(&IOError{Session: s.ID, Op: fmt.Sprintf("copy chunk %d", i), Err: err})
		}
		size += n
	}
	if err := out.Sync(); err != nil {
		return fail(&IOError{Session: s.ID, Op: "sync artifact", Err: err})
	}

	algo := sum.Algo
	if algo == "" {
		algo = "sha256"
	}
	actual := fmt.Sprintf("%x", h.Sum(nil))
	if !sum.IsZero() && actual != sum.Hex {
		return fail(&ChecksumError{Session: s.ID, Expected: sum.String(), Actual: algo + ":" + actual})
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", 0, &IOError{Session: s.ID, Op: "close artifact", Err: err}
	}

	path = filepath.Join(dir, s.Filename)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", "", 0, &IOError{Session: s.ID, Op: "rename artifact", Err: err}
	}
	return path, algo + ":" + actual, size, nil
}

// Purge expires receiving sessions created more than ttl ago and deletes
// their chunks. Finalizing sessions are never touched. It also removes
// chunk directories left behind by closed or unknown sessions.
func (a *Assembler) Purge(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := a.now().Add(-ttl).UnixMilli()
	rows, err := a.db.QueryContext(ctx,
		`SELECT id FROM upload_sessions WHERE state = ? AND created_at < ?`, string(Receiving), cutoff)
	if err != nil {
		return nil, fmt.Errorf("upload: purge scan: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var purged []string
	for _, id := range candidates {
		unlock := a.locks.Lock(id)
		res, err := dbopen.Exec(ctx, a.db, `
			UPDATE upload_sessions SET state = ?, updated_at = ?
			WHERE id = ? AND state = ? AND created_at < ?`,
			string(Expired), a.now().UnixMilli(), id, string(Receiving), cutoff)
		if err != nil {
			unlock()
			return purged, fmt.Errorf("upload: purge %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if err := a.chunks.Delete(id); err != nil {
				a.logger.Warn("upload: purge chunks failed", "session_id", id, "error", err)
			}
			purged = append(purged, id)
			a.events.LogEvent(ctx, observability.BusinessEvent{
				EventType: observability.EventUploadPurged, EntityType: "upload", EntityID: id,
				Action: "expire", Success: true,
			})
		}
		unlock()
	}

	dirs, err := a.chunks.Sessions()
	if err != nil {
		return purged, err
	}
	for _, id := range dirs {
		unlock := a.locks.Lock(id)
		s, err := a.Get(ctx, id)
		if errors.Is(err, ErrNotFound) || (err == nil && (s.State == Assembled || s.State == Expired)) {
			a.chunks.Delete(id)
		}
		unlock()
	}

	if len(purged) > 0 {
		a.logger.Info("upload: purged expired sessions", "count", len(purged))
	}
	return purged, nil
}

// RecoverStale returns sessions left in finalizing by a crashed process
// to receiving and removes their partial artifacts.
func (a *Assembler) RecoverStale(ctx context.Context) (int, error) {
	res, err := dbopen.Exec(ctx, a.db, `UPDATE upload_sessions SET state = ?, updated_at = ? WHERE state = ?`,
		string(Receiving), a.now().UnixMilli(), string(Finalizing))
	if err != nil {
		return 0, fmt.Errorf("upload: recover stale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		matches, _ := filepath.Glob(filepath.Join(a.artifactsDir, "*", ".assemble-*"))
		for _, m := range matches {
			os.Remove(m)
		}
		a.logger.Warn("upload: recovered sessions stuck in finalizing", "count", n)
	}
	return int(n), nil
}

func (a *Assembler) insert(ctx context.Context, s *Session) error {
	_, err := dbopen.Exec(ctx, a.db, `
		INSERT INTO upload_sessions (id, owner, filename, total_chunks, checksum, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Owner, s.Filename, s.TotalChunks, s.Checksum, string(s.State),
		s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upload: create session: %w", err)
	}
	return nil
}

func (a *Assembler) setState(ctx context.Context, id string, from, to State) error {
	res, err := dbopen.Exec(ctx, a.db, `UPDATE upload_sessions SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), a.now().UnixMilli(), id, string(from))
	if err != nil {
		return fmt.Errorf("upload: set state %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is no longer %s", ErrFinalizing, id, from)
	}
	return nil
}
