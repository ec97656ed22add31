// Package broker is the durable execution backend. Submit publishes a
// message on a visibility-timeout queue; separate worker processes claim
// messages, run the executor and write terminal transitions straight into
// the job registry. Work survives a restart of the server process.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/idgen"
	"github.com/hazyhaar/scribe/job"
	"github.com/hazyhaar/scribe/registry"
)

// Name is the backend name recorded on jobs run by the broker.
const Name = "broker"

const handlePrefix = "brk:"

// maxLogBatch bounds the log lines returned by one Poll.
const maxLogBatch = 500

// payload is the queue message body.
type payload struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// Backend publishes admitted jobs and reads their progress back from the
// registry.
type Backend struct {
	tr     Transport
	reg    *registry.Registry
	logger *slog.Logger
	newID  idgen.Generator

	mu      sync.Mutex
	limit   int
	cursors map[execution.Handle]int64
}

// Option configures a Backend.
type Option func(*Backend)

func WithLogger(l *slog.Logger) Option { return func(b *Backend) { b.logger = l } }

func WithIDGenerator(g idgen.Generator) Option { return func(b *Backend) { b.newID = g } }

// New returns a broker backend that accepts at most limit outstanding
// messages.
func New(tr Transport, reg *registry.Registry, limit int, opts ...Option) *Backend {
	b := &Backend{
		tr:      tr,
		reg:     reg,
		logger:  slog.Default(),
		newID:   idgen.NanoID(8),
		limit:   max(limit, 1),
		cursors: make(map[execution.Handle]int64),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) Name() string { return Name }

// messageID builds the queue message id for a job. The suffix keeps a
// resubmission from colliding with a stale message.
func (b *Backend) messageID(jobID string) string { return jobID + "." + b.newID() }

// ParseHandle returns the job id and message id behind a broker handle.
func ParseHandle(h execution.Handle) (jobID, msgID string, err error) {
	msgID, ok := strings.CutPrefix(string(h), handlePrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", execution.ErrUnknownHandle, h)
	}
	i := strings.LastIndexByte(msgID, '.')
	if i <= 0 {
		return "", "", fmt.Errorf("%w: %s", execution.ErrUnknownHandle, h)
	}
	return msgID[:i], msgID, nil
}

func (b *Backend) Submit(ctx context.Context, j *job.Job) (execution.Handle, error) {
	n, err := b.tr.Len(ctx)
	if err != nil {
		return "", fmt.Errorf("broker: submit %s: %w", j.ID, err)
	}
	if n >= b.Concurrency() {
		return "", execution.ErrRejectedCapacity
	}
	body, err := json.Marshal(payload{JobID: j.ID, Attempt: j.Attempt})
	if err != nil {
		return "", err
	}
	id := b.messageID(j.ID)
	if err := b.tr.Publish(ctx, id, body); err != nil {
		return "", fmt.Errorf("broker: submit %s: %w", j.ID, err)
	}
	b.logger.Debug("broker: message published", "job_id", j.ID, "message_id", id, "outstanding", n+1)
	return execution.Handle(handlePrefix + id), nil
}

// Poll derives the submission state from the registry, which workers
// write directly, and returns log lines appended since the last Poll.
func (b *Backend) Poll(ctx context.Context, h execution.Handle) (execution.Status, error) {
	jobID, msgID, err := ParseHandle(h)
	if err != nil {
		return execution.Status{}, err
	}
	j, err := b.reg.Get(ctx, jobID)
	if errors.Is(err, job.ErrNotFound) {
		return execution.Status{}, fmt.Errorf("%w: %s", execution.ErrUnknownHandle, h)
	}
	if err != nil {
		return execution.Status{}, err
	}

	b.mu.Lock()
	cursor := b.cursors[h]
	b.mu.Unlock()
	lines, err := b.reg.Logs(ctx, jobID, cursor, maxLogBatch)
	if err != nil {
		return execution.Status{}, err
	}
	st := execution.Status{State: execution.Running, Phase: execution.PhaseTranscribing}
	for _, l := range lines {
		st.Logs = append(st.Logs, l.Line)
		cursor = l.Seq
	}

	switch j.Status {
	case job.Enriching:
		st.Phase = execution.PhaseEnriching
		fallthrough
	case job.Processing:
		exists, err := b.tr.Exists(ctx, msgID)
		if err != nil {
			return execution.Status{}, err
		}
		if !exists {
			// a worker writes the terminal status before acking
			if j, err = b.reg.Get(ctx, jobID); err != nil {
				return execution.Status{}, err
			}
			if j.Status.Active() {
				if j.CancelRequested {
					st.State, st.Reason = execution.Failed, job.ReasonCancelled
					st.Detail = "stopped before a worker started it"
				} else {
					st.State, st.Reason = execution.Failed, job.ReasonInternalError
					st.Detail = "broker message lost"
				}
			}
		}
	}
	applyTerminal(&st, j)

	b.mu.Lock()
	if st.Done() {
		delete(b.cursors, h)
	} else {
		b.cursors[h] = cursor
	}
	b.mu.Unlock()
	return st, nil
}

func applyTerminal(st *execution.Status, j *job.Job) {
	switch j.Status {
	case job.Completed:
		st.State, st.ResultRef = execution.Succeeded, j.ResultRef
	case job.Failed:
		st.State, st.Reason, st.Detail = execution.Failed, j.FailureReason, j.FailureDetail
	case job.Cancelled:
		st.State, st.Reason = execution.Failed, job.ReasonCancelled
	}
}

// Cancel removes the message if no worker holds it yet; otherwise the
// holding worker sees cancel_requested on its next heartbeat.
func (b *Backend) Cancel(ctx context.Context, h execution.Handle) error {
	_, msgID, err := ParseHandle(h)
	if err != nil {
		return err
	}
	removed, err := b.tr.Remove(ctx, msgID)
	if err != nil {
		return fmt.Errorf("broker: cancel %s: %w", h, err)
	}
	b.logger.Debug("broker: cancel", "handle", string(h), "removed", removed)
	return nil
}

func (b *Backend) SetConcurrency(n int) {
	b.mu.Lock()
	b.limit = max(n, 1)
	b.mu.Unlock()
}

func (b *Backend) Concurrency() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

// Outstanding is the number of queued or held messages.
func (b *Backend) Outstanding(ctx context.Context) (int, error) { return b.tr.Len(ctx) }
