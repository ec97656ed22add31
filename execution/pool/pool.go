// Package pool is the in-process execution backend: a bounded set of
// goroutines running the shared executor.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/job"
)

// Name is the backend name recorded on jobs run by the pool.
const Name = "pool"

const handlePrefix = "pool:"

// finished runs nobody polled are forgotten after this long.
const retainFinished = 10 * time.Minute

type run struct {
	jobID  string
	cancel context.CancelFunc

	mu         sync.Mutex
	phase      execution.Phase
	logs       []string
	done       bool
	outcome    execution.Outcome
	finishedAt time.Time
}

func (r *run) Phase(p execution.Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *run) Log(line string) {
	r.mu.Lock()
	r.logs = append(r.logs, line)
	r.mu.Unlock()
}

// Pool runs at most limit jobs at once. A slot stays occupied until the
// runner returns, including after Cancel or a timeout: a cancelled engine
// that keeps running still counts against the limit.
type Pool struct {
	runner execution.Runner
	logger *slog.Logger

	mu     sync.Mutex
	limit  int
	busy   int
	runs   map[execution.Handle]*run
	byJob  map[string]execution.Handle
	closed bool

	base      context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// New returns a pool with limit slots (minimum 1).
func New(runner execution.Runner, limit int, opts ...Option) *Pool {
	base, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runner:    runner,
		logger:    slog.Default(),
		limit:     max(limit, 1),
		runs:      make(map[execution.Handle]*run),
		byJob:     make(map[string]execution.Handle),
		base:      base,
		cancelAll: cancel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) Name() string { return Name }

// Submit starts j if a slot is free. A job that is already running in the
// pool gets its existing handle back instead of a second invocation.
func (p *Pool) Submit(ctx context.Context, j *job.Job) (execution.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", execution.ErrClosed
	}
	if h, ok := p.byJob[j.ID]; ok {
		return h, nil
	}
	p.pruneLocked()
	if p.busy >= p.limit {
		return "", execution.ErrRejectedCapacity
	}

	h := execution.Handle(handlePrefix + j.ID)
	runCtx, cancel := context.WithCancel(p.base)
	r := &run{jobID: j.ID, cancel: cancel, phase: execution.PhaseTranscribing}
	p.runs[h] = r
	p.byJob[j.ID] = h
	p.busy++
	p.wg.Add(1)

	go p.execute(runCtx, h, r, j.Clone())
	p.logger.Debug("pool: job started", "job_id", j.ID, "busy", p.busy, "limit", p.limit)
	return h, nil
}

func (p *Pool) execute(ctx context.Context, h execution.Handle, r *run, j *job.Job) {
	defer p.wg.Done()
	var out execution.Outcome
	func() {
		defer func() {
			if v := recover(); v != nil {
				out = execution.Outcome{Reason: job.ReasonInternalError, Detail: fmt.Sprintf("panic: %v", v)}
			}
		}()
		out = p.runner.Execute(ctx, j, r)
	}()
	r.cancel()

	r.mu.Lock()
	r.done = true
	r.outcome = out
	r.finishedAt = time.Now()
	r.mu.Unlock()

	p.mu.Lock()
	p.busy--
	if p.byJob[j.ID] == h {
		delete(p.byJob, j.ID)
	}
	p.mu.Unlock()
	p.logger.Debug("pool: job finished", "job_id", j.ID, "reason", string(out.Reason))
}

// Poll reports the state of h and drains its pending log lines. Once a
// final state has been delivered the handle is forgotten.
func (p *Pool) Poll(ctx context.Context, h execution.Handle) (execution.Status, error) {
	p.mu.Lock()
	r, ok := p.runs[h]
	p.mu.Unlock()
	if !ok {
		return execution.Status{}, fmt.Errorf("%w: %s", execution.ErrUnknownHandle, h)
	}

	r.mu.Lock()
	st := execution.Status{State: execution.Running, Phase: r.phase, Logs: r.logs}
	r.logs = nil
	done, out := r.done, r.outcome
	r.mu.Unlock()

	if !done {
		return st, nil
	}
	if out.Failed() {
		st.State = execution.Failed
		st.Reason = out.Reason
		st.Detail = out.Detail
	} else {
		st.State = execution.Succeeded
		st.ResultRef = out.ResultRef
	}
	p.mu.Lock()
	delete(p.runs, h)
	p.mu.Unlock()
	return st, nil
}

// Cancel cancels the context of the run behind h. The run reports
// Failed(Cancelled) only once the runner has actually returned.
func (p *Pool) Cancel(ctx context.Context, h execution.Handle) error {
	p.mu.Lock()
	r, ok := p.runs[h]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", execution.ErrUnknownHandle, h)
	}
	r.cancel()
	return nil
}

func (p *Pool) SetConcurrency(n int) {
	p.mu.Lock()
	p.limit = max(n, 1)
	p.mu.Unlock()
}

func (p *Pool) Concurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// ActiveCount is the number of occupied slots.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Close rejects further submissions, cancels running jobs and waits for
// them to return or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancelAll()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool: close: %w", ctx.Err())
	}
}

// JobID extracts the job id from a pool handle.
func JobID(h execution.Handle) (string, bool) {
	return strings.CutPrefix(string(h), handlePrefix)
}

// must hold p.mu
func (p *Pool) pruneLocked() {
	cutoff := time.Now().Add(-retainFinished)
	for h, r := range p.runs {
		r.mu.Lock()
		stale := r.done && r.finishedAt.Before(cutoff)
		r.mu.Unlock()
		if stale {
			delete(p.runs, h)
		}
	}
}
