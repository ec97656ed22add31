package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/idgen"
	"github.com/hazyhaar/scribe/job"
	"github.com/hazyhaar/scribe/registry"
	"github.com/hazyhaar/scribe/vtq"
)

// WorkerConfig tunes a Worker. Zero values take the defaults noted.
type WorkerConfig struct {
	Name         string        // claim owner prefix; required
	Concurrency  int           // parallel jobs, default 1
	Lease        time.Duration // registry lease and message visibility, default transport visibility
	Heartbeat    time.Duration // default Lease/3
	PollInterval time.Duration // idle wait between claims, default 1s
	// NotReadyDelay is how long a message for a job still queued in the
	// registry is hidden before the next look. Default 500ms.
	NotReadyDelay time.Duration
}

// Worker consumes broker messages and runs their jobs.
type Worker struct {
	tr     Transport
	reg    *registry.Registry
	runner execution.Runner
	cfg    WorkerConfig
	logger *slog.Logger
	now    func() time.Time
	token  idgen.Generator

	active atomic.Int32

	mu      sync.Mutex
	running map[string]struct{} // job ids executing in this worker
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithWorkerLogger(l *slog.Logger) WorkerOption { return func(w *Worker) { w.logger = l } }

func WithWorkerClock(now func() time.Time) WorkerOption { return func(w *Worker) { w.now = now } }

func NewWorker(tr Transport, reg *registry.Registry, runner execution.Runner, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = tr.Visibility()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = cfg.Lease / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.NotReadyDelay <= 0 {
		cfg.NotReadyDelay = 500 * time.Millisecond
	}
	w := &Worker{
		tr:      tr,
		reg:     reg,
		runner:  runner,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		token:   idgen.NanoID(10),
		running: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Active is the number of jobs this worker is running.
func (w *Worker) Active() int { return int(w.active.Load()) }

// Run claims and processes messages until ctx is done, then waits for
// in-flight jobs to hand their messages back.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("broker: worker started", "worker", w.cfg.Name, "concurrency", w.cfg.Concurrency)
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		w.logger.Info("broker: worker stopped", "worker", w.cfg.Name)
	}()

	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sem <- struct{}{}:
		}

		m, err := w.tr.Claim(ctx)
		if err != nil || m == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("broker: claim failed", "worker", w.cfg.Name, "error", err)
			}
			idle.Reset(w.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return nil
			case <-idle.C:
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.Handle(ctx, m)
		}()
	}
}

// ProcessOne claims one message and handles it synchronously. It reports
// whether a message was available.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	m, err := w.tr.Claim(ctx)
	if err != nil || m == nil {
		return false, err
	}
	w.Handle(ctx, m)
	return true, nil
}

// Handle processes one claimed message. Cancelling ctx is a shutdown: the
// running job is interrupted and its message and claim are handed back
// for another worker.
func (w *Worker) Handle(ctx context.Context, m *vtq.Message) {
	log := w.logger.With("worker", w.cfg.Name, "message_id", m.ID)
	// cleanup must survive the shutdown of ctx
	bg := context.WithoutCancel(ctx)

	var p payload
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.JobID == "" {
		log.Error("broker: malformed message dropped", "error", err)
		w.ack(bg, m.ID, log)
		return
	}
	log = log.With("job_id", p.JobID)

	j, err := w.reg.Get(ctx, p.JobID)
	switch {
	case errors.Is(err, job.ErrNotFound):
		log.Warn("broker: message for unknown job dropped")
		w.ack(bg, m.ID, log)
		return
	case err != nil:
		log.Warn("broker: registry read failed", "error", err)
		w.release(bg, m.ID, w.cfg.NotReadyDelay, log)
		return
	case j.Status == job.Queued:
		// admission not committed yet
		w.release(bg, m.ID, w.cfg.NotReadyDelay, log)
		return
	case j.Status.Terminal():
		w.ack(bg, m.ID, log)
		return
	case j.CancelRequested:
		w.finish(bg, j.ID, execution.Outcome{Reason: job.ReasonCancelled, Note: "cancelled before start"}, log)
		w.ack(bg, m.ID, log)
		return
	}

	// A redelivered message for a job this worker is still running must
	// not start a second execution.
	if !w.track(j.ID) {
		log.Info("broker: job already running here", "retry_in", w.cfg.Lease)
		w.release(bg, m.ID, w.cfg.Lease, log)
		return
	}
	defer w.untrack(j.ID)

	// Each delivery claims under its own owner token so that two
	// deliveries of one job never share a claim.
	owner := w.cfg.Name + "/" + w.token()
	j, err = w.reg.Claim(ctx, j.ID, owner, w.cfg.Lease)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrClaimed):
			wait := j.LeaseUntil.Sub(w.now()) + w.cfg.NotReadyDelay
			log.Info("broker: job held by another worker", "owner", j.ClaimOwner, "retry_in", wait)
			w.release(bg, m.ID, wait, log)
		case job.IsConflict(err) && j != nil && j.Status.Terminal():
			w.ack(bg, m.ID, log)
		default:
			log.Warn("broker: claim failed", "error", err)
			w.release(bg, m.ID, w.cfg.NotReadyDelay, log)
		}
		return
	}

	w.active.Add(1)
	defer w.active.Add(-1)
	log.Info("broker: job started", "attempt", m.Attempts)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var stop stopCause
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(runCtx, j.ID, owner, m.ID, &stop, cancelRun, log)
	}()

	out := w.runner.Execute(runCtx, j, &reporter{w: w, ctx: bg, jobID: j.ID, log: log})
	cancelRun()
	<-hbDone

	switch {
	case stop.get() == stopLost:
		// the registry moved on without us (timeout, forced cancel or
		// another worker); whoever owns the job now owns the message
		cur, err := w.reg.Get(bg, j.ID)
		if err == nil && cur.Status.Terminal() {
			w.ack(bg, m.ID, log)
		}
		log.Info("broker: job lost", "reason", string(out.Reason))
	case ctx.Err() != nil && stop.get() != stopCancel:
		if err := w.reg.ReleaseClaim(bg, j.ID, owner); err != nil {
			log.Warn("broker: release claim", "error", err)
		}
		w.release(bg, m.ID, 0, log)
		log.Info("broker: job handed back on shutdown")
	default:
		if stop.get() == stopCancel && out.Failed() {
			out = execution.Outcome{Reason: job.ReasonCancelled, Detail: out.Detail}
		}
		w.finish(bg, j.ID, out, log)
		w.ack(bg, m.ID, log)
	}
}

type stopCause struct{ v atomic.Int32 }

const (
	stopNone int32 = iota
	stopCancel
	stopLost
)

func (s *stopCause) set(v int32) { s.v.CompareAndSwap(stopNone, v) }
func (s *stopCause) get() int32  { return s.v.Load() }

func (w *Worker) track(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.running[jobID]; ok {
		return false
	}
	w.running[jobID] = struct{}{}
	return true
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	delete(w.running, jobID)
	w.mu.Unlock()
}

func (w *Worker) heartbeat(ctx context.Context, jobID, owner, msgID string, stop *stopCause, cancel context.CancelFunc, log *slog.Logger) {
	t := time.NewTicker(w.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := w.tr.Extend(ctx, msgID, w.cfg.Lease); err != nil {
			log.Warn("broker: extend message", "error", err)
		}
		if err := w.reg.ExtendLease(ctx, jobID, owner, w.cfg.Lease); err != nil {
			if errors.Is(err, registry.ErrLeaseLost) {
				stop.set(stopLost)
				cancel()
				return
			}
			log.Warn("broker: extend lease", "error", err)
			continue
		}
		j, err := w.reg.Get(ctx, jobID)
		if err == nil && j.CancelRequested {
			log.Info("broker: cancel requested")
			stop.set(stopCancel)
			cancel()
			return
		}
	}
}

// finish commits the terminal transition for out against the job's
// current status.
func (w *Worker) finish(ctx context.Context, jobID string, out execution.Outcome, log *slog.Logger) {
	for range 3 {
		cur, err := w.reg.Get(ctx, jobID)
		if err != nil {
			log.Error("broker: read before finish", "error", err)
			return
		}
		if !cur.Status.Active() {
			return
		}
		to, mutate := execution.TerminalFor(cur.Status, out)
		_, err = w.reg.Transition(ctx, jobID, cur.Status, to, mutate)
		if err == nil {
			log.Info("broker: job finished", "status", string(to), "reason", string(out.Reason), "detail", out.Detail)
			return
		}
		if !job.IsConflict(err) {
			log.Error("broker: commit terminal", "error", err)
			return
		}
	}
}

func (w *Worker) ack(ctx context.Context, id string, log *slog.Logger) {
	if err := w.tr.Ack(ctx, id); err != nil {
		log.Warn("broker: ack", "error", err)
	}
}

func (w *Worker) release(ctx context.Context, id string, delay time.Duration, log *slog.Logger) {
	if err := w.tr.Release(ctx, id, delay); err != nil {
		log.Warn("broker: release", "error", err)
	}
}

// reporter writes progress of a running job into the registry.
type reporter struct {
	w     *Worker
	ctx   context.Context
	jobID string
	log   *slog.Logger
}

func (r *reporter) Phase(p execution.Phase) {
	if p != execution.PhaseEnriching {
		return
	}
	if _, err := r.w.reg.Transition(r.ctx, r.jobID, job.Processing, job.Enriching, nil); err != nil {
		r.log.Warn("broker: enter enriching", "error", err)
	}
}

func (r *reporter) Log(line string) {
	if _, err := r.w.reg.AppendLog(r.ctx, r.jobID, line); err != nil {
		r.log.Warn("broker: append log", "error", err)
	}
}
