// Package orchestrator owns the job state machine. It admits queued jobs
// into the active execution backend, watches each admitted job until it
// reaches a terminal status, and publishes every transition on the
// progress bus.
//
// All state changes of one job are serialized through a per-job lock;
// unrelated jobs never wait on each other. Every registry write is a
// compare-and-set on the expected current status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/horosafe"
	"github.com/hazyhaar/scribe/idgen"
	"github.com/hazyhaar/scribe/job"
	"github.com/hazyhaar/scribe/keylock"
	"github.com/hazyhaar/scribe/observability"
	"github.com/hazyhaar/scribe/progress"
	"github.com/hazyhaar/scribe/recovery"
	"github.com/hazyhaar/scribe/registry"
	"github.com/hazyhaar/scribe/upload"
)

var (
	// ErrNotStarted is returned by operations called before Start.
	ErrNotStarted = errors.New("orchestrator: not started")
	// ErrNotRetryable is returned by RetryJob for jobs that are not failed
	// or cancelled.
	ErrNotRetryable = errors.New("orchestrator: only failed or cancelled jobs can be retried")
	// ErrNoUploads is returned by SubmitUpload when no assembler is wired.
	ErrNoUploads = errors.New("orchestrator: uploads not configured")
	ErrInvalid   = errors.New("orchestrator: invalid request")
)

// Config tunes the orchestrator. Zero values take the defaults noted.
type Config struct {
	Timeout           time.Duration // wall clock per job from admission, 0 disables
	CancelGrace       time.Duration // default 30s
	PollInterval      time.Duration // monitor poll period, default 500ms
	AdmissionInterval time.Duration // admission ticker, default 2s
	RecoveryInterval  time.Duration // periodic sweep, 0 runs it only at Start
	Generation        string        // default idgen.Generation()
}

func (c *Config) defaults() {
	if c.CancelGrace <= 0 {
		c.CancelGrace = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.AdmissionInterval <= 0 {
		c.AdmissionInterval = 2 * time.Second
	}
	if c.Generation == "" {
		c.Generation = idgen.Generation()
	}
}

// SubmitRequest describes a job to create.
type SubmitRequest struct {
	ArtifactPath string
	Filename     string
	Params       job.Params
	Owner        string
	SessionID    string
}

// Orchestrator drives jobs from queued to a terminal status.
type Orchestrator struct {
	reg     *registry.Registry
	backend execution.Backend
	bus     *progress.Bus
	uploads *upload.Assembler
	cfg     Config
	timeout atomic.Int64

	locks   *keylock.Map
	logger  *slog.Logger
	events  *observability.EventLogger
	metrics *observability.MetricsManager
	newID   idgen.Generator
	now     func() time.Time

	startMu  sync.Mutex
	started  atomic.Bool
	base     context.Context
	stop     context.CancelFunc
	kick     chan struct{}
	admitMu  sync.Mutex
	mu       sync.Mutex
	monitors map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithUploads(a *upload.Assembler) Option { return func(o *Orchestrator) { o.uploads = a } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithEvents(e *observability.EventLogger) Option { return func(o *Orchestrator) { o.events = e } }

func WithMetrics(m *observability.MetricsManager) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithIDGenerator(g idgen.Generator) Option { return func(o *Orchestrator) { o.newID = g } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New returns an orchestrator. Call Start before any other operation.
func New(reg *registry.Registry, backend execution.Backend, bus *progress.Bus, cfg Config, opts ...Option) *Orchestrator {
	cfg.defaults()
	o := &Orchestrator{
		reg:      reg,
		backend:  backend,
		bus:      bus,
		cfg:      cfg,
		locks:    keylock.New(),
		logger:   slog.Default(),
		newID:    idgen.JobID,
		now:      time.Now,
		kick:     make(chan struct{}, 1),
		monitors: make(map[string]context.CancelFunc),
	}
	o.timeout.Store(int64(cfg.Timeout))
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generation is the process generation stamped on admitted jobs.
func (o *Orchestrator) Generation() string { return o.cfg.Generation }

// Backend returns the active execution backend.
func (o *Orchestrator) Backend() execution.Backend { return o.backend }

// Start runs the recovery sweep, resumes monitors for in-flight jobs of
// the active backend and starts admission. Monitors and loops stop when
// ctx is done or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	if o.started.Load() {
		return nil
	}
	sweeper := recovery.NewSweeper(o.reg, o.cfg.Generation, o.backend.Name(),
		recovery.WithLogger(o.logger),
		recovery.WithEvents(o.events),
		recovery.WithNotify(func(j *job.Job) { o.publish(j, "") }))
	if _, err := sweeper.SweepOnce(ctx); err != nil {
		return fmt.Errorf("orchestrator: start: %w", err)
	}

	o.base, o.stop = context.WithCancel(ctx)

	inflight, err := o.reg.ListByStatus(ctx, job.Processing, job.Enriching)
	if err != nil {
		o.stop()
		return fmt.Errorf("orchestrator: start: %w", err)
	}
	resumed := 0
	for _, j := range inflight {
		if j.Backend != o.backend.Name() || j.Handle == "" {
			continue
		}
		o.startMonitor(j)
		resumed++
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.admissionLoop(o.base)
	}()
	if o.cfg.RecoveryInterval > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			sweeper.Run(o.base, o.cfg.RecoveryInterval)
		}()
	}

	o.started.Store(true)
	o.logger.Info("orchestrator: started", "backend", o.backend.Name(), "generation", o.cfg.Generation,
		"resumed", resumed, "concurrency", o.backend.Concurrency())
	o.kickAdmission()
	return nil
}

// Stop halts admission and monitors and waits for them. Jobs in flight
// stay processing in the registry.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.started.Load() {
		return nil
	}
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: stop: %w", ctx.Err())
	}
}

func (o *Orchestrator) ready() error {
	if !o.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// SubmitJob creates a queued job and runs admission. The returned
// snapshot is processing when the job was admitted. When the backend is
// full the job stays queued, the snapshot is still returned, and the
// error wraps execution.ErrRejectedCapacity; the job is admitted later
// without further action from the caller.
func (o *Orchestrator) SubmitJob(ctx context.Context, req SubmitRequest) (job.Snapshot, error) {
	if err := o.ready(); err != nil {
		return job.Snapshot{}, err
	}
	if req.ArtifactPath == "" {
		return job.Snapshot{}, fmt.Errorf("%w: artifact path is required", ErrInvalid)
	}
	if req.Filename == "" {
		req.Filename = horosafe.SanitizeFilename(req.ArtifactPath)
	}
	j := &job.Job{
		ID:           o.newID(),
		Owner:        req.Owner,
		Filename:     req.Filename,
		SessionID:    req.SessionID,
		ArtifactPath: req.ArtifactPath,
		Params:       req.Params,
	}
	return o.create(ctx, j)
}

func (o *Orchestrator) create(ctx context.Context, j *job.Job) (job.Snapshot, error) {
	if err := o.reg.Create(ctx, j); err != nil {
		return job.Snapshot{}, err
	}
	o.logger.Info("orchestrator: job submitted", "job_id", j.ID, "owner", j.Owner, "attempt", j.Attempt)
	o.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:  observability.EventJobSubmitted,
		EntityType: "job",
		EntityID:   j.ID,
		UserID:     j.Owner,
		Action:     string(job.Queued),
		Details:    fmt.Sprintf(`{"attempt":%d,"retry_of":%q}`, j.Attempt, j.RetryOf),
		Success:    true,
	})

	rejected := o.admit(ctx)
	cur, err := o.reg.Get(ctx, j.ID)
	if err != nil {
		return job.Snapshot{}, err
	}
	if cur.Status == job.Queued && rejected {
		return cur.Snapshot(), fmt.Errorf("%w: job %s stays queued", execution.ErrRejectedCapacity, j.ID)
	}
	return cur.Snapshot(), nil
}

// SubmitUpload finalizes an upload session and submits its artifact. A
// session yields at most one job: a second call returns the existing one.
func (o *Orchestrator) SubmitUpload(ctx context.Context, sessionID, checksum string, params job.Params, owner string) (job.Snapshot, error) {
	if err := o.ready(); err != nil {
		return job.Snapshot{}, err
	}
	if o.uploads == nil {
		return job.Snapshot{}, ErrNoUploads
	}
	unlock := o.locks.Lock("upload:" + sessionID)
	defer unlock()

	if existing, err := o.reg.BySession(ctx, sessionID); err == nil {
		return existing.Snapshot(), nil
	} else if !errors.Is(err, job.ErrNotFound) {
		return job.Snapshot{}, err
	}

	sess, err := o.uploads.Finalize(ctx, sessionID, checksum)
	if err != nil {
		return job.Snapshot{}, err
	}
	if owner == "" {
		owner = sess.Owner
	}
	return o.SubmitJob(ctx, SubmitRequest{
		ArtifactPath: sess.ArtifactPath,
		Filename:     sess.Filename,
		Params:       params,
		Owner:        owner,
		SessionID:    sess.ID,
	})
}

// GetJobStatus returns the current snapshot of job id.
func (o *Orchestrator) GetJobStatus(ctx context.Context, id string) (job.Snapshot, error) {
	if err := o.ready(); err != nil {
		return job.Snapshot{}, err
	}
	j, err := o.reg.Get(ctx, id)
	if err != nil {
		return job.Snapshot{}, err
	}
	return j.Snapshot(), nil
}

// History returns the recorded transitions of job id.
func (o *Orchestrator) History(ctx context.Context, id string) ([]job.Transition, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	if _, err := o.reg.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.reg.History(ctx, id)
}

// ListJobs returns the most recent jobs of owner.
func (o *Orchestrator) ListJobs(ctx context.Context, owner string, limit int) ([]job.Snapshot, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	jobs, err := o.reg.List(ctx, owner, limit)
	if err != nil {
		return nil, err
	}
	out := make([]job.Snapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot()
	}
	return out, nil
}

// RetryJob creates a new attempt of a failed or cancelled job with the
// same artifact and parameters.
func (o *Orchestrator) RetryJob(ctx context.Context, id string) (job.Snapshot, error) {
	if err := o.ready(); err != nil {
		return job.Snapshot{}, err
	}
	prev, err := o.reg.Get(ctx, id)
	if err != nil {
		return job.Snapshot{}, err
	}
	if prev.Status != job.Failed && prev.Status != job.Cancelled {
		return prev.Snapshot(), fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, prev.Status)
	}
	return o.create(ctx, &job.Job{
		ID:           o.newID(),
		Owner:        prev.Owner,
		Filename:     prev.Filename,
		ArtifactPath: prev.ArtifactPath,
		Params:       prev.Params,
		Attempt:      prev.Attempt + 1,
		RetryOf:      prev.ID,
	})
}

// SubscribeProgress attaches a subscriber to job id's events. The
// subscription ends when ctx is done or it is closed.
func (o *Orchestrator) SubscribeProgress(ctx context.Context, id string) (*progress.Subscription, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	return o.bus.Subscribe(ctx, id)
}

// SetConcurrency changes the backend limit. Running jobs continue; only
// future admissions see the new value.
func (o *Orchestrator) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalid)
	}
	o.backend.SetConcurrency(n)
	o.logger.Info("orchestrator: concurrency changed", "concurrency", n)
	o.kickAdmission()
	return nil
}

// SetTimeout changes the wall-clock limit applied by monitors.
func (o *Orchestrator) SetTimeout(d time.Duration) {
	o.timeout.Store(int64(d))
	o.logger.Info("orchestrator: timeout changed", "timeout", d)
}

func (o *Orchestrator) jobTimeout() time.Duration { return time.Duration(o.timeout.Load()) }

// InFlight is the number of jobs being monitored.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.monitors)
}
