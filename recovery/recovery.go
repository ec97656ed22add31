// Package recovery fails jobs that an in-process pool left behind when its
// process died. It runs before the orchestrator admits anything.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/scribe/execution/broker"
	"github.com/hazyhaar/scribe/execution/pool"
	"github.com/hazyhaar/scribe/job"
	"github.com/hazyhaar/scribe/observability"
	"github.com/hazyhaar/scribe/registry"
)

// Action is what the sweep did with one job.
type Action string

const (
	ActionFailed  Action = "failed"
	ActionSkipped Action = "skipped"
)

// Result describes the sweep outcome for one job.
type Result struct {
	JobID  string
	From   job.Status
	Action Action
	Err    error
}

// Sweeper finds processing or enriching pool jobs stamped with another
// process generation and fails them with OrphanedOnRestart.
type Sweeper struct {
	reg        *registry.Registry
	generation string
	active     string
	logger     *slog.Logger
	events     *observability.EventLogger
	notify     func(*job.Job)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.logger = l } }

func WithEvents(e *observability.EventLogger) Option { return func(s *Sweeper) { s.events = e } }

// WithNotify registers fn to be called with every job the sweep failed.
func WithNotify(fn func(*job.Job)) Option { return func(s *Sweeper) { s.notify = fn } }

// NewSweeper returns a sweeper for the current process generation.
// activeBackend is the name of the backend this process runs.
func NewSweeper(reg *registry.Registry, generation, activeBackend string, opts ...Option) *Sweeper {
	s := &Sweeper{reg: reg, generation: generation, active: activeBackend, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SweepOnce runs one pass. Under the broker backend it does nothing:
// redelivery owns in-flight jobs there.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]Result, error) {
	if s.active == broker.Name {
		s.logger.Info("recovery: skipped, broker owns in-flight jobs")
		return nil, nil
	}
	candidates, err := s.reg.ListByStatus(ctx, job.Processing, job.Enriching)
	if err != nil {
		return nil, fmt.Errorf("recovery: list active jobs: %w", err)
	}

	var results []Result
	for _, j := range candidates {
		if j.Backend != pool.Name || j.Generation == s.generation {
			continue
		}
		res := Result{JobID: j.ID, From: j.Status, Action: ActionFailed}
		failed, err := s.reg.Transition(ctx, j.ID, j.Status, job.Failed, func(n *job.Job) {
			n.FailureReason = job.ReasonOrphanedOnRestart
			n.FailureNote = "process generation " + j.Generation + " is gone"
		})
		if err != nil {
			// moved on since the listing; not ours to touch anymore
			res.Action, res.Err = ActionSkipped, err
			results = append(results, res)
			continue
		}
		s.logger.Warn("recovery: orphaned job failed", "job_id", j.ID, "from", string(j.Status), "generation", j.Generation)
		s.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:  observability.EventRecoverySweep,
			EntityType: "job",
			EntityID:   j.ID,
			UserID:     j.Owner,
			Action:     string(job.Failed),
			Details:    fmt.Sprintf(`{"from":%q,"reason":%q}`, j.Status, job.ReasonOrphanedOnRestart),
			Success:    true,
		})
		if s.notify != nil {
			s.notify(failed)
		}
		results = append(results, res)
	}
	if len(results) > 0 {
		s.logger.Info("recovery: sweep done", "jobs", len(results))
	}
	return results, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("recovery: sweep failed", "error", err)
			}
		}
	}
}
