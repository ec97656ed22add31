package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/job"
	"github.com/hazyhaar/scribe/observability"
)

// admissionBatch bounds the queued jobs considered per pass.
const admissionBatch = 100

func (o *Orchestrator) kickAdmission() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) admissionLoop(ctx context.Context) {
	t := time.NewTicker(o.cfg.AdmissionInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.metrics.RecordSimple(observability.MetricProgressDropped, float64(o.bus.Dropped()), "count")
			o.recordQueueDepth(ctx)
		case <-o.kick:
		}
		o.admit(ctx)
	}
}

// queueDepther is implemented by backends that hold work in a queue of
// their own, such as the broker.
type queueDepther interface {
	Outstanding(ctx context.Context) (int, error)
}

func (o *Orchestrator) recordQueueDepth(ctx context.Context) {
	q, ok := o.backend.(queueDepther)
	if !ok {
		return
	}
	n, err := q.Outstanding(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("orchestrator: queue depth", "error", err)
		}
		return
	}
	o.metrics.Record(&observability.Metric{
		Name:   observability.MetricBrokerQueueDepth,
		Value:  float64(n),
		Unit:   "count",
		Labels: map[string]string{"backend": o.backend.Name()},
	})
}

// admit offers queued jobs to the backend oldest first and stops at the
// first rejection. It reports whether it stopped on one.
func (o *Orchestrator) admit(ctx context.Context) (rejected bool) {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	queued, err := o.reg.ListQueued(ctx, admissionBatch)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("orchestrator: list queued", "error", err)
		}
		return false
	}
	for _, j := range queued {
		err := o.admitOne(ctx, j.ID)
		if errors.Is(err, execution.ErrRejectedCapacity) {
			o.metrics.Record(&observability.Metric{
				Name:   observability.MetricAdmissionReject,
				Value:  1,
				Unit:   "count",
				Labels: map[string]string{"backend": o.backend.Name()},
			})
			o.logger.Debug("orchestrator: backend full", "job_id", j.ID, "waiting", len(queued))
			return true
		}
		if err != nil && ctx.Err() == nil {
			o.logger.Warn("orchestrator: admission", "job_id", j.ID, "error", err)
		}
	}
	return false
}

// admitOne submits job id if it is still queued and commits
// queued -> processing. A submission error other than a capacity
// rejection fails the job with InternalError.
func (o *Orchestrator) admitOne(ctx context.Context, id string) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	j, err := o.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != job.Queued {
		return nil
	}

	h, err := o.backend.Submit(ctx, j)
	if errors.Is(err, execution.ErrRejectedCapacity) {
		return err
	}
	if err != nil {
		o.logger.Error("orchestrator: submit failed", "job_id", id, "error", err)
		_, ferr := o.transition(ctx, j, job.Failed, func(n *job.Job) {
			n.FailureReason = job.ReasonInternalError
			n.FailureNote = "submission failed"
		})
		return ferr
	}

	admitted, err := o.transition(ctx, j, job.Processing, func(n *job.Job) {
		n.Backend = o.backend.Name()
		n.Handle = string(h)
		n.Generation = o.cfg.Generation
	})
	if err != nil {
		// nobody will watch this submission
		if cerr := o.backend.Cancel(context.WithoutCancel(ctx), h); cerr != nil {
			o.logger.Warn("orchestrator: cancel orphan submission", "job_id", id, "error", cerr)
		}
		return err
	}
	o.metrics.Record(&observability.Metric{
		Name:   observability.MetricJobQueueWaitMs,
		Value:  float64(admitted.StartedAt.Sub(admitted.CreatedAt).Milliseconds()),
		Unit:   "ms",
		Labels: map[string]string{"backend": o.backend.Name()},
	})
	o.logger.Info("orchestrator: job admitted", "job_id", id, "handle", string(h))
	o.startMonitor(admitted)
	return nil
}
