package orchestrator

import (
	"context"
	"fmt"

	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/job"
)

// CancelJob requests cancellation of job id and returns the resulting
// snapshot.
//
//   - queued: cancelled at once; the engine is never invoked.
//   - processing: cancel_requested is recorded and forwarded to the
//     backend. The monitor commits cancelled once the backend reports the
//     work stopped, or after the cancel grace period.
//   - enriching: failed with reason Cancelled.
//   - terminal: no-op.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (job.Snapshot, error) {
	if err := o.ready(); err != nil {
		return job.Snapshot{}, err
	}
	unlock := o.locks.Lock(id)
	defer unlock()

	// a broker worker may move the job between our read and write
	for range 3 {
		j, err := o.reg.Get(ctx, id)
		if err != nil {
			return job.Snapshot{}, err
		}

		switch j.Status {
		case job.Queued:
			next, err := o.transition(ctx, j, job.Cancelled, func(n *job.Job) { n.FailureNote = "cancelled before start" })
			if job.IsConflict(err) {
				continue
			}
			if err != nil {
				return job.Snapshot{}, err
			}
			return next.Snapshot(), nil

		case job.Processing:
			if !j.CancelRequested {
				next, err := o.reg.Update(ctx, id, job.Processing, func(n *job.Job) {
					n.CancelRequested = true
					n.CancelRequestedAt = o.now().UTC()
				})
				if job.IsConflict(err) {
					continue
				}
				if err != nil {
					return job.Snapshot{}, err
				}
				j = next
				o.logger.Info("orchestrator: cancel requested", "job_id", id, "handle", j.Handle)
			}
			o.cancelBackend(ctx, id, execution.Handle(j.Handle))
			return j.Snapshot(), nil

		case job.Enriching:
			next, err := o.transition(ctx, j, job.Failed, func(n *job.Job) {
				n.FailureReason = job.ReasonCancelled
				n.FailureNote = "cancelled during enrichment"
			})
			if job.IsConflict(err) {
				continue
			}
			if err != nil {
				return job.Snapshot{}, err
			}
			o.stopMonitor(id)
			o.cancelBackend(ctx, id, execution.Handle(j.Handle))
			return next.Snapshot(), nil

		default:
			return j.Snapshot(), nil
		}
	}
	return job.Snapshot{}, fmt.Errorf("orchestrator: cancel %s: status keeps changing", id)
}
