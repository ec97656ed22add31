package orchestrator

import (
	"context"
	"fmt"

	"github.com/hazyhaar/scribe/job"
	"github.com/hazyhaar/scribe/observability"
	"github.com/hazyhaar/scribe/progress"
)

// transition commits j.Status -> to and publishes the result. The caller
// holds the job lock.
func (o *Orchestrator) transition(ctx context.Context, j *job.Job, to job.Status, mutate func(*job.Job)) (*job.Job, error) {
	next, err := o.reg.Transition(ctx, j.ID, j.Status, to, mutate)
	if err != nil {
		return nil, err
	}
	o.publish(next, j.Status)
	return next, nil
}

// publish announces j's current status to subscribers and records it.
// from is empty when the transition was committed elsewhere.
func (o *Orchestrator) publish(j *job.Job, from job.Status) {
	ev := progress.Event{
		Kind:     progress.KindStatus,
		Status:   j.Status,
		Note:     j.FailureNote,
		Terminal: j.Status.Terminal(),
		At:       j.UpdatedAt,
	}
	if j.Status == job.Failed {
		ev.Reason = j.FailureReason
		ev.Message = j.FailureReason.Message()
	}
	o.bus.Publish(j.ID, ev)

	o.logger.Info("orchestrator: transition", "job_id", j.ID, "from", string(from), "to", string(j.Status),
		"reason", string(j.FailureReason), "detail", j.FailureDetail)
	o.events.LogEvent(context.Background(), observability.BusinessEvent{
		EventType:  observability.EventJobTransition,
		EntityType: "job",
		EntityID:   j.ID,
		UserID:     j.Owner,
		Action:     string(j.Status),
		Details:    fmt.Sprintf(`{"from":%q,"reason":%q,"note":%q,"detail":%q}`, from, j.FailureReason, j.FailureNote, j.FailureDetail),
		Success:    j.Status != job.Failed,
	})

	if j.Status.Terminal() {
		labels := map[string]string{"status": string(j.Status), "backend": j.Backend}
		if j.FailureReason != "" {
			labels["reason"] = string(j.FailureReason)
		}
		o.metrics.Record(&observability.Metric{Name: observability.MetricJobsTerminal, Value: 1, Unit: "count", Labels: labels})
		if !j.StartedAt.IsZero() {
			o.metrics.Record(&observability.Metric{
				Name:   observability.MetricJobDurationMs,
				Value:  float64(j.FinishedAt.Sub(j.StartedAt).Milliseconds()),
				Unit:   "ms",
				Labels: labels,
			})
		}
	}
}

func (o *Orchestrator) publishLogs(jobID string, lines []string) {
	for _, l := range lines {
		o.bus.Publish(jobID, progress.Event{Kind: progress.KindLog, LogLine: l, At: o.now().UTC()})
	}
}
