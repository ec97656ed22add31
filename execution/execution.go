// Package execution defines the contract between the orchestrator and the
// places where transcription work actually runs. Two backends implement
// it: pool (in-process goroutines) and broker (durable queue consumed by
// worker processes). Nothing outside the backends branches on which one
// is active.
package execution

import (
	"context"
	"errors"

	"github.com/hazyhaar/scribe/job"
)

var (
	// ErrRejectedCapacity is returned by Submit when the backend is full.
	// It is transient: the job stays queued and is admitted later.
	ErrRejectedCapacity = errors.New("execution: rejected, at capacity")

	// ErrUnknownHandle is returned by Poll and Cancel for handles the
	// backend does not know.
	ErrUnknownHandle = errors.New("execution: unknown handle")

	ErrClosed = errors.New("execution: backend closed")
)

// Handle identifies one submission on a backend.
type Handle string

// State is the backend's view of a submission.
type State string

const (
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

// Phase is the step of a running submission.
type Phase string

const (
	PhaseTranscribing Phase = "transcribing"
	PhaseEnriching    Phase = "enriching"
)

// Status is one Poll answer. Logs holds lines produced since the previous
// Poll of the same handle; each line is delivered once.
type Status struct {
	State     State
	Phase     Phase
	Reason    job.Reason
	Detail    string
	ResultRef string
	Logs      []string
}

// Done reports whether the submission reached a final state.
func (s Status) Done() bool { return s.State == Succeeded || s.State == Failed }

// Backend runs admitted jobs.
type Backend interface {
	Name() string
	Submit(ctx context.Context, j *job.Job) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)
	// Cancel asks the backend to stop the work behind h. It does not wait
	// and is safe to call more than once.
	Cancel(ctx context.Context, h Handle) error
	// SetConcurrency changes the admission limit for future submissions;
	// work already running is never interrupted.
	SetConcurrency(n int)
	Concurrency() int
}

// Reporter receives phase changes and log lines while a job runs.
type Reporter interface {
	Phase(p Phase)
	Log(line string)
}

// Outcome is the final result of running one job. A zero Reason means
// success. Detail carries raw error text and is never shown to clients;
// Note is.
type Outcome struct {
	ResultRef string
	Reason    job.Reason
	Detail    string
	Note      string
}

func (o Outcome) Failed() bool { return o.Reason != "" }

// Runner executes one job to completion.
type Runner interface {
	Execute(ctx context.Context, j *job.Job, rep Reporter) Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, j *job.Job, rep Reporter) Outcome

func (f RunnerFunc) Execute(ctx context.Context, j *job.Job, rep Reporter) Outcome {
	return f(ctx, j, rep)
}

// TerminalFor maps an outcome observed while a job is in from to the
// terminal status to commit and the fields written with it. A cancelled
// outcome is a cancellation only before enrichment started; afterwards it
// is a failure.
func TerminalFor(from job.Status, out Outcome) (job.Status, func(*job.Job)) {
	if !out.Failed() {
		return job.Completed, func(j *job.Job) { j.ResultRef = out.ResultRef }
	}
	if out.Reason == job.ReasonCancelled && from == job.Processing {
		return job.Cancelled, func(j *job.Job) {
			j.FailureNote = out.Note
			j.FailureDetail = out.Detail
		}
	}
	return job.Failed, func(j *job.Job) {
		j.FailureReason = out.Reason
		j.FailureNote = out.Note
		j.FailureDetail = out.Detail
	}
}
