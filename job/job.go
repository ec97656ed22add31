// Package job defines the transcription job record, its status graph and
// the fixed taxonomy of failure reasons.
package job

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Enriching  Status = "enriching"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Cancelled  Status = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Active reports whether work for the job may be running.
func (s Status) Active() bool {
	return s == Processing || s == Enriching
}

func (s Status) Valid() bool {
	_, ok := edges[s]
	return ok
}

var edges = map[Status][]Status{
	Queued:     {Processing, Failed, Cancelled},
	Processing: {Enriching, Completed, Failed, Cancelled},
	Enriching:  {Completed, Failed},
	Completed:  nil,
	Failed:     nil,
	Cancelled:  nil,
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason is the recorded cause of a failed job.
type Reason string

const (
	ReasonEngineError       Reason = "EngineError"
	ReasonTimeout           Reason = "Timeout"
	ReasonCancelled         Reason = "Cancelled"
	ReasonInternalError     Reason = "InternalError"
	ReasonOrphanedOnRestart Reason = "OrphanedOnRestart"
)

var reasonText = map[Reason]string{
	ReasonEngineError:       "the transcription engine reported an error",
	ReasonTimeout:           "the job exceeded its time limit",
	ReasonCancelled:         "the job was cancelled",
	ReasonInternalError:     "an internal error interrupted the job",
	ReasonOrphanedOnRestart: "the job was interrupted by a service restart",
}

// Message returns the user-facing text for r. Unknown values map to the
// internal error text so raw internal strings never reach clients.
func (r Reason) Message() string {
	if m, ok := reasonText[r]; ok {
		return m
	}
	return reasonText[ReasonInternalError]
}

func (r Reason) Valid() bool {
	_, ok := reasonText[r]
	return ok
}

// Params are the engine parameters chosen by the submitter.
type Params struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
	Enrich   bool   `json:"enrich,omitempty"`
}

// Job is the registry record of one transcription attempt.
type Job struct {
	ID           string
	Owner        string
	Filename     string
	SessionID    string
	ArtifactPath string
	Params       Params
	Status       Status

	Backend    string
	Handle     string
	Generation string
	Attempt    int
	RetryOf    string

	FailureReason Reason
	FailureNote   string // client-visible
	FailureDetail string // raw engine or runtime error, operators only
	ResultRef     string

	CancelRequested   bool
	CancelRequestedAt time.Time
	ClaimOwner        string
	LeaseUntil        time.Time

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Clone returns a copy safe to mutate.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// Snapshot is the client-visible view of a job.
type Snapshot struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	Owner           string    `json:"owner,omitempty"`
	Filename        string    `json:"filename,omitempty"`
	Params          Params    `json:"params"`
	Backend         string    `json:"backend,omitempty"`
	Attempt         int       `json:"attempt"`
	RetryOf         string    `json:"retry_of,omitempty"`
	FailureReason   Reason    `json:"failure_reason,omitempty"`
	FailureMessage  string    `json:"failure_message,omitempty"`
	Note            string    `json:"note,omitempty"`
	ResultRef       string    `json:"result_ref,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		ID:              j.ID,
		Status:          j.Status,
		Owner:           j.Owner,
		Filename:        j.Filename,
		Params:          j.Params,
		Backend:         j.Backend,
		Attempt:         j.Attempt,
		RetryOf:         j.RetryOf,
		Note:            j.FailureNote,
		CancelRequested: j.CancelRequested && !j.Status.Terminal(),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	if j.Status == Failed {
		s.FailureReason = j.FailureReason
		s.FailureMessage = j.FailureReason.Message()
	}
	if j.Status == Completed {
		s.ResultRef = j.ResultRef
	}
	return s
}

// Transition is one recorded edge in a job's history.
type Transition struct {
	JobID  string    `json:"job_id"`
	Seq    int64     `json:"seq"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason Reason    `json:"reason,omitempty"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// ErrNotFound is returned when no job has the requested ID.
var ErrNotFound = errors.New("job: not found")

// TransitionError reports an edge the status graph does not allow.
type TransitionError struct {
	ID       string
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// ConflictError reports a lost compare-and-set: the job was not in the
// expected status when the write was attempted.
type ConflictError struct {
	ID       string
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

// IsConflict reports whether err is a lost compare-and-set.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
