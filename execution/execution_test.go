package execution

import (
	"testing"

	"github.com/hazyhaar/scribe/job"
)

func TestTerminalFor(t *testing.T) {
	tests := []struct {
		from   job.Status
		out    Outcome
		want   job.Status
		reason job.Reason
	}{
		{job.Processing, Outcome{ResultRef: "r"}, job.Completed, ""},
		{job.Enriching, Outcome{ResultRef: "r"}, job.Completed, ""},
		{job.Processing, Outcome{Reason: job.ReasonCancelled}, job.Cancelled, ""},
		{job.Enriching, Outcome{Reason: job.ReasonCancelled}, job.Failed, job.ReasonCancelled},
		{job.Processing, Outcome{Reason: job.ReasonTimeout}, job.Failed, job.ReasonTimeout},
	}
	for _, tt := range tests {
		to, mutate := TerminalFor(tt.from, tt.out)
		j := &job.Job{}
		mutate(j)
		if to != tt.want || j.FailureReason != tt.reason {
			t.Errorf("TerminalFor(%s, %+v) = %s/%s, want %s/%s", tt.from, tt.out, to, j.FailureReason, tt.want, tt.reason)
		}
	}
}

func TestTerminalForKeepsDetailInternal(t *testing.T) {
	_, mutate := TerminalFor(job.Processing, Outcome{Reason: job.ReasonEngineError, Detail: "exit status 137"})
	j := &job.Job{}
	mutate(j)
	if j.FailureNote != "" || j.FailureDetail != "exit status 137" {
		t.Fatalf("note = %q, detail = %q", j.FailureNote, j.FailureDetail)
	}

	_, mutate = TerminalFor(job.Processing, Outcome{Reason: job.ReasonCancelled, Note: "cancelled before start"})
	j = &job.Job{}
	mutate(j)
	if j.FailureNote != "cancelled before start" {
		t.Fatalf("note = %q", j.FailureNote)
	}
}
