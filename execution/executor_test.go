package execution

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/scribe/engine"
	"github.com/hazyhaar/scribe/job"
)

type recorder struct {
	phases []Phase
	logs   []string
}

func (r *recorder) Phase(p Phase)   { r.phases = append(r.phases, p) }
func (r *recorder) Log(line string) { r.logs = append(r.logs, line) }

func TestExecutor_SuccessWithEnrichment(t *testing.T) {
	dir := t.TempDir()
	x := &Executor{
		Engine: engine.Func(func(ctx context.Context, p string, params engine.Params, logf engine.LogFunc) (*engine.Result, error) {
			logf("working on " + p)
			return &engine.Result{Text: "bonjour", Language: params.Language}, nil
		}),
		Enricher: engine.EnricherFunc(func(ctx context.Context, r *engine.Result, logf engine.LogFunc) error {
			r.Summary = "greeting"
			return nil
		}),
		ResultsDir: dir,
	}
	j := &job.Job{ID: "job_1", ArtifactPath: "/a.wav", Params: job.Params{Language: "fr", Enrich: true}}
	rec := &recorder{}
	out := x.Execute(context.Background(), j, rec)
	if out.Failed() {
		t.Fatalf("outcome = %+v", out)
	}
	if out.ResultRef != filepath.Join(dir, "job_1.json") {
		t.Fatalf("ref = %s", out.ResultRef)
	}
	if len(rec.phases) != 2 || rec.phases[1] != PhaseEnriching {
		t.Fatalf("phases = %v", rec.phases)
	}
	if len(rec.logs) != 1 || rec.logs[0] != "working on /a.wav" {
		t.Fatalf("logs = %v", rec.logs)
	}

	data, err := os.ReadFile(out.ResultRef)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		JobID  string         `json:"job_id"`
		Result *engine.Result `json:"result"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.JobID != "job_1" || doc.Result.Summary != "greeting" || doc.Result.Language != "fr" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestExecutor_EnrichmentSkippedWhenNotRequested(t *testing.T) {
	called := false
	x := &Executor{
		Engine: engine.Func(func(context.Context, string, engine.Params, engine.LogFunc) (*engine.Result, error) {
			return &engine.Result{Text: "x"}, nil
		}),
		Enricher: engine.EnricherFunc(func(context.Context, *engine.Result, engine.LogFunc) error {
			called = true
			return nil
		}),
		ResultsDir: t.TempDir(),
	}
	rec := &recorder{}
	if out := x.Execute(context.Background(), &job.Job{ID: "j"}, rec); out.Failed() {
		t.Fatalf("outcome = %+v", out)
	}
	if called || len(rec.phases) != 1 {
		t.Fatalf("called=%v phases=%v", called, rec.phases)
	}
}

func TestExecutor_Classification(t *testing.T) {
	block := engine.Func(func(ctx context.Context, _ string, _ engine.Params, _ engine.LogFunc) (*engine.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	t.Run("timeout", func(t *testing.T) {
		x := &Executor{Engine: block, ResultsDir: t.TempDir(), Timeout: 20 * time.Millisecond}
		out := x.Execute(context.Background(), &job.Job{ID: "j"}, NopReporter{})
		if out.Reason != job.ReasonTimeout {
			t.Fatalf("reason = %s, want Timeout", out.Reason)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		x := &Executor{Engine: block, ResultsDir: t.TempDir()}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		out := x.Execute(ctx, &job.Job{ID: "j"}, NopReporter{})
		if out.Reason != job.ReasonCancelled {
			t.Fatalf("reason = %s, want Cancelled", out.Reason)
		}
	})

	t.Run("engine error", func(t *testing.T) {
		x := &Executor{
			Engine: engine.Func(func(context.Context, string, engine.Params, engine.LogFunc) (*engine.Result, error) {
				return nil, errors.New("unsupported codec")
			}),
			ResultsDir: t.TempDir(),
		}
		out := x.Execute(context.Background(), &job.Job{ID: "j"}, NopReporter{})
		if out.Reason != job.ReasonEngineError || out.Detail != "unsupported codec" {
			t.Fatalf("outcome = %+v", out)
		}
	})

	t.Run("panic", func(t *testing.T) {
		x := &Executor{
			Engine: engine.Func(func(context.Context, string, engine.Params, engine.LogFunc) (*engine.Result, error) {
				panic("nil map")
			}),
			ResultsDir: t.TempDir(),
		}
		out := x.Execute(context.Background(), &job.Job{ID: "j"}, NopReporter{})
		if out.Reason != job.ReasonInternalError {
			t.Fatalf("reason = %s, want InternalError", out.Reason)
		}
	})
}
