package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/scribe/engine"
	"github.com/hazyhaar/scribe/job"
)

// Executor is the Runner shared by both backends: engine, then optional
// enrichment, then the result file.
type Executor struct {
	Engine     engine.Engine
	Enricher   engine.Enricher // nil disables enrichment
	ResultsDir string
	Timeout    time.Duration // 0 means no limit
	Logger     *slog.Logger
}

// resultFile is the JSON document written to <ResultsDir>/<job id>.json.
type resultFile struct {
	JobID    string         `json:"job_id"`
	Filename string         `json:"filename"`
	Params   job.Params     `json:"params"`
	Attempt  int            `json:"attempt"`
	Result   *engine.Result `json:"result"`
	Created  time.Time      `json:"created_at"`
}

// Execute never panics: a panic in the engine or enricher becomes an
// InternalError outcome.
func (x *Executor) Execute(ctx context.Context, j *job.Job, rep Reporter) (out Outcome) {
	log := x.Logger
	if log == nil {
		log = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor: panic", "job_id", j.ID, "panic", r, "stack", string(debug.Stack()))
			out = Outcome{Reason: job.ReasonInternalError, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if x.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.Timeout)
		defer cancel()
	}

	rep.Phase(PhaseTranscribing)
	res, err := x.Engine.Transcribe(ctx, j.ArtifactPath, engine.Params{Model: j.Params.Model, Language: j.Params.Language}, rep.Log)
	if err != nil {
		return classify(ctx, err)
	}
	if res == nil {
		return Outcome{Reason: job.ReasonEngineError, Detail: "engine returned no result"}
	}

	if j.Params.Enrich && x.Enricher != nil {
		rep.Phase(PhaseEnriching)
		if err := x.Enricher.Enrich(ctx, res, rep.Log); err != nil {
			return classify(ctx, err)
		}
	}

	ref, err := x.writeResult(j, res)
	if err != nil {
		log.Error("executor: write result", "job_id", j.ID, "error", err)
		return Outcome{Reason: job.ReasonInternalError, Detail: err.Error()}
	}
	return Outcome{ResultRef: ref}
}

func classify(ctx context.Context, err error) Outcome {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Outcome{Reason: job.ReasonTimeout, Detail: err.Error()}
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return Outcome{Reason: job.ReasonCancelled, Detail: err.Error()}
	default:
		return Outcome{Reason: job.ReasonEngineError, Detail: err.Error()}
	}
}

func (x *Executor) writeResult(j *job.Job, res *engine.Result) (string, error) {
	if err := os.MkdirAll(x.ResultsDir, 0o755); err != nil {
		return "", fmt.Errorf("executor: results dir: %w", err)
	}
	data, err := json.MarshalIndent(resultFile{
		JobID:    j.ID,
		Filename: j.Filename,
		Params:   j.Params,
		Attempt:  j.Attempt,
		Result:   res,
		Created:  time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	final := filepath.Join(x.ResultsDir, j.ID+".json")
	tmp, err := os.CreateTemp(x.ResultsDir, ".result-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}

// NopReporter discards phase changes and logs.
type NopReporter struct{}

func (NopReporter) Phase(Phase) {}
func (NopReporter) Log(string)  {}
