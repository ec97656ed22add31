// Package engine adapts external speech-to-text engines and enrichment
// services to one call shape. scribe treats engines as black boxes: an
// artifact path and parameters go in, a transcript or an error comes out.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Params selects the model and language of a transcription.
type Params struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

// Segment is a timed portion of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is an engine transcript, optionally enriched.
type Result struct {
	Language string    `json:"language,omitempty"`
	Duration float64   `json:"duration,omitempty"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Summary  string    `json:"summary,omitempty"`
}

// LogFunc receives engine output lines as they are produced.
type LogFunc func(line string)

// Engine transcribes one artifact. Implementations must return once ctx
// is done when they are able to.
type Engine interface {
	Transcribe(ctx context.Context, audioPath string, p Params, logf LogFunc) (*Result, error)
}

// Enricher post-processes a finished transcript in place (summary...).
type Enricher interface {
	Enrich(ctx context.Context, r *Result, logf LogFunc) error
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, audioPath string, p Params, logf LogFunc) (*Result, error)

func (f Func) Transcribe(ctx context.Context, audioPath string, p Params, logf LogFunc) (*Result, error) {
	return f(ctx, audioPath, p, logf)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, r *Result, logf LogFunc) error

func (f EnricherFunc) Enrich(ctx context.Context, r *Result, logf LogFunc) error {
	return f(ctx, r, logf)
}

// ErrCircuitOpen is returned while a remote engine's breaker is open.
var ErrCircuitOpen = errors.New("engine: circuit open")

// Error is a failure reported by the engine itself, as opposed to a
// transport or context error.
type Error struct {
	Engine string
	Msg    string
}

func (e *Error) Error() string { return fmt.Sprintf("engine %s: %s", e.Engine, e.Msg) }

func nopLog(string) {}

func logOrNop(f LogFunc) LogFunc {
	if f == nil {
		return nopLog
	}
	return f
}

// WithDefaults fills the model and language a job leaves empty from def.
func WithDefaults(e Engine, def Params) Engine {
	if def == (Params{}) {
		return e
	}
	return Func(func(ctx context.Context, audioPath string, p Params, logf LogFunc) (*Result, error) {
		if p.Model == "" {
			p.Model = def.Model
		}
		if p.Language == "" {
			p.Language = def.Language
		}
		return e.Transcribe(ctx, audioPath, p, logf)
	})
}
