// Package watch polls a revision counter and runs an action when it
// moves. scribe uses it to apply runtime settings written to the
// settings table (by the API or by another process) without a restart.
//
//	w := watch.New(settings.Revision, watch.Options{Interval: 2 * time.Second})
//	go w.Run(ctx, watch.ApplySettings(settings, cfg.Runtime(), orch, logger))
package watch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/scribe/config"
)

// Detector returns a revision token. Two different values mean something
// changed.
type Detector func(ctx context.Context) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action runs.
	// Further changes inside the window restart it. 0 runs at once.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a Detector and runs an action on change. It is safe for
// concurrent use.
type Watcher struct {
	detect Detector
	opts   Options

	version atomic.Int64

	mu      sync.Mutex
	advance chan struct{} // closed and replaced on every version change

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	applies atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Applies         int64 `json:"applies"`
}

// New creates a Watcher. Call Run to start polling.
func New(detect Detector, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{detect: detect, opts: opts, advance: make(chan struct{})}
}

func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Applies:         w.applies.Load(),
	}
}

// Version is the last revision whose action succeeded.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Run applies the current state once, then polls until ctx is done,
// calling apply after each detected change. A failed apply leaves the
// version where it was, so the next poll retries it.
func (w *Watcher) Run(ctx context.Context, apply func(context.Context) error) {
	log := w.opts.Logger

	if v, err := w.detect(ctx); err != nil {
		log.Warn("watch: initial revision check failed", "error", err)
	} else {
		w.fire(ctx, apply, v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.detect(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: revision check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			if w.opts.Debounce <= 0 {
				w.fire(ctx, apply, cur)
				continue
			}
			pending = cur
			if debounce == nil {
				debounce = time.NewTimer(w.opts.Debounce)
			} else {
				debounce.Reset(w.opts.Debounce)
			}
			debounceC = debounce.C
			log.Debug("watch: change detected, debouncing", "pending", cur)

		case <-debounceC:
			debounceC = nil
			if pending >= 0 {
				w.fire(ctx, apply, pending)
				pending = -1
			}
		}
	}
}

// WaitForVersion blocks until an action for a revision >= target has
// succeeded or ctx ends.
func (w *Watcher) WaitForVersion(ctx context.Context, target int64) error {
	for {
		w.mu.Lock()
		ch := w.advance
		w.mu.Unlock()
		if w.version.Load() >= target {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) fire(ctx context.Context, apply func(context.Context) error, v int64) {
	if err := apply(ctx); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("watch: apply failed", "error", err, "revision", v)
		return
	}
	w.applies.Add(1)
	w.version.Store(v)
	w.mu.Lock()
	close(w.advance)
	w.advance = make(chan struct{})
	w.mu.Unlock()
}

// Tunable is the part of the orchestrator runtime settings act on.
type Tunable interface {
	SetConcurrency(n int) error
	SetTimeout(d time.Duration)
}

// ApplySettings returns an action that reads s over base and pushes the
// values that changed since the previous call into t.
func ApplySettings(s *config.Settings, base config.Runtime, t Tunable, logger *slog.Logger) func(context.Context) error {
	if logger == nil {
		logger = slog.Default()
	}
	var mu sync.Mutex
	var last *config.Runtime
	return func(ctx context.Context) error {
		rt, err := s.Runtime(ctx, base)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if last == nil || last.Concurrency != rt.Concurrency {
			if err := t.SetConcurrency(rt.Concurrency); err != nil {
				return err
			}
		}
		if last == nil || last.JobTimeout != rt.JobTimeout {
			t.SetTimeout(rt.JobTimeout)
		}
		logger.Info("watch: settings applied", "concurrency", rt.Concurrency, "job_timeout", rt.JobTimeout)
		last = &rt
		return nil
	}
}
