package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/scribe/progress"
)

// events streams a job's progress as server-sent events. The first event
// is the current snapshot; the stream ends after the terminal status
// event, or at once when the job is already terminal.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rc := http.NewResponseController(w)
	sub, err := s.jobs.SubscribeProgress(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer sub.Close()
	snap, err := s.jobs.GetJobStatus(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", 0, snap); err != nil {
		return
	}
	rc.Flush()
	if snap.Status.Terminal() {
		return
	}

	type next struct {
		ev  progress.Event
		err error
	}
	evc := make(chan next)
	go func() {
		for {
			ev, err := sub.Next(ctx)
			select {
			case evc <- next{ev, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	keep := time.NewTicker(s.keepAlive)
	defer keep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keep.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			rc.Flush()
		case n := <-evc:
			if n.err != nil {
				if !errors.Is(n.err, context.Canceled) && !errors.Is(n.err, progress.ErrClosed) {
					s.logger.Warn("api: event stream", "job_id", id, "error", n.err)
				}
				return
			}
			if err := writeEvent(w, string(n.ev.Kind), n.ev.Seq, n.ev); err != nil {
				return
			}
			rc.Flush()
			if n.ev.Terminal {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, seq uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
