package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/job"
)

// maxPollErrors consecutive Poll failures fail the job.
const maxPollErrors = 20

// watch is the per-job state a monitor carries between polls.
type watch struct {
	h          execution.Handle
	last       job.Status
	pollErrors int
}

func (o *Orchestrator) startMonitor(j *job.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.monitors[j.ID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(o.base)
	o.monitors[j.ID] = cancel
	o.wg.Add(1)
	go o.monitor(ctx, j)
}

// stopMonitor makes the monitor of id exit without committing anything.
// Callers hold the job lock, so the monitor cannot be mid-step.
func (o *Orchestrator) stopMonitor(id string) {
	o.mu.Lock()
	cancel, ok := o.monitors[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) monitor(ctx context.Context, j *job.Job) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.monitors, j.ID)
		o.mu.Unlock()
		o.kickAdmission()
	}()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: monitor panic", "job_id", j.ID, "panic", r, "stack", string(debug.Stack()))
			o.failInternal(j.ID, fmt.Sprintf("monitor panic: %v", r))
		}
	}()

	w := &watch{h: execution.Handle(j.Handle), last: j.Status}
	t := time.NewTicker(o.cfg.PollInterval)
	defer t.Stop()
	for {
		if o.step(ctx, j.ID, w) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// step polls the backend once and applies what it learned. It reports
// whether the job is done with.
func (o *Orchestrator) step(ctx context.Context, id string, w *watch) bool {
	st, perr := o.backend.Poll(ctx, w.h)
	if ctx.Err() != nil {
		return true
	}

	unlock := o.locks.Lock(id)
	defer unlock()
	if ctx.Err() != nil {
		return true
	}
	cur, err := o.reg.Get(ctx, id)
	if err != nil {
		o.logger.Warn("orchestrator: monitor read", "job_id", id, "error", err)
		return errors.Is(err, job.ErrNotFound)
	}
	if perr == nil {
		o.publishLogs(id, st.Logs)
	}
	if cur.Status != w.last {
		// committed by a broker worker
		o.publish(cur, w.last)
		w.last = cur.Status
	}
	if cur.Status.Terminal() {
		return true
	}

	if perr != nil {
		if errors.Is(perr, execution.ErrUnknownHandle) {
			o.commit(ctx, cur, w, job.Failed, func(n *job.Job) {
				n.FailureReason = job.ReasonInternalError
				n.FailureNote = "execution handle lost"
			})
			return true
		}
		w.pollErrors++
		o.logger.Warn("orchestrator: poll failed", "job_id", id, "handle", string(w.h), "error", perr, "attempt", w.pollErrors)
		if w.pollErrors >= maxPollErrors {
			o.commit(ctx, cur, w, job.Failed, func(n *job.Job) {
				n.FailureReason = job.ReasonInternalError
				n.FailureNote = "execution backend unreachable"
			})
			o.cancelBackend(ctx, id, w.h)
			return true
		}
		return false
	}
	w.pollErrors = 0

	switch st.State {
	case execution.Running:
		if st.Phase == execution.PhaseEnriching && cur.Status == job.Processing && !cur.CancelRequested {
			if next, ok := o.commit(ctx, cur, w, job.Enriching, nil); ok {
				cur = next
			}
		}
	case execution.Succeeded, execution.Failed:
		out := execution.Outcome{ResultRef: st.ResultRef, Reason: st.Reason, Detail: st.Detail}
		if st.State == execution.Failed && out.Reason == "" {
			out.Reason = job.ReasonInternalError
		}
		to, mutate := execution.TerminalFor(cur.Status, out)
		_, ok := o.commit(ctx, cur, w, to, mutate)
		return ok
	default:
		o.logger.Error("orchestrator: unexpected backend state", "job_id", id, "state", string(st.State))
		o.commit(ctx, cur, w, job.Failed, func(n *job.Job) {
			n.FailureReason = job.ReasonInternalError
			n.FailureNote = "unexpected backend state " + string(st.State)
		})
		o.cancelBackend(ctx, id, w.h)
		return true
	}

	now := o.now()
	if cur.CancelRequested && now.Sub(cur.CancelRequestedAt) >= o.cfg.CancelGrace {
		const note = "cancel not confirmed in time; engine may still be running"
		if cur.Status == job.Processing {
			o.commit(ctx, cur, w, job.Cancelled, func(n *job.Job) { n.FailureNote = note })
		} else {
			o.commit(ctx, cur, w, job.Failed, func(n *job.Job) {
				n.FailureReason = job.ReasonCancelled
				n.FailureNote = note
			})
		}
		o.logger.Warn("orchestrator: cancel forced after grace", "job_id", id, "grace", o.cfg.CancelGrace)
		return true
	}
	if d := o.jobTimeout(); d > 0 && !cur.StartedAt.IsZero() && now.Sub(cur.StartedAt) >= d {
		o.commit(ctx, cur, w, job.Failed, func(n *job.Job) {
			n.FailureReason = job.ReasonTimeout
			n.FailureNote = fmt.Sprintf("exceeded %s", d)
		})
		o.cancelBackend(ctx, id, w.h)
		return true
	}
	return false
}

// commit applies cur.Status -> to and tracks it on w. A lost CAS is
// logged; the next poll sees whatever won.
func (o *Orchestrator) commit(ctx context.Context, cur *job.Job, w *watch, to job.Status, mutate func(*job.Job)) (*job.Job, bool) {
	next, err := o.transition(ctx, cur, to, mutate)
	if err != nil {
		o.logger.Warn("orchestrator: commit", "job_id", cur.ID, "from", string(cur.Status), "to", string(to), "error", err)
		return nil, false
	}
	w.last = next.Status
	return next, true
}

func (o *Orchestrator) cancelBackend(ctx context.Context, id string, h execution.Handle) {
	if err := o.backend.Cancel(context.WithoutCancel(ctx), h); err != nil {
		o.logger.Warn("orchestrator: backend cancel", "job_id", id, "handle", string(h), "error", err)
	}
}

// failInternal fails an active job with InternalError.
func (o *Orchestrator) failInternal(id, note string) {
	ctx := context.WithoutCancel(o.base)
	unlock := o.locks.Lock(id)
	defer unlock()
	cur, err := o.reg.Get(ctx, id)
	if err != nil || !cur.Status.Active() {
		return
	}
	if _, err := o.transition(ctx, cur, job.Failed, func(n *job.Job) {
		n.FailureReason = job.ReasonInternalError
		n.FailureNote = note
	}); err != nil {
		o.logger.Error("orchestrator: fail job", "job_id", id, "error", err)
	}
	o.cancelBackend(ctx, id, execution.Handle(cur.Handle))
}
