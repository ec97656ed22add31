package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/scribe/dbopen"
	"github.com/hazyhaar/scribe/job"
)

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := New(dbopen.OpenMemory(t), opts...)
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r
}

func createJob(t *testing.T, r *Registry, id string) *job.Job {
	t.Helper()
	j := &job.Job{ID: id, Owner: "u1", Filename: "a.wav", ArtifactPath: "/data/a.wav",
		Params: job.Params{Model: "small", Language: "fr"}}
	if err := r.Create(context.Background(), j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

func TestCreateGet(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	createJob(t, r, "job_1")

	got, err := r.Get(ctx, "job_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.Queued || got.Attempt != 1 || got.Params.Language != "fr" {
		t.Fatalf("got %+v", got)
	}
	if _, err := r.Get(ctx, "nope"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("Get(nope) err = %v, want ErrNotFound", err)
	}
	ok, err := r.Exists(ctx, "job_1")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestSessionYieldsOneJob(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	a := &job.Job{ID: "job_a", SessionID: "ups_1", ArtifactPath: "/x"}
	if err := r.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	b := &job.Job{ID: "job_b", SessionID: "ups_1", ArtifactPath: "/x"}
	if err := r.Create(ctx, b); !errors.Is(err, ErrSessionUsed) {
		t.Fatalf("second Create err = %v, want ErrSessionUsed", err)
	}
	got, err := r.BySession(ctx, "ups_1")
	if err != nil || got.ID != "job_a" {
		t.Fatalf("BySession = %v, %v", got, err)
	}
	// Jobs without a session never collide.
	createJob(t, r, "job_c")
	createJob(t, r, "job_d")
}

func TestTransitionCAS(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	createJob(t, r, "job_1")

	j, err := r.Transition(ctx, "job_1", job.Queued, job.Processing, func(j *job.Job) {
		j.Handle = "pool:1"
		j.Backend = "pool"
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if j.Status != job.Processing || j.Handle != "pool:1" || j.StartedAt.IsZero() {
		t.Fatalf("after transition: %+v", j)
	}

	_, err = r.Transition(ctx, "job_1", job.Queued, job.Cancelled, nil)
	var ce *job.ConflictError
	if !errors.As(err, &ce) || ce.Actual != job.Processing {
		t.Fatalf("stale transition err = %v, want ConflictError(actual=processing)", err)
	}

	_, err = r.Transition(ctx, "job_1", job.Enriching, job.Cancelled, nil)
	var te *job.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("illegal edge err = %v, want TransitionError", err)
	}

	j, err = r.Transition(ctx, "job_1", job.Processing, job.Failed, func(j *job.Job) {
		j.FailureReason = job.ReasonTimeout
	})
	if err != nil {
		t.Fatal(err)
	}
	if j.FailureReason != job.ReasonTimeout || j.FinishedAt.IsZero() {
		t.Fatalf("failed job: %+v", j)
	}

	hist, err := r.History(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].To != job.Processing || hist[1].To != job.Failed || hist[1].Reason != job.ReasonTimeout {
		t.Fatalf("history = %+v", hist)
	}
}

func TestFailedWithoutReasonIsInternal(t *testing.T) {
	r := newRegistry(t)
	createJob(t, r, "job_1")
	j, err := r.Transition(context.Background(), "job_1", job.Queued, job.Failed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if j.FailureReason != job.ReasonInternalError {
		t.Fatalf("reason = %q, want InternalError", j.FailureReason)
	}
}

// Racing writers on one job: exactly one terminal transition wins and the
// recorded history never leaves a terminal status.
func TestConcurrentTransitionsMonotonic(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	createJob(t, r, "job_1")
	if _, err := r.Transition(ctx, "job_1", job.Queued, job.Processing, nil); err != nil {
		t.Fatal(err)
	}

	targets := []job.Status{job.Completed, job.Failed, job.Cancelled, job.Enriching}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(to job.Status) {
			defer wg.Done()
			r.Transition(ctx, "job_1", job.Processing, to, nil)
		}(targets[i%len(targets)])
	}
	wg.Wait()

	hist, err := r.History(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2: %+v", len(hist), hist)
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].From != hist[i-1].To {
			t.Fatalf("history broken at %d: %+v", i, hist)
		}
		if hist[i-1].To.Terminal() {
			t.Fatalf("transition out of terminal: %+v", hist)
		}
		if hist[i].Seq != hist[i-1].Seq+1 {
			t.Fatalf("seq not monotonic: %+v", hist)
		}
	}
}

func TestUpdateKeepsStatus(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	createJob(t, r, "job_1")
	r.Transition(ctx, "job_1", job.Queued, job.Processing, nil)

	j, err := r.Update(ctx, "job_1", job.Processing, func(j *job.Job) {
		j.CancelRequested = true
		j.Status = job.Completed // ignored
	})
	if err != nil {
		t.Fatal(err)
	}
	if !j.CancelRequested || j.Status != job.Processing {
		t.Fatalf("update: %+v", j)
	}
	if _, err := r.Update(ctx, "job_1", job.Queued, func(*job.Job) {}); !job.IsConflict(err) {
		t.Fatalf("Update wrong status err = %v", err)
	}
}

func TestClaimLease(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	r := newRegistry(t, WithClock(clock))
	ctx := context.Background()
	createJob(t, r, "job_1")

	if _, err := r.Claim(ctx, "job_1", "w1", time.Minute); !job.IsConflict(err) {
		t.Fatalf("claim queued job err = %v, want conflict", err)
	}
	r.Transition(ctx, "job_1", job.Queued, job.Processing, nil)

	if _, err := r.Claim(ctx, "job_1", "w1", time.Minute); err != nil {
		t.Fatalf("w1 claim: %v", err)
	}
	if _, err := r.Claim(ctx, "job_1", "w2", time.Minute); !IsClaimed(err) {
		t.Fatalf("w2 claim err = %v, want ErrClaimed", err)
	}
	if err := r.ExtendLease(ctx, "job_1", "w2", time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("w2 extend err = %v, want ErrLeaseLost", err)
	}

	advance(2 * time.Minute)
	j, err := r.Claim(ctx, "job_1", "w2", time.Minute)
	if err != nil {
		t.Fatalf("w2 claim after expiry: %v", err)
	}
	if j.ClaimOwner != "w2" {
		t.Fatalf("claim owner = %q", j.ClaimOwner)
	}
	if err := r.ExtendLease(ctx, "job_1", "w1", time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale owner extend err = %v", err)
	}

	r.Transition(ctx, "job_1", job.Processing, job.Completed, nil)
	j, _ = r.Get(ctx, "job_1")
	if j.ClaimOwner != "" {
		t.Fatalf("terminal job keeps claim %q", j.ClaimOwner)
	}
}

func TestLogs(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	createJob(t, r, "job_1")
	for _, l := range []string{"a", "b", "c"} {
		if _, err := r.AppendLog(ctx, "job_1", l); err != nil {
			t.Fatal(err)
		}
	}
	lines, err := r.Logs(ctx, "job_1", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0].Line != "b" || lines[1].Seq != 3 {
		t.Fatalf("logs = %+v", lines)
	}
}

func TestListQueuedOldestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newRegistry(t)
	ctx := context.Background()
	for i, id := range []string{"job_c", "job_a", "job_b"} {
		j := &job.Job{ID: id, ArtifactPath: "/x", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := r.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	r.Transition(ctx, "job_a", job.Queued, job.Cancelled, nil)

	q, err := r.ListQueued(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 2 || q[0].ID != "job_c" || q[1].ID != "job_b" {
		t.Fatalf("queued = %v", ids(q))
	}
	counts, err := r.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[job.Queued] != 2 || counts[job.Cancelled] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func ids(js []*job.Job) []string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.ID
	}
	return out
}
