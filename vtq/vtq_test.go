package vtq_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/scribe/dbopen"
	"github.com/hazyhaar/scribe/vtq"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQ(t *testing.T, opts vtq.Options) (*vtq.Q, *clock) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	c := &clock{now: time.UnixMilli(1_700_000_000_000)}
	if opts.Now == nil {
		opts.Now = c.Now
	}
	q := vtq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q, c
}

func TestPublishAndClaim(t *testing.T) {
	q, _ := newQ(t, vtq.Options{Visibility: time.Second})
	ctx := context.Background()

	if err := q.Publish(ctx, "m1", []byte(`{"job_id":"j1"}`)); err != nil {
		t.Fatal(err)
	}
	m, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.ID != "m1" || string(m.Payload) != `{"job_id":"j1"}` || m.Attempts != 1 {
		t.Fatalf("claimed %+v", m)
	}

	again, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatal("claimed message should be hidden")
	}
}

func TestVisibilityExpiryRedelivers(t *testing.T) {
	q, c := newQ(t, vtq.Options{Visibility: time.Second})
	ctx := context.Background()
	q.Publish(ctx, "m1", nil)
	q.Claim(ctx)

	c.Advance(1100 * time.Millisecond)
	m, _ := q.Claim(ctx)
	if m == nil || m.Attempts != 2 {
		t.Fatalf("redelivered %+v, want attempts 2", m)
	}
}

func TestAck(t *testing.T) {
	q, _ := newQ(t, vtq.Options{})
	ctx := context.Background()
	q.Publish(ctx, "m1", nil)
	m, _ := q.Claim(ctx)
	if err := q.Ack(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d, want 0", n)
	}
}

func TestReleaseWithDelay(t *testing.T) {
	q, c := newQ(t, vtq.Options{Visibility: time.Minute})
	ctx := context.Background()
	q.Publish(ctx, "m1", nil)
	q.Claim(ctx)

	if err := q.Release(ctx, "m1", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if m, _ := q.Claim(ctx); m != nil {
		t.Fatal("released message visible before its delay")
	}
	c.Advance(5 * time.Second)
	if m, _ := q.Claim(ctx); m == nil {
		t.Fatal("released message not visible after delay")
	}
}

func TestExtend(t *testing.T) {
	q, c := newQ(t, vtq.Options{Visibility: time.Second})
	ctx := context.Background()
	q.Publish(ctx, "m1", nil)
	q.Claim(ctx)

	c.Advance(900 * time.Millisecond)
	q.Extend(ctx, "m1", time.Second)
	c.Advance(900 * time.Millisecond)
	if m, _ := q.Claim(ctx); m != nil {
		t.Fatal("extended message visible too early")
	}
}

func TestRemoveOnlyUnclaimed(t *testing.T) {
	q, _ := newQ(t, vtq.Options{Visibility: time.Minute})
	ctx := context.Background()
	q.Publish(ctx, "m1", nil)
	q.Publish(ctx, "m2", nil)
	held, _ := q.Claim(ctx)

	ok, err := q.Remove(ctx, held.ID)
	if err != nil || ok {
		t.Fatalf("Remove held = %v, %v; want false", ok, err)
	}
	other := "m2"
	if held.ID == "m2" {
		other = "m1"
	}
	ok, err = q.Remove(ctx, other)
	if err != nil || !ok {
		t.Fatalf("Remove visible = %v, %v; want true", ok, err)
	}
	if exists, _ := q.Exists(ctx, other); exists {
		t.Fatal("removed message still exists")
	}
	if exists, _ := q.Exists(ctx, held.ID); !exists {
		t.Fatal("held message vanished")
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx := context.Background()
	a := vtq.New(db, vtq.Options{Queue: "a"})
	b := vtq.New(db, vtq.Options{Queue: "b"})
	a.EnsureTable(ctx)

	a.Publish(ctx, "m1", nil)
	if m, _ := b.Claim(ctx); m != nil {
		t.Fatal("queue b saw queue a's message")
	}
	if n, _ := a.Len(ctx); n != 1 {
		t.Fatalf("len(a) = %d", n)
	}
}

func TestClaimOrder(t *testing.T) {
	q, c := newQ(t, vtq.Options{})
	ctx := context.Background()
	for i := range 3 {
		q.Publish(ctx, fmt.Sprintf("m%d", i), nil)
		c.Advance(time.Millisecond)
	}
	for i := range 3 {
		m, _ := q.Claim(ctx)
		if m == nil || m.ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("claim %d = %+v", i, m)
		}
	}
}

func TestPurge(t *testing.T) {
	q, _ := newQ(t, vtq.Options{})
	ctx := context.Background()
	q.Publish(ctx, "m1", nil)
	q.Publish(ctx, "m2", nil)
	if err := q.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d", n)
	}
}
