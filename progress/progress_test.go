package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/scribe/job"
)

func TestOrderPerSubscriber(t *testing.T) {
	b := New()
	ctx := context.Background()
	s1, _ := b.Subscribe(ctx, "job_1")
	s2, _ := b.Subscribe(ctx, "job_1")
	defer s1.Close()
	defer s2.Close()

	for i := 0; i < 10; i++ {
		b.Publish("job_1", Event{Kind: KindLog, LogLine: fmt.Sprint(i)})
	}
	for _, s := range []*Subscription{s1, s2} {
		for i := 0; i < 10; i++ {
			ev, err := s.Next(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if ev.LogLine != fmt.Sprint(i) || ev.Seq != uint64(i+1) {
				t.Fatalf("event %d = %+v", i, ev)
			}
		}
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := New()
	if seq := b.Publish("job_x", Event{Kind: KindStatus, Status: job.Queued}); seq != 0 {
		t.Fatalf("seq = %d, want 0", seq)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(WithBufferSize(4))
	ctx := context.Background()
	slow, _ := b.Subscribe(ctx, "job_1")
	fast, _ := b.Subscribe(ctx, "job_1")
	defer slow.Close()
	defer fast.Close()

	got := make(chan int, 100)
	go func() {
		for {
			ev, err := fast.Next(ctx)
			if err != nil {
				close(got)
				return
			}
			var n int
			fmt.Sscan(ev.LogLine, &n)
			got <- n
		}
	}()

	start := time.Now()
	for i := 0; i < 10; i++ {
		b.Publish("job_1", Event{Kind: KindLog, LogLine: fmt.Sprint(i)})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish blocked for %v", elapsed)
	}

	if slow.Dropped() != 6 || b.Dropped() < 6 {
		t.Fatalf("slow dropped = %d, bus dropped = %d, want 6", slow.Dropped(), b.Dropped())
	}
	for want := 6; want < 10; want++ {
		ev, err := slow.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if ev.LogLine != fmt.Sprint(want) {
			t.Fatalf("slow got %q, want %d", ev.LogLine, want)
		}
	}

	// The fast subscriber is unaffected by the slow one, up to its own buffer.
	deadline := time.After(2 * time.Second)
	last := -1
	for last < 9 {
		select {
		case n := <-got:
			if n <= last {
				t.Fatalf("fast subscriber out of order: %d after %d", n, last)
			}
			last = n
		case <-deadline:
			t.Fatalf("fast subscriber stalled at %d", last)
		}
	}
}

func TestSubscribeUnknownJob(t *testing.T) {
	b := New(WithExists(func(_ context.Context, id string) (bool, error) {
		return id == "job_1", nil
	}))
	if _, err := b.Subscribe(context.Background(), "job_2"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
	s, err := b.Subscribe(context.Background(), "job_1")
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
}

func TestCloseDrainsThenErrors(t *testing.T) {
	b := New()
	ctx := context.Background()
	s, _ := b.Subscribe(ctx, "job_1")
	b.Publish("job_1", Event{Kind: KindStatus, Status: job.Completed, Terminal: true})
	s.Close()
	s.Close()

	if b.Subscribers("job_1") != 0 {
		t.Fatalf("subscribers = %d after close", b.Subscribers("job_1"))
	}
	ev, err := s.Next(ctx)
	if err != nil || !ev.Terminal {
		t.Fatalf("pending event = %+v, %v", ev, err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestContextCancelDetaches(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	s, _ := b.Subscribe(ctx, "job_1")
	cancel()

	deadline := time.Now().Add(time.Second)
	for b.Subscribers("job_1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not detached after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestSeqContinuesAcrossResubscribe(t *testing.T) {
	b := New()
	ctx := context.Background()
	s1, _ := b.Subscribe(ctx, "job_1")
	b.Publish("job_1", Event{Kind: KindLog, LogLine: "a"})
	b.Publish("job_1", Event{Kind: KindLog, LogLine: "b"})
	s1.Close()

	s2, _ := b.Subscribe(ctx, "job_1")
	defer s2.Close()
	b.Publish("job_1", Event{Kind: KindStatus, Status: job.Completed, Terminal: true})
	ev, err := s2.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 3 {
		t.Fatalf("seq after resubscribe = %d, want 3", ev.Seq)
	}
}

func TestTerminalRetiresIdleTopic(t *testing.T) {
	b := New()
	s, _ := b.Subscribe(context.Background(), "job_1")
	b.Publish("job_1", Event{Kind: KindLog, LogLine: "a"})
	s.Close()
	if seq := b.Publish("job_1", Event{Kind: KindStatus, Status: job.Failed, Terminal: true}); seq != 2 {
		t.Fatalf("terminal seq = %d, want 2", seq)
	}
	if seq := b.Publish("job_1", Event{Kind: KindLog, LogLine: "late"}); seq != 0 {
		t.Fatalf("publish after terminal = %d, want 0", seq)
	}
}

func TestPublishSeqMonotonicUnderChurn(t *testing.T) {
	b := New()
	ctx := context.Background()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s, err := b.Subscribe(ctx, "job_1")
				if err != nil {
					t.Error(err)
					return
				}
				s.Close()
			}
		}()
	}

	var last uint64
	for i := range 20000 {
		seq := b.Publish("job_1", Event{Kind: KindLog, LogLine: fmt.Sprint(i)})
		if seq == 0 {
			continue
		}
		if seq <= last {
			close(stop)
			wg.Wait()
			t.Fatalf("seq went from %d to %d", last, seq)
		}
		last = seq
	}
	close(stop)
	wg.Wait()
}
