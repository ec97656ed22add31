// Package progress is the in-memory publish/subscribe bus that carries job
// status changes and engine log lines to live clients.
//
// Publish never blocks. Each subscription owns a bounded ring buffer; when
// a subscriber falls behind, its oldest pending event is dropped and
// counted. Events of one job reach each subscriber in publication order.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/scribe/job"
)

// DefaultBufferSize is the per-subscription event capacity.
const DefaultBufferSize = 64

var (
	// ErrUnknownJob is returned by Subscribe for a job that does not exist.
	ErrUnknownJob = errors.New("progress: unknown job")
	// ErrClosed is returned by Next once the subscription was closed.
	ErrClosed = errors.New("progress: subscription closed")
)

// Kind distinguishes status events from log lines.
type Kind string

const (
	KindStatus Kind = "status"
	KindLog    Kind = "log"
)

// Event is one message delivered to subscribers.
type Event struct {
	JobID    string     `json:"job_id"`
	Seq      uint64     `json:"seq"`
	Kind     Kind       `json:"kind"`
	Status   job.Status `json:"status,omitempty"`
	Reason   job.Reason `json:"failure_reason,omitempty"`
	Message  string     `json:"message,omitempty"`
	Note     string     `json:"note,omitempty"`
	LogLine  string     `json:"log_line,omitempty"`
	Terminal bool       `json:"terminal,omitempty"`
	At       time.Time  `json:"at"`
}

// ExistsFunc reports whether a job exists.
type ExistsFunc func(ctx context.Context, jobID string) (bool, error)

// A topic outlives its subscribers until the job's terminal event so
// that seq keeps increasing across reconnects.
type topic struct {
	mu   sync.Mutex
	seq  uint64
	done bool // terminal event published
	subs map[*Subscription]struct{}
}

func (t *topic) idle() bool { return len(t.subs) == 0 && (t.done || t.seq == 0) }

// Bus routes events to the subscriptions of each job.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic

	bufSize int
	exists  ExistsFunc
	logger  *slog.Logger
	dropped atomic.Uint64
	now     func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscription capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithExists sets the job existence check used by Subscribe.
func WithExists(fn ExistsFunc) Option { return func(b *Bus) { b.exists = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

// New returns an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:  make(map[string]*topic),
		bufSize: DefaultBufferSize,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe attaches a subscription to jobID. The subscription is
// detached when ctx is done or Close is called.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	if b.exists != nil {
		ok, err := b.exists(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrUnknownJob
		}
	}

	s := &Subscription{
		bus:    b,
		jobID:  jobID,
		buf:    make([]Event, b.bufSize),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[jobID] = t
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	b.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.done:
			}
		}()
	}
	return s, nil
}

// Publish delivers ev to every subscription of jobID and returns the
// sequence number assigned. Publishing to a job without subscribers is a
// no-op.
func (b *Bus) Publish(jobID string, ev Event) uint64 {
	// b.mu is held until delivery so remove cannot retire the topic
	// between lookup and push.
	b.mu.RLock()
	t, ok := b.topics[jobID]
	if !ok {
		b.mu.RUnlock()
		return 0
	}
	t.mu.Lock()
	t.seq++
	ev.JobID = jobID
	ev.Seq = t.seq
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}
	for s := range t.subs {
		if s.push(ev) {
			b.dropped.Add(1)
		}
	}
	if ev.Terminal {
		t.done = true
	}
	idle := t.idle()
	t.mu.Unlock()
	b.mu.RUnlock()

	if idle {
		b.retire(jobID, t)
	}
	return ev.Seq
}

// retire drops t if it is still the topic of jobID and still idle.
func (b *Bus) retire(jobID string, t *topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[jobID] != t {
		return
	}
	t.mu.Lock()
	idle := t.idle()
	t.mu.Unlock()
	if idle {
		delete(b.topics, jobID)
	}
}

// Subscribers returns the number of live subscriptions of jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.RLock()
	t, ok := b.topics[jobID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Dropped returns the number of events dropped across all subscriptions.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[s.jobID]
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.subs, s)
	idle := t.idle()
	t.mu.Unlock()
	if idle {
		delete(b.topics, s.jobID)
	}
}

// Subscription receives the events of one job.
type Subscription struct {
	bus   *Bus
	jobID string

	mu      sync.Mutex
	buf     []Event
	head    int
	n       int
	dropped uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// JobID returns the job this subscription follows.
func (s *Subscription) JobID() string { return s.jobID }

// push appends ev, evicting the oldest pending event when full. Reports
// whether an event was dropped.
func (s *Subscription) push(ev Event) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.n == len(s.buf) {
		s.head = (s.head + 1) % len(s.buf)
		s.n--
		s.dropped++
		dropped = true
	}
	s.buf[(s.head+s.n)%len(s.buf)] = ev
	s.n++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next returns the oldest pending event, waiting for one if needed.
// Pending events are still delivered after Close; ErrClosed follows once
// the buffer is drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.n > 0 {
			ev := s.buf[s.head]
			s.buf[s.head] = Event{}
			s.head = (s.head + 1) % len(s.buf)
			s.n--
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Pending returns the number of buffered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Dropped returns how many events this subscription lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}
