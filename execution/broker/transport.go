package broker

import (
	"context"
	"time"

	"github.com/hazyhaar/scribe/vtq"
)

// Transport is a visibility-timeout queue. *vtq.Q and *RedisQueue
// implement it.
type Transport interface {
	Publish(ctx context.Context, id string, payload []byte) error
	// Claim returns nil, nil when no message is visible.
	Claim(ctx context.Context) (*vtq.Message, error)
	Ack(ctx context.Context, id string) error
	Release(ctx context.Context, id string, delay time.Duration) error
	Extend(ctx context.Context, id string, d time.Duration) error
	// Remove deletes id only while no consumer holds it.
	Remove(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	Len(ctx context.Context) (int, error)
	Visibility() time.Duration
}

var (
	_ Transport = (*vtq.Q)(nil)
	_ Transport = (*RedisQueue)(nil)
)
