package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/scribe/vtq"
)

// RedisQueue is a Transport on Redis: a sorted set scored by the
// visibility deadline (unix ms) plus hashes for payload, creation time and
// attempt count.
//
//	<prefix>:visible   ZSET  member=id score=visible_at
//	<prefix>:payload   HASH  id -> payload
//	<prefix>:created   HASH  id -> created_at
//	<prefix>:attempts  HASH  id -> attempts
type RedisQueue struct {
	rdb        redis.UniversalClient
	prefix     string
	visibility time.Duration
	now        func() time.Time
}

// NewRedisQueue returns a queue named queue on rdb.
func NewRedisQueue(rdb redis.UniversalClient, queue string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{rdb: rdb, prefix: "scribe:vtq:" + queue, visibility: visibility, now: time.Now}
}

func (q *RedisQueue) key(s string) string { return q.prefix + ":" + s }

func (q *RedisQueue) keys() []string {
	return []string{q.key("visible"), q.key("payload"), q.key("created"), q.key("attempts")}
}

func (q *RedisQueue) Visibility() time.Duration { return q.visibility }

func (q *RedisQueue) Publish(ctx context.Context, id string, payload []byte) error {
	now := q.now().UnixMilli()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("payload"), id, payload)
		pipe.HSet(ctx, q.key("created"), id, now)
		pipe.ZAdd(ctx, q.key("visible"), redis.Z{Score: float64(now), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisq: publish %s: %w", id, err)
	}
	return nil
}

// KEYS: visible payload created attempts; ARGV: now, hide_until
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZADD', KEYS[1], ARGV[2], id)
local attempts = redis.call('HINCRBY', KEYS[4], id, 1)
local payload = redis.call('HGET', KEYS[2], id) or ''
local created = redis.call('HGET', KEYS[3], id) or '0'
return {id, payload, tostring(attempts), created}
`)

func (q *RedisQueue) Claim(ctx context.Context) (*vtq.Message, error) {
	now := q.now()
	hide := now.Add(q.visibility).UnixMilli()
	vals, err := claimScript.Run(ctx, q.rdb, q.keys(), now.UnixMilli(), hide).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisq: claim: %w", err)
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("redisq: claim: unexpected reply %v", vals)
	}
	attempts, _ := strconv.Atoi(vals[2])
	created, _ := strconv.ParseInt(vals[3], 10, 64)
	return &vtq.Message{
		ID:        vals[0],
		Queue:     q.prefix,
		Payload:   []byte(vals[1]),
		VisibleAt: time.UnixMilli(hide),
		CreatedAt: time.UnixMilli(created),
		Attempts:  attempts,
	}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("visible"), id)
		pipe.HDel(ctx, q.key("payload"), id)
		pipe.HDel(ctx, q.key("created"), id)
		pipe.HDel(ctx, q.key("attempts"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisq: ack %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) setVisible(ctx context.Context, id string, at time.Time) error {
	return q.rdb.ZAddArgs(ctx, q.key("visible"), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(at.UnixMilli()), Member: id}},
	}).Err()
}

func (q *RedisQueue) Release(ctx context.Context, id string, delay time.Duration) error {
	if err := q.setVisible(ctx, id, q.now().Add(delay)); err != nil {
		return fmt.Errorf("redisq: release %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, id string, d time.Duration) error {
	if err := q.setVisible(ctx, id, q.now().Add(d)); err != nil {
		return fmt.Errorf("redisq: extend %s: %w", id, err)
	}
	return nil
}

// KEYS: visible payload created attempts; ARGV: id, now
var removeScript = redis.NewScript(`
local s = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not s then return 0 end
if tonumber(s) > tonumber(ARGV[2]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

func (q *RedisQueue) Remove(ctx context.Context, id string) (bool, error) {
	n, err := removeScript.Run(ctx, q.rdb, q.keys(), id, q.now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("redisq: remove %s: %w", id, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Exists(ctx context.Context, id string) (bool, error) {
	err := q.rdb.ZScore(ctx, q.key("visible"), id).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redisq: exists %s: %w", id, err)
	}
	return true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.key("visible")).Result()
	if err != nil {
		return 0, fmt.Errorf("redisq: len: %w", err)
	}
	return int(n), nil
}

// Purge deletes every key of the queue.
func (q *RedisQueue) Purge(ctx context.Context) error {
	return q.rdb.Del(ctx, q.keys()...).Err()
}
