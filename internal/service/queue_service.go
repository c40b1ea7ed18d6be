package service

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"annotation-service/internal/entity"
)

// ErrQueueEmpty is returned by ClaimBlocking when nothing arrived in time.
var ErrQueueEmpty = errors.New("queue empty")

// Queue is the durable hand-off between submission and the worker pool.
// Payloads are opaque to the queue; callers decode them as entity.Task.
type Queue interface {
	Enqueue(ctx context.Context, task entity.Task) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, raw string) error
	RequeueStale(ctx context.Context, max int64) (int64, error)
}

// redisQueue implements a reliable queue on Redis lists.
// Claim: BRPOPLPUSH queue -> processing
// Ack:   LREM from processing
// RequeueStale moves stranded processing entries back for redelivery;
// lease/version checks downstream make redelivery safe.
type redisQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
}

func NewRedisQueue(rdb *redis.Client, queueKey, processingKey string) Queue {
	return &redisQueue{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: processingKey,
	}
}

func (q *redisQueue) Enqueue(ctx context.Context, task entity.Task) error {
	raw, err := task.Encode()
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.queueKey, raw).Err()
}

// ClaimBlocking waits up to timeout for a task and atomically moves it into
// the processing list. timeout <= 0 blocks until something arrives.
func (q *redisQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := 1 * time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		wait := slot
		if !forever {
			remain := time.Until(deadline)
			if remain <= 0 {
				return "", ErrQueueEmpty
			}
			if remain < wait {
				wait = remain
			}
		}

		raw, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, wait).Result()
		if err == nil {
			return raw, nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		return "", err
	}
}

func (q *redisQueue) Ack(ctx context.Context, raw string) error {
	return q.rdb.LRem(ctx, q.processingKey, 1, raw).Err()
}

// RequeueStale drains the processing list back into the queue, at most max
// entries. At-least-once delivery: a task belonging to a live attempt will be
// skipped by the worker because the job's lease is still held.
func (q *redisQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for i := int64(0); i < max; i++ {
		raw, err := q.rdb.RPopLPush(ctx, q.processingKey, q.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, err
		}
		if raw != "" {
			moved++
		}
	}
	return moved, nil
}
