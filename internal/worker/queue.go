// Package worker runs queued units of work (reasoning runs, action executions)
// on a bounded pool of goroutines.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job kinds.
const (
	KindReasoningRun  = "reasoning.run"
	KindActionExecute = "action.execute"
)

// Message describes one unit of work.
type Message struct {
	JobID    uuid.UUID       `json:"job_id"`
	TenantID string          `json:"tenant_id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Enqueued time.Time       `json:"enqueued"`
}

// Queue is a FIFO of messages shared by producers and workers.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message is available or ctx is done.
	Dequeue(ctx context.Context) (Message, error)
	Len(ctx context.Context) (int64, error)
}

// MemoryQueue is an in-process buffered queue.
type MemoryQueue struct {
	ch chan Message
}

// NewMemoryQueue creates a queue holding up to size messages.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan Message, size)}
}

// Enqueue blocks while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// RedisQueue is a Redis list: producers LPUSH, workers BRPOP.
type RedisQueue struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
}

// NewRedisQueue creates a queue stored under prefix:queue:name.
func NewRedisQueue(client redis.UniversalClient, prefix, name string) *RedisQueue {
	return &RedisQueue{
		client:  client,
		key:     fmt.Sprintf("%s:queue:%s", prefix, name),
		timeout: time.Second,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueueing message: %w", err)
	}
	return nil
}

// Dequeue polls with a short BRPOP timeout so cancellation is observed promptly.
func (q *RedisQueue) Dequeue(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		res, err := q.client.BRPop(ctx, q.timeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			return Message{}, fmt.Errorf("dequeueing message: %w", err)
		}
		// res is [key, value].
		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			return Message{}, fmt.Errorf("decoding message: %w", err)
		}
		return msg, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
