package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ancrage-ai/ancrage/internal/apperr"
)

// Queue names, one per pipeline stage after validation.
const (
	QueueProcessing = "processing"
	QueueChunking   = "chunking"
	QueueEmbedding  = "embedding"
	QueueIndexing   = "indexing"
)

// QueueNames lists every queue a worker pool runs against.
var QueueNames = []string{QueueProcessing, QueueChunking, QueueEmbedding, QueueIndexing}

// Task is one unit of pipeline work. It carries only identifiers so
// queue payloads stay tiny; workers reload state from the store.
type Task struct {
	DocumentID int64  `json:"document_id"`
	FromStage  string `json:"from_stage"`
	Attempt    int    `json:"attempt"`
}

// Queue moves tasks between pipeline stages. Enqueue returns
// ErrQueueFull instead of blocking when the queue is saturated, so
// upload handlers can turn backpressure into a 429.
type Queue interface {
	Enqueue(ctx context.Context, queue string, t Task) error
	// Dequeue blocks until a task arrives or ctx is done.
	Dequeue(ctx context.Context, queue string) (Task, error)
	Depth(ctx context.Context, queue string) (int, error)
	Close() error
}

// ChannelQueue is the in-process Queue, one bounded channel per stage.
type ChannelQueue struct {
	chans map[string]chan Task
}

func NewChannelQueue(depth int) *ChannelQueue {
	if depth < 1 {
		depth = 128
	}
	chans := make(map[string]chan Task, len(QueueNames))
	for _, name := range QueueNames {
		chans[name] = make(chan Task, depth)
	}
	return &ChannelQueue{chans: chans}
}

func (q *ChannelQueue) channel(queue string) (chan Task, error) {
	ch, ok := q.chans[queue]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown queue %q", queue)
	}
	return ch, nil
}

func (q *ChannelQueue) Enqueue(ctx context.Context, queue string, t Task) error {
	ch, err := q.channel(queue)
	if err != nil {
		return err
	}
	select {
	case ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return apperr.E(apperr.KindTransient, "queue.enqueue", apperr.ErrQueueFull)
	}
}

func (q *ChannelQueue) Dequeue(ctx context.Context, queue string) (Task, error) {
	ch, err := q.channel(queue)
	if err != nil {
		return Task{}, err
	}
	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (q *ChannelQueue) Depth(ctx context.Context, queue string) (int, error) {
	ch, err := q.channel(queue)
	if err != nil {
		return 0, err
	}
	return len(ch), nil
}

func (q *ChannelQueue) Close() error { return nil }

// RedisQueue backs the pipeline with Redis lists so several server
// processes can share the work. Tasks are LPUSHed and BRPOPed, giving
// FIFO order per queue.
type RedisQueue struct {
	client   *redis.Client
	prefix   string
	maxDepth int64
}

func NewRedisQueue(client *redis.Client, prefix string, maxDepth int) *RedisQueue {
	if prefix == "" {
		prefix = "ancrage:queue:"
	}
	if maxDepth < 1 {
		maxDepth = 1024
	}
	return &RedisQueue{client: client, prefix: prefix, maxDepth: int64(maxDepth)}
}

func (q *RedisQueue) key(queue string) string { return q.prefix + queue }

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, t Task) error {
	depth, err := q.client.LLen(ctx, q.key(queue)).Result()
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	if depth >= q.maxDepth {
		return apperr.E(apperr.KindTransient, "queue.enqueue", apperr.ErrQueueFull)
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key(queue), payload).Err(); err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string) (Task, error) {
	for {
		res, err := q.client.BRPop(ctx, 5*time.Second, q.key(queue)).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("queue pop: %w", err)
		}

		var t Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			return Task{}, fmt.Errorf("queue payload: %w", err)
		}
		return t, nil
	}
}

func (q *RedisQueue) Depth(ctx context.Context, queue string) (int, error) {
	n, err := q.client.LLen(ctx, q.key(queue)).Result()
	return int(n), err
}

func (q *RedisQueue) Close() error { return q.client.Close() }
