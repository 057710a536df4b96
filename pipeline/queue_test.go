package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ancrage-ai/ancrage/internal/apperr"
)

func TestChannelQueueRoundTrip(t *testing.T) {
	q := NewChannelQueue(4)
	ctx := context.Background()

	want := Task{DocumentID: 7, FromStage: "extraction", Attempt: 1}
	if err := q.Enqueue(ctx, QueueProcessing, want); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx, QueueProcessing)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestChannelQueueFull(t *testing.T) {
	q := NewChannelQueue(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, QueueChunking, Task{DocumentID: int64(i)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	err := q.Enqueue(ctx, QueueChunking, Task{DocumentID: 99})
	if !errors.Is(err, apperr.ErrQueueFull) {
		t.Errorf("error = %v, want ErrQueueFull", err)
	}
	if !apperr.Retriable(err) {
		t.Error("queue saturation must be retriable")
	}

	if depth, _ := q.Depth(ctx, QueueChunking); depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
}

func TestChannelQueueDequeueHonorsContext(t *testing.T) {
	q := NewChannelQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx, QueueEmbedding)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestChannelQueueUnknownName(t *testing.T) {
	q := NewChannelQueue(1)
	if err := q.Enqueue(context.Background(), "inconnue", Task{}); err == nil {
		t.Error("expected error for unknown queue")
	}
}

func TestQueueStageMapping(t *testing.T) {
	for _, queue := range QueueNames {
		stage := stageForQueue(queue)
		if stage == "" {
			t.Errorf("no stage for queue %q", queue)
			continue
		}
		if got := queueForStage(stage); got != queue {
			t.Errorf("queueForStage(%q) = %q, want %q", stage, got, queue)
		}
	}
	if queueForStage("validation") != QueueProcessing {
		t.Error("validation must map to the processing queue")
	}
}
