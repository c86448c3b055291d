package relay

import (
	"context"
	"testing"
	"time"
)

func TestQueueOrdering(t *testing.T) {
	q := NewQueue(WithQueueCapacity(8))
	for i := int64(1); i <= 3; i++ {
		q.Enqueue(Task{Notification: Notification{Sequence: i}})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := int64(1); i <= 3; i++ {
		task, ok := q.Dequeue(ctx)
		if !ok {
			t.Fatal("dequeue returned early")
		}
		if task.Notification.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, task.Notification.Sequence)
		}
	}
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	q := NewQueue(WithQueueCapacity(2))
	for i := int64(1); i <= 3; i++ {
		q.Enqueue(Task{Notification: Notification{Sequence: i}})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := q.Dequeue(ctx)
	if !ok || task.Notification.Sequence != 2 {
		t.Fatalf("expected oldest surviving task to be sequence 2, got %+v ok=%v", task, ok)
	}
}

func TestQueueTTLDropsStaleTasks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	q := NewQueue(WithQueueCapacity(4), WithQueueTTL(time.Minute), withQueueClock(clock))
	q.Enqueue(Task{Notification: Notification{Sequence: 1}})
	now = now.Add(2 * time.Minute)
	q.Enqueue(Task{Notification: Notification{Sequence: 2}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := q.Dequeue(ctx)
	if !ok || task.Notification.Sequence != 2 {
		t.Fatalf("expected stale task evicted, got %+v ok=%v", task, ok)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestQueueDequeueHonoursNotBefore(t *testing.T) {
	q := NewQueue(WithQueueCapacity(4))
	release := time.Now().Add(60 * time.Millisecond)
	q.Enqueue(Task{Notification: Notification{Sequence: 1}, NotBefore: release})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := q.Dequeue(ctx); !ok {
		t.Fatal("dequeue returned early")
	}
	if time.Now().Before(release) {
		t.Fatal("task released before its NotBefore deadline")
	}
}

func TestQueueDequeueStopsOnCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatal("expected dequeue to observe cancellation")
	}
}
