package relay

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	defaultTaskCapacity = 1024
	defaultQueueTTL     = 15 * time.Minute
)

// Notification is a single event staged for webhook delivery.
type Notification struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Task pairs a notification with a delivery target. A nil Subscription marks
// a task that still needs fan-out across the registry.
type Task struct {
	Notification Notification
	Subscription *Subscription
	Attempt      int
	NotBefore    time.Time
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

// QueueOption customises queue construction.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// WithQueueCapacity bounds the number of pending tasks.
func WithQueueCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithQueueTTL configures how long queued tasks remain eligible for delivery.
func WithQueueTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withQueueClock overrides the clock used for TTL evaluation (test only).
func withQueueClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue is a bounded buffer of delivery tasks. Overflow evicts the oldest
// task; stale tasks are dropped once they exceed the TTL.
type Queue struct {
	mu      sync.Mutex
	tasks   taskRing
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// NewQueue constructs a bounded queue.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		capacity: defaultTaskCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		tasks:   newTaskRing(cfg.capacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: sharedMetrics(),
	}
}

// Enqueue adds a task to the queue.
func (q *Queue) Enqueue(task Task) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if _, dropped := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	return q.tasks.len()
}

// Dequeue waits for the next deliverable task. Returns false once the context
// is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return Task{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Task{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 {
			if age := q.now().Sub(queued.enqueuedAt); age > q.ttl {
				q.metrics.recordDropped("ttl", 1)
				continue
			}
		}
		return queued.task, true
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// taskRing is a fixed-size ring buffer that overwrites the oldest element on
// overflow.
type taskRing struct {
	buf  []queuedTask
	head int
	size int
}

func newTaskRing(capacity int) taskRing {
	if capacity <= 0 {
		return taskRing{}
	}
	return taskRing{buf: make([]queuedTask, capacity)}
}

func (r *taskRing) push(v queuedTask) (queuedTask, bool) {
	if len(r.buf) == 0 {
		return queuedTask{}, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	return queuedTask{}, false
}

func (r *taskRing) pop() (queuedTask, bool) {
	if r.size == 0 {
		return queuedTask{}, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = queuedTask{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *taskRing) peek() (queuedTask, bool) {
	if r.size == 0 {
		return queuedTask{}, false
	}
	return r.buf[r.head], true
}

func (r *taskRing) len() int {
	return r.size
}

var (
	metricsOnce   sync.Once
	queueMetricsV *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("escrowd/relay")
		counter, err := meter.Int64Counter("escrowd.relay.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("escrowd/relay")
			counter, _ = fallback.Int64Counter("escrowd.relay.dropped")
		}
		queueMetricsV = &queueMetrics{dropped: counter}
	})
	return queueMetricsV
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
