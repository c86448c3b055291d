package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"escrowd/core/events"
)

const maxDeliveryAttempts = 5

// Relay fans coordinator events out to registered webhook subscribers. It
// implements events.Emitter so it can be wired directly into the engine's
// fan-out chain.
type Relay struct {
	store  *Store
	queue  *Queue
	client *http.Client
	nowFn  func() time.Time
	seq    atomic.Int64

	rateMu sync.Mutex
	rate   map[string]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

// New constructs a relay over a subscription store and a delivery queue.
func New(store *Store, queue *Queue) *Relay {
	if queue == nil {
		queue = NewQueue()
	}
	return &Relay{
		store:  store,
		queue:  queue,
		client: &http.Client{Timeout: 10 * time.Second},
		nowFn:  time.Now,
		rate:   make(map[string]rateWindow),
	}
}

// Emit implements the events.Emitter interface by staging the event for
// asynchronous delivery. It never blocks the caller.
func (r *Relay) Emit(evt *events.Event) {
	if r == nil || evt == nil {
		return
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	r.queue.Enqueue(Task{Notification: Notification{
		Sequence:   r.seq.Add(1),
		Type:       evt.Type,
		Attributes: attrs,
		CreatedAt:  r.nowFn().UTC(),
	}})
}

// Run processes delivery tasks until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		task, ok := r.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			r.expand(task)
			continue
		}
		r.deliver(ctx, task)
	}
}

// expand fans an undirected task out to every matching subscription.
func (r *Relay) expand(task Task) {
	if r.store == nil {
		return
	}
	subs, err := r.store.ListForEvent(task.Notification.Type)
	if err != nil {
		slog.Error("relay: listing subscriptions failed", "error", err, "type", task.Notification.Type)
		return
	}
	for i := range subs {
		sub := subs[i]
		r.queue.Enqueue(Task{Notification: task.Notification, Subscription: &sub})
	}
}

func (r *Relay) deliver(ctx context.Context, task Task) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := r.nowFn()
	if !r.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = now.Add(time.Minute)
		r.queue.Enqueue(task)
		return
	}
	payload, err := json.Marshal(task.Notification)
	if err != nil {
		slog.Error("relay: encoding notification failed", "error", err, "subscription", sub.ID)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("relay: building request failed", "error", err, "subscription", sub.ID)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", uuid.NewString())
	req.Header.Set("X-Signature", SignPayload(sub.Secret, payload))

	resp, err := r.client.Do(req)
	if err != nil {
		r.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.retryLater(task, resp.Status)
		return
	}
}

func (r *Relay) retryLater(task Task, reason string) {
	attempt := task.Attempt + 1
	if attempt >= maxDeliveryAttempts {
		slog.Warn("relay: delivery abandoned",
			"subscription", task.Subscription.ID,
			"type", task.Notification.Type,
			"attempts", attempt,
			"reason", reason)
		return
	}
	task.Attempt = attempt
	task.NotBefore = r.nowFn().Add(backoffDuration(attempt))
	r.queue.Enqueue(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (r *Relay) allow(id string, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	r.rateMu.Lock()
	defer r.rateMu.Unlock()
	state := r.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		r.rate[id] = state
		return false
	}
	state.count++
	r.rate[id] = state
	return true
}

// SignPayload computes the hex HMAC-SHA256 digest subscribers use to verify
// delivery authenticity.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
