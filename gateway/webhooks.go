package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/tomassalina/koopay/escrow"
	"github.com/tomassalina/koopay/gateway/auth"
)

// WebhookEvent is a queued outbound notification about an escrow change.
type WebhookEvent struct {
	Type       string            `json:"type"`
	ContractID string            `json:"contractId"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

type queuedEvent struct {
	event      WebhookEvent
	attempt    int
	notBefore  time.Time
	enqueuedAt time.Time
}

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
	maxDeliveryAttempts  = 5
)

// WebhookQueueOption adjusts queue behaviour.
type WebhookQueueOption func(*WebhookQueue)

// WithQueueCapacity bounds the number of pending events.
func WithQueueCapacity(n int) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if n > 0 {
			q.events = newEventRing(n)
		}
	}
}

// WithQueueTTL sets how long queued events stay eligible for delivery.
func WithQueueTTL(ttl time.Duration) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

func withQueueClock(now func() time.Time) WebhookQueueOption {
	return func(q *WebhookQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// WebhookQueue buffers escrow events prior to delivery. Overflow drops the
// oldest event; expiry drops events older than the TTL. Both are counted.
type WebhookQueue struct {
	mu     sync.Mutex
	events *eventRing
	ttl    time.Duration
	now    func() time.Time

	dropped metric.Int64Counter
}

// NewWebhookQueue constructs a bounded queue.
func NewWebhookQueue(opts ...WebhookQueueOption) *WebhookQueue {
	q := &WebhookQueue{
		events: newEventRing(defaultQueueCapacity),
		ttl:    defaultQueueTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.dropped = droppedCounter()
	return q
}

// EnqueueEscrowEvent converts an engine event and queues it.
func (q *WebhookQueue) EnqueueEscrowEvent(evt escrow.Event) {
	q.Enqueue(WebhookEvent{
		Type:       evt.Type,
		ContractID: evt.ContractID,
		Attributes: evt.Attributes,
		CreatedAt:  q.now().UTC(),
	})
}

// Enqueue adds an event to the queue.
func (q *WebhookQueue) Enqueue(evt WebhookEvent) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if dropped := q.events.push(queuedEvent{event: evt, enqueuedAt: now}); dropped {
		q.recordDropped("overflow", 1)
	}
}

// Dequeue waits for the next deliverable event. Returns false when ctx is
// cancelled.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookEvent, int, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		item, ok := q.events.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return WebhookEvent{}, 0, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}
		if delay := time.Until(item.notBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return WebhookEvent{}, 0, false
			case <-timer.C:
			}
		}
		if q.ttl > 0 && q.now().Sub(item.enqueuedAt) > q.ttl {
			q.recordDropped("ttl", 1)
			continue
		}
		return item.event, item.attempt, true
	}
}

// Requeue schedules a failed delivery for another attempt with backoff.
// The event is dropped after maxDeliveryAttempts.
func (q *WebhookQueue) Requeue(evt WebhookEvent, attempt int) {
	if attempt+1 >= maxDeliveryAttempts {
		q.recordDropped("attempts", 1)
		return
	}
	now := q.now()
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	q.mu.Lock()
	defer q.mu.Unlock()
	if dropped := q.events.push(queuedEvent{
		event:      evt,
		attempt:    attempt + 1,
		notBefore:  now.Add(backoff),
		enqueuedAt: now,
	}); dropped {
		q.recordDropped("overflow", 1)
	}
}

// Pending returns a snapshot of queued events, oldest first.
func (q *WebhookQueue) Pending() []WebhookEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	out := make([]WebhookEvent, 0, q.events.len())
	q.events.forEach(func(item queuedEvent) {
		out = append(out, item.event)
	})
	return out
}

func (q *WebhookQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		item, ok := q.events.peek()
		if !ok || now.Sub(item.enqueuedAt) <= q.ttl {
			break
		}
		q.events.pop()
		expired++
	}
	if expired > 0 {
		q.recordDropped("ttl", expired)
	}
}

func (q *WebhookQueue) recordDropped(reason string, count int) {
	if q.dropped == nil || count <= 0 {
		return
	}
	q.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

var (
	droppedOnce   sync.Once
	droppedShared metric.Int64Counter
)

func droppedCounter() metric.Int64Counter {
	droppedOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("koopay/gateway")
		counter, err := meter.Int64Counter("koopay.gateway.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("koopay/gateway")
			counter, _ = fallback.Int64Counter("koopay.gateway.webhooks.dropped")
		}
		droppedShared = counter
	})
	return droppedShared
}

// eventRing is a fixed-size ring that overwrites the oldest entry on
// overflow.
type eventRing struct {
	buf  []queuedEvent
	head int
	size int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]queuedEvent, capacity)}
}

func (r *eventRing) push(v queuedEvent) bool {
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return false
}

func (r *eventRing) pop() (queuedEvent, bool) {
	if r.size == 0 {
		return queuedEvent{}, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = queuedEvent{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *eventRing) peek() (queuedEvent, bool) {
	if r.size == 0 {
		return queuedEvent{}, false
	}
	return r.buf[r.head], true
}

func (r *eventRing) len() int { return r.size }

func (r *eventRing) forEach(fn func(queuedEvent)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

// WebhookEndpoint is a configured delivery target.
type WebhookEndpoint struct {
	URL    string
	Secret string
}

// WebhookDispatcher drains the queue and posts events to the configured
// endpoints. Payloads are signed with HMAC-SHA256 over the body.
type WebhookDispatcher struct {
	queue     *WebhookQueue
	endpoints []WebhookEndpoint
	client    *http.Client
	logger    *slog.Logger
}

// NewWebhookDispatcher builds a dispatcher over the queue.
func NewWebhookDispatcher(queue *WebhookQueue, endpoints []WebhookEndpoint, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		queue:     queue,
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

// Run delivers events until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	for {
		evt, attempt, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if err := d.deliver(ctx, evt); err != nil {
			d.logger.Warn("webhook delivery failed",
				slog.String("type", evt.Type),
				slog.Int("attempt", attempt+1),
				slog.Any("error", err))
			d.queue.Requeue(evt, attempt)
			continue
		}
		d.logger.Debug("webhook delivered", slog.String("type", evt.Type))
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, evt WebhookEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	for _, ep := range d.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(auth.HeaderTimestamp, timestamp)
		sig := auth.ComputeSignature(ep.Secret, timestamp, evt.Type, http.MethodPost, auth.CanonicalRequestPath(req), body)
		req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("endpoint %s returned %d", ep.URL, resp.StatusCode)
		}
	}
	return nil
}
