// Package bus implements the embedded event bus: durable at-least-once
// delivery of journaled events to subscribed handlers, with bounded worker
// fan-out, exponential retry, and a dead-letter ledger.
//
// Publish order per topic is journal order. Handlers run concurrently
// across subscriptions; the bus makes no cross-subscription ordering
// guarantee.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"manageragent/internal/logging"
	"manageragent/internal/store"
	"manageragent/internal/types"
)

// Handler processes one delivered event. A non-nil error schedules a retry;
// exhausting retries dead-letters the delivery.
type Handler func(ctx context.Context, e types.Event) error

// Options tunes bus behavior. Zero fields fall back to defaults.
type Options struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	RetryBase    time.Duration
	RetryCap     time.Duration
	RetryFactor  float64
	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 200 * time.Millisecond
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 30 * time.Second
	}
	if o.RetryFactor <= 1 {
		o.RetryFactor = 2.0
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
	return o
}

// subscriber pairs a subscription record with its in-process handler.
type subscriber struct {
	sub     types.Subscription
	handler Handler
}

// job is one delivery attempt queued for a worker.
type job struct {
	delivery types.Delivery
	event    types.Event
	handler  Handler
	durable  bool
}

// Bus is the embedded event bus.
type Bus struct {
	store *store.Store
	opts  Options

	mu   sync.RWMutex
	subs map[string]*subscriber // subscription ID -> subscriber

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // workers

	timersMu sync.Mutex
	timers   map[string]*time.Timer // delivery ID -> pending retry timer
}

// New creates a bus backed by the given store and starts its workers.
func New(st *store.Store, opts Options) *Bus {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		store:  st,
		opts:   opts,
		subs:   make(map[string]*subscriber),
		queue:  make(chan job, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}

	for i := 0; i < opts.Workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	logging.Bus("Bus started: %d workers, queue %d, max attempts %d",
		opts.Workers, opts.QueueSize, opts.MaxAttempts)
	return b
}

// Subscribe registers a handler for a topic pattern. Durable subscriptions
// persist their delivery ledger so undelivered events survive restart.
func (b *Bus) Subscribe(pattern, name string, durable bool, handler Handler) (*types.Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	sub := types.Subscription{
		ID:        uuid.NewString(),
		Pattern:   pattern,
		Name:      name,
		Durable:   durable,
		CreatedAt: time.Now().UTC(),
	}

	if durable {
		if err := b.store.SaveSubscription(&sub); err != nil {
			return nil, fmt.Errorf("failed to persist subscription: %w", err)
		}
	}

	b.mu.Lock()
	b.subs[sub.ID] = &subscriber{sub: sub, handler: handler}
	b.mu.Unlock()

	logging.Bus("Subscribed %s (%s) to %q durable=%v", name, sub.ID, pattern, durable)
	return &sub, nil
}

// ResubscribeDurable re-attaches a handler to a persisted durable
// subscription by name, keeping its ID so pending deliveries can resume.
// Call before Recover.
func (b *Bus) ResubscribeDurable(name string, handler Handler) (*types.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	subs, err := b.store.ListSubscriptions()
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.Name == name && sub.Durable {
			b.mu.Lock()
			b.subs[sub.ID] = &subscriber{sub: sub, handler: handler}
			b.mu.Unlock()
			logging.Bus("Resubscribed %s (%s) to %q", name, sub.ID, sub.Pattern)
			return &sub, nil
		}
	}
	return nil, fmt.Errorf("no durable subscription named %q", name)
}

// Unsubscribe removes a subscription. An in-flight delivery finishes its
// current attempt but no further retries are scheduled.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	if s.sub.Durable {
		if err := b.store.DeleteSubscription(id); err != nil {
			return err
		}
	}
	logging.Bus("Unsubscribed %s (%s)", s.sub.Name, id)
	return nil
}

// Publish journals an event and fans it out to matching subscriptions.
// Matching durable subscriptions persisted by another process get a pending
// delivery in the ledger; the process that owns them recovers it on its
// next start. An event matching no subscription at all is journaled and
// delivered nowhere.
func (b *Bus) Publish(ctx context.Context, topic, source string, payload []byte, metadata map[string]string) (*types.Event, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if err := b.ctx.Err(); err != nil {
		return nil, fmt.Errorf("bus is closed")
	}

	event := types.Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Source:    source,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}

	if err := b.store.AppendEvent(&event); err != nil {
		return nil, err
	}

	b.mu.RLock()
	var matched []*subscriber
	attached := make(map[string]bool, len(b.subs))
	for _, s := range b.subs {
		attached[s.sub.ID] = true
		if MatchTopic(s.sub.Pattern, topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	logging.BusDebug("Published %s on %q: %d matching subscriptions", event.ID, topic, len(matched))

	// Durable subscriptions without a handler in this process still get
	// their delivery recorded; Recover re-enqueues it where the handler
	// lives.
	persisted, err := b.store.ListSubscriptions()
	if err != nil {
		return nil, err
	}
	for _, sub := range persisted {
		if attached[sub.ID] || !MatchTopic(sub.Pattern, topic) {
			continue
		}
		d := types.Delivery{
			ID:             uuid.NewString(),
			EventID:        event.ID,
			SubscriptionID: sub.ID,
			Status:         types.DeliveryPending,
			UpdatedAt:      time.Now().UTC(),
		}
		if err := b.store.RecordDelivery(&d); err != nil {
			return nil, fmt.Errorf("failed to record delivery: %w", err)
		}
	}

	for _, s := range matched {
		d := types.Delivery{
			ID:             uuid.NewString(),
			EventID:        event.ID,
			SubscriptionID: s.sub.ID,
			Status:         types.DeliveryPending,
			UpdatedAt:      time.Now().UTC(),
		}
		if s.sub.Durable {
			if err := b.store.RecordDelivery(&d); err != nil {
				return nil, fmt.Errorf("failed to record delivery: %w", err)
			}
		}
		if err := b.enqueue(ctx, job{delivery: d, event: event, handler: s.handler, durable: s.sub.Durable}); err != nil {
			// Durable deliveries stay pending in the ledger and resume via
			// Recover; for ephemeral ones the event is lost with the bus.
			return &event, err
		}
	}

	return &event, nil
}

// enqueue hands a job to the worker pool, honoring both contexts.
func (b *Bus) enqueue(ctx context.Context, j job) error {
	select {
	case b.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return fmt.Errorf("bus is closed")
	}
}

// Recover re-enqueues pending durable deliveries whose subscriptions have a
// handler attached. Call after ResubscribeDurable on startup.
func (b *Bus) Recover(ctx context.Context) (int, error) {
	pending, err := b.store.PendingDeliveries()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, d := range pending {
		b.mu.RLock()
		s, ok := b.subs[d.SubscriptionID]
		b.mu.RUnlock()
		if !ok {
			continue // handler not re-attached, leave in the ledger
		}

		event, err := b.store.GetEvent(d.EventID)
		if err != nil {
			logging.Get(logging.CategoryBus).Warn("Recover: dropping delivery %s: %v", d.ID, err)
			continue
		}

		d.Status = types.DeliveryPending
		if err := b.store.RecordDelivery(&d); err != nil {
			return recovered, err
		}
		if err := b.enqueue(ctx, job{delivery: d, event: *event, handler: s.handler, durable: true}); err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		logging.Bus("Recovered %d pending deliveries", recovered)
	}
	return recovered, nil
}

// Stats summarizes delivery state from the ledger.
func (b *Bus) Stats() (map[types.DeliveryStatus]int, error) {
	return b.store.CountDeliveriesByStatus()
}

// Close stops accepting publishes, cancels scheduled retries, and waits up
// to the drain timeout for in-flight handlers.
func (b *Bus) Close() error {
	b.cancel()

	b.timersMu.Lock()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.timersMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Bus("Bus drained cleanly")
		return nil
	case <-time.After(b.opts.DrainTimeout):
		return fmt.Errorf("bus drain timed out after %v", b.opts.DrainTimeout)
	}
}
