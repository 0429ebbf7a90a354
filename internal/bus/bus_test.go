package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"manageragent/internal/store"
	"manageragent/internal/types"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus(t *testing.T, opts Options) (*Bus, *store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := New(st, opts)
	t.Cleanup(func() { b.Close() })
	return b, st
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =============================================================================
// PUBLISH AND DELIVERY TESTS
// =============================================================================

func TestBus_PublishDelivers(t *testing.T) {
	t.Parallel()

	b, _ := newTestBus(t, Options{})

	got := make(chan types.Event, 1)
	_, err := b.Subscribe("task.completed", "listener", false, func(ctx context.Context, e types.Event) error {
		got <- e
		return nil
	})
	require.NoError(t, err)

	e, err := b.Publish(context.Background(), "task.completed", "test", []byte(`{"n":1}`), map[string]string{"k": "v"})
	require.NoError(t, err)

	select {
	case delivered := <-got:
		if delivered.ID != e.ID {
			t.Errorf("delivered event %s, want %s", delivered.ID, e.ID)
		}
		if string(delivered.Payload) != `{"n":1}` {
			t.Errorf("payload = %q", delivered.Payload)
		}
		if delivered.Metadata["k"] != "v" {
			t.Errorf("metadata = %v", delivered.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBus_WildcardSubscription(t *testing.T) {
	t.Parallel()

	b, _ := newTestBus(t, Options{})

	var hits atomic.Int32
	_, err := b.Subscribe("task.*", "wild", false, func(ctx context.Context, e types.Event) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = b.Publish(ctx, "task.started", "test", nil, nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "task.completed", "test", nil, nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "plan.completed", "test", nil, nil)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return hits.Load() == 2 })
	// Give the non-matching topic a chance to be (wrongly) delivered.
	time.Sleep(20 * time.Millisecond)
	if n := hits.Load(); n != 2 {
		t.Errorf("got %d deliveries, want 2", n)
	}
}

func TestBus_PublishValidatesTopic(t *testing.T) {
	t.Parallel()

	b, _ := newTestBus(t, Options{})
	if _, err := b.Publish(context.Background(), "task.*", "test", nil, nil); err == nil {
		t.Fatal("expected error for wildcard in topic")
	}
}

func TestBus_EventJournaledWithoutSubscribers(t *testing.T) {
	t.Parallel()

	b, st := newTestBus(t, Options{})

	e, err := b.Publish(context.Background(), "nobody.listens", "test", []byte("x"), nil)
	require.NoError(t, err)

	stored, err := st.GetEvent(e.ID)
	require.NoError(t, err)
	require.Equal(t, "nobody.listens", stored.Topic)
}

// =============================================================================
// RETRY AND DEAD-LETTER TESTS
// =============================================================================

func TestBus_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	b, _ := newTestBus(t, Options{
		MaxAttempts: 5,
		RetryBase:   time.Millisecond,
		RetryCap:    10 * time.Millisecond,
	})

	var attempts atomic.Int32
	done := make(chan struct{})
	_, err := b.Subscribe("flaky.topic", "flaky", false, func(ctx context.Context, e types.Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), "flaky.topic", "test", nil, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never succeeded")
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestBus_DeadLetterAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	b, st := newTestBus(t, Options{
		MaxAttempts: 2,
		RetryBase:   time.Millisecond,
		RetryCap:    10 * time.Millisecond,
	})

	_, err := b.Subscribe("doomed.topic", "doomed", true, func(ctx context.Context, e types.Event) error {
		return errors.New("permanent failure")
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), "doomed.topic", "test", nil, nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		counts, err := st.CountDeliveriesByStatus()
		return err == nil && counts[types.DeliveryDeadLetter] == 1
	})

	dead, err := st.DeadLetters(10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, 2, dead[0].Attempts)
	require.Contains(t, dead[0].LastError, "permanent failure")
}

func TestBus_HandlerPanicIsFailure(t *testing.T) {
	t.Parallel()

	b, st := newTestBus(t, Options{
		MaxAttempts: 1,
		RetryBase:   time.Millisecond,
	})

	_, err := b.Subscribe("panicky.topic", "panicky", true, func(ctx context.Context, e types.Event) error {
		panic("boom")
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), "panicky.topic", "test", nil, nil)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		counts, err := st.CountDeliveriesByStatus()
		return err == nil && counts[types.DeliveryDeadLetter] == 1
	})

	dead, err := st.DeadLetters(1)
	require.NoError(t, err)
	require.Contains(t, dead[0].LastError, "panicked")
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	cap := 2 * time.Second

	if got := Backoff(base, 2.0, cap, 1); got != base {
		t.Errorf("attempt 1: %v, want %v", got, base)
	}
	if got := Backoff(base, 2.0, cap, 2); got != 200*time.Millisecond {
		t.Errorf("attempt 2: %v, want 200ms", got)
	}
	if got := Backoff(base, 2.0, cap, 10); got != cap {
		t.Errorf("attempt 10: %v, want cap %v", got, cap)
	}
	if got := Backoff(base, 2.0, cap, 0); got != base {
		t.Errorf("attempt 0: %v, want %v", got, base)
	}
}

// =============================================================================
// DURABILITY AND RECOVERY TESTS
// =============================================================================

func TestBus_RecoverPendingDeliveries(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Simulate state left by a crashed process: a journaled event with a
	// pending delivery for a durable subscription.
	sub := types.Subscription{
		ID:        uuid.NewString(),
		Pattern:   "orders.created",
		Name:      "order-worker",
		Durable:   true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SaveSubscription(&sub))

	event := types.Event{
		ID:        uuid.NewString(),
		Topic:     "orders.created",
		Source:    "test",
		Payload:   []byte("order-1"),
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, st.AppendEvent(&event))

	require.NoError(t, st.RecordDelivery(&types.Delivery{
		ID:             uuid.NewString(),
		EventID:        event.ID,
		SubscriptionID: sub.ID,
		Status:         types.DeliveryPending,
		UpdatedAt:      time.Now().UTC(),
	}))

	b := New(st, Options{})
	t.Cleanup(func() { b.Close() })

	got := make(chan types.Event, 1)
	_, err = b.ResubscribeDurable("order-worker", func(ctx context.Context, e types.Event) error {
		got <- e
		return nil
	})
	require.NoError(t, err)

	n, err := b.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case e := <-got:
		require.Equal(t, event.ID, e.ID)
		require.Equal(t, "order-1", string(e.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("recovered delivery never reached the handler")
	}

	waitFor(t, 2*time.Second, func() bool {
		counts, err := st.CountDeliveriesByStatus()
		return err == nil && counts[types.DeliveryDelivered] == 1
	})
}

func TestBus_ResubscribeDurableUnknownName(t *testing.T) {
	t.Parallel()

	b, _ := newTestBus(t, Options{})
	_, err := b.ResubscribeDurable("nobody", func(ctx context.Context, e types.Event) error { return nil })
	require.Error(t, err)
}

func TestBus_PublishRecordsDetachedDurableDelivery(t *testing.T) {
	t.Parallel()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// First process creates the durable subscription, then shuts down.
	first := New(st, Options{})
	_, err = first.Subscribe("task.*", "ledger", true, func(ctx context.Context, e types.Event) error {
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A different process publishes with no handler attached; the delivery
	// still lands in the ledger for the subscription's owner.
	second := New(st, Options{})
	e, err := second.Publish(context.Background(), "task.completed", "cli", []byte(`{"task_id":"t1"}`), nil)
	require.NoError(t, err)

	pending, err := st.PendingDeliveries()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, e.ID, pending[0].EventID)
	require.NoError(t, second.Close())

	// The owner comes back, re-attaches, and recovers the delivery.
	third := New(st, Options{})
	t.Cleanup(func() { third.Close() })

	var delivered atomic.Int32
	_, err = third.ResubscribeDurable("ledger", func(ctx context.Context, e types.Event) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	n, err := third.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	waitFor(t, 2*time.Second, func() bool { return delivered.Load() == 1 })
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b, _ := newTestBus(t, Options{})

	var hits atomic.Int32
	sub, err := b.Subscribe("quiet.topic", "quiet", false, func(ctx context.Context, e types.Event) error {
		hits.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(sub.ID))

	_, err = b.Publish(context.Background(), "quiet.topic", "test", nil, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	if n := hits.Load(); n != 0 {
		t.Errorf("got %d deliveries after unsubscribe, want 0", n)
	}
}

// =============================================================================
// SHUTDOWN TESTS
// =============================================================================

func TestBus_CloseDrainsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	b := New(st, Options{Workers: 2, DrainTimeout: 5 * time.Second})

	done := make(chan struct{})
	_, err = b.Subscribe("slow.topic", "slow", false, func(ctx context.Context, e types.Event) error {
		time.Sleep(20 * time.Millisecond)
		close(done)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), "slow.topic", "test", nil, nil)
	require.NoError(t, err)

	<-done
	require.NoError(t, b.Close())

	if _, err := b.Publish(context.Background(), "slow.topic", "test", nil, nil); err == nil {
		t.Fatal("expected publish after close to fail")
	}
}
