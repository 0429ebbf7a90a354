package bus

import (
	"fmt"
	"math"
	"time"

	"manageragent/internal/logging"
	"manageragent/internal/types"
)

// worker drains the delivery queue until the bus context is canceled.
// Jobs still queued at shutdown stay pending in the ledger (durable) and
// resume via Recover.
func (b *Bus) worker(n int) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case j := <-b.queue:
			b.attempt(n, j)
		}
	}
}

// attempt runs one delivery attempt and updates the ledger.
func (b *Bus) attempt(worker int, j job) {
	// A subscription removed while this job was queued gets its in-flight
	// attempt, but a failure schedules no retry.
	b.mu.RLock()
	_, stillSubscribed := b.subs[j.delivery.SubscriptionID]
	b.mu.RUnlock()

	j.delivery.Status = types.DeliveryInFlight
	j.delivery.Attempts++
	if j.durable {
		if err := b.store.RecordDelivery(&j.delivery); err != nil {
			logging.Get(logging.CategoryBus).Error("Ledger update failed for %s: %v", j.delivery.ID, err)
		}
	}

	err := b.invoke(j)
	if err == nil {
		j.delivery.Status = types.DeliveryDelivered
		j.delivery.LastError = ""
		j.delivery.NextAttemptAt = time.Time{}
		if j.durable {
			if err := b.store.RecordDelivery(&j.delivery); err != nil {
				logging.Get(logging.CategoryBus).Error("Ledger update failed for %s: %v", j.delivery.ID, err)
			}
		}
		logging.BusDebug("worker %d delivered %s (attempt %d)", worker, j.delivery.ID, j.delivery.Attempts)
		return
	}

	j.delivery.LastError = err.Error()

	if !stillSubscribed {
		logging.BusDebug("worker %d: %s failed after unsubscribe, not retrying: %v", worker, j.delivery.ID, err)
		j.delivery.Status = types.DeliveryDeadLetter
		if j.durable {
			if rerr := b.store.RecordDelivery(&j.delivery); rerr != nil {
				logging.Get(logging.CategoryBus).Error("Ledger update failed for %s: %v", j.delivery.ID, rerr)
			}
		}
		return
	}

	if j.delivery.Attempts >= b.opts.MaxAttempts {
		j.delivery.Status = types.DeliveryDeadLetter
		if j.durable {
			if rerr := b.store.RecordDelivery(&j.delivery); rerr != nil {
				logging.Get(logging.CategoryBus).Error("Ledger update failed for %s: %v", j.delivery.ID, rerr)
			}
		}
		logging.Get(logging.CategoryBus).Warn("Dead-lettered %s after %d attempts: %v",
			j.delivery.ID, j.delivery.Attempts, err)
		return
	}

	backoff := Backoff(b.opts.RetryBase, b.opts.RetryFactor, b.opts.RetryCap, j.delivery.Attempts)
	j.delivery.Status = types.DeliveryPending
	j.delivery.NextAttemptAt = time.Now().UTC().Add(backoff)
	if j.durable {
		if rerr := b.store.RecordDelivery(&j.delivery); rerr != nil {
			logging.Get(logging.CategoryBus).Error("Ledger update failed for %s: %v", j.delivery.ID, rerr)
		}
	}
	logging.BusDebug("worker %d: %s failed (attempt %d), retrying in %v: %v",
		worker, j.delivery.ID, j.delivery.Attempts, backoff, err)

	b.scheduleRetry(j, backoff)
}

// invoke calls the handler, converting a panic into an error so one bad
// subscriber cannot take down the worker pool.
func (b *Bus) invoke(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return j.handler(b.ctx, j.event)
}

// scheduleRetry re-enqueues a job after the backoff window. Timers are
// tracked so Close can cancel them.
func (b *Bus) scheduleRetry(j job, after time.Duration) {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()

	if b.ctx.Err() != nil {
		return
	}

	id := j.delivery.ID
	b.timers[id] = time.AfterFunc(after, func() {
		b.timersMu.Lock()
		delete(b.timers, id)
		b.timersMu.Unlock()

		if b.ctx.Err() != nil {
			return
		}
		if err := b.enqueue(b.ctx, j); err != nil {
			logging.BusDebug("retry enqueue for %s dropped: %v", id, err)
		}
	})
}

// Backoff computes the exponential backoff delay for the given completed
// attempt count (1-based), capped.
func Backoff(base time.Duration, factor float64, cap time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(base) * math.Pow(factor, float64(attempts-1)))
	if d > cap || d <= 0 {
		return cap
	}
	return d
}
