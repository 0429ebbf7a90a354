package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"manageragent/internal/types"
)

// AppendEvent journals a published event. Events are immutable; a duplicate
// ID is an error.
func (s *Store) AppendEvent(e *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metadataJSON []byte
	if e.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	_, err := s.db.Exec(`INSERT INTO events (id, topic, source, payload, metadata_json, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Topic, e.Source, e.Payload, string(metadataJSON), e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to journal event %s: %w", e.ID, err)
	}
	return nil
}

// GetEvent loads one journaled event.
func (s *Store) GetEvent(id string) (*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := &types.Event{}
	var metadataJSON string
	err := s.db.QueryRow(`SELECT id, topic, source, payload, COALESCE(metadata_json, ''), ts
		FROM events WHERE id = ?`, id).Scan(&e.ID, &e.Topic, &e.Source, &e.Payload, &metadataJSON, &e.Timestamp)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for event %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// ListEvents returns the newest events for a topic ("" for all), up to limit.
func (s *Store) ListEvents(topic string, limit int) ([]types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, topic, source, payload, COALESCE(metadata_json, ''), ts FROM events`
	args := []interface{}{}
	if topic != "" {
		query += ` WHERE topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var e types.Event
		var metadataJSON string
		if err := rows.Scan(&e.ID, &e.Topic, &e.Source, &e.Payload, &metadataJSON, &e.Timestamp); err != nil {
			return nil, err
		}
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &e.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt metadata for event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents returns the number of journaled events.
func (s *Store) CountEvents() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// SaveSubscription persists a durable subscription.
func (s *Store) SaveSubscription(sub *types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO subscriptions (id, pattern, name, durable, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sub.ID, sub.Pattern, sub.Name, boolToInt(sub.Durable), sub.CreatedAt.UTC())
	return err
}

// DeleteSubscription removes a subscription record.
func (s *Store) DeleteSubscription(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, id)
	return err
}

// ListSubscriptions returns all persisted subscriptions.
func (s *Store) ListSubscriptions() ([]types.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, pattern, name, durable, created_at FROM subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		var sub types.Subscription
		var durable int
		if err := rows.Scan(&sub.ID, &sub.Pattern, &sub.Name, &durable, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Durable = durable != 0
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// RecordDelivery inserts or updates a delivery row.
func (s *Store) RecordDelivery(d *types.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO deliveries
		(id, event_id, subscription_id, status, attempts, last_error, next_attempt_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EventID, d.SubscriptionID, string(d.Status), d.Attempts,
		d.LastError, nullTime(d.NextAttemptAt), time.Now().UTC())
	return err
}

// PendingDeliveries returns deliveries still owed to durable subscriptions,
// oldest first.
func (s *Store) PendingDeliveries() ([]types.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, event_id, subscription_id, status, attempts,
		COALESCE(last_error, ''), next_attempt_at, updated_at
		FROM deliveries WHERE status IN (?, ?) ORDER BY updated_at`,
		string(types.DeliveryPending), string(types.DeliveryInFlight))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// DeadLetters returns deliveries that exhausted their retries.
func (s *Store) DeadLetters(limit int) ([]types.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, event_id, subscription_id, status, attempts,
		COALESCE(last_error, ''), next_attempt_at, updated_at
		FROM deliveries WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		string(types.DeliveryDeadLetter), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDeliveries(rows *sql.Rows) ([]types.Delivery, error) {
	var out []types.Delivery
	for rows.Next() {
		var d types.Delivery
		var status string
		var nextAttempt sql.NullTime
		if err := rows.Scan(&d.ID, &d.EventID, &d.SubscriptionID, &status, &d.Attempts,
			&d.LastError, &nextAttempt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = types.DeliveryStatus(status)
		if nextAttempt.Valid {
			d.NextAttemptAt = nextAttempt.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDeliveriesByStatus returns delivery counts grouped by status.
func (s *Store) CountDeliveriesByStatus() (map[types.DeliveryStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.DeliveryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.DeliveryStatus(status)] = n
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
