package store

import (
	"time"

	"manageragent/internal/types"
)

// UpsertService registers or refreshes a service instance keyed by
// (name, addr).
func (s *Store) UpsertService(inst *types.ServiceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO services (name, addr, ttl_ms, registered_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, addr) DO UPDATE SET ttl_ms = excluded.ttl_ms, last_heartbeat = excluded.last_heartbeat`,
		inst.Name, inst.Addr, inst.TTL.Milliseconds(), inst.RegisteredAt.UTC(), inst.LastHeartbeat.UTC())
	return err
}

// TouchService refreshes the heartbeat for an instance. Returns false when
// the instance is unknown.
func (s *Store) TouchService(name, addr string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE services SET last_heartbeat = ? WHERE name = ? AND addr = ?`,
		at.UTC(), name, addr)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListServices returns all registered instances, expired included.
func (s *Store) ListServices() ([]types.ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT name, addr, ttl_ms, registered_at, last_heartbeat
		FROM services ORDER BY name, addr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ServiceInstance
	for rows.Next() {
		var inst types.ServiceInstance
		var ttlMS int64
		if err := rows.Scan(&inst.Name, &inst.Addr, &ttlMS, &inst.RegisteredAt, &inst.LastHeartbeat); err != nil {
			return nil, err
		}
		inst.TTL = time.Duration(ttlMS) * time.Millisecond
		out = append(out, inst)
	}
	return out, rows.Err()
}

// RemoveService deletes one instance.
func (s *Store) RemoveService(name, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM services WHERE name = ? AND addr = ?`, name, addr)
	return err
}

// PruneExpiredServices deletes instances whose heartbeat lapsed before now
// and returns the pruned instances so the caller can publish expiry events.
func (s *Store) PruneExpiredServices(now time.Time) ([]types.ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT name, addr, ttl_ms, registered_at, last_heartbeat FROM services`)
	if err != nil {
		return nil, err
	}
	var expired []types.ServiceInstance
	for rows.Next() {
		var inst types.ServiceInstance
		var ttlMS int64
		if err := rows.Scan(&inst.Name, &inst.Addr, &ttlMS, &inst.RegisteredAt, &inst.LastHeartbeat); err != nil {
			rows.Close()
			return nil, err
		}
		inst.TTL = time.Duration(ttlMS) * time.Millisecond
		if !inst.LiveAt(now) {
			expired = append(expired, inst)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, inst := range expired {
		if _, err := s.db.Exec(`DELETE FROM services WHERE name = ? AND addr = ?`, inst.Name, inst.Addr); err != nil {
			return nil, err
		}
	}
	return expired, nil
}
