// Package registry tracks service instances for the gateway and the status
// checker. Instances are registered with a TTL, kept alive by heartbeats,
// and reaped by a background loop when the heartbeat lapses.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"manageragent/internal/bus"
	"manageragent/internal/logging"
	"manageragent/internal/store"
	"manageragent/internal/types"
)

// Topics published by the registry.
const (
	TopicRegistered = "service.registered"
	TopicExpired    = "service.expired"
)

// Registry manages service instances in the store and announces changes on
// the bus. The bus is optional; a nil bus silences announcements.
type Registry struct {
	store      *store.Store
	bus        *bus.Bus
	defaultTTL time.Duration
}

// New creates a registry.
func New(st *store.Store, b *bus.Bus, defaultTTL time.Duration) *Registry {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	return &Registry{store: st, bus: b, defaultTTL: defaultTTL}
}

// Register upserts an instance. A zero TTL takes the registry default.
// Re-registering an existing (name, addr) refreshes its heartbeat and TTL.
func (r *Registry) Register(ctx context.Context, name, addr string, ttl time.Duration) (*types.ServiceInstance, error) {
	if name == "" {
		return nil, fmt.Errorf("service name must not be empty")
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		return nil, fmt.Errorf("service addr must be a base URL, got %q", addr)
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	now := time.Now().UTC()
	inst := &types.ServiceInstance{
		Name:          name,
		Addr:          addr,
		TTL:           ttl,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if err := r.store.UpsertService(inst); err != nil {
		return nil, err
	}

	logging.Registry("Registered %s at %s (ttl %v)", name, addr, ttl)
	r.announce(ctx, TopicRegistered, inst)
	return inst, nil
}

// Heartbeat refreshes an instance's liveness window.
func (r *Registry) Heartbeat(name, addr string) error {
	ok, err := r.store.TouchService(name, addr, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown service instance %s at %s", name, addr)
	}
	return nil
}

// Deregister removes an instance immediately.
func (r *Registry) Deregister(name, addr string) error {
	return r.store.RemoveService(name, addr)
}

// Lookup returns the live instances of a named service.
func (r *Registry) Lookup(name string) ([]types.ServiceInstance, error) {
	all, err := r.store.ListServices()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var live []types.ServiceInstance
	for _, inst := range all {
		if inst.Name == name && inst.LiveAt(now) {
			live = append(live, inst)
		}
	}
	return live, nil
}

// List returns all registered instances, expired included.
func (r *Registry) List() ([]types.ServiceInstance, error) {
	return r.store.ListServices()
}

// ReapOnce prunes expired instances and announces each expiry. Returns the
// number pruned.
func (r *Registry) ReapOnce(ctx context.Context) (int, error) {
	expired, err := r.store.PruneExpiredServices(time.Now())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		logging.Registry("Expired %s at %s (last heartbeat %v)",
			expired[i].Name, expired[i].Addr, expired[i].LastHeartbeat)
		r.announce(ctx, TopicExpired, &expired[i])
	}
	return len(expired), nil
}

// RunReaper prunes expired instances on the given interval until the
// context is canceled.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Registry("Reaper running every %v", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				logging.Get(logging.CategoryRegistry).Error("Reap failed: %v", err)
			}
		}
	}
}

func (r *Registry) announce(ctx context.Context, topic string, inst *types.ServiceInstance) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(inst)
	if err != nil {
		return
	}
	if _, err := r.bus.Publish(ctx, topic, "registry", payload, nil); err != nil {
		logging.Get(logging.CategoryRegistry).Warn("Failed to announce %s: %v", topic, err)
	}
}
