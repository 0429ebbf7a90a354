// Package health probes registered services over HTTP and aggregates the
// results into snapshots for `magent status`, reports, and the bus.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"manageragent/internal/bus"
	"manageragent/internal/logging"
	"manageragent/internal/registry"
	"manageragent/internal/types"
)

// TopicSnapshot carries each completed probe round.
const TopicSnapshot = "health.snapshot"

// probeParallelism caps concurrent probes per round.
const probeParallelism = 8

// Options tunes the checker. Mutable at runtime via Reconfigure.
type Options struct {
	Interval        time.Duration
	Timeout         time.Duration
	DegradedLatency time.Duration
	Path            string // probe path on each service, e.g. /health
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.DegradedLatency <= 0 {
		o.DegradedLatency = time.Second
	}
	if o.Path == "" {
		o.Path = "/health"
	}
	return o
}

// Checker probes services from the registry.
type Checker struct {
	registry *registry.Registry
	bus      *bus.Bus // optional
	client   *http.Client

	mu   sync.RWMutex
	opts Options

	snapMu sync.RWMutex
	last   *types.HealthSnapshot
}

// New creates a checker.
func New(reg *registry.Registry, b *bus.Bus, opts Options) *Checker {
	opts = opts.withDefaults()
	return &Checker{
		registry: reg,
		bus:      b,
		opts:     opts,
		client:   &http.Client{},
	}
}

// Reconfigure swaps probe settings at runtime (config hot-reload).
func (c *Checker) Reconfigure(opts Options) {
	opts = opts.withDefaults()
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	logging.Health("Reconfigured: interval=%v timeout=%v degraded=%v path=%s",
		opts.Interval, opts.Timeout, opts.DegradedLatency, opts.Path)
}

func (c *Checker) options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// CheckOnce probes every registered instance and returns the aggregated
// snapshot. Expired instances are reported as down.
func (c *Checker) CheckOnce(ctx context.Context) (*types.HealthSnapshot, error) {
	instances, err := c.registry.List()
	if err != nil {
		return nil, err
	}
	opts := c.options()

	results := make([]types.ProbeResult, len(instances))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)

	for i := range instances {
		i := i
		g.Go(func() error {
			results[i] = c.probe(gctx, instances[i], opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Service != results[j].Service {
			return results[i].Service < results[j].Service
		}
		return results[i].Addr < results[j].Addr
	})

	snap := &types.HealthSnapshot{TakenAt: time.Now().UTC(), Results: results}
	for _, r := range results {
		switch r.State {
		case types.HealthHealthy:
			snap.Healthy++
		case types.HealthDegraded:
			snap.Degraded++
		default:
			snap.Down++
		}
	}

	c.snapMu.Lock()
	c.last = snap
	c.snapMu.Unlock()

	c.announce(ctx, snap)
	logging.Health("Probe round: %d healthy, %d degraded, %d down", snap.Healthy, snap.Degraded, snap.Down)
	return snap, nil
}

// Last returns the most recent snapshot, or nil before the first round.
func (c *Checker) Last() *types.HealthSnapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.last
}

func (c *Checker) probe(ctx context.Context, inst types.ServiceInstance, opts Options) types.ProbeResult {
	result := types.ProbeResult{
		Service:   inst.Name,
		Addr:      inst.Addr,
		CheckedAt: time.Now().UTC(),
	}

	if !inst.LiveAt(time.Now()) {
		result.State = types.HealthDown
		result.Error = "heartbeat expired"
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, inst.Addr+opts.Path, nil)
	if err != nil {
		result.State = types.HealthDown
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.State = types.HealthDown
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		result.State = types.HealthDown
		result.Error = fmt.Sprintf("status %d", resp.StatusCode)
	case result.Latency > opts.DegradedLatency:
		result.State = types.HealthDegraded
	default:
		result.State = types.HealthHealthy
	}
	return result
}

func (c *Checker) announce(ctx context.Context, snap *types.HealthSnapshot) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if _, err := c.bus.Publish(ctx, TopicSnapshot, "health", payload, nil); err != nil {
		logging.Get(logging.CategoryHealth).Warn("Snapshot publish dropped: %v", err)
	}
}

// Run probes on the configured interval until the context is canceled.
// Interval changes via Reconfigure take effect on the next tick.
func (c *Checker) Run(ctx context.Context) error {
	logging.Health("Checker running every %v", c.options().Interval)
	for {
		timer := time.NewTimer(c.options().Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := c.CheckOnce(ctx); err != nil && ctx.Err() == nil {
				logging.Get(logging.CategoryHealth).Error("Probe round failed: %v", err)
			}
		}
	}
}
