package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"manageragent/internal/bus"
	"manageragent/internal/config"
	"manageragent/internal/gateway"
	"manageragent/internal/health"
	"manageragent/internal/logging"
	"manageragent/internal/registry"
	"manageragent/internal/types"
)

// auditLogName is the audit trail file inside the state directory.
const auditLogName = "audit.log"

// auditSubscriptions are the durable consumers serve keeps attached. Names
// are stable across restarts so pending deliveries resume under the same
// subscription.
var auditSubscriptions = []struct{ name, pattern string }{
	{"audit-plan", "plan.*"},
	{"audit-task", "task.*"},
	{"audit-service", "service.*"},
	{"audit-health", health.TopicSnapshot},
}

// auditTrail appends delivered lifecycle events to the audit log as JSON
// lines, one per delivery.
type auditTrail struct {
	mu   sync.Mutex
	path string
}

func (a *auditTrail) record(ctx context.Context, e types.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// attachAuditTrail binds the durable audit subscriptions, reusing persisted
// ones so their pending deliveries can be recovered. Call before
// bus.Recover.
func attachAuditTrail(b *bus.Bus, path string) error {
	trail := &auditTrail{path: path}
	for _, s := range auditSubscriptions {
		if _, err := b.ResubscribeDurable(s.name, trail.record); err == nil {
			continue
		}
		if _, err := b.Subscribe(s.pattern, s.name, true, trail.record); err != nil {
			return err
		}
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway, registry reaper, and health checker",
	Long: `Runs the long-lived services in one process: the API gateway on the
configured listen address, the registry reaper that expires stale services,
the health checker loop, and the config watcher for probe hot-reload.

Lifecycle events (plan.*, task.*, service.*, health.snapshot) are appended
to .magent/audit.log through durable bus subscriptions; deliveries left
pending by a previous run, including events published by other magent
commands while serve was down, are recovered on startup. Stops on SIGINT
or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		b := bus.New(st, busOptions(cfg))
		defer b.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := attachAuditTrail(b, filepath.Join(stateDir(), auditLogName)); err != nil {
			return err
		}
		recovered, err := b.Recover(ctx)
		if err != nil {
			return fmt.Errorf("delivery recovery failed: %w", err)
		}
		if recovered > 0 {
			logging.Boot("Recovered %d pending deliveries", recovered)
		}

		reg := registry.New(st, b, config.Duration(cfg.Registry.DefaultTTL, 30*time.Second))

		gw, err := gateway.New(reg, routeRules(cfg), gateway.Options{
			BreakerFailureThreshold: cfg.Gateway.BreakerFailureThreshold,
			BreakerCooldown:         config.Duration(cfg.Gateway.BreakerCooldown, 15*time.Second),
			DefaultTimeout:          config.Duration(cfg.Gateway.DefaultTimeout, 30*time.Second),
		})
		if err != nil {
			return err
		}

		checker := health.New(reg, b, health.Options{
			Interval:        config.Duration(cfg.Health.ProbeInterval, 30*time.Second),
			Timeout:         config.Duration(cfg.Health.ProbeTimeout, 5*time.Second),
			DegradedLatency: config.Duration(cfg.Health.DegradedLatency, time.Second),
			Path:            cfg.Health.Path,
		})

		fmt.Printf("Gateway listening on %s (%d routes)\n", cfg.Gateway.Listen, len(cfg.Gateway.Routes))
		logging.Boot("Serving: gateway=%s routes=%d", cfg.Gateway.Listen, len(cfg.Gateway.Routes))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return gw.Serve(gctx, cfg.Gateway.Listen) })
		g.Go(func() error {
			return reg.RunReaper(gctx, config.Duration(cfg.Registry.ReapInterval, 10*time.Second))
		})
		g.Go(func() error { return checker.Run(gctx) })
		g.Go(func() error { return checker.WatchConfig(gctx, config.Path(workspace)) })

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			fmt.Println("Shutting down")
			return nil
		}
		return err
	},
}

// busOptions maps config onto bus options.
func busOptions(cfg *config.Config) bus.Options {
	return bus.Options{
		Workers:      cfg.Bus.Workers,
		QueueSize:    cfg.Bus.QueueSize,
		MaxAttempts:  cfg.Bus.MaxAttempts,
		RetryBase:    config.Duration(cfg.Bus.RetryBase, 200*time.Millisecond),
		RetryCap:     config.Duration(cfg.Bus.RetryCap, 30*time.Second),
		RetryFactor:  cfg.Bus.RetryFactor,
		DrainTimeout: config.Duration(cfg.Bus.DrainTimeout, 10*time.Second),
	}
}

// routeRules compiles config routes into gateway rules.
func routeRules(cfg *config.Config) []types.RouteRule {
	rules := make([]types.RouteRule, 0, len(cfg.Gateway.Routes))
	for _, r := range cfg.Gateway.Routes {
		rules = append(rules, types.RouteRule{
			PathPrefix:  r.PathPrefix,
			Service:     r.Service,
			StripPrefix: r.StripPrefix,
			Timeout:     config.Duration(r.Timeout, 0),
		})
	}
	return rules
}
