// Package gateway implements the HTTP reverse proxy in front of registered
// services: longest-prefix route matching, round-robin balancing over live
// registry instances, per-route circuit breaking, and upstream timeouts.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"manageragent/internal/logging"
	"manageragent/internal/registry"
	"manageragent/internal/types"
)

// RequestIDHeader carries the gateway correlation ID to upstreams.
const RequestIDHeader = "X-Request-Id"

// route is a compiled routing rule with its breaker and round-robin cursor.
type route struct {
	rule    types.RouteRule
	breaker *breaker
	next    atomic.Uint64
}

// Options tunes the gateway.
type Options struct {
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	DefaultTimeout          time.Duration
}

// Gateway routes requests to backend services.
type Gateway struct {
	registry *registry.Registry
	routes   []*route // sorted by descending prefix length
	opts     Options
}

// New compiles the route table. Routes sort longest-prefix-first so that
// matching can stop at the first hit.
func New(reg *registry.Registry, rules []types.RouteRule, opts Options) (*Gateway, error) {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}

	g := &Gateway{registry: reg, opts: opts}
	for _, rule := range rules {
		if !strings.HasPrefix(rule.PathPrefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", rule.PathPrefix)
		}
		if rule.Timeout <= 0 {
			rule.Timeout = opts.DefaultTimeout
		}
		g.routes = append(g.routes, &route{
			rule:    rule,
			breaker: newBreaker(opts.BreakerFailureThreshold, opts.BreakerCooldown),
		})
	}
	sort.Slice(g.routes, func(i, j int) bool {
		return len(g.routes[i].rule.PathPrefix) > len(g.routes[j].rule.PathPrefix)
	})
	return g, nil
}

// Handler returns the gateway's HTTP handler, admin endpoints included.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealthz)
	mux.HandleFunc("/routes", g.handleRoutes)
	mux.HandleFunc("/", g.handleProxy)
	return mux
}

// Serve runs the gateway until the context is canceled.
func (g *Gateway) Serve(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Gateway("Listening on %s with %d routes", listen, len(g.routes))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// match finds the route for a path, longest prefix first. A prefix matches
// whole path segments: /api matches /api and /api/x, not /apix.
func (g *Gateway) match(path string) *route {
	for _, rt := range g.routes {
		prefix := rt.rule.PathPrefix
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return rt
		}
	}
	return nil
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := logging.WithRequestID(logging.CategoryGateway, requestID)
	start := time.Now()

	rt := g.match(r.URL.Path)
	if rt == nil {
		log.Info("%s %s -> 404 no route", r.Method, r.URL.Path)
		http.Error(w, "no route", http.StatusNotFound)
		return
	}

	if !rt.breaker.Allow() {
		log.Warn("%s %s -> 503 breaker open for %s", r.Method, r.URL.Path, rt.rule.Service)
		http.Error(w, "service unavailable: circuit open", http.StatusServiceUnavailable)
		return
	}

	instances, err := g.registry.Lookup(rt.rule.Service)
	if err != nil {
		rt.breaker.Failure()
		log.Error("%s %s -> 500 registry lookup: %v", r.Method, r.URL.Path, err)
		http.Error(w, "registry lookup failed", http.StatusInternalServerError)
		return
	}
	if len(instances) == 0 {
		rt.breaker.Failure()
		log.Warn("%s %s -> 503 no live instance of %s", r.Method, r.URL.Path, rt.rule.Service)
		http.Error(w, "no live backend", http.StatusServiceUnavailable)
		return
	}

	// Round-robin across live instances.
	inst := instances[rt.next.Add(1)%uint64(len(instances))]
	target, err := url.Parse(inst.Addr)
	if err != nil {
		rt.breaker.Failure()
		log.Error("%s %s -> 502 bad backend addr %q: %v", r.Method, r.URL.Path, inst.Addr, err)
		http.Error(w, "bad backend address", http.StatusBadGateway)
		return
	}

	outPath := r.URL.Path
	if rt.rule.StripPrefix {
		outPath = strings.TrimPrefix(outPath, strings.TrimSuffix(rt.rule.PathPrefix, "/"))
		if outPath == "" {
			outPath = "/"
		}
	}

	upstreamFailed := false
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = outPath
			pr.Out.Header.Set(RequestIDHeader, requestID)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			upstreamFailed = true
			status := http.StatusBadGateway
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			log.Error("%s %s -> %d upstream %s: %v", r.Method, r.URL.Path, status, inst.Addr, err)
			http.Error(w, "upstream error", status)
		},
	}

	ctx, cancel := context.WithTimeout(r.Context(), rt.rule.Timeout)
	defer cancel()

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	proxy.ServeHTTP(rec, r.WithContext(ctx))

	if upstreamFailed || rec.status >= http.StatusInternalServerError {
		rt.breaker.Failure()
	} else {
		rt.breaker.Success()
	}

	log.Info("%s %s -> %d via %s (%v)", r.Method, r.URL.Path, rec.status, inst.Addr, time.Since(start))
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// routeInfo is the admin view of one route.
type routeInfo struct {
	PathPrefix   string `json:"path_prefix"`
	Service      string `json:"service"`
	StripPrefix  bool   `json:"strip_prefix"`
	Timeout      string `json:"timeout"`
	Breaker      string `json:"breaker"`
	LiveBackends int    `json:"live_backends"`
}

func (g *Gateway) handleRoutes(w http.ResponseWriter, r *http.Request) {
	var out []routeInfo
	for _, rt := range g.routes {
		live, _ := g.registry.Lookup(rt.rule.Service)
		out = append(out, routeInfo{
			PathPrefix:   rt.rule.PathPrefix,
			Service:      rt.rule.Service,
			StripPrefix:  rt.rule.StripPrefix,
			Timeout:      rt.rule.Timeout.String(),
			Breaker:      rt.breaker.State(),
			LiveBackends: len(live),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// statusRecorder captures the response status for access logging and
// breaker accounting.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
