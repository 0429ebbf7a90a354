package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"manageragent/internal/store"
	"manageragent/internal/types"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestGenerator(t *testing.T) (*Generator, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func seedEvent(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.AppendEvent(&types.Event{
		ID:        id,
		Topic:     "plan.completed",
		Source:    "test",
		Timestamp: time.Now().UTC(),
	}))
}

// =============================================================================
// GENERATE TESTS
// =============================================================================

func TestGenerate_PersistsReport(t *testing.T) {
	t.Parallel()

	g, st := newTestGenerator(t)
	seedEvent(t, st, "evt-report-1")

	r, err := g.Generate(Options{Title: "Ops Review"})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)
	require.Equal(t, 1, r.Stats.EventsJournaled)
	require.Contains(t, r.Markdown, "# Ops Review")
	require.Contains(t, r.Markdown, "| Events journaled | 1 |")

	stored, err := st.GetReport(r.ID)
	require.NoError(t, err)
	require.Equal(t, "Ops Review", stored.Title)
	require.Equal(t, r.Markdown, stored.Markdown)
}

func TestGenerate_DefaultTitle(t *testing.T) {
	t.Parallel()

	g, _ := newTestGenerator(t)
	r, err := g.Generate(Options{})
	require.NoError(t, err)
	require.Equal(t, "ManagerAgent Status Report", r.Title)
}

func TestGenerate_IncludesHealthSnapshot(t *testing.T) {
	t.Parallel()

	g, _ := newTestGenerator(t)
	snap := &types.HealthSnapshot{
		TakenAt: time.Now().UTC(),
		Healthy: 1,
		Down:    1,
		Results: []types.ProbeResult{
			{Service: "api", Addr: "http://127.0.0.1:3002", State: types.HealthHealthy, Latency: 3 * time.Millisecond},
			{Service: "worker", Addr: "http://127.0.0.1:3005", State: types.HealthDown, Error: "status 500"},
		},
	}

	r, err := g.Generate(Options{Health: snap})
	require.NoError(t, err)
	require.Contains(t, r.Markdown, "## Service Health")
	require.Contains(t, r.Markdown, "| api | http://127.0.0.1:3002 | /healthy |")
	require.Contains(t, r.Markdown, "status 500")
}

func TestGenerate_RunsBenchmarks(t *testing.T) {
	t.Parallel()

	g, st := newTestGenerator(t)
	r, err := g.Generate(Options{RunBenchmarks: true, BenchIterations: 10})
	require.NoError(t, err)
	require.Len(t, r.Benchmarks, 3)

	for _, b := range r.Benchmarks {
		require.Equal(t, 10, b.Iterations, b.Name)
		require.Greater(t, b.Total, time.Duration(0), b.Name)
		require.GreaterOrEqual(t, b.Max, b.P50, b.Name)
	}
	require.Contains(t, r.Markdown, "## Benchmarks")
	require.Contains(t, r.Markdown, "store.append_event")

	// Benchmarks are persisted individually too.
	stored, err := st.ListBenchmarks(10)
	require.NoError(t, err)
	require.Len(t, stored, 3)
}

// =============================================================================
// RENDER TESTS
// =============================================================================

func TestRenderMarkdown_OmitsEmptySections(t *testing.T) {
	t.Parallel()

	md, err := RenderMarkdown(&types.Report{
		Title:       "Bare",
		GeneratedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Contains(t, md, "## Overview")
	require.NotContains(t, md, "## Service Health")
	require.NotContains(t, md, "## Benchmarks")
}

func TestRenderHTML_RendersTables(t *testing.T) {
	t.Parallel()

	g, _ := newTestGenerator(t)
	r, err := g.Generate(Options{Title: "HTML Check"})
	require.NoError(t, err)

	html, err := RenderHTML(r)
	require.NoError(t, err)
	require.Contains(t, html, "<h1")
	require.Contains(t, html, "<table>")
	require.Contains(t, html, "Events journaled")
}

// =============================================================================
// MEASURE TESTS
// =============================================================================

func TestMeasure_CountsIterations(t *testing.T) {
	t.Parallel()

	calls := 0
	b, err := measure("noop", 5, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 5, calls)
	require.Equal(t, 5, b.Iterations)
	require.Equal(t, "noop", b.Name)
	require.GreaterOrEqual(t, b.Max, b.P95)
	require.GreaterOrEqual(t, b.P95, time.Duration(0))
}

func TestMeasure_PropagatesError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	_, err := measure("failing", 5, func() error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, calls)
}

func TestMarkdownTemplate_NoUnrenderedActions(t *testing.T) {
	t.Parallel()

	g, _ := newTestGenerator(t)
	r, err := g.Generate(Options{
		Health: &types.HealthSnapshot{
			TakenAt: time.Now().UTC(),
			Results: []types.ProbeResult{{Service: "api", State: types.HealthHealthy}},
		},
		RunBenchmarks:   true,
		BenchIterations: 5,
	})
	require.NoError(t, err)
	require.False(t, strings.Contains(r.Markdown, "{{"), "unrendered template action in:\n%s", r.Markdown)
}
