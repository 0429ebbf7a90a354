// Package report generates status reports: store and bus statistics, the
// latest health snapshot, and measured benchmarks, rendered as Markdown and
// HTML.
package report

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"manageragent/internal/logging"
	"manageragent/internal/store"
	"manageragent/internal/types"
)

// Generator assembles reports from the store.
type Generator struct {
	store *store.Store
}

// New creates a report generator.
func New(st *store.Store) *Generator {
	return &Generator{store: st}
}

// Options controls what a generated report includes.
type Options struct {
	Title           string
	Health          *types.HealthSnapshot // optional latest snapshot
	RunBenchmarks   bool
	BenchIterations int
}

// Generate assembles, renders, and persists a report.
func (g *Generator) Generate(opts Options) (*types.Report, error) {
	timer := logging.StartTimer(logging.CategoryReport, "Generate")
	defer timer.Stop()

	if opts.Title == "" {
		opts.Title = "ManagerAgent Status Report"
	}

	stats, err := g.store.Stats()
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}

	r := &types.Report{
		ID:          uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		Title:       opts.Title,
		Stats:       *stats,
	}
	if opts.Health != nil {
		r.Health = *opts.Health
	}

	if opts.RunBenchmarks {
		benchmarks, err := g.runBenchmarks(opts.BenchIterations)
		if err != nil {
			return nil, fmt.Errorf("benchmarks failed: %w", err)
		}
		r.Benchmarks = benchmarks
		for i := range benchmarks {
			if err := g.store.SaveBenchmark(&benchmarks[i]); err != nil {
				return nil, err
			}
		}
	}

	md, err := RenderMarkdown(r)
	if err != nil {
		return nil, err
	}
	r.Markdown = md

	if err := g.store.SaveReport(r); err != nil {
		return nil, err
	}

	logging.Report("Generated report %s: %d benchmarks", r.ID, len(r.Benchmarks))
	return r, nil
}

var markdownTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"dur": func(d time.Duration) string { return d.Round(time.Microsecond).String() },
}).Parse(`# {{.Title}}

Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}

## Overview

| Metric | Value |
|---|---|
| Plans | {{.Stats.Plans}} |
| Tasks completed | {{.Stats.TasksCompleted}} |
| Tasks failed | {{.Stats.TasksFailed}} |
| Events journaled | {{.Stats.EventsJournaled}} |
| Deliveries pending | {{.Stats.DeliveriesPending}} |
| Dead letters | {{.Stats.DeadLetters}} |
| Registered services | {{.Stats.Services}} |
{{if .Health.Results}}
## Service Health

Taken: {{.Health.TakenAt.Format "2006-01-02 15:04:05 MST"}} ({{.Health.Healthy}} healthy, {{.Health.Degraded}} degraded, {{.Health.Down}} down)

| Service | Address | State | Latency | Error |
|---|---|---|---|---|
{{range .Health.Results}}| {{.Service}} | {{.Addr}} | {{.State}} | {{dur .Latency}} | {{.Error}} |
{{end}}{{end}}{{if .Benchmarks}}
## Benchmarks

| Operation | Iterations | Mean | P50 | P95 | Max |
|---|---|---|---|---|---|
{{range .Benchmarks}}| {{.Name}} | {{.Iterations}} | {{dur .Mean}} | {{dur .P50}} | {{dur .P95}} | {{dur .Max}} |
{{end}}{{end}}`))

// RenderMarkdown renders a report to Markdown.
func RenderMarkdown(r *types.Report) (string, error) {
	var buf bytes.Buffer
	if err := markdownTemplate.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}

// RenderHTML renders a report's Markdown body to HTML.
func RenderHTML(r *types.Report) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert([]byte(r.Markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render HTML: %w", err)
	}
	return buf.String(), nil
}
