package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"manageragent/internal/types"
)

// SaveReport persists a generated report. The structured parts (stats,
// health, benchmarks) round-trip through a JSON column; the markdown body
// gets its own column for cheap retrieval.
func (s *Store) SaveReport(r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO reports (id, generated_at, title, markdown, data_json)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.GeneratedAt.UTC(), r.Title, r.Markdown, string(data))
	return err
}

// GetReport loads one report.
func (s *Store) GetReport(id string) (*types.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(`SELECT data_json FROM reports WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	r := &types.Report{}
	if err := json.Unmarshal([]byte(data), r); err != nil {
		return nil, fmt.Errorf("corrupt report %s: %w", id, err)
	}
	return r, nil
}

// ListReports returns report headers newest first.
func (s *Store) ListReports(limit int) ([]types.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, generated_at, title FROM reports
		ORDER BY generated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Report
	for rows.Next() {
		var r types.Report
		if err := rows.Scan(&r.ID, &r.GeneratedAt, &r.Title); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveBenchmark records one measured benchmark.
func (s *Store) SaveBenchmark(b *types.Benchmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO benchmarks
		(name, iterations, total_ns, mean_ns, p50_ns, p95_ns, max_ns, measured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Name, b.Iterations, b.Total.Nanoseconds(), b.Mean.Nanoseconds(),
		b.P50.Nanoseconds(), b.P95.Nanoseconds(), b.Max.Nanoseconds(), b.MeasuredAt.UTC())
	return err
}

// ListBenchmarks returns the newest benchmarks, up to limit.
func (s *Store) ListBenchmarks(limit int) ([]types.Benchmark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT name, iterations, total_ns, mean_ns, p50_ns, p95_ns, max_ns, measured_at
		FROM benchmarks ORDER BY measured_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Benchmark
	for rows.Next() {
		var b types.Benchmark
		var total, mean, p50, p95, max int64
		if err := rows.Scan(&b.Name, &b.Iterations, &total, &mean, &p50, &p95, &max, &b.MeasuredAt); err != nil {
			return nil, err
		}
		b.Total = time.Duration(total)
		b.Mean = time.Duration(mean)
		b.P50 = time.Duration(p50)
		b.P95 = time.Duration(p95)
		b.Max = time.Duration(max)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Stats collects the summary counters used in reports and `magent status`.
func (s *Store) Stats() (*types.ReportStats, error) {
	stats := &types.ReportStats{}

	plans, err := s.ListPlans()
	if err != nil {
		return nil, err
	}
	stats.Plans = len(plans)

	taskCounts, err := s.CountTasksByStatus()
	if err != nil {
		return nil, err
	}
	stats.TasksCompleted = taskCounts[types.TaskCompleted]
	stats.TasksFailed = taskCounts[types.TaskFailed]

	stats.EventsJournaled, err = s.CountEvents()
	if err != nil {
		return nil, err
	}

	deliveryCounts, err := s.CountDeliveriesByStatus()
	if err != nil {
		return nil, err
	}
	stats.DeliveriesPending = deliveryCounts[types.DeliveryPending] + deliveryCounts[types.DeliveryInFlight]
	stats.DeadLetters = deliveryCounts[types.DeliveryDeadLetter]

	services, err := s.ListServices()
	if err != nil {
		return nil, err
	}
	stats.Services = len(services)

	return stats, nil
}
