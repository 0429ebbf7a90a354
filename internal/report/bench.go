package report

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"manageragent/internal/bus"
	"manageragent/internal/types"
)

// defaultBenchIterations keeps report generation fast while still giving
// stable percentiles.
const defaultBenchIterations = 200

// runBenchmarks measures real store and bus-adjacent operations. The
// numbers go straight into the report; nothing here is simulated.
func (g *Generator) runBenchmarks(iterations int) ([]types.Benchmark, error) {
	if iterations <= 0 {
		iterations = defaultBenchIterations
	}

	var out []types.Benchmark

	// Event journal append.
	b, err := measure("store.append_event", iterations, func() error {
		e := types.Event{
			ID:        uuid.NewString(),
			Topic:     "bench.append",
			Source:    "report",
			Timestamp: time.Now().UTC(),
		}
		return g.store.AppendEvent(&e)
	})
	if err != nil {
		return nil, err
	}
	out = append(out, b)

	// Event journal scan.
	b, err = measure("store.list_events", iterations, func() error {
		_, err := g.store.ListEvents("bench.append", 10)
		return err
	})
	if err != nil {
		return nil, err
	}
	out = append(out, b)

	// Topic pattern matching.
	b, err = measure("bus.match_topic", iterations, func() error {
		bus.MatchTopic("task.*", "task.completed")
		bus.MatchTopic("service.*", "task.completed")
		return nil
	})
	if err != nil {
		return nil, err
	}
	out = append(out, b)

	return out, nil
}

// measure runs fn iterations times and computes timing percentiles.
func measure(name string, iterations int, fn func() error) (types.Benchmark, error) {
	samples := make([]time.Duration, 0, iterations)
	var total time.Duration

	for i := 0; i < iterations; i++ {
		start := time.Now()
		if err := fn(); err != nil {
			return types.Benchmark{}, err
		}
		d := time.Since(start)
		samples = append(samples, d)
		total += d
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	return types.Benchmark{
		Name:       name,
		Iterations: iterations,
		Total:      total,
		Mean:       total / time.Duration(iterations),
		P50:        samples[len(samples)/2],
		P95:        samples[(len(samples)*95)/100],
		Max:        samples[len(samples)-1],
		MeasuredAt: time.Now().UTC(),
	}, nil
}
