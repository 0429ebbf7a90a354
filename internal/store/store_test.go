package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"manageragent/internal/types"
)

// =============================================================================
// STORE LIFECYCLE TESTS
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpen(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	if st.Path() == "" {
		t.Error("expected non-empty path")
	}

	version, err := st.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion error: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(dir)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Reopening must not re-run migrations or lose data.
	st2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	t.Cleanup(func() { st2.Close() })

	version, err := st2.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion error: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version after reopen = %d, want %d", version, len(migrations))
	}
}

func TestStore_Snapshot(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	e := types.Event{ID: uuid.NewString(), Topic: "snap.test", Source: "test", Timestamp: time.Now().UTC()}
	if err := st.AppendEvent(&e); err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}

	snapDir := t.TempDir()
	if err := st.Snapshot(filepath.Join(snapDir, DBFileName)); err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}

	// The snapshot must be an independently openable database with the data.
	snap, err := Open(snapDir)
	if err != nil {
		t.Fatalf("opening snapshot: %v", err)
	}
	t.Cleanup(func() { snap.Close() })

	got, err := snap.GetEvent(e.ID)
	if err != nil {
		t.Fatalf("GetEvent from snapshot: %v", err)
	}
	if got.Topic != "snap.test" {
		t.Errorf("snapshot event topic = %q", got.Topic)
	}
}

// =============================================================================
// PLAN PERSISTENCE TESTS
// =============================================================================

func testPlan() *types.Plan {
	now := time.Now().UTC().Truncate(time.Second)
	planID := uuid.NewString()
	return &types.Plan{
		ID:        planID,
		Goal:      "build the thing",
		Kind:      "service",
		Status:    types.PlanReady,
		CreatedAt: now,
		UpdatedAt: now,
		Phases: []types.Phase{
			{
				ID:     "ph-1",
				PlanID: planID,
				Name:   "build",
				Order:  0,
				Tasks: []types.Task{
					{ID: "t-1", PhaseID: "ph-1", PlanID: planID, Description: "first", Status: types.TaskPending,
						Type: types.TaskTypeBuild, Priority: types.PriorityHigh, Order: 0},
					{ID: "t-2", PhaseID: "ph-1", PlanID: planID, Description: "second", Status: types.TaskPending,
						Type: types.TaskTypeTest, Priority: types.PriorityNormal, Order: 1, DependsOn: []string{"t-1"}},
				},
			},
		},
		TotalTasks: 2,
	}
}

func TestStore_PlanRoundTrip(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	plan := testPlan()

	if err := st.SavePlan(plan); err != nil {
		t.Fatalf("SavePlan error: %v", err)
	}

	loaded, err := st.GetPlan(plan.ID)
	if err != nil {
		t.Fatalf("GetPlan error: %v", err)
	}

	if loaded.Goal != plan.Goal {
		t.Errorf("Goal = %q, want %q", loaded.Goal, plan.Goal)
	}
	if loaded.TotalTasks != 2 {
		t.Errorf("TotalTasks = %d, want 2", loaded.TotalTasks)
	}
	if len(loaded.Phases) != 1 || len(loaded.Phases[0].Tasks) != 2 {
		t.Fatalf("unexpected shape: %d phases", len(loaded.Phases))
	}
	if diff := cmp.Diff([]string{"t-1"}, loaded.Phases[0].Tasks[1].DependsOn); diff != "" {
		t.Errorf("DependsOn mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_GetPlan_NotFound(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	if _, err := st.GetPlan("missing"); err == nil {
		t.Fatal("expected error for missing plan")
	}
}

func TestStore_SavePlan_ReplacesTasks(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	plan := testPlan()
	if err := st.SavePlan(plan); err != nil {
		t.Fatalf("SavePlan error: %v", err)
	}

	// Re-saving with one task fewer must not leave orphans behind.
	plan.Phases[0].Tasks = plan.Phases[0].Tasks[:1]
	plan.TotalTasks = 1
	if err := st.SavePlan(plan); err != nil {
		t.Fatalf("second SavePlan error: %v", err)
	}

	tasks, err := st.ListTasksByPlan(plan.ID)
	if err != nil {
		t.Fatalf("ListTasksByPlan error: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("got %d tasks, want 1", len(tasks))
	}
}

func TestStore_UpdateTask(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	plan := testPlan()
	if err := st.SavePlan(plan); err != nil {
		t.Fatalf("SavePlan error: %v", err)
	}

	task := plan.Phases[0].Tasks[0]
	task.Status = types.TaskCompleted
	task.CompletedAt = time.Now().UTC()
	task.Attempts = []types.TaskAttempt{{Number: 1, Outcome: "/success", Timestamp: time.Now().UTC()}}
	if err := st.UpdateTask(&task); err != nil {
		t.Fatalf("UpdateTask error: %v", err)
	}

	loaded, err := st.GetPlan(plan.ID)
	if err != nil {
		t.Fatalf("GetPlan error: %v", err)
	}
	got := loaded.Phases[0].Tasks[0]
	if got.Status != types.TaskCompleted {
		t.Errorf("Status = %s, want %s", got.Status, types.TaskCompleted)
	}
	if len(got.Attempts) != 1 {
		t.Errorf("Attempts = %d, want 1", len(got.Attempts))
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt should be set")
	}
	if loaded.CompletedTasks != 1 {
		t.Errorf("CompletedTasks = %d, want 1", loaded.CompletedTasks)
	}
}

func TestStore_ListPlans(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := st.SavePlan(testPlan()); err != nil {
			t.Fatalf("SavePlan error: %v", err)
		}
	}

	plans, err := st.ListPlans()
	if err != nil {
		t.Fatalf("ListPlans error: %v", err)
	}
	if len(plans) != 3 {
		t.Errorf("got %d plans, want 3", len(plans))
	}
}

func TestStore_UpdatePlanStatus(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	plan := testPlan()
	if err := st.SavePlan(plan); err != nil {
		t.Fatalf("SavePlan error: %v", err)
	}

	if err := st.UpdatePlanStatus(plan.ID, types.PlanActive); err != nil {
		t.Fatalf("UpdatePlanStatus error: %v", err)
	}
	loaded, err := st.GetPlan(plan.ID)
	if err != nil {
		t.Fatalf("GetPlan error: %v", err)
	}
	if loaded.Status != types.PlanActive {
		t.Errorf("Status = %s, want %s", loaded.Status, types.PlanActive)
	}
}

// =============================================================================
// EVENT JOURNAL TESTS
// =============================================================================

func TestStore_EventRoundTrip(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	e := types.Event{
		ID:        uuid.NewString(),
		Topic:     "task.completed",
		Source:    "scheduler",
		Payload:   []byte(`{"task":"t-1"}`),
		Metadata:  map[string]string{"plan": "p-1"},
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
	if err := st.AppendEvent(&e); err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}

	loaded, err := st.GetEvent(e.ID)
	if err != nil {
		t.Fatalf("GetEvent error: %v", err)
	}
	if loaded.Topic != e.Topic || string(loaded.Payload) != string(e.Payload) {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
	if loaded.Metadata["plan"] != "p-1" {
		t.Errorf("Metadata = %v", loaded.Metadata)
	}
}

func TestStore_ListEvents_TopicFilter(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	for _, topic := range []string{"a.one", "a.two", "b.one"} {
		e := types.Event{ID: uuid.NewString(), Topic: topic, Source: "test", Timestamp: time.Now().UTC()}
		if err := st.AppendEvent(&e); err != nil {
			t.Fatalf("AppendEvent error: %v", err)
		}
	}

	events, err := st.ListEvents("a.one", 10)
	if err != nil {
		t.Fatalf("ListEvents error: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("filtered: got %d events, want 1", len(events))
	}

	all, err := st.ListEvents("", 10)
	if err != nil {
		t.Fatalf("ListEvents error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("unfiltered: got %d events, want 3", len(all))
	}

	n, err := st.CountEvents()
	if err != nil {
		t.Fatalf("CountEvents error: %v", err)
	}
	if n != 3 {
		t.Errorf("CountEvents = %d, want 3", n)
	}
}

func TestStore_DeliveryLedger(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	e := types.Event{ID: uuid.NewString(), Topic: "x.y", Source: "test", Timestamp: time.Now().UTC()}
	if err := st.AppendEvent(&e); err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}

	d := types.Delivery{
		ID:             uuid.NewString(),
		EventID:        e.ID,
		SubscriptionID: "sub-1",
		Status:         types.DeliveryPending,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := st.RecordDelivery(&d); err != nil {
		t.Fatalf("RecordDelivery error: %v", err)
	}

	pending, err := st.PendingDeliveries()
	if err != nil {
		t.Fatalf("PendingDeliveries error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}

	d.Status = types.DeliveryDeadLetter
	d.Attempts = 5
	d.LastError = "gave up"
	if err := st.RecordDelivery(&d); err != nil {
		t.Fatalf("RecordDelivery update error: %v", err)
	}

	dead, err := st.DeadLetters(10)
	if err != nil {
		t.Fatalf("DeadLetters error: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "gave up" {
		t.Errorf("dead letters = %+v", dead)
	}

	counts, err := st.CountDeliveriesByStatus()
	if err != nil {
		t.Fatalf("CountDeliveriesByStatus error: %v", err)
	}
	if counts[types.DeliveryPending] != 0 || counts[types.DeliveryDeadLetter] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestStore_SubscriptionRoundTrip(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	sub := types.Subscription{
		ID: uuid.NewString(), Pattern: "task.*", Name: "worker", Durable: true,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.SaveSubscription(&sub); err != nil {
		t.Fatalf("SaveSubscription error: %v", err)
	}

	subs, err := st.ListSubscriptions()
	if err != nil {
		t.Fatalf("ListSubscriptions error: %v", err)
	}
	if len(subs) != 1 || subs[0].Pattern != "task.*" || !subs[0].Durable {
		t.Errorf("subs = %+v", subs)
	}

	if err := st.DeleteSubscription(sub.ID); err != nil {
		t.Fatalf("DeleteSubscription error: %v", err)
	}
	subs, err = st.ListSubscriptions()
	if err != nil {
		t.Fatalf("ListSubscriptions error: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("got %d subs after delete, want 0", len(subs))
	}
}

// =============================================================================
// SERVICE TABLE TESTS
// =============================================================================

func TestStore_ServiceLifecycle(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	inst := &types.ServiceInstance{
		Name: "api", Addr: "http://127.0.0.1:3002", TTL: 30 * time.Second,
		RegisteredAt: now, LastHeartbeat: now,
	}
	if err := st.UpsertService(inst); err != nil {
		t.Fatalf("UpsertService error: %v", err)
	}

	// Upsert with the same key must update, not duplicate.
	if err := st.UpsertService(inst); err != nil {
		t.Fatalf("second UpsertService error: %v", err)
	}
	services, err := st.ListServices()
	if err != nil {
		t.Fatalf("ListServices error: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("got %d services, want 1", len(services))
	}
	if services[0].TTL != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", services[0].TTL)
	}

	later := now.Add(10 * time.Second)
	ok, err := st.TouchService("api", "http://127.0.0.1:3002", later)
	if err != nil || !ok {
		t.Fatalf("TouchService = %v, %v", ok, err)
	}
	ok, err = st.TouchService("ghost", "http://nowhere", later)
	if err != nil {
		t.Fatalf("TouchService error: %v", err)
	}
	if ok {
		t.Error("touching an unknown instance should report false")
	}

	if err := st.RemoveService("api", "http://127.0.0.1:3002"); err != nil {
		t.Fatalf("RemoveService error: %v", err)
	}
	services, err = st.ListServices()
	if err != nil {
		t.Fatalf("ListServices error: %v", err)
	}
	if len(services) != 0 {
		t.Errorf("got %d services after remove, want 0", len(services))
	}
}

func TestStore_PruneExpiredServices(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	now := time.Now().UTC()

	live := &types.ServiceInstance{
		Name: "live", Addr: "http://a", TTL: time.Hour,
		RegisteredAt: now, LastHeartbeat: now,
	}
	stale := &types.ServiceInstance{
		Name: "stale", Addr: "http://b", TTL: time.Second,
		RegisteredAt: now.Add(-time.Minute), LastHeartbeat: now.Add(-time.Minute),
	}
	for _, inst := range []*types.ServiceInstance{live, stale} {
		if err := st.UpsertService(inst); err != nil {
			t.Fatalf("UpsertService error: %v", err)
		}
	}

	pruned, err := st.PruneExpiredServices(now)
	if err != nil {
		t.Fatalf("PruneExpiredServices error: %v", err)
	}
	if len(pruned) != 1 || pruned[0].Name != "stale" {
		t.Errorf("pruned = %+v, want [stale]", pruned)
	}

	remaining, err := st.ListServices()
	if err != nil {
		t.Fatalf("ListServices error: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Name != "live" {
		t.Errorf("remaining = %+v, want [live]", remaining)
	}
}

// =============================================================================
// REPORT AND BENCHMARK TESTS
// =============================================================================

func TestStore_ReportRoundTrip(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	r := &types.Report{
		ID:          uuid.NewString(),
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		Title:       "Weekly status",
		Markdown:    "# Weekly status\n",
		Stats:       types.ReportStats{Plans: 2, EventsJournaled: 10},
	}
	if err := st.SaveReport(r); err != nil {
		t.Fatalf("SaveReport error: %v", err)
	}

	loaded, err := st.GetReport(r.ID)
	if err != nil {
		t.Fatalf("GetReport error: %v", err)
	}
	if loaded.Title != r.Title || loaded.Stats.Plans != 2 {
		t.Errorf("round trip mismatch: %+v", loaded)
	}

	reports, err := st.ListReports(10)
	if err != nil {
		t.Fatalf("ListReports error: %v", err)
	}
	if len(reports) != 1 {
		t.Errorf("got %d reports, want 1", len(reports))
	}
}

func TestStore_BenchmarkRoundTrip(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	b := &types.Benchmark{
		Name: "store.append_event", Iterations: 100,
		Total: time.Second, Mean: 10 * time.Millisecond,
		P50: 9 * time.Millisecond, P95: 20 * time.Millisecond, Max: 50 * time.Millisecond,
		MeasuredAt: time.Now().UTC(),
	}
	if err := st.SaveBenchmark(b); err != nil {
		t.Fatalf("SaveBenchmark error: %v", err)
	}

	list, err := st.ListBenchmarks(10)
	if err != nil {
		t.Fatalf("ListBenchmarks error: %v", err)
	}
	if len(list) != 1 || list[0].Mean != 10*time.Millisecond {
		t.Errorf("benchmarks = %+v", list)
	}
}

func TestStore_Stats(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	if err := st.SavePlan(testPlan()); err != nil {
		t.Fatalf("SavePlan error: %v", err)
	}
	e := types.Event{ID: uuid.NewString(), Topic: "x.y", Source: "test", Timestamp: time.Now().UTC()}
	if err := st.AppendEvent(&e); err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if stats.Plans != 1 {
		t.Errorf("Plans = %d, want 1", stats.Plans)
	}
	if stats.EventsJournaled != 1 {
		t.Errorf("EventsJournaled = %d, want 1", stats.EventsJournaled)
	}
}
