// Package types defines the core entities shared across the ManagerAgent
// subsystems: plans and their tasks, bus events and subscriptions, registered
// services, backups, and reports.
//
// Entities are plain JSON-taggable structs. Status values use the /atom
// string convention so they serialize stably and read unambiguously in logs.
package types

import (
	"time"
)

// PlanStatus represents the lifecycle state of a plan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "/draft"     // Created, not yet validated
	PlanReady     PlanStatus = "/ready"     // Validated, runnable
	PlanActive    PlanStatus = "/active"    // Currently executing
	PlanCompleted PlanStatus = "/completed" // All tasks finished
	PlanFailed    PlanStatus = "/failed"    // Unrecoverable failure
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "/pending"     // Not started
	TaskReady      TaskStatus = "/ready"       // Dependencies satisfied, dispatchable
	TaskInProgress TaskStatus = "/in_progress" // Currently executing
	TaskCompleted  TaskStatus = "/completed"   // Finished successfully
	TaskFailed     TaskStatus = "/failed"      // Exhausted retries
	TaskBlocked    TaskStatus = "/blocked"     // A dependency failed
	TaskSkipped    TaskStatus = "/skipped"     // Skipped by operator decision
)

// TaskType classifies what a task does so the scheduler can route it to the
// right executor.
type TaskType string

const (
	TaskTypeAnalyze  TaskType = "/analyze"
	TaskTypeScaffold TaskType = "/scaffold"
	TaskTypeBuild    TaskType = "/build"
	TaskTypeTest     TaskType = "/test"
	TaskTypeDocument TaskType = "/document"
	TaskTypeRelease  TaskType = "/release"
	TaskTypeShell    TaskType = "/shell"
	TaskTypeNoop     TaskType = "/noop"
)

// TaskPriority represents task priority levels.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "/critical"
	PriorityHigh     TaskPriority = "/high"
	PriorityNormal   TaskPriority = "/normal"
	PriorityLow      TaskPriority = "/low"
)

// Plan is an ordered set of phases produced by the planner and executed by
// the scheduler.
type Plan struct {
	ID        string     `json:"id"`
	Goal      string     `json:"goal"`
	Kind      string     `json:"kind"` // service, library, cli, webapp
	Status    PlanStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Phases []Phase `json:"phases"`

	// Progress counters, maintained by the scheduler.
	CompletedTasks int `json:"completed_tasks"`
	TotalTasks     int `json:"total_tasks"`

	// Revision tracking for replans.
	RevisionNumber int    `json:"revision_number"`
	LastRevision   string `json:"last_revision_summary,omitempty"`
}

// Tasks returns all tasks across phases in phase order.
func (p *Plan) Tasks() []Task {
	var tasks []Task
	for i := range p.Phases {
		tasks = append(tasks, p.Phases[i].Tasks...)
	}
	return tasks
}

// Phase is a named group of tasks within a plan, executed in order.
type Phase struct {
	ID     string `json:"id"`
	PlanID string `json:"plan_id"`
	Name   string `json:"name"`
	Order  int    `json:"order"`

	Tasks []Task `json:"tasks"`
}

// Task is an atomic unit of work within a phase.
type Task struct {
	ID          string       `json:"id"`
	PhaseID     string       `json:"phase_id"`
	PlanID      string       `json:"plan_id"`
	Description string       `json:"description"`
	Status      TaskStatus   `json:"status"`
	Type        TaskType     `json:"type"`
	Priority    TaskPriority `json:"priority"`
	Order       int          `json:"order"`

	// DependsOn lists task IDs that must complete before this task runs.
	// References must resolve within the same plan.
	DependsOn []string `json:"depends_on,omitempty"`

	// Execution tracking.
	Attempts  []TaskAttempt `json:"attempts,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	// NextRetryAt persists the backoff window so retries survive restart.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// TaskAttempt records one execution attempt for a task.
type TaskAttempt struct {
	Number    int       `json:"number"`
	Outcome   string    `json:"outcome"` // /success, /failure
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Event is a message published on the bus. Events are immutable once
// published; the bus assigns ID and Timestamp.
type Event struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Source    string            `json:"source"`
	Payload   []byte            `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// DeliveryStatus represents the state of one event delivery to one
// subscription.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "/pending"
	DeliveryInFlight   DeliveryStatus = "/in_flight"
	DeliveryDelivered  DeliveryStatus = "/delivered"
	DeliveryDeadLetter DeliveryStatus = "/dead_letter"
)

// Delivery tracks the at-least-once delivery of an event to a subscription.
type Delivery struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	SubscriptionID string         `json:"subscription_id"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	NextAttemptAt  time.Time      `json:"next_attempt_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Subscription binds a topic pattern to a named subscriber.
type Subscription struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"` // exact topic or single-level * wildcard
	Name      string    `json:"name"`
	Durable   bool      `json:"durable"` // durable subscriptions persist deliveries
	CreatedAt time.Time `json:"created_at"`
}

// ServiceInstance is one registered instance of a named service. Expiry
// derives from LastHeartbeat + TTL only; there is no separate liveness flag
// to drift out of sync.
type ServiceInstance struct {
	Name          string        `json:"name"`
	Addr          string        `json:"addr"` // base URL, e.g. http://127.0.0.1:3002
	TTL           time.Duration `json:"ttl"`
	RegisteredAt  time.Time     `json:"registered_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// ExpiresAt returns the instant at which the instance expires absent a
// further heartbeat.
func (s *ServiceInstance) ExpiresAt() time.Time {
	return s.LastHeartbeat.Add(s.TTL)
}

// LiveAt reports whether the instance is live at the given instant.
func (s *ServiceInstance) LiveAt(now time.Time) bool {
	return now.Before(s.ExpiresAt())
}

// RouteRule maps a path prefix to a backend service for the gateway.
type RouteRule struct {
	PathPrefix  string        `json:"path_prefix" yaml:"path_prefix"`
	Service     string        `json:"service" yaml:"service"`
	StripPrefix bool          `json:"strip_prefix" yaml:"strip_prefix"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

// HealthState classifies a probed service.
type HealthState string

const (
	HealthHealthy  HealthState = "/healthy"
	HealthDegraded HealthState = "/degraded" // responding, but slow
	HealthDown     HealthState = "/down"
)

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	Service   string        `json:"service"`
	Addr      string        `json:"addr"`
	State     HealthState   `json:"state"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// HealthSnapshot aggregates probe results at a point in time.
type HealthSnapshot struct {
	TakenAt  time.Time     `json:"taken_at"`
	Results  []ProbeResult `json:"results"`
	Healthy  int           `json:"healthy"`
	Degraded int           `json:"degraded"`
	Down     int           `json:"down"`
}

// BackupManifest describes one backup archive. It is stored as the first
// entry of the archive and trusted only after digest verification.
type BackupManifest struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Files     []ManifestEntry `json:"files"`
	TotalSize int64           `json:"total_size"`
}

// ManifestEntry records one file captured in a backup.
type ManifestEntry struct {
	Path   string `json:"path"` // relative to the state directory
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Report is a generated status report persisted in the store.
type Report struct {
	ID          string         `json:"id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Title       string         `json:"title"`
	Markdown    string         `json:"markdown"`
	Stats       ReportStats    `json:"stats"`
	Health      HealthSnapshot `json:"health"`
	Benchmarks  []Benchmark    `json:"benchmarks,omitempty"`
}

// ReportStats summarizes store and bus state for a report.
type ReportStats struct {
	Plans             int `json:"plans"`
	TasksCompleted    int `json:"tasks_completed"`
	TasksFailed       int `json:"tasks_failed"`
	EventsJournaled   int `json:"events_journaled"`
	DeliveriesPending int `json:"deliveries_pending"`
	DeadLetters       int `json:"dead_letters"`
	Services          int `json:"services"`
}

// Benchmark records measured timings for an operation. These are real
// measurements taken at report time, never synthetic numbers.
type Benchmark struct {
	Name       string        `json:"name"`
	Iterations int           `json:"iterations"`
	Total      time.Duration `json:"total"`
	Mean       time.Duration `json:"mean"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	Max        time.Duration `json:"max"`
	MeasuredAt time.Time     `json:"measured_at"`
}
