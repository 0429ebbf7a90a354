// Package scheduler executes plans: tasks become ready when their
// dependencies complete, dispatch to a bounded worker pool, retry with
// persisted exponential backoff, and block their dependents on permanent
// failure.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"manageragent/internal/bus"
	"manageragent/internal/logging"
	"manageragent/internal/planner"
	"manageragent/internal/store"
	"manageragent/internal/types"
)

// Topics published during plan execution.
const (
	TopicPlanStarted   = "plan.started"
	TopicPlanCompleted = "plan.completed"
	TopicPlanFailed    = "plan.failed"
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
)

// Runner executes one task. A non-nil error schedules a retry until the
// attempt budget is spent.
type Runner interface {
	Run(ctx context.Context, task types.Task) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task types.Task) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, task types.Task) error { return f(ctx, task) }

// Options tunes the scheduler.
type Options struct {
	Workers     int
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryCap <= 0 {
		o.RetryCap = time.Minute
	}
	return o
}

// Scheduler runs plans against registered task runners.
type Scheduler struct {
	store *store.Store
	bus   *bus.Bus // optional; nil silences progress events
	opts  Options

	mu       sync.RWMutex
	runners  map[types.TaskType]Runner
	fallback Runner
}

// New creates a scheduler.
func New(st *store.Store, b *bus.Bus, opts Options) *Scheduler {
	return &Scheduler{
		store:   st,
		bus:     b,
		opts:    opts.withDefaults(),
		runners: make(map[types.TaskType]Runner),
	}
}

// Register binds a runner to a task type.
func (s *Scheduler) Register(t types.TaskType, r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[t] = r
}

// RegisterFallback binds the runner used for task types with no specific
// runner. Without a fallback such tasks fail immediately.
func (s *Scheduler) RegisterFallback(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = r
}

func (s *Scheduler) runnerFor(t types.TaskType) (Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.runners[t]; ok {
		return r, nil
	}
	if s.fallback != nil {
		return s.fallback, nil
	}
	return nil, fmt.Errorf("no runner registered for task type %s", t)
}

// result carries a finished attempt back to the coordinator.
type result struct {
	taskID string
	err    error
}

// RunPlan executes a plan to completion or cancellation. It is safe to call
// again after a partial run: completed tasks stay completed and pending
// retries honor their persisted NextRetryAt.
func (s *Scheduler) RunPlan(ctx context.Context, planID string) error {
	plan, err := s.store.GetPlan(planID)
	if err != nil {
		return err
	}
	if _, err := planner.TopologicalOrder(plan); err != nil {
		return fmt.Errorf("plan %s is not runnable: %w", planID, err)
	}

	tasks := make(map[string]*types.Task)
	for _, t := range plan.Tasks() {
		task := t
		// In-progress tasks from an interrupted run restart from pending.
		if task.Status == types.TaskInProgress || task.Status == types.TaskReady {
			task.Status = types.TaskPending
		}
		tasks[task.ID] = &task
	}

	if err := s.store.UpdatePlanStatus(planID, types.PlanActive); err != nil {
		return err
	}
	s.publish(ctx, TopicPlanStarted, plan.ID, "")
	logging.Scheduler("Running plan %s: %d tasks, %d workers", planID, len(tasks), s.opts.Workers)

	// Buffered to the worker limit so in-flight attempts can always post
	// their result, even after the coordinator has returned on an error.
	results := make(chan result, s.opts.Workers)
	running := 0

	finish := func(status types.PlanStatus) error {
		if err := s.store.UpdatePlanStatus(planID, status); err != nil {
			return err
		}
		topic := TopicPlanCompleted
		if status == types.PlanFailed {
			topic = TopicPlanFailed
		}
		s.publish(ctx, topic, plan.ID, "")
		logging.Scheduler("Plan %s finished: %s", planID, status)
		if status == types.PlanFailed {
			return fmt.Errorf("plan %s failed", planID)
		}
		return nil
	}

	for {
		now := time.Now()

		// Dispatch everything ready, in task order, up to the worker limit.
		var ready []*types.Task
		for _, t := range tasks {
			if t.Status == types.TaskPending && depsCompleted(t, tasks) && !now.Before(t.NextRetryAt) {
				ready = append(ready, t)
			}
		}
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Order != ready[j].Order {
				return ready[i].Order < ready[j].Order
			}
			return ready[i].ID < ready[j].ID
		})

		for _, t := range ready {
			if running >= s.opts.Workers {
				break
			}

			t.Status = types.TaskInProgress
			if t.StartedAt.IsZero() {
				t.StartedAt = now.UTC()
			}
			if err := s.store.UpdateTask(t); err != nil {
				return err
			}
			s.publish(ctx, TopicTaskStarted, plan.ID, t.ID)

			running++
			go s.execute(ctx, *t, results)
		}

		if done, failed := allTerminal(tasks); done && running == 0 {
			if failed {
				return finish(types.PlanFailed)
			}
			return finish(types.PlanCompleted)
		}

		if running == 0 {
			// Nothing running and nothing ready: either waiting out a
			// backoff window or the remaining pendings are unreachable.
			wait, ok := nextRetryWait(tasks, now)
			if !ok {
				s.blockUnreachable(tasks)
				return finish(types.PlanFailed)
			}
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return s.abort(planID, ctx.Err())
			}
		}

		// A pending retry can come due while other tasks are in flight; arm
		// a wake-up so a free worker picks it up without waiting for an
		// unrelated result.
		var retryTimer *time.Timer
		var retryDue <-chan time.Time
		if running < s.opts.Workers {
			if wait, ok := nextRetryWait(tasks, now); ok {
				retryTimer = time.NewTimer(wait)
				retryDue = retryTimer.C
			}
		}

		select {
		case res := <-results:
			if retryTimer != nil {
				retryTimer.Stop()
			}
			running--
			if err := s.settle(ctx, plan.ID, tasks[res.taskID], res.err, tasks); err != nil {
				return err
			}
		case <-retryDue:
			// Back to the dispatch loop.
		case <-ctx.Done():
			if retryTimer != nil {
				retryTimer.Stop()
			}
			// Let in-flight tasks finish their attempt, then abort.
			for running > 0 {
				res := <-results
				running--
				_ = s.settle(context.Background(), plan.ID, tasks[res.taskID], res.err, tasks)
			}
			return s.abort(planID, ctx.Err())
		}
	}
}

// execute runs one attempt in a worker goroutine.
func (s *Scheduler) execute(ctx context.Context, task types.Task, results chan<- result) {
	runner, err := s.runnerFor(task.Type)
	if err != nil {
		results <- result{taskID: task.ID, err: err}
		return
	}

	timer := logging.StartTimer(logging.CategoryScheduler, "task "+task.ID)
	err = func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("runner panicked: %v", r)
			}
		}()
		return runner.Run(ctx, task)
	}()
	timer.Stop()

	results <- result{taskID: task.ID, err: err}
}

// settle applies one attempt outcome to the task and persists it.
func (s *Scheduler) settle(ctx context.Context, planID string, t *types.Task, runErr error, tasks map[string]*types.Task) error {
	attempt := types.TaskAttempt{
		Number:    len(t.Attempts) + 1,
		Timestamp: time.Now().UTC(),
	}

	if runErr == nil {
		attempt.Outcome = "/success"
		t.Attempts = append(t.Attempts, attempt)
		t.Status = types.TaskCompleted
		t.CompletedAt = time.Now().UTC()
		t.LastError = ""
		t.NextRetryAt = time.Time{}
		if err := s.store.UpdateTask(t); err != nil {
			return err
		}
		s.publish(ctx, TopicTaskCompleted, planID, t.ID)
		logging.SchedulerDebug("Task %s completed (attempt %d)", t.ID, attempt.Number)
		return nil
	}

	attempt.Outcome = "/failure"
	attempt.Error = runErr.Error()
	t.Attempts = append(t.Attempts, attempt)
	t.LastError = runErr.Error()

	if len(t.Attempts) >= s.opts.MaxAttempts {
		t.Status = types.TaskFailed
		if err := s.store.UpdateTask(t); err != nil {
			return err
		}
		s.publish(ctx, TopicTaskFailed, planID, t.ID)
		logging.Get(logging.CategoryScheduler).Warn("Task %s failed permanently after %d attempts: %v",
			t.ID, attempt.Number, runErr)
		s.blockDependents(t.ID, tasks)
		return nil
	}

	backoff := bus.Backoff(s.opts.RetryBase, 2.0, s.opts.RetryCap, attempt.Number)
	t.Status = types.TaskPending
	t.NextRetryAt = time.Now().UTC().Add(backoff)
	if err := s.store.UpdateTask(t); err != nil {
		return err
	}
	logging.SchedulerDebug("Task %s failed (attempt %d), retrying in %v: %v",
		t.ID, attempt.Number, backoff, runErr)
	return nil
}

// blockDependents marks every transitive dependent of a failed task blocked.
func (s *Scheduler) blockDependents(failedID string, tasks map[string]*types.Task) {
	blocked := true
	for blocked {
		blocked = false
		for _, t := range tasks {
			if t.Status != types.TaskPending {
				continue
			}
			for _, dep := range t.DependsOn {
				d, ok := tasks[dep]
				if !ok {
					continue
				}
				if d.Status == types.TaskFailed || d.Status == types.TaskBlocked {
					t.Status = types.TaskBlocked
					_ = s.store.UpdateTask(t)
					logging.SchedulerDebug("Task %s blocked by %s", t.ID, dep)
					blocked = true
					break
				}
			}
		}
	}
}

// blockUnreachable marks remaining pending tasks blocked; called when the
// run stalls with nothing runnable.
func (s *Scheduler) blockUnreachable(tasks map[string]*types.Task) {
	for _, t := range tasks {
		if t.Status == types.TaskPending {
			t.Status = types.TaskBlocked
			_ = s.store.UpdateTask(t)
		}
	}
}

func (s *Scheduler) abort(planID string, cause error) error {
	if err := s.store.UpdatePlanStatus(planID, types.PlanReady); err != nil {
		logging.Get(logging.CategoryScheduler).Error("Failed to park plan %s: %v", planID, err)
	}
	logging.Scheduler("Plan %s interrupted: %v", planID, cause)
	return cause
}

func (s *Scheduler) publish(ctx context.Context, topic, planID, taskID string) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"plan_id": planID, "task_id": taskID})
	if _, err := s.bus.Publish(ctx, topic, "scheduler", payload, nil); err != nil {
		logging.SchedulerDebug("Progress publish %s dropped: %v", topic, err)
	}
}

// depsCompleted reports whether every dependency is satisfied. A skipped
// dependency counts as satisfied: skipping is an operator decision to move
// on without the work.
func depsCompleted(t *types.Task, tasks map[string]*types.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := tasks[dep]
		if !ok {
			return false
		}
		if d.Status != types.TaskCompleted && d.Status != types.TaskSkipped {
			return false
		}
	}
	return true
}

// allTerminal reports whether every task reached a terminal state, and
// whether any failed or was blocked.
func allTerminal(tasks map[string]*types.Task) (done, failed bool) {
	done = true
	for _, t := range tasks {
		switch t.Status {
		case types.TaskCompleted, types.TaskSkipped:
		case types.TaskFailed, types.TaskBlocked:
			failed = true
		default:
			done = false
		}
	}
	return done, failed
}

// nextRetryWait returns how long until the earliest pending retry whose
// dependencies are satisfied. ok is false when no such task exists.
func nextRetryWait(tasks map[string]*types.Task, now time.Time) (time.Duration, bool) {
	var earliest time.Time
	for _, t := range tasks {
		if t.Status != types.TaskPending || !depsCompleted(t, tasks) {
			continue
		}
		if t.NextRetryAt.IsZero() {
			return 0, true // ready right now
		}
		if earliest.IsZero() || t.NextRetryAt.Before(earliest) {
			earliest = t.NextRetryAt
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}
