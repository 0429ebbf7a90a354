// Package planner generates and validates plans. Plans are built from
// per-kind phase templates, validated for dependency integrity, and handed
// to the scheduler in topological order.
package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"manageragent/internal/logging"
	"manageragent/internal/types"
)

// taskTemplate is one task in a kind template. DependsOn refers to other
// template keys within the same plan.
type taskTemplate struct {
	Key         string
	Description string
	Type        types.TaskType
	Priority    types.TaskPriority
	DependsOn   []string
}

// phaseTemplate groups task templates under a phase name.
type phaseTemplate struct {
	Name  string
	Tasks []taskTemplate
}

// kindTemplates defines the phase/task structure per project kind.
var kindTemplates = map[string][]phaseTemplate{
	"service": {
		{Name: "analysis", Tasks: []taskTemplate{
			{Key: "requirements", Description: "Collect and rank requirements", Type: types.TaskTypeAnalyze, Priority: types.PriorityCritical},
			{Key: "api-design", Description: "Design the service API surface", Type: types.TaskTypeAnalyze, Priority: types.PriorityHigh, DependsOn: []string{"requirements"}},
		}},
		{Name: "scaffold", Tasks: []taskTemplate{
			{Key: "skeleton", Description: "Scaffold the service skeleton and configuration", Type: types.TaskTypeScaffold, Priority: types.PriorityHigh, DependsOn: []string{"api-design"}},
			{Key: "ci", Description: "Set up the build and CI pipeline", Type: types.TaskTypeScaffold, Priority: types.PriorityNormal, DependsOn: []string{"skeleton"}},
		}},
		{Name: "build", Tasks: []taskTemplate{
			{Key: "endpoints", Description: "Implement the API endpoints", Type: types.TaskTypeBuild, Priority: types.PriorityCritical, DependsOn: []string{"skeleton"}},
			{Key: "storage", Description: "Implement the storage layer", Type: types.TaskTypeBuild, Priority: types.PriorityHigh, DependsOn: []string{"skeleton"}},
		}},
		{Name: "test", Tasks: []taskTemplate{
			{Key: "unit-tests", Description: "Write unit tests", Type: types.TaskTypeTest, Priority: types.PriorityHigh, DependsOn: []string{"endpoints", "storage"}},
			{Key: "integration-tests", Description: "Write integration tests against a live instance", Type: types.TaskTypeTest, Priority: types.PriorityNormal, DependsOn: []string{"unit-tests"}},
		}},
		{Name: "release", Tasks: []taskTemplate{
			{Key: "docs", Description: "Write operator documentation", Type: types.TaskTypeDocument, Priority: types.PriorityNormal, DependsOn: []string{"integration-tests"}},
			{Key: "release", Description: "Cut the release", Type: types.TaskTypeRelease, Priority: types.PriorityHigh, DependsOn: []string{"docs"}},
		}},
	},
	"library": {
		{Name: "analysis", Tasks: []taskTemplate{
			{Key: "requirements", Description: "Collect and rank requirements", Type: types.TaskTypeAnalyze, Priority: types.PriorityCritical},
		}},
		{Name: "build", Tasks: []taskTemplate{
			{Key: "public-api", Description: "Design and implement the public API", Type: types.TaskTypeBuild, Priority: types.PriorityCritical, DependsOn: []string{"requirements"}},
			{Key: "internals", Description: "Implement internals behind the API", Type: types.TaskTypeBuild, Priority: types.PriorityHigh, DependsOn: []string{"public-api"}},
		}},
		{Name: "test", Tasks: []taskTemplate{
			{Key: "unit-tests", Description: "Write unit tests", Type: types.TaskTypeTest, Priority: types.PriorityHigh, DependsOn: []string{"internals"}},
		}},
		{Name: "release", Tasks: []taskTemplate{
			{Key: "docs", Description: "Write API documentation and examples", Type: types.TaskTypeDocument, Priority: types.PriorityNormal, DependsOn: []string{"unit-tests"}},
			{Key: "release", Description: "Tag and publish", Type: types.TaskTypeRelease, Priority: types.PriorityHigh, DependsOn: []string{"docs"}},
		}},
	},
	"cli": {
		{Name: "analysis", Tasks: []taskTemplate{
			{Key: "requirements", Description: "Define commands, flags, and exit codes", Type: types.TaskTypeAnalyze, Priority: types.PriorityCritical},
		}},
		{Name: "scaffold", Tasks: []taskTemplate{
			{Key: "skeleton", Description: "Scaffold the command tree", Type: types.TaskTypeScaffold, Priority: types.PriorityHigh, DependsOn: []string{"requirements"}},
		}},
		{Name: "build", Tasks: []taskTemplate{
			{Key: "commands", Description: "Implement command handlers", Type: types.TaskTypeBuild, Priority: types.PriorityCritical, DependsOn: []string{"skeleton"}},
		}},
		{Name: "test", Tasks: []taskTemplate{
			{Key: "cli-tests", Description: "Write command-level tests", Type: types.TaskTypeTest, Priority: types.PriorityHigh, DependsOn: []string{"commands"}},
		}},
		{Name: "release", Tasks: []taskTemplate{
			{Key: "release", Description: "Package and release binaries", Type: types.TaskTypeRelease, Priority: types.PriorityHigh, DependsOn: []string{"cli-tests"}},
		}},
	},
	"webapp": {
		{Name: "analysis", Tasks: []taskTemplate{
			{Key: "requirements", Description: "Collect requirements and sketch flows", Type: types.TaskTypeAnalyze, Priority: types.PriorityCritical},
		}},
		{Name: "scaffold", Tasks: []taskTemplate{
			{Key: "skeleton", Description: "Scaffold frontend and backend projects", Type: types.TaskTypeScaffold, Priority: types.PriorityHigh, DependsOn: []string{"requirements"}},
		}},
		{Name: "build", Tasks: []taskTemplate{
			{Key: "backend", Description: "Implement backend endpoints", Type: types.TaskTypeBuild, Priority: types.PriorityCritical, DependsOn: []string{"skeleton"}},
			{Key: "frontend", Description: "Implement frontend views", Type: types.TaskTypeBuild, Priority: types.PriorityHigh, DependsOn: []string{"skeleton"}},
		}},
		{Name: "test", Tasks: []taskTemplate{
			{Key: "e2e-tests", Description: "Write end-to-end tests", Type: types.TaskTypeTest, Priority: types.PriorityHigh, DependsOn: []string{"backend", "frontend"}},
		}},
		{Name: "release", Tasks: []taskTemplate{
			{Key: "release", Description: "Deploy to production", Type: types.TaskTypeRelease, Priority: types.PriorityHigh, DependsOn: []string{"e2e-tests"}},
		}},
	},
}

// Kinds returns the supported project kinds.
func Kinds() []string {
	return []string{"cli", "library", "service", "webapp"}
}

// NewPlan generates a validated plan for a goal and project kind.
func NewPlan(goal, kind string) (*types.Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("goal must not be empty")
	}
	template, ok := kindTemplates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown project kind %q (expected one of %s)", kind, strings.Join(Kinds(), ", "))
	}

	now := time.Now().UTC()
	plan := &types.Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Kind:      kind,
		Status:    types.PlanDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Template keys become stable task IDs scoped by plan ID, so dependency
	// edges can be written by key.
	taskID := func(key string) string { return plan.ID[:8] + "-" + key }

	order := 0
	for i, pt := range template {
		phase := types.Phase{
			ID:     plan.ID[:8] + "-phase-" + pt.Name,
			PlanID: plan.ID,
			Name:   pt.Name,
			Order:  i,
		}
		for _, tt := range pt.Tasks {
			task := types.Task{
				ID:          taskID(tt.Key),
				PhaseID:     phase.ID,
				PlanID:      plan.ID,
				Description: tt.Description,
				Status:      types.TaskPending,
				Type:        tt.Type,
				Priority:    tt.Priority,
				Order:       order,
			}
			for _, dep := range tt.DependsOn {
				task.DependsOn = append(task.DependsOn, taskID(dep))
			}
			phase.Tasks = append(phase.Tasks, task)
			order++
		}
		plan.Phases = append(plan.Phases, phase)
		plan.TotalTasks += len(phase.Tasks)
	}

	if err := Validate(plan); err != nil {
		return nil, fmt.Errorf("generated plan failed validation: %w", err)
	}
	plan.Status = types.PlanReady

	logging.Planner("Generated plan %s (%s): %d phases, %d tasks", plan.ID, kind, len(plan.Phases), plan.TotalTasks)
	return plan, nil
}

// Replan appends a remediation phase re-expanding failed tasks of a plan.
// Each failed task is marked skipped and replaced by a fresh remediation
// task, and the plan revision is bumped.
func Replan(plan *types.Plan, reason string) (*types.Plan, error) {
	var failed []types.Task
	for i := range plan.Phases {
		for j := range plan.Phases[i].Tasks {
			t := &plan.Phases[i].Tasks[j]
			if t.Status == types.TaskFailed {
				failed = append(failed, *t)
				t.Status = types.TaskSkipped
			}
		}
	}
	if len(failed) == 0 {
		return nil, fmt.Errorf("plan %s has no failed tasks to replan", plan.ID)
	}

	plan.RevisionNumber++
	phase := types.Phase{
		ID:     fmt.Sprintf("%s-remediation-%d", plan.ID[:8], plan.RevisionNumber),
		PlanID: plan.ID,
		Name:   fmt.Sprintf("remediation-%d", plan.RevisionNumber),
		Order:  len(plan.Phases),
	}

	retryID := make(map[string]string, len(failed))
	order := plan.TotalTasks
	for _, t := range failed {
		id := fmt.Sprintf("%s-retry-%d", t.ID, plan.RevisionNumber)
		retryID[t.ID] = id
		phase.Tasks = append(phase.Tasks, types.Task{
			ID:          id,
			PhaseID:     phase.ID,
			PlanID:      plan.ID,
			Description: "Remediate: " + t.Description,
			Status:      types.TaskPending,
			Type:        t.Type,
			Priority:    types.PriorityCritical,
			Order:       order,
			DependsOn:   t.DependsOn,
		})
		order++
	}

	plan.Phases = append(plan.Phases, phase)

	// Dependents of a failed task now wait on its remediation task instead,
	// and blocked tasks become runnable again.
	for i := range plan.Phases {
		for j := range plan.Phases[i].Tasks {
			t := &plan.Phases[i].Tasks[j]
			for k, dep := range t.DependsOn {
				if id, ok := retryID[dep]; ok && t.Status != types.TaskSkipped {
					t.DependsOn[k] = id
				}
			}
			if t.Status == types.TaskBlocked {
				t.Status = types.TaskPending
				t.LastError = ""
			}
		}
	}

	plan.TotalTasks += len(phase.Tasks)
	plan.LastRevision = reason
	plan.Status = types.PlanReady
	plan.UpdatedAt = time.Now().UTC()

	if err := Validate(plan); err != nil {
		return nil, fmt.Errorf("replanned plan failed validation: %w", err)
	}

	logging.Planner("Replanned %s (revision %d): %d remediation tasks (%s)",
		plan.ID, plan.RevisionNumber, len(phase.Tasks), reason)
	return plan, nil
}
