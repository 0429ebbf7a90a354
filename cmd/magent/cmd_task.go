package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"manageragent/internal/store"
	"manageragent/internal/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and update tasks",
}

var (
	taskPlanID     string
	taskStatusOnly string
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks for a plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskPlanID == "" {
			return &usageError{err: fmt.Errorf("--plan is required")}
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		tasks, err := st.ListTasksByPlan(taskPlanID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if taskStatusOnly != "" && string(t.Status) != taskStatusOnly {
				continue
			}
			fmt.Printf("%s %-34s %-13s %s\n", taskGlyph(t.Status), t.ID, t.Status, t.Description)
		}
		return nil
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Mark a task completed",
	Long: `Marks a task completed by operator decision, e.g. work done outside
the scheduler. When every task in the plan reaches a terminal state the plan
is marked completed.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		task, err := findTask(st, args[0])
		if err != nil {
			return err
		}
		if task.Status == types.TaskCompleted {
			fmt.Printf("Task %s is already completed\n", task.ID)
			return nil
		}

		task.Status = types.TaskCompleted
		task.CompletedAt = time.Now().UTC()
		task.LastError = ""
		if err := st.UpdateTask(task); err != nil {
			return err
		}
		fmt.Printf("Completed %s: %s\n", task.ID, task.Description)

		return settlePlan(st, task.PlanID)
	},
}

// findTask locates a task by ID, using --plan when given and searching all
// plans otherwise.
func findTask(st *store.Store, id string) (*types.Task, error) {
	planIDs := []string{taskPlanID}
	if taskPlanID == "" {
		plans, err := st.ListPlans()
		if err != nil {
			return nil, err
		}
		planIDs = planIDs[:0]
		for _, p := range plans {
			planIDs = append(planIDs, p.ID)
		}
	}
	for _, planID := range planIDs {
		tasks, err := st.ListTasksByPlan(planID)
		if err != nil {
			return nil, err
		}
		for i := range tasks {
			if tasks[i].ID == id {
				return &tasks[i], nil
			}
		}
	}
	return nil, fmt.Errorf("task %s not found", id)
}

// settlePlan marks the plan completed once every task is terminal with no
// failures.
func settlePlan(st *store.Store, planID string) error {
	tasks, err := st.ListTasksByPlan(planID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		switch t.Status {
		case types.TaskCompleted, types.TaskSkipped:
		default:
			return nil
		}
	}
	if err := st.UpdatePlanStatus(planID, types.PlanCompleted); err != nil {
		return err
	}
	fmt.Printf("Plan %s completed\n", planID)
	return nil
}

func init() {
	taskListCmd.Flags().StringVarP(&taskPlanID, "plan", "p", "", "plan ID")
	taskListCmd.Flags().StringVar(&taskStatusOnly, "status", "", "filter by status, e.g. /pending")
	taskCompleteCmd.Flags().StringVarP(&taskPlanID, "plan", "p", "", "plan ID (searched if omitted)")
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCompleteCmd)
}
