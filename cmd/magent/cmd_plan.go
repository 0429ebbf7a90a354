package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"manageragent/internal/planner"
	"manageragent/internal/types"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Create and inspect plans",
}

var planKind string

var planCreateCmd = &cobra.Command{
	Use:   "create <goal>",
	Short: "Create a plan from a goal",
	Args:  usageArgs(cobra.MinimumNArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		goal := strings.Join(args, " ")
		plan, err := planner.NewPlan(goal, planKind)
		if err != nil {
			return err
		}
		if err := st.SavePlan(plan); err != nil {
			return err
		}

		fmt.Printf("Created plan %s (%s): %d phases, %d tasks\n",
			plan.ID, plan.Kind, len(plan.Phases), plan.TotalTasks)
		return nil
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Show a plan with its phases and tasks",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		plan, err := st.GetPlan(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s\n", headerStyle.Render(plan.Goal))
		fmt.Printf("ID: %s  Kind: %s  Status: %s  Progress: %d/%d\n",
			plan.ID, plan.Kind, plan.Status, plan.CompletedTasks, plan.TotalTasks)
		if plan.RevisionNumber > 0 {
			fmt.Printf("Revision %d: %s\n", plan.RevisionNumber, plan.LastRevision)
		}
		for _, phase := range plan.Phases {
			fmt.Printf("\n%s\n", headerStyle.Render(fmt.Sprintf("Phase %d: %s", phase.Order+1, phase.Name)))
			for _, t := range phase.Tasks {
				line := fmt.Sprintf("  %s %-34s %s", taskGlyph(t.Status), t.ID, t.Description)
				if len(t.DependsOn) > 0 {
					line += mutedStyle.Render(" (after " + strings.Join(t.DependsOn, ", ") + ")")
				}
				if t.LastError != "" {
					line += "\n      " + downStyle.Render(t.LastError)
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var replanReason string

var planReplanCmd = &cobra.Command{
	Use:   "replan <plan-id>",
	Short: "Append a remediation phase for failed tasks",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		plan, err := st.GetPlan(args[0])
		if err != nil {
			return err
		}
		plan, err = planner.Replan(plan, replanReason)
		if err != nil {
			return err
		}
		if err := st.SavePlan(plan); err != nil {
			return err
		}
		fmt.Printf("Revision %d: %d phases, %d tasks\n",
			plan.RevisionNumber, len(plan.Phases), plan.TotalTasks)
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		plans, err := st.ListPlans()
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			fmt.Println("No plans. Create one with 'magent plan create'.")
			return nil
		}
		for _, p := range plans {
			fmt.Printf("%s  %-12s %3d/%-3d  %s\n", p.ID, p.Status, p.CompletedTasks, p.TotalTasks, p.Goal)
		}
		return nil
	},
}

// taskGlyph maps a task status to a one-character progress marker.
func taskGlyph(s types.TaskStatus) string {
	switch s {
	case types.TaskCompleted:
		return healthyStyle.Render("+")
	case types.TaskFailed:
		return downStyle.Render("x")
	case types.TaskBlocked:
		return downStyle.Render("!")
	case types.TaskInProgress:
		return degradedStyle.Render(">")
	case types.TaskSkipped:
		return mutedStyle.Render("-")
	default:
		return mutedStyle.Render(".")
	}
}

func init() {
	planCreateCmd.Flags().StringVarP(&planKind, "kind", "k", "service",
		fmt.Sprintf("project kind (%s)", strings.Join(planner.Kinds(), ", ")))
	planReplanCmd.Flags().StringVar(&replanReason, "reason", "", "what went wrong")
	planCmd.AddCommand(planCreateCmd)
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planReplanCmd)
	planCmd.AddCommand(planListCmd)
}
