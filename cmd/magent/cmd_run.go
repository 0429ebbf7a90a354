package main

import (
	"context"
	"fmt"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"manageragent/internal/bus"
	"manageragent/internal/config"
	"manageragent/internal/scheduler"
	"manageragent/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run <plan-id>",
	Short: "Execute a plan",
	Long: `Executes a plan's tasks in dependency order with the configured
worker count. Shell tasks run their description through 'sh -c'; other task
types complete as tracked milestones unless an executor is registered for
them. Failed tasks retry with backoff; exhausted tasks block their
dependents. Ctrl-C waits for in-flight tasks, then stops.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		b := bus.New(st, busOptions(cfg))
		defer b.Close()

		sched := scheduler.New(st, b, scheduler.Options{
			Workers:     cfg.Scheduler.Workers,
			MaxAttempts: cfg.Scheduler.MaxAttempts,
			RetryBase:   config.Duration(cfg.Scheduler.RetryBase, 500*time.Millisecond),
			RetryCap:    config.Duration(cfg.Scheduler.RetryCap, time.Minute),
		})
		sched.Register(types.TaskTypeShell, scheduler.RunnerFunc(runShellTask))
		sched.RegisterFallback(scheduler.RunnerFunc(func(ctx context.Context, task types.Task) error {
			fmt.Printf("  done %s: %s\n", task.ID, task.Description)
			return nil
		}))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := sched.RunPlan(ctx, args[0]); err != nil {
			return err
		}

		plan, err := st.GetPlan(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Plan %s: %s (%d/%d tasks)\n", plan.ID, plan.Status, plan.CompletedTasks, plan.TotalTasks)
		return nil
	},
}

// runShellTask executes a shell task's description as a command.
func runShellTask(ctx context.Context, task types.Task) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", task.Description)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell task failed: %w: %s", err, out)
	}
	return nil
}
