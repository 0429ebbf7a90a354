package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"manageragent/internal/config"
	"manageragent/internal/health"
	"manageragent/internal/registry"
	"manageragent/internal/types"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	healthyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	downStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var statusNoProbe bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace and service status",
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

		stats, err := st.Stats()
		if err != nil {
			return err
		}

		fmt.Println(headerStyle.Render("Workspace"))
		fmt.Printf("  Plans: %d   Tasks: %d completed, %d failed\n",
			stats.Plans, stats.TasksCompleted, stats.TasksFailed)
		fmt.Printf("  Events: %d journaled, %d deliveries pending, %d dead letters\n",
			stats.EventsJournaled, stats.DeliveriesPending, stats.DeadLetters)

		reg := registry.New(st, nil, config.Duration(cfg.Registry.DefaultTTL, 30*time.Second))
		instances, err := reg.List()
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println(headerStyle.Render("Services"))
		if len(instances) == 0 {
			fmt.Println(mutedStyle.Render("  none registered"))
			return nil
		}

		if statusNoProbe {
			now := time.Now()
			for _, inst := range instances {
				state := "live"
				style := healthyStyle
				if !inst.LiveAt(now) {
					state = "expired"
					style = downStyle
				}
				fmt.Printf("  %-20s %-28s %s\n", inst.Name, inst.Addr, style.Render(state))
			}
			return nil
		}

		checker := health.New(reg, nil, health.Options{
			Timeout:         config.Duration(cfg.Health.ProbeTimeout, 5*time.Second),
			DegradedLatency: config.Duration(cfg.Health.DegradedLatency, time.Second),
			Path:            cfg.Health.Path,
		})
		snap, err := checker.CheckOnce(cmd.Context())
		if err != nil {
			return err
		}

		for _, r := range snap.Results {
			style := downStyle
			switch r.State {
			case types.HealthHealthy:
				style = healthyStyle
			case types.HealthDegraded:
				style = degradedStyle
			}
			line := fmt.Sprintf("  %-20s %-28s %-10s %8s", r.Service, r.Addr,
				style.Render(string(r.State)), r.Latency.Round(time.Millisecond))
			if r.Error != "" {
				line += "  " + mutedStyle.Render(r.Error)
			}
			fmt.Println(line)
		}
		fmt.Printf("\n  %s healthy, %s degraded, %s down\n",
			healthyStyle.Render(fmt.Sprint(snap.Healthy)),
			degradedStyle.Render(fmt.Sprint(snap.Degraded)),
			downStyle.Render(fmt.Sprint(snap.Down)))
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusNoProbe, "no-probe", false, "skip HTTP probes, show registry expiry only")
}
