package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"manageragent/internal/config"
	"manageragent/internal/health"
	"manageragent/internal/registry"
	"manageragent/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate and view status reports",
}

var (
	reportTitle      string
	reportBench      bool
	reportIterations int
	reportSkipProbe  bool
)

var reportGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a report",
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

		opts := report.Options{
			Title:           reportTitle,
			RunBenchmarks:   reportBench,
			BenchIterations: reportIterations,
		}

		if !reportSkipProbe {
			reg := registry.New(st, nil, config.Duration(cfg.Registry.DefaultTTL, 30*time.Second))
			checker := health.New(reg, nil, health.Options{
				Timeout:         config.Duration(cfg.Health.ProbeTimeout, 5*time.Second),
				DegradedLatency: config.Duration(cfg.Health.DegradedLatency, time.Second),
				Path:            cfg.Health.Path,
			})
			snap, err := checker.CheckOnce(cmd.Context())
			if err != nil {
				return err
			}
			opts.Health = snap
		}

		r, err := report.New(st).Generate(opts)
		if err != nil {
			return err
		}
		fmt.Printf("Generated report %s\n", r.ID)
		return nil
	},
}

var reportHTML bool

var reportShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Render a report in the terminal",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		r, err := st.GetReport(args[0])
		if err != nil {
			return err
		}

		if reportHTML {
			html, err := report.RenderHTML(r)
			if err != nil {
				return err
			}
			fmt.Print(html)
			return nil
		}

		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			// Plain Markdown still reads fine without a renderer.
			fmt.Print(r.Markdown)
			return nil
		}
		out, err := renderer.Render(r.Markdown)
		if err != nil {
			fmt.Print(r.Markdown)
			return nil
		}
		fmt.Print(out)
		return nil
	},
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		reports, err := st.ListReports(20)
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			fmt.Println("No reports. Generate one with 'magent report generate'.")
			return nil
		}
		for _, r := range reports {
			fmt.Printf("%s  %s  %s\n", r.ID, r.GeneratedAt.Format("2006-01-02 15:04:05"), r.Title)
		}
		return nil
	},
}

func init() {
	reportGenerateCmd.Flags().StringVar(&reportTitle, "title", "", "report title")
	reportGenerateCmd.Flags().BoolVar(&reportBench, "bench", false, "run store/bus benchmarks")
	reportGenerateCmd.Flags().IntVar(&reportIterations, "iterations", 0, "benchmark iterations (0 uses the default)")
	reportGenerateCmd.Flags().BoolVar(&reportSkipProbe, "no-probe", false, "skip health probes")
	reportShowCmd.Flags().BoolVar(&reportHTML, "html", false, "emit HTML instead of terminal rendering")
	reportCmd.AddCommand(reportGenerateCmd)
	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportListCmd)
}
