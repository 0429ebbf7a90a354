package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"manageragent/internal/config"
	"manageragent/internal/logging"
	"manageragent/internal/store"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// usageError marks argument/flag mistakes so main can exit 2 instead of 1.
type usageError struct{ err error }

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "magent",
	Short: "ManagerAgent - project automation platform",
	Long: `ManagerAgent is a project automation platform: a durable event bus,
a health-aware API gateway over a service registry, dependency-aware plan
execution, verified state backups, and status reporting.

State lives in <workspace>/.magent (SQLite, config, logs, backups).
Run 'magent init' once per workspace.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err := config.Load(workspace)
		if err != nil {
			return err
		}
		return logging.Initialize(workspace, logging.Settings{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(busCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(reportCmd)
}

// usageArgs wraps a cobra argument validator so its failures exit with the
// usage code, like flag errors do.
func usageArgs(wrapped cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := wrapped(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// stateDir returns the workspace state directory.
func stateDir() string {
	return filepath.Join(workspace, config.StateDirName)
}

// openStore opens the workspace store, failing with a hint when the
// workspace was never initialized.
func openStore() (*store.Store, error) {
	if _, err := os.Stat(stateDir()); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace %s is not initialized (run 'magent init')", workspace)
	}
	return store.Open(stateDir())
}

// loadConfig loads the workspace configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(workspace)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var uerr *usageError
		if errors.As(err, &uerr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
