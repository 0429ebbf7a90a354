package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"manageragent/internal/config"
	"manageragent/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the workspace",
	Long: `Creates the .magent state directory: config.yaml with defaults,
the SQLite database with its schema, and the logs and backups directories.
Safe to re-run; existing config and data are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := stateDir()
		for _, sub := range []string{"logs", "backups"} {
			if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", sub, err)
			}
		}

		cfgPath := config.Path(workspace)
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if err := config.DefaultConfig().Save(cfgPath); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", cfgPath)
		} else {
			fmt.Printf("Keeping existing %s\n", cfgPath)
		}

		st, err := store.Open(dir)
		if err != nil {
			return err
		}
		defer st.Close()

		version, err := st.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Workspace ready at %s (schema v%d)\n", dir, version)
		return nil
	},
}
