package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"manageragent/internal/backup"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up and restore workspace state",
}

// openBackup wires a backup manager for the workspace.
func openBackup() (*backup.Manager, func() error, error) {
	st, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	m := backup.New(stateDir(), cfg.Backup.Dir, cfg.Backup.Retention, st)
	return m, st.Close, nil
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeStore, err := openBackup()
		if err != nil {
			return err
		}
		defer closeStore()

		manifest, path, err := m.Create(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Created %s: %d files, %d bytes\n", path, len(manifest.Files), manifest.TotalSize)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeStore, err := openBackup()
		if err != nil {
			return err
		}
		defer closeStore()

		manifests, err := m.List()
		if err != nil {
			return err
		}
		if len(manifests) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		for _, mf := range manifests {
			fmt.Printf("%s  %s  %d files  %d bytes\n",
				mf.ID, mf.CreatedAt.Format("2006-01-02 15:04:05"), len(mf.Files), mf.TotalSize)
		}
		return nil
	},
}

var restoreDest string

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Restore a backup archive",
	Long: `Verifies every file digest against the embedded manifest before any
write; a single mismatch aborts the restore untouched. The default
destination is <workspace>/.magent-restore so live state is never
overwritten by accident.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeStore, err := openBackup()
		if err != nil {
			return err
		}
		defer closeStore()

		dest := restoreDest
		if dest == "" {
			dest = filepath.Join(workspace, ".magent-restore")
		}
		manifest, err := m.Restore(args[0], dest)
		if err != nil {
			return err
		}
		fmt.Printf("Restored %d files to %s\n", len(manifest.Files), dest)
		return nil
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old backups past the retention count",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeStore, err := openBackup()
		if err != nil {
			return err
		}
		defer closeStore()

		removed, err := m.Prune()
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			fmt.Println("Nothing to prune.")
			return nil
		}
		for _, path := range removed {
			fmt.Printf("Removed %s\n", path)
		}
		return nil
	},
}

func init() {
	backupRestoreCmd.Flags().StringVar(&restoreDest, "dest", "", "restore destination directory")
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupPruneCmd)
}
