package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"manageragent/internal/config"
	"manageragent/internal/registry"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Manage the service registry",
}

// openRegistry wires a registry without a bus; CLI one-shots do not need
// announcements delivered.
func openRegistry() (*registry.Registry, func() error, error) {
	st, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	reg := registry.New(st, nil, config.Duration(cfg.Registry.DefaultTTL, 30*time.Second))
	return reg, st.Close, nil
}

var registryTTL time.Duration

var registryRegisterCmd = &cobra.Command{
	Use:   "register <name> <addr>",
	Short: "Register a service instance",
	Args:  usageArgs(cobra.ExactArgs(2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, closeStore, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeStore()

		inst, err := reg.Register(cmd.Context(), args[0], args[1], registryTTL)
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s at %s, expires %s\n",
			inst.Name, inst.Addr, inst.ExpiresAt().Format(time.RFC3339))
		return nil
	},
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, closeStore, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeStore()

		instances, err := reg.List()
		if err != nil {
			return err
		}
		now := time.Now()
		for _, inst := range instances {
			left := time.Until(inst.ExpiresAt()).Round(time.Second)
			state := healthyStyle.Render(fmt.Sprintf("expires in %s", left))
			if !inst.LiveAt(now) {
				state = downStyle.Render("expired")
			}
			fmt.Printf("%-20s %-28s ttl=%-6s %s\n", inst.Name, inst.Addr, inst.TTL, state)
		}
		return nil
	},
}

var registryHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <name> <addr>",
	Short: "Refresh an instance's TTL",
	Args:  usageArgs(cobra.ExactArgs(2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, closeStore, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := reg.Heartbeat(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Heartbeat recorded for %s at %s\n", args[0], args[1])
		return nil
	},
}

var registryDeregisterCmd = &cobra.Command{
	Use:   "deregister <name> <addr>",
	Short: "Remove a service instance",
	Args:  usageArgs(cobra.ExactArgs(2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, closeStore, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := reg.Deregister(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Deregistered %s at %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	registryRegisterCmd.Flags().DurationVar(&registryTTL, "ttl", 0, "instance TTL (0 uses the configured default)")
	registryCmd.AddCommand(registryRegisterCmd)
	registryCmd.AddCommand(registryListCmd)
	registryCmd.AddCommand(registryHeartbeatCmd)
	registryCmd.AddCommand(registryDeregisterCmd)
}
