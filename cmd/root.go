// Package cmd holds the rustlink CLI: the serve daemon plus operator
// commands that talk to the store directly.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/huanndev/rustlink/internal/config"
	"github.com/huanndev/rustlink/internal/store/sqlite"
)

var cfgPath string

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rustlink",
		Short:         "Multi-user companion connection orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(),
		"config file (JSON5)")

	root.AddCommand(serveCmd())
	root.AddCommand(usersCmd())
	root.AddCommand(endpointsCmd())
	root.AddCommand(devicesCmd())
	root.AddCommand(versionCmd())
	return root
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json5"
	}
	return filepath.Join(home, ".rustlink", "config.json5")
}

// openStore loads the config and opens the database for the operator
// commands.
func openStore() (*config.Config, *sqlite.DB, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	db.DeathRetention = cfg.Watch.DeathRetention.Std()
	return cfg, db, nil
}
