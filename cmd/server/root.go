package main

import (
	"github.com/spf13/cobra"

	"github.com/warp/contract-ledger/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Port       int
	Database   string
	Party      string
	LogLevel   string

	// Config is loaded in PersistentPreRunE.
	Config *config.Config
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Contract ledger node",
		Long:  "Mirrors contracts, usage reports and settlements exchanged with partner MSPs over a private ledger.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.loadConfig(cmd)
		},
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().IntVar(&opts.Port, "port", 0, "HTTP server port (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Party, "party", "", "this MSP's ledger identity (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug|info|warn|error (overrides config)")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))

	return cmd
}

// loadConfig reads the file (if any), then applies explicitly set flags.
func (o *RootOptions) loadConfig(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = o.Port
	}
	if flags.Changed("db") {
		cfg.Database.Path = o.Database
	}
	if flags.Changed("party") {
		cfg.Party.ID = o.Party
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	o.Config = cfg
	return nil
}
