package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/onetool-io/mailingest/internal/config"
	"github.com/onetool-io/mailingest/internal/logging"
	"github.com/onetool-io/mailingest/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mailingest",
	Short: "Inbound email ingestion service",
	Long: `mailingest receives inbound-email webhooks from the mail provider, resolves
the owning organization, contact and conversation thread, and stores the
message together with its attachments.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return setup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./config", "Directory holding default.yaml and an optional config.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailingest %s\n", version.Full())
	},
}

// setup loads configuration and installs the process logger.
func setup() error {
	if err := config.Load(configPath); err != nil {
		return err
	}
	cfg := config.Get()
	if cfg.App.Version == "" {
		cfg.App.Version = version.Version
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logging.Configure(cfg.Logging); err != nil {
		return err
	}

	warnings, err := config.ValidateSecrets(cfg)
	for _, w := range warnings {
		logging.Log.Warn("config:" + w)
	}
	return err
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
