// Pulse iD - merchant outreach server and tooling.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// newRootCmd builds the CLI. Without a subcommand it runs the server.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pulseid",
		Short:         "Pulse iD merchant outreach",
		Long:          "Query merchant data in natural language, draft partnership emails and send them through SMTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(cmd)
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				return os.Setenv("CONFIG_FILE", path)
			}
			return nil
		},
		RunE: runServe,
	}
	root.PersistentFlags().String("config", "", "YAML config file (overrides CONFIG_FILE)")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")
	addPortFlag(root)

	root.AddCommand(
		serveCmd(),
		sentLogCmd(),
		templatesCmd(),
	)
	return root
}

func setupLogging(cmd *cobra.Command) {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
