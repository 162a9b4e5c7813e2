package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/copyguard/internal/client"
	"github.com/Rorqualx/copyguard/pkg/version"
)

// defaultServer is where client commands look for a running server.
const defaultServer = "http://127.0.0.1:8390"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copyguard",
		Short: "Detect and lift copy restrictions on web pages",
		Long: `copyguard drives headless Chromium tabs, detects copy-blocking CSS,
blocking event handlers and clipboard tracking, and removes those
restrictions on request or automatically for whitelisted domains.

Run 'copyguard serve' for the JSON API, or 'copyguard scan <url>' for a
one-shot check without a server.`,
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level, _ := cmd.Flags().GetString("log-level")
			setupLogging(level, os.Stderr)
		},
	}

	cmd.PersistentFlags().String("log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringP("server", "s", envOr("COPYGUARD_SERVER", defaultServer), "Server URL for client commands")
	cmd.PersistentFlags().String("api-key", os.Getenv("API_KEY"), "API key for client commands")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewScanCmd())
	cmd.AddCommand(NewInspectCmd())
	cmd.AddCommand(NewWhitelistCmd())
	cmd.AddCommand(NewSettingsCmd())
	cmd.AddCommand(NewStatsCmd())
	cmd.AddCommand(NewTopCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newClient builds an API client from the persistent flags.
func newClient(cmd *cobra.Command) (*client.Client, string) {
	server, _ := cmd.Flags().GetString("server")
	apiKey, _ := cmd.Flags().GetString("api-key")
	return client.New(server, apiKey, 30*time.Second), server
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
