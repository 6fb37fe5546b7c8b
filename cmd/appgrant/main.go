package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rcourtman/appgrant/internal/config"
	"github.com/rcourtman/appgrant/internal/logging"
	"github.com/rcourtman/appgrant/internal/server"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:          "appgrant",
	Short:        "appgrant - app entitlement and licence lifecycle engine",
	Long:         `appgrant turns store orders into app licences, expires and revokes them on schedule, and answers entitlement checks.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(cmd.Context(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the expiry sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Run(cmd.Context(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "appgrant %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(whitelistCmd)
	rootCmd.AddCommand(licenseCmd)
}

// openApp loads configuration and assembles the engine for one-shot admin
// commands.
var openApp = func() (*server.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "appgrant-cli",
	})
	return server.New(cfg)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
