// Package main is the CLI entry point for the ensemble multi-agent
// orchestration service.
//
// Start the server:
//
//	ensemble serve --config ensemble.yaml
//
// Manage API keys:
//
//	ensemble keys create --account <id>
//	ensemble keys list --include-expired
//	ensemble keys revoke <prefix>
//	ensemble keys rotate <prefix>
//
// Configuration comes from the YAML file plus environment variables
// (USE_REDIS, REDIS_URL, JWT_SECRET_KEY, CONTEXT_MAX_MESSAGES,
// ANTHROPIC_API_KEY, OPENAI_API_KEY, ...). A .env file in the working
// directory is loaded first.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "ensemble",
		Short:         "Multi-agent orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newKeysCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
