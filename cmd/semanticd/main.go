// Semanticd is a semantic-artifact orchestration daemon. It interprets
// organizational artifacts (processes, policies, evaluations), dispatches
// them to a deterministic, reactive or choreographed coordinator, and exposes
// the registry and event broker over HTTP.
//
// Usage:
//
//	# Start the daemon with defaults
//	semanticd serve
//
//	# Start with a config file and an embedded NATS server
//	semanticd serve --config semanticd.yaml --embedded-nats
//
//	# Show version information
//	semanticd version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath   string
	embeddedNATS bool
)

var rootCmd = &cobra.Command{
	Use:     "semanticd",
	Short:   "Semantic-artifact orchestration daemon",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon",
	Long: `Start the semanticd daemon: artifact registry, event broker,
orchestration strategies and the HTTP API.

Configuration is read from an optional YAML file plus SEMANTICD_* environment
variables. See internal/config for the full schema.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("semanticd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	serveCmd.Flags().BoolVar(&embeddedNATS, "embedded-nats", false, "run an embedded NATS server for the event bridge")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
