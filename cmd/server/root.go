// Package main is the entry point for the deep-research engine server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

// rootCmd is the base command when the binary is invoked without a
// subcommand; running it directly starts the server in the foreground.
var rootCmd = &cobra.Command{
	Use:   "deepresearch-server",
	Short: "Deep research engine HTTP server",
	Long: `deepresearch-server runs the deep research engine: an SSE-streaming
task pipeline that plans a report, fans out search queries, summarizes
results, and streams a final report back to the caller (§4, §6).

It exposes:
  GET /api/sse     start or resume a research task, streamed as SSE
  GET /api/stats   Task Manager snapshot (task counts, memory pressure)
  GET /healthz     readiness probe
  GET /metrics     Prometheus exposition (on a separate listener)`,
	Version: "0.1.0",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (YAML); defaults apply when omitted")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
