// Command fednode operates a single federated compute node: it starts the
// admission/queue/sandbox/policy pipeline, and provides local operator
// commands for inspecting catalogs and driving jobs through that pipeline
// without an HTTP submission surface, which belongs to the deployment
// that embeds this node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/fednode/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fednode",
	Short: "fednode - a federated compute node for privacy-preserving analysis",
	Long: `fednode lets remote researchers submit analysis scripts against
locally-hosted, privacy-sensitive datasets. Scripts run in an isolated
sandbox and only aggregated results satisfying a minimum-cohort policy
ever leave the node.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fednode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a TOML or YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(jobCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}
