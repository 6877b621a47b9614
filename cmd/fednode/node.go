package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/fednode/pkg/config"
	"github.com/cuemby/fednode/pkg/log"
	"github.com/cuemby/fednode/pkg/metrics"
	"github.com/cuemby/fednode/pkg/node"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage this fednode process",
}

var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node: admission, queue, sandbox runner, and reconciler",
	Long: `Start runs the node in the foreground: it recovers any jobs left
running by a previous process, launches the worker pool against the
configured sandbox backend, and serves health/metrics endpoints until
interrupted.`,
	RunE: runNodeStart,
}

var nodeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print resolved configuration and catalog summary for this node",
	RunE:  runNodeStatus,
}

func init() {
	nodeCmd.AddCommand(nodeStartCmd)
	nodeCmd.AddCommand(nodeStatusCmd)
}

func runNodeStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metrics.SetVersion(Version)

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}

	if err := n.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	logger := log.WithNodeID(cfg.NodeID)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving health and metrics endpoints")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	_ = srv.Close()
	return n.Stop()
}

func runNodeStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("Node ID:        %s\n", cfg.NodeID)
	fmt.Printf("Institution:    %s\n", cfg.InstitutionName)
	fmt.Printf("Data root:      %s\n", cfg.DataRoot)
	fmt.Printf("Work dir:       %s\n", cfg.WorkDir)
	fmt.Printf("Execution:      backend=%s max_time=%s kinds=%v\n",
		cfg.Execution.Backend, cfg.Execution.MaxExecutionTime, cfg.Execution.AllowedScriptKinds)
	fmt.Printf("Policy:         min_cohort_size=%d precision=%d noise=%v\n",
		cfg.Policy.MinCohortSize, cfg.Policy.ResultPrecision, cfg.Policy.EnableNoise)
	fmt.Printf("Queue:          capacity=%d workers=%d\n", cfg.Queue.Capacity, cfg.Queue.WorkerCount)

	catalogs, err := loadCatalogs(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not resolve catalogs: %v\n", err)
		return nil
	}
	fmt.Printf("Catalogs (%d):\n", len(catalogs))
	for _, c := range catalogs {
		fmt.Printf("  - %-20s %-30s files=%d records=%d\n", c.ID, c.Name, len(c.Files), c.RecordCount)
	}
	return nil
}
