package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aslitaser/k8s-sentinel/internal/admission"
	"github.com/aslitaser/k8s-sentinel/internal/config"
	"github.com/aslitaser/k8s-sentinel/internal/engine"
	"github.com/aslitaser/k8s-sentinel/internal/logging"
	"github.com/aslitaser/k8s-sentinel/internal/metrics"
)

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Admission webhook enforcing resource-limit, image-registry, label, and topology-spread policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("failed to get config flag: %w", err)
			}
			if path == "" {
				path = os.Getenv("SENTINEL_CONFIG")
			}
			return run(cmd.Context(), path)
		},
	}

	// make sure we always get a clean error message, not cobra's usage dump
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (or set SENTINEL_CONFIG)")

	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}

	m := metrics.New()
	eng := engine.New(cfg.Policies, log)
	m.PoliciesEnabled.Set(float64(eng.EnabledCount()))

	pipeline := admission.NewPipeline(eng, m, log)

	var ready atomic.Bool
	aux := admission.AuxRouter(m, &ready)

	log.Info("starting sentinel", "listen", cfg.ListenAddress, "metrics", cfg.MetricsAddress)
	return admission.Run(ctx, cfg, pipeline, aux, &ready, log)
}

// Execute runs rootCmd and exits the process non-zero on failure: config
// load, TLS material load, and bad listen addresses are all startup-fatal.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error on cmd.Execute(): %s\n", err.Error())
		os.Exit(1)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	rootCmd.SetContext(ctx)

	Execute(rootCmd)
}
