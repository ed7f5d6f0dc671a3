// Command ridemap runs the tile-acquisition pipeline behind a small
// GLFW/WebGPU viewer, wiring cobra-parsed flags into internal/config and
// the config into an orchestrator.Orchestrator.
//
// Grounded in the teacher's cmd/mapviewer/main.go entry point and
// MeKu-Christian-WaterColorMap's internal/cmd cobra root command style
// (persistent --config flag, zerolog in place of that example's
// log/slog, consistent with the rest of this module's logging choice).
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ridemap/internal/app"
	"ridemap/internal/config"
	"ridemap/internal/orchestrator"
)

var (
	cfgFile    string
	providerID string
)

var rootCmd = &cobra.Command{
	Use:   "ridemap",
	Short: "A speculative-prefetch tile viewer",
	Long: `Ridemap drives a slippy-map viewport, planning required and speculative
tile demand from pan/zoom/velocity and fetching it through a disk cache,
single-flight memory cache, and bounded-concurrency HTTP fetcher.`,
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the pipeline config file")
	rootCmd.PersistentFlags().StringVar(&providerID, "provider", "", "tile provider id from the config's providers map (defaults to the only entry if there is exactly one)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	id := providerID
	if id == "" {
		if len(cfg.Providers) != 1 {
			return fmt.Errorf("--provider is required unless the config defines exactly one provider")
		}
		for k := range cfg.Providers {
			id = k
		}
	}

	orcCfg, err := cfg.OrchestratorConfig(id)
	if err != nil {
		return fmt.Errorf("building orchestrator config: %w", err)
	}

	orc := orchestrator.New(orcCfg, log)
	application, err := app.New(orc, id, orcCfg.Tuning)
	if err != nil {
		return fmt.Errorf("starting viewer: %w", err)
	}
	defer application.Cleanup()

	return application.Run()
}
