// Command inference-gate is an OpenAI-compatible recording proxy.
//
// It sits between an application and an inference API, records every
// upstream interaction to a local content-addressed store, and replays
// recorded responses — including SSE streams — on matching requests.
//
// Quick-start:
//
//	OPENAI_API_KEY=sk-... inference-gate start
//	inference-gate replay          # cache-only mode for tests/CI
//	inference-gate cache list
//
// Configuration is loaded from $HOME/.InferenceGate/config.yaml by default;
// use --config to point elsewhere. Command-line options override
// configuration file values.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/inference-gate/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "inference-gate",
		Short:         "AI inference replay for testing, debugging and development",
		Long: "InferenceGate is an OpenAI-compatible API proxy that records and replays\n" +
			"AI inference calls, eliminating non-determinism, cost, and latency from\n" +
			"repeated requests during development and testing.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringP("config", "C", "", "path to configuration file (default: $HOME/.InferenceGate/config.yaml)")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")

	root.AddCommand(
		newStartCmd(),
		newReplayCmd(),
		newCacheCmd(),
		newConfigCmd(),
		newTestGateCmd(),
		newTestUpstreamCmd(),
	)

	return root
}

// loadConfig loads the effective configuration honoring the global --config
// flag, and applies the global --verbose override.
func loadConfig(cmd *cobra.Command) (*config.Config, *config.Manager, error) {
	path, _ := cmd.Flags().GetString("config")
	mgr := config.NewManager(path)

	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, err
	}

	if cmd.Flags().Changed("verbose") {
		cfg.Verbose, _ = cmd.Flags().GetBool("verbose")
	}

	return cfg, mgr, nil
}

// buildLogger constructs a JSON slog.Logger. Verbose enables DEBUG with
// source locations.
func buildLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	}))
}
