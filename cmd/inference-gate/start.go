package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/inference-gate/internal/app"
	"github.com/nulpointcorp/inference-gate/internal/config"
	"github.com/nulpointcorp/inference-gate/internal/proxy"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start in record-and-replay mode (default)",
		Long: "Replays cached inferences when available. On cache miss, forwards to\n" +
			"upstream, records the response, and stores it for future replays.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyServerFlags(cmd, cfg)
			if cmd.Flags().Changed("upstream") {
				cfg.Upstream, _ = cmd.Flags().GetString("upstream")
			}
			if cmd.Flags().Changed("api-key") {
				cfg.APIKey, _ = cmd.Flags().GetString("api-key")
			}

			fmt.Println("Starting InferenceGate in record-and-replay mode")
			fmt.Printf("  Proxy: http://%s:%d\n", cfg.Host, cfg.Port)
			fmt.Printf("  Upstream: %s\n", cfg.Upstream)
			fmt.Printf("  Cache dir: %s\n", cfg.CacheDir)

			return runGate(cfg, proxy.ModeRecordAndReplay)
		},
	}

	addServerFlags(cmd)
	cmd.Flags().StringP("upstream", "u", "", "upstream OpenAI API base URL (default: https://api.openai.com)")
	cmd.Flags().StringP("api-key", "k", "", "OpenAI API key (defaults to OPENAI_API_KEY env var)")

	return cmd
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Start in replay-only mode",
		Long: "Only returns cached responses. Returns an error if a matching inference\n" +
			"is not found in the cache. Useful for unit tests and CI pipelines.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyServerFlags(cmd, cfg)

			fmt.Println("Starting InferenceGate in replay-only mode")
			fmt.Printf("  Proxy: http://%s:%d\n", cfg.Host, cfg.Port)
			fmt.Printf("  Cache dir: %s\n", cfg.CacheDir)

			return runGate(cfg, proxy.ModeReplayOnly)
		},
	}

	addServerFlags(cmd)

	return cmd
}

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 0, "port to run the server on (default: 8080)")
	cmd.Flags().String("host", "", "host to bind the server to (default: 127.0.0.1)")
	cmd.Flags().StringP("cache-dir", "c", "", "directory to store cached responses (default: .inference_cache)")
}

func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("cache-dir") {
		cfg.CacheDir, _ = cmd.Flags().GetString("cache-dir")
	}
}

// runGate builds the app and serves until SIGINT/SIGTERM.
func runGate(cfg *config.Config, mode proxy.Mode) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := buildLogger(cfg.Verbose)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, mode, logger, version)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}
