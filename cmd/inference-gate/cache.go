package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/inference-gate/internal/store"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Cache management commands",
	}

	cmd.AddCommand(
		newCacheListCmd(),
		newCacheInfoCmd(),
		newCacheClearCmd(),
	)

	return cmd
}

// openStore resolves the cache directory (flag beats config) and opens the
// store without touching the proxy machinery.
func openStore(cmd *cobra.Command) (*store.Store, string, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, "", err
	}

	dir := cfg.CacheDir
	if cmd.Flags().Changed("cache-dir") {
		dir, _ = cmd.Flags().GetString("cache-dir")
	}

	st, err := store.New(dir, slog.Default())
	if err != nil {
		return nil, "", err
	}
	return st, dir, nil
}

func addCacheDirFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("cache-dir", "c", "", "directory where cached responses are stored")
}

func newCacheListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all cached entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd)
			if err != nil {
				return err
			}

			entries, err := st.List()
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("No cached entries found.")
				return nil
			}

			fmt.Printf("Found %d cached entries:\n\n", len(entries))
			for _, e := range entries {
				fmt.Printf("  [%s]\n", e.ID)
				fmt.Printf("    Path: %s %s\n", e.Method, e.Path)
				if e.Model != "" {
					fmt.Printf("    Model: %s\n", e.Model)
				}
				if e.Temperature != nil {
					fmt.Printf("    Temperature: %g\n", *e.Temperature)
				}
				fmt.Printf("    Streaming: %t\n", e.IsStreaming)
				fmt.Println()
			}
			return nil
		},
	}

	addCacheDirFlag(cmd)
	return cmd
}

func newCacheInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, dir, err := openStore(cmd)
			if err != nil {
				return err
			}

			stats, err := st.Stats()
			if err != nil {
				return err
			}

			fmt.Printf("Cache directory: %s\n", dir)
			fmt.Printf("Total entries: %d\n", stats.TotalEntries)

			if stats.TotalEntries > 0 {
				fmt.Printf("Total size: %d bytes\n", stats.TotalSizeBytes)
				fmt.Printf("Streaming responses: %d\n", stats.StreamingResponses)
				if len(stats.EntriesByModel) > 0 {
					fmt.Println("Models:")
					models := make([]string, 0, len(stats.EntriesByModel))
					for m := range stats.EntriesByModel {
						models = append(models, m)
					}
					sort.Strings(models)
					for _, m := range models {
						fmt.Printf("  %s: %d\n", m, stats.EntriesByModel[m])
					}
				}
			}
			return nil
		},
	}

	addCacheDirFlag(cmd)
	return cmd
}

func newCacheClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear all cached entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd)
			if err != nil {
				return err
			}

			entries, err := st.List()
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("No cached entries to clear.")
				return nil
			}

			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				fmt.Printf("Are you sure you want to clear %d cached entries? [y/N] ", len(entries))
				reply, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				if answer := strings.ToLower(strings.TrimSpace(reply)); answer != "y" && answer != "yes" {
					fmt.Println("Aborted.")
					return nil
				}
			}

			if err := st.Clear(); err != nil {
				return err
			}
			fmt.Printf("Cleared %d cached entries.\n", len(entries))
			return nil
		},
	}

	addCacheDirFlag(cmd)
	cmd.Flags().BoolP("yes", "y", false, "skip confirmation prompt")
	return cmd
}
