package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
		newConfigPathCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, mgr, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			fmt.Printf("Configuration file: %s\n", mgr.Path())
			fmt.Printf("File exists: %t\n", mgr.Exists())
			fmt.Println()
			fmt.Println("Current settings:")
			fmt.Printf("  host: %s\n", cfg.Host)
			fmt.Printf("  port: %d\n", cfg.Port)
			fmt.Printf("  upstream: %s\n", cfg.Upstream)
			fmt.Printf("  api_key: %s\n", cfg.MaskedAPIKey())
			fmt.Printf("  cache_dir: %s\n", cfg.CacheDir)
			fmt.Printf("  verbose: %t\n", cfg.Verbose)
			fmt.Printf("  test_model: %s\n", cfg.TestModel)
			prompt := cfg.TestPrompt
			if len(prompt) > 50 {
				prompt = prompt[:50] + "..."
			}
			fmt.Printf("  test_prompt: %s\n", prompt)
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mgr, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			force, _ := cmd.Flags().GetBool("force")
			if mgr.Exists() && !force {
				fmt.Printf("Configuration file already exists at %s\n", mgr.Path())
				fmt.Println("Use --force to overwrite.")
				return nil
			}

			if _, err := mgr.CreateDefault(); err != nil {
				return err
			}

			fmt.Printf("Created default configuration file at %s\n", mgr.Path())
			fmt.Println()
			fmt.Println("Edit this file to customize your settings.")
			fmt.Println("You can also set OPENAI_API_KEY environment variable for API key.")
			return nil
		},
	}

	cmd.Flags().BoolP("force", "f", false, "overwrite existing configuration file")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the path to the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mgr, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Println(mgr.Path())
			return nil
		},
	}
}
