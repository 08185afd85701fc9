package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/spf13/cobra"
)

const testTimeout = 60 * time.Second

func newTestGateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-gate",
		Short: "Test a running InferenceGate instance",
		Long: "Sends a test prompt to a running InferenceGate proxy to verify it is\n" +
			"accepting and processing requests correctly. Uses the host/port from the\n" +
			"configuration, so you don't need to pass them explicitly.\n\n" +
			"No API key is needed — the running instance already has it configured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			host := cfg.Host
			if cmd.Flags().Changed("host") {
				host, _ = cmd.Flags().GetString("host")
			}
			port := cfg.Port
			if cmd.Flags().Changed("port") {
				port, _ = cmd.Flags().GetInt("port")
			}
			model, prompt := testOverrides(cmd, cfg.TestModel, cfg.TestPrompt)

			gateURL := fmt.Sprintf("http://%s:%d", host, port)
			fmt.Printf("Testing InferenceGate at %s...\n", gateURL)
			fmt.Printf("Using model: %s\n", model)

			// The gate ignores client credentials; the SDK just needs a
			// non-empty key to emit a request.
			return reportTestResult(sendTestPrompt(gateURL, "unused", model, prompt))
		},
	}

	cmd.Flags().String("host", "", "host of the running InferenceGate instance")
	cmd.Flags().IntP("port", "p", 0, "port of the running InferenceGate instance")
	addTestFlags(cmd)
	return cmd
}

func newTestUpstreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-upstream",
		Short: "Test the connection to the upstream API directly",
		Long: "Sends a test prompt directly to the upstream API (bypassing InferenceGate)\n" +
			"to verify that the API key and endpoint are working correctly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			upstreamURL := cfg.Upstream
			if cmd.Flags().Changed("upstream") {
				upstreamURL, _ = cmd.Flags().GetString("upstream")
			}
			apiKey := cfg.APIKey
			if cmd.Flags().Changed("api-key") {
				apiKey, _ = cmd.Flags().GetString("api-key")
			}
			model, prompt := testOverrides(cmd, cfg.TestModel, cfg.TestPrompt)

			if apiKey == "" {
				return fmt.Errorf("no API key provided; set OPENAI_API_KEY, use --api-key, or configure in config file")
			}

			fmt.Printf("Testing upstream API at %s...\n", upstreamURL)
			fmt.Printf("Using model: %s\n", model)

			return reportTestResult(sendTestPrompt(upstreamURL, apiKey, model, prompt))
		},
	}

	cmd.Flags().StringP("upstream", "u", "", "upstream OpenAI API base URL")
	cmd.Flags().StringP("api-key", "k", "", "OpenAI API key")
	addTestFlags(cmd)
	return cmd
}

func addTestFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("model", "m", "", "model to use for the test (default: gpt-4o-mini)")
	cmd.Flags().String("prompt", "", "custom prompt to send")
}

func testOverrides(cmd *cobra.Command, model, prompt string) (string, string) {
	if cmd.Flags().Changed("model") {
		model, _ = cmd.Flags().GetString("model")
	}
	if cmd.Flags().Changed("prompt") {
		prompt, _ = cmd.Flags().GetString("prompt")
	}
	return model, prompt
}

// sendTestPrompt sends one chat completion to baseURL and returns the
// model's reply.
func sendTestPrompt(baseURL, apiKey, model, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	client := openai.NewClient(
		option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/v1/"),
		option.WithAPIKey(apiKey),
	)

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(50),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("unexpected response format: no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// reportTestResult prints the outcome and returns an error (exit code 1) on
// failure.
func reportTestResult(response string, err error) error {
	if err != nil {
		return fmt.Errorf("[FAILED] %w", err)
	}

	fmt.Printf("\nResponse: %s\n", response)
	if strings.EqualFold(strings.TrimRight(strings.TrimSpace(response), "."), "OK") {
		fmt.Println("\n[SUCCESS] Test passed!")
		return nil
	}

	fmt.Println("\n[WARNING] Received a response, but with unexpected content.")
	fmt.Println("This may indicate the endpoint is working but the model did not follow the test prompt exactly.")
	return nil
}
