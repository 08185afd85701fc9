// Command upstream runs a lightweight HTTP mock of an OpenAI-compatible API.
// It is used for recording sessions and E2E testing without real credentials:
//
//	go run ./mock/upstream &
//	inference-gate start --upstream http://localhost:19001
//
// The default reply is "OK." so `inference-gate test-gate` passes against a
// gate recording from this mock.
//
// Environment overrides:
//
//	PORT_UPSTREAM     — listen port (default 19001)
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_REPLY        — assistant reply content (default "OK.")
//	MOCK_STREAM_CHUNK — characters per SSE delta chunk (default 4)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds the mock's runtime knobs.
type Config struct {
	Port      int
	LatencyMS int
	Reply     string
	ChunkSize int
}

func loadConfig() Config {
	c := Config{Port: 19001, Reply: "OK.", ChunkSize: 4}

	if v := os.Getenv("PORT_UPSTREAM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_REPLY"); v != "" {
		c.Reply = v
	}
	if v := os.Getenv("MOCK_STREAM_CHUNK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ChunkSize = n
		}
	}
	return c
}

func main() {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: newHandler(cfg),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("mock upstream listening", slog.Int("port", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("mock upstream failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		model := req.Model
		if model == "" {
			model = "gpt-4o-mini"
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())

		if req.Stream {
			serveStream(w, cfg, id, model)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": cfg.Reply,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": len(cfg.Reply) / 4,
				"total_tokens":      10 + len(cfg.Reply)/4,
			},
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o-mini", "object": "model", "owned_by": "mock"},
				{"id": "gpt-4o", "object": "model", "owned_by": "mock"},
			},
		})
	})

	return mux
}

// serveStream writes the reply as OpenAI-style SSE chunk deltas followed by
// [DONE].
func serveStream(w http.ResponseWriter, cfg Config, id, model string) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "server_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	reply := cfg.Reply
	for i := 0; i < len(reply); i += cfg.ChunkSize {
		end := i + cfg.ChunkSize
		if end > len(reply) {
			end = len(reply)
		}

		delta := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": map[string]string{"content": reply[i:end]}, "finish_reason": nil},
			},
		}
		data, _ := json.Marshal(delta)
		fmt.Fprintf(w, "data: %s\n\n", data)
		fl.Flush()
		time.Sleep(20 * time.Millisecond)
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	fl.Flush()
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": code, "code": code},
	})
}
