package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"unicode/utf8"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gate/internal/store"
)

// Read-only introspection API consumed by the dashboard and by scripts.
// These handlers never mutate the store.

type entryDetail struct {
	ID          string          `json:"id"`
	Model       string          `json:"model,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	PromptHash  string          `json:"prompt_hash,omitempty"`
	Request     requestDetail   `json:"request"`
	Response    responseDetail  `json:"response"`
}

type requestDetail struct {
	Method  string             `json:"method"`
	Path    string             `json:"path"`
	Query   []store.QueryParam `json:"query,omitempty"`
	Headers map[string]string  `json:"headers,omitempty"`
	Body    json.RawMessage    `json:"body,omitempty"`
}

type responseDetail struct {
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Chunks      []string          `json:"chunks,omitempty"`
	IsStreaming bool              `json:"is_streaming"`
}

// handleCacheList serves GET /api/cache.
func (g *Gateway) handleCacheList(ctx *fasthttp.RequestCtx) {
	summaries, err := g.store.List()
	if err != nil {
		g.log.Error("api_cache_list_failed", slog.String("error", err.Error()))
		writeAPIError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	if summaries == nil {
		summaries = []store.Summary{}
	}
	writeJSON(ctx, summaries)
}

// handleCacheEntry serves GET /api/cache/{id} with full request/response
// detail including streaming chunks.
func (g *Gateway) handleCacheEntry(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if id == "" {
		writeAPIError(ctx, fasthttp.StatusBadRequest, "missing entry id")
		return
	}

	e, err := g.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCorrupt) {
			writeAPIError(ctx, fasthttp.StatusNotFound, "entry not found")
			return
		}
		g.log.Error("api_cache_entry_failed", slog.String("id", id), slog.String("error", err.Error()))
		writeAPIError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	detail := entryDetail{
		ID:          e.ID,
		Model:       e.Metadata.Model,
		Temperature: e.Metadata.Temperature,
		PromptHash:  e.Metadata.PromptHash,
		Request: requestDetail{
			Method:  e.Request.Method,
			Path:    e.Request.Path,
			Query:   e.Request.Query,
			Headers: e.Request.Headers,
			Body:    bodyJSON(e.Request.Body),
		},
		Response: responseDetail{
			StatusCode:  e.Response.StatusCode,
			Headers:     e.Response.Headers,
			IsStreaming: e.Response.IsStreaming,
		},
	}

	if e.Response.IsStreaming {
		chunks, err := g.store.ReadChunks(id)
		if err != nil {
			g.log.Error("api_cache_entry_failed", slog.String("id", id), slog.String("error", err.Error()))
			writeAPIError(ctx, fasthttp.StatusInternalServerError, err.Error())
			return
		}
		detail.Response.Chunks = make([]string, len(chunks))
		for i, c := range chunks {
			detail.Response.Chunks[i] = string(c)
		}
	} else {
		detail.Response.Body = bodyJSON(e.Response.Body)
	}

	writeJSON(ctx, detail)
}

// handleStats serves GET /api/stats.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	st, err := g.store.Stats()
	if err != nil {
		g.log.Error("api_stats_failed", slog.String("error", err.Error()))
		writeAPIError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(ctx, st)
}

// handleConfig serves GET /api/config. upstream_url is omitted in
// replay-only mode, where no upstream is configured.
func (g *Gateway) handleConfig(ctx *fasthttp.RequestCtx) {
	resp := map[string]any{
		"mode":      string(g.mode),
		"host":      g.info.Host,
		"port":      g.info.Port,
		"cache_dir": g.info.CacheDir,
	}
	if g.up != nil {
		resp["upstream_url"] = g.up.BaseURL()
	}
	writeJSON(ctx, resp)
}

// bodyJSON renders stored body bytes for the API: verbatim when valid JSON,
// JSON-quoted when printable text, omitted otherwise.
func bodyJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	if utf8.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		return json.RawMessage(quoted)
	}
	return nil
}

func writeAPIError(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.SetStatusCode(status)
	writeJSON(ctx, map[string]string{"error": msg})
}
