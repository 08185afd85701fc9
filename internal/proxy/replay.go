package proxy

import (
	"bufio"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gate/internal/fingerprint"
	"github.com/nulpointcorp/inference-gate/internal/reqlog"
	"github.com/nulpointcorp/inference-gate/internal/store"
)

// replay writes a stored entry back to the client. Returns true when the
// response is streamed, in which case the body stream writer finalizes the
// request accounting after the handler returns.
func (g *Gateway) replay(ctx *fasthttp.RequestCtx, e *store.Entry, fp fingerprint.Fingerprint, start time.Time) bool {
	g.log.Info("cache_hit",
		slog.String("id", e.ID),
		slog.String("method", e.Request.Method),
		slog.String("path", e.Request.Path),
		slog.Bool("streaming", e.Response.IsStreaming),
	)

	if !e.Response.IsStreaming {
		g.replayBuffered(ctx, e)
		g.finish(fp, reqlog.OutcomeHit, e.Response.StatusCode, start)
		return false
	}

	g.replayStreaming(ctx, e, fp, start)
	return true
}

// replayBuffered emits status, stored headers, and the recorded body.
// Content-Length is recomputed by fasthttp from the body we set.
func (g *Gateway) replayBuffered(ctx *fasthttp.RequestCtx, e *store.Entry) {
	ctx.SetStatusCode(e.Response.StatusCode)
	for name, value := range e.Response.Headers {
		ctx.Response.Header.Set(name, value)
	}
	ctx.Response.Header.Set(xCacheHeader, xCacheHIT)
	ctx.SetBody(e.Response.Body)
}

// replayStreaming emits the recorded chunks in order, flushing after each so
// downstream SSE parsers see event boundaries promptly. No artificial delay
// is introduced between chunks: tests should not inherit recording latency.
func (g *Gateway) replayStreaming(ctx *fasthttp.RequestCtx, e *store.Entry, fp fingerprint.Fingerprint, start time.Time) {
	ctx.SetStatusCode(e.Response.StatusCode)
	for name, value := range e.Response.Headers {
		ctx.Response.Header.Set(name, value)
	}
	// Asserted even if absent from the stored headers so the replayed
	// response is always a valid SSE stream.
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set(fasthttp.HeaderCacheControl, "no-cache")
	ctx.Response.Header.Set(fasthttp.HeaderConnection, "keep-alive")
	ctx.Response.Header.Set(xCacheHeader, xCacheHIT)

	id := e.ID
	count := e.Response.ChunkCount
	status := e.Response.StatusCode

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer func() {
			if g.metrics != nil {
				g.metrics.DecInFlight()
			}
			g.finish(fp, reqlog.OutcomeHit, status, start)
		}()

		for i := 0; i < count; i++ {
			chunk, err := g.store.ReadChunk(id, i)
			if err != nil {
				g.log.Warn("replay_chunk_read_failed",
					slog.String("id", id),
					slog.Int("chunk", i),
					slog.String("error", err.Error()),
				)
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return // client disconnected; the entry is unaffected
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
}
