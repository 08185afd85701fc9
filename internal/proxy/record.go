package proxy

import (
	"bufio"
	"io"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gate/internal/fingerprint"
	"github.com/nulpointcorp/inference-gate/internal/reqlog"
	"github.com/nulpointcorp/inference-gate/internal/store"
	"github.com/nulpointcorp/inference-gate/internal/upstream"
	"github.com/nulpointcorp/inference-gate/pkg/apierr"
)

// streamReadBuffer sizes the per-recording read buffer. Upstream SSE chunks
// are typically far smaller; a large buffer never merges chunks because Read
// returns as soon as any bytes are available.
const streamReadBuffer = 64 * 1024

// newEntry assembles the entry for a finished upstream response.
func newEntry(fp fingerprint.Fingerprint, freq fingerprint.Request, upResp *upstream.Response) *store.Entry {
	return &store.Entry{
		ID:      fp.ID,
		Request: entryRequest(freq),
		Response: store.ResponseInfo{
			StatusCode:  upResp.StatusCode,
			Headers:     upResp.Headers,
			IsStreaming: upResp.IsStreaming,
		},
		Metadata: store.Metadata{
			Model:       fp.Model,
			Temperature: fp.Temperature,
			PromptHash:  fp.PromptHash,
		},
	}
}

// recordBuffered persists a fully buffered upstream response and then writes
// it to the client. A storage failure surfaces as 500 — the client has not
// received any bytes yet.
func (g *Gateway) recordBuffered(
	ctx *fasthttp.RequestCtx,
	fp fingerprint.Fingerprint,
	freq fingerprint.Request,
	upResp *upstream.Response,
	start time.Time,
) {
	entry := newEntry(fp, freq, upResp)
	entry.Response.Body = upResp.Body

	if err := g.store.Put(entry); err != nil {
		g.log.Error("record_failed",
			slog.String("id", fp.ID),
			slog.String("error", err.Error()),
		)
		if g.metrics != nil {
			g.metrics.StoreOp("put", "error")
		}
		apierr.WriteStorage(ctx, "failed to record response")
		g.finish(fp, reqlog.OutcomeRecord, fasthttp.StatusInternalServerError, start)
		return
	}
	if g.metrics != nil {
		g.metrics.StoreOp("put", "ok")
	}

	g.log.Info("record_ok",
		slog.String("id", fp.ID),
		slog.Int("status", upResp.StatusCode),
		slog.Int("bytes", len(upResp.Body)),
		slog.String("model", fp.Model),
	)

	ctx.SetStatusCode(upResp.StatusCode)
	for name, value := range upResp.Headers {
		ctx.Response.Header.Set(name, value)
	}
	ctx.Response.Header.Set(xCacheHeader, xCacheMISS)
	ctx.SetBody(upResp.Body)

	g.finish(fp, reqlog.OutcomeRecord, upResp.StatusCode, start)
}

// recordStreaming tees upstream chunks to the client as they arrive and, on
// clean upstream termination, persists the collected sequence. The caller
// hands over the per-id lock; it is released when the stream writer finishes
// so duplicate requests arriving mid-stream wait and then replay the fresh
// entry.
//
// Client disconnect does not abort the recording — the upstream call has
// already been paid for. An abnormal upstream termination discards the
// partial recording; the client sees the same partial stream the upstream
// produced.
func (g *Gateway) recordStreaming(
	ctx *fasthttp.RequestCtx,
	fp fingerprint.Fingerprint,
	freq fingerprint.Request,
	upResp *upstream.Response,
	release func(),
	start time.Time,
) {
	ctx.SetStatusCode(upResp.StatusCode)
	for name, value := range upResp.Headers {
		ctx.Response.Header.Set(name, value)
	}
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set(fasthttp.HeaderCacheControl, "no-cache")
	ctx.Response.Header.Set(fasthttp.HeaderConnection, "keep-alive")
	ctx.Response.Header.Set(xCacheHeader, xCacheMISS)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer release()
		defer upResp.Close()
		defer func() {
			if g.metrics != nil {
				g.metrics.DecInFlight()
			}
		}()

		var (
			chunks   [][]byte
			clean    bool
			clientOK = true
			buf      = make([]byte, streamReadBuffer)
			reader   = upResp.Stream()
		)

		for {
			n, err := reader.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				chunks = append(chunks, chunk)

				if clientOK {
					if _, werr := w.Write(chunk); werr != nil {
						clientOK = false // client gone; keep draining upstream
					} else if ferr := w.Flush(); ferr != nil {
						clientOK = false
					}
				}
			}
			if err == io.EOF {
				clean = true
				break
			}
			if err != nil {
				g.log.Warn("upstream_stream_aborted",
					slog.String("id", fp.ID),
					slog.Int("chunks", len(chunks)),
					slog.String("error", err.Error()),
				)
				break
			}
		}

		if !clean {
			// Partial upstream stream: discard, never publish.
			g.finish(fp, reqlog.OutcomeUpstreamError, upResp.StatusCode, start)
			return
		}

		entry := newEntry(fp, freq, upResp)
		entry.Response.Chunks = chunks

		if err := g.store.Put(entry); err != nil {
			// The client already has the stream; log and move on.
			g.log.Error("record_failed",
				slog.String("id", fp.ID),
				slog.String("error", err.Error()),
			)
			if g.metrics != nil {
				g.metrics.StoreOp("put", "error")
			}
			g.finish(fp, reqlog.OutcomeRecord, upResp.StatusCode, start)
			return
		}
		if g.metrics != nil {
			g.metrics.StoreOp("put", "ok")
			g.metrics.ObserveRecordedChunks(len(chunks))
		}

		g.log.Info("record_ok",
			slog.String("id", fp.ID),
			slog.Int("status", upResp.StatusCode),
			slog.Int("chunks", len(chunks)),
			slog.String("model", fp.Model),
		)
		g.finish(fp, reqlog.OutcomeRecord, upResp.StatusCode, start)
	})
}
