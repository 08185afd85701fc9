// Package proxy is the core record/replay request router.
//
// The Gateway receives an incoming OpenAI-compatible request, derives its
// fingerprint, and either replays the recorded response from the store or —
// in record-and-replay mode — forwards to the upstream, tees the response to
// the client, and persists it for future replays.
//
// Key design constraints:
//   - The per-fingerprint lock is held across the full get/forward/record
//     span so concurrent duplicates cause exactly one upstream call
//     (single-flight). For streaming recordings the release is deferred into
//     the body stream writer, which runs after the handler returns.
//   - Streaming chunks replay at the boundaries the upstream delivered them,
//     with a flush after each chunk and no artificial delay.
//   - Metrics and the request logger are optional and nil-safe.
package proxy

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gate/internal/fingerprint"
	"github.com/nulpointcorp/inference-gate/internal/metrics"
	"github.com/nulpointcorp/inference-gate/internal/reqlog"
	"github.com/nulpointcorp/inference-gate/internal/store"
	"github.com/nulpointcorp/inference-gate/internal/upstream"
	"github.com/nulpointcorp/inference-gate/pkg/apierr"
)

// Mode selects the routing behavior.
type Mode string

const (
	// ModeRecordAndReplay replays recorded inferences and records new ones
	// by forwarding cache misses to the upstream.
	ModeRecordAndReplay Mode = "record-and-replay"

	// ModeReplayOnly only replays; a miss returns the fixed 404 body and the
	// upstream is never contacted.
	ModeReplayOnly Mode = "replay-only"
)

const (
	xCacheHeader = "X-Cache"
	xCacheHIT    = "HIT"
	xCacheMISS   = "MISS"
)

// GatewayOptions holds optional dependencies. All fields are nil-safe.
type GatewayOptions struct {
	// Logger is the structured logger for routing events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// ReqLog receives the one-per-request observability record.
	ReqLog *reqlog.Logger

	// Metrics enables Prometheus metrics collection.
	Metrics *metrics.Registry

	// Info is exposed verbatim by GET /api/config.
	Info ConfigInfo
}

// ConfigInfo is the read-only configuration surfaced by the introspection API.
type ConfigInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	CacheDir string `json:"cache_dir"`
}

// Gateway is the per-request state machine. Stateless across requests aside
// from the shared store.
type Gateway struct {
	mode    Mode
	store   *store.Store
	up      *upstream.Client
	log     *slog.Logger
	reqLog  *reqlog.Logger
	metrics *metrics.Registry
	info    ConfigInfo

	srv *fasthttp.Server
}

// NewGateway creates a Gateway. up is required in record-and-replay mode and
// ignored in replay-only mode.
func NewGateway(mode Mode, st *store.Store, up *upstream.Client, opts GatewayOptions) (*Gateway, error) {
	if st == nil {
		return nil, errors.New("proxy: store must not be nil")
	}
	if mode == ModeRecordAndReplay && up == nil {
		return nil, errors.New("proxy: upstream client is required in record-and-replay mode")
	}
	if mode == ModeReplayOnly {
		up = nil
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		mode:    mode,
		store:   st,
		up:      up,
		log:     log,
		reqLog:  opts.ReqLog,
		metrics: opts.Metrics,
		info:    opts.Info,
	}, nil
}

// Mode returns the operating mode.
func (g *Gateway) Mode() Mode { return g.mode }

// handleProxy is the catch-all handler implementing the routing state
// machine: fingerprint → lock → get → replay | miss | forward+record.
func (g *Gateway) handleProxy(ctx *fasthttp.RequestCtx) {
	start := time.Now()

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	streaming := false // when true, the stream writer finalizes accounting
	defer func() {
		if g.metrics != nil && !streaming {
			g.metrics.DecInFlight()
		}
	}()

	freq, upReq := g.splitRequest(ctx)
	fp := fingerprint.Compute(freq)
	upReq.Stream = fp.Stream

	release := g.store.Lock(fp.ID)
	lockOwned := true
	defer func() {
		if lockOwned {
			release()
		}
	}()

	entry, err := g.store.Get(fp.ID)
	switch {
	case err == nil:
		// Cache hit.

	case errors.Is(err, store.ErrNotFound):
		entry = nil

	case errors.Is(err, store.ErrCorrupt):
		// Recoverable: degrade to a miss so the entry gets re-recorded.
		g.log.Warn("corrupt_entry",
			slog.String("id", fp.ID),
			slog.String("error", err.Error()),
		)
		if g.metrics != nil {
			g.metrics.StoreOp("get", "corrupt")
		}
		entry = nil

	default:
		g.log.Error("store_get_failed",
			slog.String("id", fp.ID),
			slog.String("error", err.Error()),
		)
		if g.metrics != nil {
			g.metrics.StoreOp("get", "error")
		}
		apierr.WriteStorage(ctx, "cache read failed")
		g.finish(fp, reqlog.OutcomeMiss, fasthttp.StatusInternalServerError, start)
		return
	}

	if entry != nil {
		if g.metrics != nil {
			g.metrics.StoreOp("get", "ok")
		}
		streaming = g.replay(ctx, entry, fp, start)
		return
	}
	if g.metrics != nil {
		g.metrics.StoreOp("get", "miss")
	}

	if g.mode == ModeReplayOnly {
		g.log.Warn("cache_miss",
			slog.String("id", fp.ID),
			slog.String("method", freq.Method),
			slog.String("path", freq.Path),
		)
		apierr.WriteCacheMiss(ctx, fp.ID)
		g.finish(fp, reqlog.OutcomeMiss, fasthttp.StatusNotFound, start)
		return
	}

	// Record-and-replay miss: forward upstream.
	g.log.Info("cache_miss_forwarding",
		slog.String("id", fp.ID),
		slog.String("method", freq.Method),
		slog.String("path", freq.Path),
		slog.String("model", fp.Model),
	)

	upStart := time.Now()
	upResp, err := g.up.Forward(upReq)
	if g.metrics != nil {
		g.metrics.ObserveUpstream(time.Since(upStart))
	}
	if err != nil {
		g.log.Error("upstream_error",
			slog.String("id", fp.ID),
			slog.String("error", err.Error()),
		)
		apierr.WriteUpstreamUnreachable(ctx)
		g.finish(fp, reqlog.OutcomeUpstreamError, fasthttp.StatusBadGateway, start)
		return
	}

	if upResp.IsStreaming {
		// Lock ownership moves into the stream writer.
		lockOwned = false
		streaming = true
		g.recordStreaming(ctx, fp, freq, upResp, release, start)
		return
	}

	g.recordBuffered(ctx, fp, freq, upResp, start)
}

// splitRequest builds the fingerprint view and the upstream forward view of
// the incoming request in one pass.
func (g *Gateway) splitRequest(ctx *fasthttp.RequestCtx) (fingerprint.Request, *upstream.Request) {
	method := strings.ToUpper(string(ctx.Method()))
	path := string(ctx.Path())

	var query []fingerprint.Param
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		query = append(query, fingerprint.Param{Name: string(k), Value: string(v)})
	})

	headers := make(map[string]string)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		headers[string(k)] = string(v)
	})

	body := append([]byte(nil), ctx.PostBody()...)
	contentType := string(ctx.Request.Header.ContentType())

	freq := fingerprint.Request{
		Method:      method,
		Path:        path,
		Query:       query,
		Headers:     headers,
		Body:        body,
		ContentType: contentType,
	}

	// Only the fingerprint-relevant headers plus accept travel upstream; the
	// outflow client owns Authorization injection.
	upHeaders := make(map[string]string, 2)
	if contentType != "" {
		upHeaders["content-type"] = contentType
	}
	if accept := string(ctx.Request.Header.Peek(fasthttp.HeaderAccept)); accept != "" {
		upHeaders["accept"] = accept
	}

	upReq := &upstream.Request{
		Method:              method,
		Path:                path,
		RawQuery:            string(ctx.URI().QueryString()),
		Headers:             upHeaders,
		Body:                body,
		ClientAuthorization: string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)),
	}

	return freq, upReq
}

// entryRequest builds the stored request half from the fingerprint view.
func entryRequest(freq fingerprint.Request) store.RequestInfo {
	headers := make(map[string]string, 1)
	if ct, ok := lookupHeader(freq.Headers, "content-type"); ok {
		headers["content-type"] = ct
	}

	var query []store.QueryParam
	for _, p := range freq.Query {
		query = append(query, store.QueryParam{Name: p.Name, Value: p.Value})
	}

	return store.RequestInfo{
		Method:  freq.Method,
		Path:    freq.Path,
		Query:   query,
		Headers: headers,
		Body:    freq.Body,
	}
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// finish emits the one-per-request log record and metrics.
func (g *Gateway) finish(fp fingerprint.Fingerprint, outcome string, status int, start time.Time) {
	dur := time.Since(start)
	if g.metrics != nil {
		g.metrics.ObserveRequest(outcome, dur)
	}
	if g.reqLog != nil {
		g.reqLog.Log(reqlog.Record{
			ID:         fp.ID,
			Outcome:    outcome,
			Status:     status,
			DurationMs: dur.Milliseconds(),
			Model:      fp.Model,
		})
	}
}
