package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Start starts the HTTP server on addr (e.g. "127.0.0.1:8080") and blocks
// until the listener fails or Shutdown is called.
func (g *Gateway) Start(addr string) error {
	g.srv = g.newServer()
	return g.srv.ListenAndServe(addr)
}

// Serve accepts connections from ln. Used by tests with an in-memory
// listener.
func (g *Gateway) Serve(ln net.Listener) error {
	g.srv = g.newServer()
	return g.srv.Serve(ln)
}

// Shutdown gracefully stops the server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.srv == nil {
		return nil
	}
	return g.srv.ShutdownWithContext(ctx)
}

func (g *Gateway) newServer() *fasthttp.Server {
	r := router.New()

	r.GET("/health", g.handleHealth)

	r.GET("/api/cache", g.handleCacheList)
	r.GET("/api/cache/{id}", g.handleCacheEntry)
	r.GET("/api/stats", g.handleStats)
	r.GET("/api/config", g.handleConfig)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	// Everything else is proxied: there is no method or path allow-list, so
	// model-list queries and health probes replay like completions do.
	r.NotFound = g.handleProxy
	r.MethodNotAllowed = g.handleProxy

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
	)

	return &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// No write timeout: streaming replays and recordings must not be cut
		// mid-stream.
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{
		"status": "healthy",
		"mode":   string(g.mode),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
