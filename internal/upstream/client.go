// Package upstream forwards requests to the real OpenAI-compatible API.
//
// The client streams response bodies (fasthttp StreamResponseBody) so that
// SSE chunks can be teed to the client at the boundaries the upstream
// delivered them. Transport failures (no status line received) are returned
// as errors; HTTP error statuses are not — a 429 from the upstream is a
// response worth recording.
package upstream

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultDialTimeout = 10 * time.Second

// Request is the outbound view of a proxied request. Headers carries only
// what the router decided to forward; Authorization is handled separately so
// the key-injection policy stays in one place.
type Request struct {
	Method string
	Path   string

	// RawQuery is the original query string, without the leading '?'.
	RawQuery string

	Headers map[string]string
	Body    []byte

	// Stream reports whether the request body asked for a streamed response
	// ("stream": true). Some upstreams answer such requests with a chunked
	// body but without an exact text/event-stream content-type; the flag
	// keeps those classified as streaming.
	Stream bool

	// ClientAuthorization is the Authorization header the client sent, used
	// as a fallback when the gate has no configured API key.
	ClientAuthorization string
}

// Response is a forwarded upstream response. Exactly one of Body or Stream
// is usable, matching IsStreaming. Streaming responses must be Closed.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	IsStreaming bool

	// Body holds the full payload for non-streaming responses.
	Body []byte

	stream  io.Reader
	release func()
}

// Stream returns the chunk reader of a streaming response. Each Read returns
// bytes at (approximately) the boundaries the upstream delivered them.
func (r *Response) Stream() io.Reader { return r.stream }

// Close releases the underlying connection of a streaming response. Safe to
// call on buffered responses and more than once.
func (r *Response) Close() {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

// Client forwards requests to a single upstream base URL.
type Client struct {
	baseURL string
	apiKey  string
	http    *fasthttp.Client
	log     *slog.Logger
}

// New creates a client for the given base URL (e.g. "https://api.openai.com").
// apiKey, when non-empty, is injected as a Bearer token on every forward.
func New(baseURL, apiKey string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &fasthttp.Client{
			// Response bodies are streamed so SSE chunks surface as they
			// arrive; no read timeout — the core imposes no upstream
			// deadline, long generations must not be cut mid-stream.
			StreamResponseBody: true,
			DialTimeout: func(addr string, timeout time.Duration) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, defaultDialTimeout)
			},
		},
		log: log,
	}
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Forward sends the request upstream and returns the response. A returned
// error means transport failure; HTTP error statuses come back as normal
// responses. A response is streaming when its content-type is
// text/event-stream, or when a streaming request got a chunked-transfer
// body (no declared content-length) regardless of content-type.
func (c *Client) Forward(req *Request) (*Response, error) {
	freq := fasthttp.AcquireRequest()
	fresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(freq)

	uri := c.baseURL + req.Path
	if req.RawQuery != "" {
		uri += "?" + req.RawQuery
	}
	freq.SetRequestURI(uri)
	freq.Header.SetMethod(req.Method)

	for name, value := range req.Headers {
		freq.Header.Set(name, value)
	}
	switch {
	case c.apiKey != "":
		freq.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.apiKey)
	case req.ClientAuthorization != "":
		freq.Header.Set(fasthttp.HeaderAuthorization, req.ClientAuthorization)
	}
	if len(req.Body) > 0 {
		freq.SetBody(req.Body)
		if len(freq.Header.ContentType()) == 0 {
			freq.Header.SetContentType("application/json")
		}
	}

	c.log.Debug("forwarding",
		slog.String("method", req.Method),
		slog.String("url", uri),
	)

	if err := c.http.Do(freq, fresp); err != nil {
		fasthttp.ReleaseResponse(fresp)
		return nil, fmt.Errorf("upstream: %s %s: %w", req.Method, uri, err)
	}

	resp := &Response{
		StatusCode: fresp.StatusCode(),
		Headers:    responseHeaders(fresp),
	}

	if isEventStream(fresp.Header.ContentType()) || (req.Stream && isChunkedBody(fresp)) {
		resp.IsStreaming = true
		resp.stream = fresp.BodyStream()
		resp.release = func() { fasthttp.ReleaseResponse(fresp) }
		return resp, nil
	}

	// Body() drains the stream into memory for buffered responses.
	resp.Body = append([]byte(nil), fresp.Body()...)
	fasthttp.ReleaseResponse(fresp)

	c.log.Debug("upstream_response",
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(resp.Body)),
	)
	return resp, nil
}

// responseHeaders keeps the fingerprint-relevant subset of upstream response
// headers; everything else (connection management, rate-limit bookkeeping,
// request ids) is upstream-session state that must not replay.
func responseHeaders(fresp *fasthttp.Response) map[string]string {
	h := make(map[string]string, 1)
	if ct := fresp.Header.ContentType(); len(ct) > 0 {
		h["content-type"] = string(ct)
	}
	return h
}

func isEventStream(contentType []byte) bool {
	return strings.HasPrefix(strings.ToLower(string(contentType)), "text/event-stream")
}

// isChunkedBody reports whether the response carries no declared
// content-length: chunked transfer (-1) or read-until-close (-2). fasthttp
// folds Transfer-Encoding: chunked into a negative ContentLength.
func isChunkedBody(fresp *fasthttp.Response) bool {
	return fresp.Header.ContentLength() < 0
}
