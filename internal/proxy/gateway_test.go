package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/inference-gate/internal/store"
	"github.com/nulpointcorp/inference-gate/internal/upstream"
)

// --- helpers ----------------------------------------------------------------

// mockUpstream is an OpenAI-shaped upstream double counting invocations.
type mockUpstream struct {
	srv  *httptest.Server
	hits int64
}

func (m *mockUpstream) Hits() int64 { return atomic.LoadInt64(&m.hits) }

func newMockUpstream(t *testing.T, handler http.HandlerFunc) *mockUpstream {
	t.Helper()
	m := &mockUpstream{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&m.hits, 1)
		handler(w, r)
	}))
	t.Cleanup(m.srv.Close)
	return m
}

// jsonUpstream returns a handler answering with a fixed JSON body.
func jsonUpstream(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

// newTestGate builds a gateway over a temp-dir store and serves it on an
// in-memory listener. Returns an HTTP client routed to it and the store.
func newTestGate(t *testing.T, mode Mode, upstreamURL string) (*http.Client, *store.Store) {
	t.Helper()

	st, err := store.New(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	var up *upstream.Client
	if mode == ModeRecordAndReplay {
		up = upstream.New(upstreamURL, "sk-gate-test", slog.Default())
	}

	gw, err := NewGateway(mode, st, up, GatewayOptions{
		Logger: slog.Default(),
		Info:   ConfigInfo{Host: "127.0.0.1", Port: 8080, CacheDir: st.Root()},
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = gw.Serve(ln)
	}()
	t.Cleanup(func() { _ = ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, st
}

func doRequest(t *testing.T, client *http.Client, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://gate"+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// corruptEntry deletes the response payload so the next Get sees a corrupt
// entry.
func corruptEntry(t *testing.T, st *store.Store, id string) {
	t.Helper()
	if err := os.Remove(filepath.Join(st.Root(), id[:2], id, "response.bin")); err != nil {
		t.Fatalf("corrupt entry: %v", err)
	}
}

var chatBody = []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`)

const upstreamAnswer = `{"id":"x","choices":[{"message":{"content":"Hello"}}]}`

// --- scenarios --------------------------------------------------------------

// TestRecordThenReplay is the first-hit-then-replay scenario: the first
// request forwards and records, the second replays byte-identically with no
// further upstream call.
func TestRecordThenReplay(t *testing.T) {
	up := newMockUpstream(t, jsonUpstream(200, upstreamAnswer))
	client, st := newTestGate(t, ModeRecordAndReplay, up.srv.URL)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", chatBody, nil)
	first := readBody(t, resp)
	if resp.StatusCode != 200 {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	if string(first) != upstreamAnswer {
		t.Fatalf("first body = %q", first)
	}
	if resp.Header.Get("X-Cache") != "MISS" {
		t.Errorf("first X-Cache = %q, want MISS", resp.Header.Get("X-Cache"))
	}

	entries, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("store has %d entries, want 1", len(entries))
	}
	if entries[0].Model != "gpt-4" {
		t.Errorf("recorded model = %q", entries[0].Model)
	}

	resp = doRequest(t, client, "POST", "/v1/chat/completions", chatBody, nil)
	second := readBody(t, resp)
	if resp.StatusCode != 200 {
		t.Fatalf("second status = %d", resp.StatusCode)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("replay not byte-identical:\n first %q\nsecond %q", first, second)
	}
	if resp.Header.Get("X-Cache") != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", resp.Header.Get("X-Cache"))
	}

	if up.Hits() != 1 {
		t.Fatalf("upstream called %d times, want 1", up.Hits())
	}
}

// TestReplayOnlyMissContract verifies the frozen 404 body and that the
// upstream is never contacted in replay-only mode.
func TestReplayOnlyMissContract(t *testing.T) {
	up := newMockUpstream(t, jsonUpstream(200, upstreamAnswer))
	client, _ := newTestGate(t, ModeReplayOnly, up.srv.URL)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", chatBody, nil)
	body := readBody(t, resp)

	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}

	var miss struct {
		Error   string `json:"error"`
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &miss); err != nil {
		t.Fatalf("miss body not JSON: %v (%q)", err, body)
	}
	if miss.Error != "cache_miss" {
		t.Errorf("error = %q, want cache_miss", miss.Error)
	}
	if len(miss.ID) != 64 {
		t.Errorf("id = %q, want 64 hex chars", miss.ID)
	}
	if miss.Message != "No cached entry for this request; replay-only mode." {
		t.Errorf("message = %q", miss.Message)
	}

	if up.Hits() != 0 {
		t.Fatalf("upstream contacted %d times in replay-only mode", up.Hits())
	}
}

// TestAuthKeyIndependence verifies two clients with different Authorization
// headers share one recording.
func TestAuthKeyIndependence(t *testing.T) {
	up := newMockUpstream(t, jsonUpstream(200, upstreamAnswer))
	client, _ := newTestGate(t, ModeRecordAndReplay, up.srv.URL)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", chatBody,
		map[string]string{"Authorization": "Bearer sk-alice"})
	readBody(t, resp)

	resp = doRequest(t, client, "POST", "/v1/chat/completions", chatBody,
		map[string]string{"Authorization": "Bearer sk-bob"})
	body := readBody(t, resp)

	if string(body) != upstreamAnswer {
		t.Fatalf("second client body = %q", body)
	}
	if up.Hits() != 1 {
		t.Fatalf("upstream called %d times, want 1 (auth must not partition the cache)", up.Hits())
	}
}

// TestErrorStatusRecorded verifies a non-2xx upstream response is cached and
// replayed.
func TestErrorStatusRecorded(t *testing.T) {
	errBody := `{"error":{"message":"rate limited","type":"rate_limit_error"}}`
	up := newMockUpstream(t, jsonUpstream(429, errBody))
	client, st := newTestGate(t, ModeRecordAndReplay, up.srv.URL)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", chatBody, nil)
	readBody(t, resp)
	if resp.StatusCode != 429 {
		t.Fatalf("first status = %d, want 429", resp.StatusCode)
	}

	resp = doRequest(t, client, "POST", "/v1/chat/completions", chatBody, nil)
	body := readBody(t, resp)
	if resp.StatusCode != 429 {
		t.Fatalf("replayed status = %d, want 429", resp.StatusCode)
	}
	if string(body) != errBody {
		t.Fatalf("replayed body = %q", body)
	}
	if up.Hits() != 1 {
		t.Fatalf("upstream called %d times, want 1", up.Hits())
	}

	entries, _ := st.List()
	if len(entries) != 1 || entries[0].StatusCode != 429 {
		t.Fatalf("entries = %+v", entries)
	}
}

// TestUpstreamUnreachable verifies the frozen 502 transport-failure body and
// that nothing is recorded.
func TestUpstreamUnreachable(t *testing.T) {
	// Spin up and immediately close the upstream so the port refuses.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	client, st := newTestGate(t, ModeRecordAndReplay, deadURL)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", chatBody, nil)
	body := readBody(t, resp)

	if resp.StatusCode != 502 {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if string(body) != `{"error":"upstream_unreachable"}` {
		t.Fatalf("body = %q", body)
	}

	entries, _ := st.List()
	if len(entries) != 0 {
		t.Fatalf("transport failure must not record, got %d entries", len(entries))
	}
}

// TestStreamingRecordThenReplay verifies the streaming tee, the recorded
// chunk sequence, and chunk-order-preserving replay without an upstream call.
func TestStreamingRecordThenReplay(t *testing.T) {
	chunks := []string{
		"data: {\"delta\":\"He\"}\n\n",
		"data: {\"delta\":\"llo\"}\n\n",
		"data: [DONE]\n\n",
	}
	want := chunks[0] + chunks[1] + chunks[2]

	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		fl := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = w.Write([]byte(c))
			fl.Flush()
			time.Sleep(20 * time.Millisecond)
		}
	})
	client, st := newTestGate(t, ModeRecordAndReplay, up.srv.URL)

	streamBody := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}],"stream":true}`)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", streamBody, nil)
	got := readBody(t, resp)
	if resp.StatusCode != 200 {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
	if string(got) != want {
		t.Fatalf("teed payload mismatch:\n got %q\nwant %q", got, want)
	}

	// The recording is published by the stream writer; allow it a moment.
	var entries []store.Summary
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ = st.List()
		if len(entries) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(entries) != 1 || !entries[0].IsStreaming {
		t.Fatalf("expected one streaming entry, got %+v", entries)
	}

	recorded, err := st.ReadChunks(entries[0].ID)
	if err != nil {
		t.Fatalf("ReadChunks: %v", err)
	}
	var concat []byte
	for _, c := range recorded {
		concat = append(concat, c...)
	}
	if string(concat) != want {
		t.Fatalf("recorded chunks mismatch: %q", concat)
	}

	// Replay: same bytes, no new upstream call.
	resp = doRequest(t, client, "POST", "/v1/chat/completions", streamBody, nil)
	replayed := readBody(t, resp)
	if string(replayed) != want {
		t.Fatalf("replayed payload mismatch: %q", replayed)
	}
	if resp.Header.Get("X-Cache") != "HIT" {
		t.Errorf("replay X-Cache = %q, want HIT", resp.Header.Get("X-Cache"))
	}
	if up.Hits() != 1 {
		t.Fatalf("upstream called %d times, want 1", up.Hits())
	}
}

// TestConcurrentSingleFlight fires 50 identical requests at an empty cache
// and expects exactly one upstream invocation and one stored entry.
func TestConcurrentSingleFlight(t *testing.T) {
	up := newMockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond) // widen the race window
		jsonUpstream(200, upstreamAnswer)(w, r)
	})
	client, st := newTestGate(t, ModeRecordAndReplay, up.srv.URL)

	const n = 50
	var wg sync.WaitGroup
	bodies := make([][]byte, n)
	statuses := make([]int, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest("POST", "http://gate/v1/chat/completions", bytes.NewReader(chatBody))
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			statuses[i] = resp.StatusCode
			bodies[i], _ = io.ReadAll(resp.Body)
		}(i)
	}
	wg.Wait()

	if up.Hits() != 1 {
		t.Fatalf("upstream called %d times, want 1", up.Hits())
	}
	for i := 0; i < n; i++ {
		if statuses[i] != 200 {
			t.Fatalf("request %d status = %d", i, statuses[i])
		}
		if string(bodies[i]) != upstreamAnswer {
			t.Fatalf("request %d body = %q", i, bodies[i])
		}
	}

	entries, _ := st.List()
	if len(entries) != 1 {
		t.Fatalf("store has %d entries, want 1", len(entries))
	}
}

// TestCorruptEntryDegradesToMiss verifies a corrupt entry is re-recorded
// rather than failing the request.
func TestCorruptEntryDegradesToMiss(t *testing.T) {
	up := newMockUpstream(t, jsonUpstream(200, upstreamAnswer))
	client, st := newTestGate(t, ModeRecordAndReplay, up.srv.URL)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", chatBody, nil)
	readBody(t, resp)

	entries, _ := st.List()
	if len(entries) != 1 {
		t.Fatalf("setup: %d entries", len(entries))
	}
	corruptEntry(t, st, entries[0].ID)

	resp = doRequest(t, client, "POST", "/v1/chat/completions", chatBody, nil)
	body := readBody(t, resp)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != upstreamAnswer {
		t.Fatalf("body = %q", body)
	}
	if up.Hits() != 2 {
		t.Fatalf("upstream called %d times, want 2 (re-record after corruption)", up.Hits())
	}
}

// TestGETRequestsAreCached verifies there is no method allow-list: a GET is
// fingerprinted and cached like a POST.
func TestGETRequestsAreCached(t *testing.T) {
	modelList := `{"object":"list","data":[{"id":"gpt-4"}]}`
	up := newMockUpstream(t, jsonUpstream(200, modelList))
	client, _ := newTestGate(t, ModeRecordAndReplay, up.srv.URL)

	resp := doRequest(t, client, "GET", "/v1/models", nil, nil)
	readBody(t, resp)
	resp = doRequest(t, client, "GET", "/v1/models", nil, nil)
	body := readBody(t, resp)

	if string(body) != modelList {
		t.Fatalf("body = %q", body)
	}
	if up.Hits() != 1 {
		t.Fatalf("upstream called %d times, want 1", up.Hits())
	}
}
