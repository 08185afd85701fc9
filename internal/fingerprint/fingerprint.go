// Package fingerprint derives a stable content digest from an incoming
// OpenAI-shaped request.
//
// Two requests that differ only in representation — JSON key order, header
// casing, an Authorization header — collapse to the same fingerprint; two
// requests that differ semantically (method, path, query, body value,
// content-type, the stream flag) do not.
//
// Compute is pure: no I/O, deterministic across runs and hosts.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
)

// sep separates the canonical sections fed to the digest so that field
// boundaries cannot be forged by crafted values (ASCII unit separator).
const sep = 0x1F

// headerAllowList is the fixed set of headers that participate in the
// fingerprint. Everything else — authorization, user-agent, host,
// x-request-id, accept-encoding, hop-by-hop headers — is ignored so that one
// recording serves clients with different credentials and user agents.
var headerAllowList = map[string]struct{}{
	"content-type": {},
}

// Param is a single query parameter in client order. Repeated names keep
// their insertion order.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is the normalized view of an incoming request that Compute hashes.
type Request struct {
	Method  string
	Path    string
	Query   []Param
	Headers map[string]string
	Body    []byte

	// ContentType is the raw Content-Type header value; it decides whether
	// Body is canonicalized as JSON or hashed as raw bytes.
	ContentType string
}

// Fingerprint is the result of Compute.
type Fingerprint struct {
	// ID is the lowercase hex SHA-256 digest identifying the request class.
	// It is also the storage key.
	ID string

	// PromptHash digests only the messages/input field of the body,
	// independent of non-prompt parameters. Empty when the body carries no
	// prompt.
	PromptHash string

	// Model and Temperature are extracted from the body for introspection.
	// They are derived, never authoritative.
	Model       string
	Temperature *float64

	// Stream reports whether the body carried "stream": true. The flag also
	// participates in the digest (the whole canonical body does); it is
	// surfaced here so the forwarder can classify chunked upstream responses.
	Stream bool
}

// Compute canonicalizes req and returns its fingerprint. It never fails: a
// body that is not valid JSON falls back to raw-byte canonicalization.
func Compute(req Request) Fingerprint {
	method := strings.ToUpper(req.Method)
	path := normalizePath(req.Path)
	query := canonicalQuery(req.Query)
	headers := canonicalHeaders(req.Headers)

	body, parsed := canonicalBody(req.Body, req.ContentType)

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{sep})
	h.Write([]byte(path))
	h.Write([]byte{sep})
	h.Write([]byte(query))
	h.Write([]byte{sep})
	h.Write([]byte(headers))
	h.Write([]byte{sep})
	h.Write(body)

	fp := Fingerprint{ID: hex.EncodeToString(h.Sum(nil))}

	if obj, ok := parsed.(map[string]any); ok {
		fp.PromptHash = promptHash(obj)
		fp.Model, fp.Temperature = extractMetadata(obj)
		if s, ok := obj["stream"].(bool); ok {
			fp.Stream = s
		}
	}

	return fp
}

// normalizePath decodes percent-escapes and strips a trailing slash unless
// the path is the root.
func normalizePath(p string) string {
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// canonicalQuery sorts parameters by name while keeping the insertion order
// of values under a repeated name.
func canonicalQuery(params []Param) string {
	if len(params) == 0 {
		return ""
	}
	sorted := make([]Param, len(params))
	copy(sorted, params)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for i, p := range sorted {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// canonicalHeaders keeps only the allow-listed headers, lowercases names,
// trims values, and sorts by name.
func canonicalHeaders(headers map[string]string) string {
	var kept []string
	for name, value := range headers {
		lower := strings.ToLower(name)
		if _, ok := headerAllowList[lower]; !ok {
			continue
		}
		kept = append(kept, lower+":"+strings.TrimSpace(value))
	}
	sort.Strings(kept)
	return strings.Join(kept, "\n")
}

// canonicalBody returns the canonical byte form of the body and, when the
// body was JSON, the parsed structure for metadata extraction.
//
// JSON applies when the content-type says application/json, or when the
// content-type is empty and the body parses. Numbers keep their JSON lexical
// form so float re-serialization cannot drift the digest.
func canonicalBody(body []byte, contentType string) ([]byte, any) {
	if len(body) == 0 {
		return nil, nil
	}

	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct != "" && ct != "application/json" {
		return body, nil
	}

	v, ok := parseJSON(body)
	if !ok {
		return body, nil
	}

	var buf bytes.Buffer
	appendCanonicalJSON(&buf, v)
	return buf.Bytes(), v
}

// parseJSON decodes body preserving number lexemes (json.Number) and
// rejecting trailing garbage.
func parseJSON(body []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// Anything but whitespace after the first value means the body is not a
	// single JSON document.
	if len(bytes.TrimSpace(body[dec.InputOffset():])) != 0 {
		return nil, false
	}
	return v, true
}

// promptHash digests the messages (Chat Completions) or input (Responses)
// field of the canonicalized body. Absent prompt fields yield "".
func promptHash(body map[string]any) string {
	prompt, ok := body["messages"]
	if !ok {
		prompt, ok = body["input"]
	}
	if !ok {
		return ""
	}

	var buf bytes.Buffer
	appendCanonicalJSON(&buf, prompt)

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// extractMetadata pulls the model name and temperature out of the body when
// present.
func extractMetadata(body map[string]any) (model string, temperature *float64) {
	if m, ok := body["model"].(string); ok {
		model = m
	}
	if n, ok := body["temperature"].(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			temperature = &f
		}
	}
	return model, temperature
}
