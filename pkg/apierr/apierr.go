// Package apierr writes the gate's client-visible JSON error responses.
//
// Two shapes are frozen contracts that test suites detect byte-for-byte:
// the replay-only cache miss (404) and the upstream transport failure (502).
// Internal errors use the OpenAI-style error envelope.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants for the envelope shape.
const (
	TypeServerError    = "server_error"
	TypeInvalidRequest = "invalid_request_error"
)

// Code constants for the envelope shape.
const (
	CodeInternalError  = "internal_error"
	CodeStorageError   = "storage_error"
	CodeInvalidRequest = "invalid_request"
)

// APIError is the structured error returned to clients for internal failures.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// cacheMiss is the frozen replay-only miss body.
type cacheMiss struct {
	Error   string `json:"error"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Write writes the OpenAI-style error envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteCacheMiss writes the frozen 404 replay-only miss response.
func WriteCacheMiss(ctx *fasthttp.RequestCtx, id string) {
	ctx.SetStatusCode(fasthttp.StatusNotFound)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(cacheMiss{
		Error:   "cache_miss",
		ID:      id,
		Message: "No cached entry for this request; replay-only mode.",
	})
	ctx.SetBody(body)
}

// WriteUpstreamUnreachable writes the frozen 502 transport-failure response.
func WriteUpstreamUnreachable(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusBadGateway)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"upstream_unreachable"}`)
}

// WriteStorage writes a 500 for a failed store operation.
func WriteStorage(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeStorageError)
}
