// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
//
// Both planes use it: the management API writes through fasthttp, the
// per-proxy listeners through net/http.
package apierr

import (
	"encoding/json"
	"net/http"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProxySimulation   = "proxy_simulation"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFound          = "not_found_error"
	TypeConflict          = "conflict_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInternalError     = "internal_error"
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Body renders the error envelope without writing it anywhere. Used where
// the caller controls the response writer, e.g. injected failure bodies.
func Body(message, errType string) []byte {
	b, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
	}})
	return b
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
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

// WriteHTTP writes the error as JSON through a net/http response writer.
func WriteHTTP(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(Body(message, errType))
}
