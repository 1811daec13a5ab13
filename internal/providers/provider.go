// Package providers defines the adapter contract implemented once per
// emulated vendor (OpenAI, Deepseek, Anthropic, Azure OpenAI, AWS Bedrock,
// Google Vertex AI).
//
// An adapter classifies inbound paths, canonicalises request bodies for
// cache hashing, synthesises the real upstream URL, and prepares outbound
// credentials. Adapters never log or store credentials.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Endpoint kinds assigned at recognition time. The kind participates in the
// cache key, so renaming one invalidates existing cache rows.
const (
	KindChatCompletion  = "chat_completion"
	KindCompletion      = "completion"
	KindEmbedding       = "embedding"
	KindMessages        = "messages"
	KindComplete        = "complete"
	KindInvoke          = "invoke"
	KindInvokeStream    = "invoke_stream"
	KindListFoundation  = "list_foundation_models"
	KindListCustom      = "list_custom_models"
	KindGenerateContent = "generate_content"
)

// Endpoint is the result of classifying an inbound request path.
type Endpoint struct {
	Kind string
	// ModelID is the model identifier embedded in the path, when the
	// provider's URL scheme carries one (Bedrock, Vertex, Azure deployment).
	ModelID string
	// Streaming marks endpoints whose responses must be forwarded
	// incrementally, never buffered.
	Streaming bool
}

// ErrUnknownEndpoint is returned by Recognize when no path pattern matches.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// AuthError is a client-visible authentication failure (HTTP 401) raised
// before any upstream contact, e.g. a Bedrock request without credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// HTTPStatus implements the status-coder convention used by the handler.
func (e *AuthError) HTTPStatus() int { return http.StatusUnauthorized }

// Adapter is the per-vendor protocol surface.
type Adapter interface {
	// Tag returns the provider tag used in proxy rows and cache keys.
	Tag() string

	// Recognize classifies method+path. Returns ErrUnknownEndpoint when no
	// pattern matches.
	Recognize(method, path string) (Endpoint, error)

	// Normalize produces the canonical byte string hashed into the cache
	// key. Bodies that are not valid JSON normalise to their raw bytes.
	Normalize(body []byte) []byte

	// UpstreamURL computes the real provider URL for an inbound path.
	// The scheme is https unless a base-URL override redirects the adapter
	// at an alternate upstream (e.g. a local mock server).
	UpstreamURL(path, rawQuery string) (*url.URL, error)

	// Authorize prepares outbound credentials on req. Most adapters pass
	// client headers through untouched; Bedrock strips the custom
	// credential headers and re-signs. body is the outbound payload, which
	// signing adapters hash.
	Authorize(req *http.Request, body []byte) error
}

// ErrorTranslator is an optional interface for adapters that need to
// rewrite upstream error bodies into the shape the vendor SDK expects.
// The default policy is byte-for-byte pass-through; no current adapter
// declares translation.
type ErrorTranslator interface {
	TranslateError(status int, body []byte) []byte
}

// JoinBaseURL resolves an adapter base-URL override against an inbound
// request path. The override's own path, if any, becomes a prefix.
func JoinBaseURL(base, path, rawQuery string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = rawQuery
	return u, nil
}

// Registry maps provider tags to adapters. Built once at process start;
// immutable afterwards.
type Registry struct {
	adapters map[string]Adapter
	tags     []string
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Tag()] = a
		r.tags = append(r.tags, a.Tag())
	}
	return r
}

// Get returns the adapter for tag.
func (r *Registry) Get(tag string) (Adapter, error) {
	a, ok := r.adapters[tag]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", tag)
	}
	return a, nil
}

// Tags returns all registered provider tags in registration order.
func (r *Registry) Tags() []string {
	out := make([]string, len(r.tags))
	copy(out, r.tags)
	return out
}
