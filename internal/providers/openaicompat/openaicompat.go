// Package openaicompat implements the adapter for OpenAI and any vendor
// speaking the OpenAI wire protocol (Deepseek). The two differ only in tag
// and upstream host.
package openaicompat

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rubberduck-proxy/rubberduck/internal/providers"
)

// Adapter emulates an OpenAI-compatible API surface.
type Adapter struct {
	tag     string
	host    string
	baseURL string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL points the adapter at an alternate upstream base URL instead
// of the provider's real endpoint, e.g. a local mock ("http://127.0.0.1:19001").
func WithBaseURL(raw string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(raw, "/") }
}

// New creates an adapter with the given provider tag and upstream host,
// e.g. ("openai", "api.openai.com") or ("deepseek", "api.deepseek.com").
func New(tag, host string, opts ...Option) *Adapter {
	a := &Adapter{tag: tag, host: host}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Tag() string { return a.tag }

func (a *Adapter) Recognize(method, path string) (providers.Endpoint, error) {
	if method != http.MethodPost {
		return providers.Endpoint{}, providers.ErrUnknownEndpoint
	}
	switch path {
	case "/v1/chat/completions":
		return providers.Endpoint{Kind: providers.KindChatCompletion}, nil
	case "/v1/completions":
		return providers.Endpoint{Kind: providers.KindCompletion}, nil
	case "/v1/embeddings":
		return providers.Endpoint{Kind: providers.KindEmbedding}, nil
	}
	return providers.Endpoint{}, providers.ErrUnknownEndpoint
}

func (a *Adapter) Normalize(body []byte) []byte {
	return providers.CanonicalJSON(body)
}

func (a *Adapter) UpstreamURL(path, rawQuery string) (*url.URL, error) {
	if a.baseURL != "" {
		return providers.JoinBaseURL(a.baseURL, path, rawQuery)
	}
	return &url.URL{
		Scheme:   "https",
		Host:     a.host,
		Path:     path,
		RawQuery: rawQuery,
	}, nil
}

// Authorize is a pass-through: the client's Authorization header flows to
// the upstream untouched.
func (a *Adapter) Authorize(_ *http.Request, _ []byte) error { return nil }
