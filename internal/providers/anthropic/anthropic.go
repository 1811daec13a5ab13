// Package anthropic implements the adapter for the Anthropic Messages API.
package anthropic

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rubberduck-proxy/rubberduck/internal/providers"
)

const upstreamHost = "api.anthropic.com"

// Adapter emulates the Anthropic API surface. Credentials (x-api-key) pass
// through untouched.
type Adapter struct {
	baseURL string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL points the adapter at an alternate upstream base URL, e.g. a
// local mock server.
func WithBaseURL(raw string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(raw, "/") }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Tag() string { return "anthropic" }

func (a *Adapter) Recognize(method, path string) (providers.Endpoint, error) {
	if method != http.MethodPost {
		return providers.Endpoint{}, providers.ErrUnknownEndpoint
	}
	// Clients may or may not include the /v1 prefix; both are accepted.
	switch strings.TrimPrefix(path, "/v1") {
	case "/messages":
		return providers.Endpoint{Kind: providers.KindMessages}, nil
	case "/complete":
		return providers.Endpoint{Kind: providers.KindComplete}, nil
	}
	return providers.Endpoint{}, providers.ErrUnknownEndpoint
}

func (a *Adapter) Normalize(body []byte) []byte {
	// metadata.user_id is Anthropic's end-user identifier.
	return providers.CanonicalJSON(body, "metadata.user_id")
}

func (a *Adapter) UpstreamURL(path, rawQuery string) (*url.URL, error) {
	if !strings.HasPrefix(path, "/v1/") {
		path = "/v1" + path
	}
	if a.baseURL != "" {
		return providers.JoinBaseURL(a.baseURL, path, rawQuery)
	}
	return &url.URL{
		Scheme:   "https",
		Host:     upstreamHost,
		Path:     path,
		RawQuery: rawQuery,
	}, nil
}

func (a *Adapter) Authorize(_ *http.Request, _ []byte) error { return nil }
