// Package vertexai implements the adapter for Google Vertex AI generateContent.
package vertexai

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/rubberduck-proxy/rubberduck/internal/providers"
)

// /projects/{project}/locations/{location}/publishers/google/models/{model}:generateContent
var generatePattern = regexp.MustCompile(
	`^/projects/([^/]+)/locations/([^/]+)/publishers/google/models/([^/:]+):(generateContent|streamGenerateContent)$`,
)

// Adapter emulates the Vertex AI publisher-model surface. OAuth bearer
// tokens pass through untouched.
type Adapter struct {
	baseURL string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL points the adapter at an alternate upstream base URL instead
// of the location-derived Google host, e.g. a local mock server.
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

func (a *Adapter) Tag() string { return "vertexai" }

func (a *Adapter) Recognize(method, path string) (providers.Endpoint, error) {
	if method != http.MethodPost {
		return providers.Endpoint{}, providers.ErrUnknownEndpoint
	}
	m := generatePattern.FindStringSubmatch(strings.TrimPrefix(path, "/v1"))
	if m == nil {
		return providers.Endpoint{}, providers.ErrUnknownEndpoint
	}
	return providers.Endpoint{
		Kind:      providers.KindGenerateContent,
		ModelID:   m[3],
		Streaming: m[4] == "streamGenerateContent",
	}, nil
}

func (a *Adapter) Normalize(body []byte) []byte {
	return providers.CanonicalJSON(body)
}

// UpstreamURL derives the regional API host from the location path segment.
// The "global" location maps to the non-regional endpoint.
func (a *Adapter) UpstreamURL(path, rawQuery string) (*url.URL, error) {
	trimmed := strings.TrimPrefix(path, "/v1")
	m := generatePattern.FindStringSubmatch(trimmed)
	if m == nil {
		return nil, fmt.Errorf("vertexai: cannot derive upstream for path %q", path)
	}
	if a.baseURL != "" {
		return providers.JoinBaseURL(a.baseURL, "/v1"+trimmed, rawQuery)
	}
	location := m[2]
	host := location + "-aiplatform.googleapis.com"
	if location == "global" {
		host = "aiplatform.googleapis.com"
	}
	return &url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     "/v1" + trimmed,
		RawQuery: rawQuery,
	}, nil
}

func (a *Adapter) Authorize(_ *http.Request, _ []byte) error { return nil }
