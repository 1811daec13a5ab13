// Package azure implements the adapter for Azure OpenAI deployments.
//
// Azure paths embed a deployment name instead of a model field, and carry a
// mandatory api-version query parameter which is preserved verbatim. The
// upstream resource host cannot be derived from the path, so it comes from
// the AZURE_OPENAI_ENDPOINT configuration knob.
package azure

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rubberduck-proxy/rubberduck/internal/providers"
)

// Adapter emulates the Azure OpenAI API surface.
type Adapter struct {
	host string
}

// New creates an adapter for the given resource endpoint,
// e.g. "https://myresource.openai.azure.com".
func New(endpoint string) (*Adapter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("azure: endpoint must be configured (AZURE_OPENAI_ENDPOINT)")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("azure: invalid endpoint %q", endpoint)
	}
	return &Adapter{host: u.Host}, nil
}

func (a *Adapter) Tag() string { return "azure" }

func (a *Adapter) Recognize(method, path string) (providers.Endpoint, error) {
	if method != http.MethodPost {
		return providers.Endpoint{}, providers.ErrUnknownEndpoint
	}

	// /openai/deployments/{deployment}/<operation>
	rest, ok := strings.CutPrefix(path, "/openai/deployments/")
	if !ok {
		return providers.Endpoint{}, providers.ErrUnknownEndpoint
	}
	deployment, op, ok := strings.Cut(rest, "/")
	if !ok || deployment == "" {
		return providers.Endpoint{}, providers.ErrUnknownEndpoint
	}

	switch op {
	case "chat/completions":
		return providers.Endpoint{Kind: providers.KindChatCompletion, ModelID: deployment}, nil
	case "completions":
		return providers.Endpoint{Kind: providers.KindCompletion, ModelID: deployment}, nil
	case "embeddings":
		return providers.Endpoint{Kind: providers.KindEmbedding, ModelID: deployment}, nil
	}
	return providers.Endpoint{}, providers.ErrUnknownEndpoint
}

func (a *Adapter) Normalize(body []byte) []byte {
	return providers.CanonicalJSON(body)
}

func (a *Adapter) UpstreamURL(path, rawQuery string) (*url.URL, error) {
	return &url.URL{
		Scheme:   "https",
		Host:     a.host,
		Path:     path,
		RawQuery: rawQuery, // api-version preserved
	}, nil
}

// Authorize is a pass-through: the client's api-key header flows to the
// upstream untouched.
func (a *Adapter) Authorize(_ *http.Request, _ []byte) error { return nil }
