// Package bedrock implements the adapter for AWS Bedrock, the only provider
// that cannot pass credentials through untouched: SigV4 signatures cover the
// Host header, so a signature computed against the proxy's address is invalid
// at the real endpoint.
//
// Two credential modes are supported:
//
//   - custom headers: X-AWS-Access-Key / X-AWS-Secret-Key (and optionally
//     X-AWS-Session-Token) carry raw credentials; the adapter strips them and
//     signs the outbound request itself;
//   - signed passthrough: a request already carrying an AWS4-HMAC-SHA256
//     Authorization header is forwarded as-is, on the assumption the client
//     signed against the upstream host.
//
// Requests with neither are rejected with 401 before any upstream contact.
package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/rubberduck-proxy/rubberduck/internal/providers"
)

const (
	headerAccessKey    = "X-Aws-Access-Key"
	headerSecretKey    = "X-Aws-Secret-Key"
	headerSessionToken = "X-Aws-Session-Token"

	signingService = "bedrock"
)

// Model identifiers as they appear in invoke paths: vendor.model-id with
// optional version/region qualifiers, or a custom model ARN segment.
var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:%/-]+$`)

// Adapter emulates the AWS Bedrock runtime and control-plane surfaces.
type Adapter struct {
	region      string
	endpointURL string
	signer      *v4.Signer
	now         func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEndpointURL routes both the runtime and control-plane calls to an
// alternate endpoint instead of the regional AWS hosts, e.g. a local mock.
func WithEndpointURL(raw string) Option {
	return func(a *Adapter) { a.endpointURL = strings.TrimRight(raw, "/") }
}

// New creates an adapter signing against the given AWS region.
func New(region string, opts ...Option) *Adapter {
	a := &Adapter{
		region: region,
		signer: v4.NewSigner(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Tag() string { return "bedrock" }

func (a *Adapter) Recognize(method, path string) (providers.Endpoint, error) {
	switch method {
	case http.MethodPost:
		rest, ok := strings.CutPrefix(path, "/model/")
		if !ok {
			return providers.Endpoint{}, providers.ErrUnknownEndpoint
		}
		if modelID, ok := strings.CutSuffix(rest, "/invoke"); ok && modelIDPattern.MatchString(modelID) {
			return providers.Endpoint{Kind: providers.KindInvoke, ModelID: modelID}, nil
		}
		if modelID, ok := strings.CutSuffix(rest, "/invoke-with-response-stream"); ok && modelIDPattern.MatchString(modelID) {
			return providers.Endpoint{
				Kind:      providers.KindInvokeStream,
				ModelID:   modelID,
				Streaming: true,
			}, nil
		}

	case http.MethodGet:
		switch path {
		case "/foundation-models":
			return providers.Endpoint{Kind: providers.KindListFoundation}, nil
		case "/custom-models":
			return providers.Endpoint{Kind: providers.KindListCustom}, nil
		}
	}
	return providers.Endpoint{}, providers.ErrUnknownEndpoint
}

func (a *Adapter) Normalize(body []byte) []byte {
	return providers.CanonicalJSON(body)
}

// UpstreamURL routes invoke paths to the runtime endpoint and model listing
// to the control plane.
func (a *Adapter) UpstreamURL(path, rawQuery string) (*url.URL, error) {
	if a.endpointURL != "" {
		return providers.JoinBaseURL(a.endpointURL, path, rawQuery)
	}
	host := fmt.Sprintf("bedrock.%s.amazonaws.com", a.region)
	if strings.HasPrefix(path, "/model/") {
		host = fmt.Sprintf("bedrock-runtime.%s.amazonaws.com", a.region)
	}
	return &url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     path,
		RawQuery: rawQuery,
	}, nil
}

// Authorize resolves the credential mode and, for custom-header credentials,
// SigV4-signs the outbound request. The raw credential headers never reach
// the upstream in either mode.
func (a *Adapter) Authorize(req *http.Request, body []byte) error {
	accessKey := req.Header.Get(headerAccessKey)
	secretKey := req.Header.Get(headerSecretKey)
	sessionToken := req.Header.Get(headerSessionToken)

	req.Header.Del(headerAccessKey)
	req.Header.Del(headerSecretKey)
	req.Header.Del(headerSessionToken)

	if accessKey != "" && secretKey != "" {
		return a.sign(req, body, aws.Credentials{
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
			SessionToken:    sessionToken,
		})
	}

	if strings.HasPrefix(req.Header.Get("Authorization"), "AWS4-HMAC-SHA256") {
		// Signed passthrough: the client already signed for the upstream
		// host. Forward the signature untouched.
		return nil
	}

	return &providers.AuthError{
		Message: "Bedrock requests need credentials: either set X-AWS-Access-Key and X-AWS-Secret-Key headers, or pre-sign the request for the upstream host",
	}
}

func (a *Adapter) sign(req *http.Request, body []byte, creds aws.Credentials) error {
	// A stale inbound signature must not survive into the re-signed request.
	req.Header.Del("Authorization")
	req.Header.Del("X-Amz-Date")
	req.Header.Del("X-Amz-Security-Token")
	req.Header.Del("X-Amz-Content-Sha256")

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	if err := a.signer.SignHTTP(req.Context(), creds, req, payloadHash, signingService, a.region, a.now().UTC()); err != nil {
		return fmt.Errorf("sigv4 signing: %w", err)
	}
	return nil
}
