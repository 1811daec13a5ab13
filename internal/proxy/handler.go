// Package proxy is the data plane: the HTTP handler behind every emulated
// provider listener.
//
// Each request runs the same pipeline: failure simulation, endpoint
// recognition, cache lookup, upstream forwarding with credential
// preparation, optional artificial delay, and finally audit logging.
//
// Key design constraints:
//   - Request and response bodies never touch the audit trail; only the
//     content hash does.
//   - Recorder, metrics and cache are nil-safe optional dependencies.
//   - Streaming responses are pass-through; they are never buffered or
//     cached.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rubberduck-proxy/rubberduck/internal/cache"
	"github.com/rubberduck-proxy/rubberduck/internal/failure"
	"github.com/rubberduck-proxy/rubberduck/internal/logs"
	"github.com/rubberduck-proxy/rubberduck/internal/metrics"
	"github.com/rubberduck-proxy/rubberduck/internal/model"
	"github.com/rubberduck-proxy/rubberduck/internal/providers"
	"github.com/rubberduck-proxy/rubberduck/pkg/apierr"
)

const (
	// CacheHeader marks replayed responses so clients can tell a cache hit
	// from live upstream traffic.
	CacheHeader = "X-Rubberduck-Cache"
	cacheHIT    = "HIT"
	cacheMISS   = "MISS"

	// statusClientClosed records client disconnects in the audit trail
	// (nginx convention; never sent on the wire).
	statusClientClosed = 499

	// maxBodyBytes caps inbound request bodies.
	maxBodyBytes = 16 << 20
)

// ProxySource yields the current proxy row. Config updates apply to running
// listeners, so the handler re-reads it on every request.
type ProxySource interface {
	Snapshot() *model.Proxy
}

// Options holds the optional dependencies of a Handler.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	Recorder *logs.Recorder
	Cache    *cache.Cache

	// UpstreamTimeout bounds non-streaming upstream calls. Default 30s.
	UpstreamTimeout time.Duration
}

// Handler serves all traffic for one proxy.
type Handler struct {
	source  ProxySource
	adapter providers.Adapter
	sim     *failure.Simulator
	client  *http.Client

	cache    *cache.Cache
	recorder *logs.Recorder
	metrics  *metrics.Registry
	log      *slog.Logger

	upstreamTimeout time.Duration
}

// NewHandler wires the pipeline for one proxy. client may be nil, in which
// case a default transport is used.
func NewHandler(source ProxySource, adapter providers.Adapter, sim *failure.Simulator, client *http.Client, opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		source:          source,
		adapter:         adapter,
		sim:             sim,
		client:          client,
		cache:           opts.Cache,
		recorder:        opts.Recorder,
		metrics:         opts.Metrics,
		log:             log,
		upstreamTimeout: timeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p := h.source.Snapshot()
	clientIP := remoteIP(r)

	entry := model.LogEntry{
		ProxyID:     p.ID,
		ClientIP:    clientIP,
		Method:      r.Method,
		Path:        r.URL.Path,
		FailureType: model.FailureNone,
	}

	if h.metrics != nil {
		h.metrics.IncInFlight(p.ID)
		defer h.metrics.DecInFlight(p.ID)
	}
	defer func() {
		entry.LatencyMs = time.Since(start).Milliseconds()
		h.record(entry)
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		entry.StatusCode = http.StatusBadRequest
		apierr.WriteHTTP(w, http.StatusBadRequest, "failed to read request body", apierr.TypeInvalidRequest)
		return
	}

	// 1. Failure simulation. A non-nil decision short-circuits the request;
	// an error means the client disconnected mid-hang.
	decision, err := h.sim.Evaluate(r.Context(), p, clientIP)
	if err != nil {
		entry.StatusCode = statusClientClosed
		entry.FailureType = model.FailureTimeout
		return
	}
	if decision != nil {
		entry.StatusCode = decision.StatusCode
		entry.FailureType = decision.Type
		if decision.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(decision.StatusCode)
		w.Write(decision.Body)
		return
	}

	// 2. Endpoint recognition.
	ep, err := h.adapter.Recognize(r.Method, r.URL.Path)
	if err != nil {
		entry.StatusCode = http.StatusNotFound
		apierr.WriteHTTP(w, http.StatusNotFound, "unknown endpoint for provider "+h.adapter.Tag(), apierr.TypeInvalidRequest)
		return
	}

	// 3. Cache lookup. Streamed endpoints bypass the cache entirely.
	var key string
	if h.cache != nil && !ep.Streaming {
		key = cache.Key(h.adapter.Tag(), ep.Kind, h.adapter.Normalize(body))
		entry.PromptHash = key

		if hit, ok := h.cache.Lookup(r.Context(), p.ID, key); ok {
			entry.CacheHit = true
			entry.StatusCode = hit.StatusCode
			entry.ResponseDelayMs = h.delay(r.Context(), p, true)

			for name, value := range hit.Headers {
				w.Header().Set(name, value)
			}
			w.Header().Set(CacheHeader, cacheHIT)
			w.WriteHeader(hit.StatusCode)
			w.Write(hit.Body)
			return
		}
	}

	// 4. Forward upstream.
	h.forward(w, r, p, ep, body, key, &entry)
}

// forward proxies the request to the real provider and relays the response,
// teeing cacheable responses into the cache.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, p *model.Proxy, ep providers.Endpoint, body []byte, key string, entry *model.LogEntry) {
	target, err := h.adapter.UpstreamURL(r.URL.Path, r.URL.RawQuery)
	if err != nil {
		entry.StatusCode = http.StatusBadGateway
		apierr.WriteHTTP(w, http.StatusBadGateway, "cannot resolve upstream: "+err.Error(), apierr.TypeServerError)
		return
	}

	// Non-streaming exchanges are detached from client cancellation: a 2xx
	// that completes after the client disconnects is still cached, so the
	// next identical request replays it. The timeout still bounds the call.
	ctx := r.Context()
	if !ep.Streaming {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(r.Context()), h.upstreamTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		entry.StatusCode = http.StatusBadGateway
		apierr.WriteHTTP(w, http.StatusBadGateway, "cannot build upstream request", apierr.TypeServerError)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Host = target.Host

	if err := h.adapter.Authorize(req, body); err != nil {
		var ae *providers.AuthError
		if errors.As(err, &ae) {
			entry.StatusCode = ae.HTTPStatus()
			apierr.WriteHTTP(w, ae.HTTPStatus(), ae.Message, apierr.TypeAuthenticationErr)
			return
		}
		entry.StatusCode = http.StatusBadGateway
		apierr.WriteHTTP(w, http.StatusBadGateway, "credential preparation failed", apierr.TypeServerError)
		return
	}

	upStart := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		status := http.StatusBadGateway
		msg := "upstream request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			msg = "upstream request timed out"
		}
		entry.StatusCode = status
		entry.FailureType = model.FailureUpstream
		h.log.Warn("upstream_error",
			slog.String("proxy_id", p.ID),
			slog.String("upstream", target.Host),
			slog.String("error", err.Error()),
		)
		apierr.WriteHTTP(w, status, msg, apierr.TypeServerError)
		return
	}
	defer resp.Body.Close()

	if h.metrics != nil {
		h.metrics.ObserveUpstream(p.Provider, resp.StatusCode, time.Since(upStart))
	}
	entry.StatusCode = resp.StatusCode

	if ep.Streaming || isEventStream(resp.Header) {
		h.stream(w, resp, p, entry)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		entry.StatusCode = http.StatusBadGateway
		apierr.WriteHTTP(w, http.StatusBadGateway, "failed to read upstream response", apierr.TypeServerError)
		return
	}
	entry.UpstreamBytes = int64(len(respBody))
	entry.TokenUsage = totalTokens(respBody)

	if h.cache != nil && key != "" && cache.Cacheable(resp.StatusCode, ep.Streaming) {
		h.cache.Store(ctx, &model.CacheEntry{
			ProxyID:    p.ID,
			Key:        key,
			StatusCode: resp.StatusCode,
			Headers:    storableHeaders(resp.Header),
			Body:       respBody,
			CreatedAt:  time.Now().UTC(),
		})
	}

	entry.ResponseDelayMs = h.delay(r.Context(), p, false)

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(CacheHeader, cacheMISS)
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// stream relays the upstream response incrementally, flushing after every
// chunk so SSE and Bedrock event streams arrive as they are produced.
func (h *Handler) stream(w http.ResponseWriter, resp *http.Response, p *model.Proxy, entry *model.LogEntry) {
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(CacheHeader, cacheMISS)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			written += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				h.log.Debug("stream_interrupted",
					slog.String("proxy_id", p.ID),
					slog.String("error", err.Error()),
				)
			}
			break
		}
	}
	entry.UpstreamBytes = written
}

// delay runs the post-response delay stage and reports the time actually
// waited in ms. A disconnect mid-delay yields the elapsed wait, not the
// full drawn duration.
func (h *Handler) delay(ctx context.Context, p *model.Proxy, cacheHit bool) int64 {
	d, _ := h.sim.Delay(ctx, p.Failure, cacheHit)
	return d.Milliseconds()
}

func (h *Handler) record(entry model.LogEntry) {
	if h.recorder != nil {
		h.recorder.Record(entry)
	}
	if h.metrics != nil {
		h.metrics.ObserveRequest(entry.ProxyID, entry.StatusCode, entry.CacheHit, string(entry.FailureType), time.Duration(entry.LatencyMs)*time.Millisecond)
	}
}

// hopHeaders are stripped in both directions (RFC 9110 §7.6.1).
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// storableHeaders lowercases and flattens response headers for cache rows.
// Hop-by-hop and length headers are recomputed at replay time.
func storableHeaders(src http.Header) map[string]string {
	out := make(map[string]string, len(src))
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if _, hop := hopHeaders[canonical]; hop {
			continue
		}
		if canonical == "Content-Length" || len(values) == 0 {
			continue
		}
		out[strings.ToLower(name)] = values[0]
	}
	return out
}

func isEventStream(hdr http.Header) bool {
	return strings.HasPrefix(hdr.Get("Content-Type"), "text/event-stream")
}

// totalTokens extracts usage.total_tokens from a JSON response body, when
// present. Vendors that report usage differently simply yield 0.
func totalTokens(body []byte) int {
	var v struct {
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0
	}
	return v.Usage.TotalTokens
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
