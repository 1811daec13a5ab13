// Package failure implements the per-proxy failure simulation pipeline.
//
// Stages run in a fixed order before any upstream or cache work:
//
//  1. IP filtering   → 403
//  2. rate limiting  → 429 + Retry-After
//  3. timeout        → 504 after the configured hang, or hang forever
//  4. error injection → configured status code
//
// A separate post-response stage adds an artificial delay after the
// response body is ready.
package failure

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rubberduck-proxy/rubberduck/internal/model"
	"github.com/rubberduck-proxy/rubberduck/internal/ratelimit"
	"github.com/rubberduck-proxy/rubberduck/pkg/apierr"
)

// Decision is a simulated failure to be written to the client instead of
// proxying. A nil Decision means the request proceeds.
type Decision struct {
	Type       model.FailureType
	StatusCode int
	Body       []byte
	// RetryAfter is the Retry-After header value in seconds; 0 omits it.
	RetryAfter int
}

// Simulator evaluates each proxy's failure pipeline. Safe for concurrent
// use; the random source is guarded because *rand.Rand is not.
type Simulator struct {
	limiter *ratelimit.RPMLimiter

	mu  sync.Mutex
	rng *rand.Rand
}

func New(limiter *ratelimit.RPMLimiter) *Simulator {
	return NewWithRand(limiter, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRand injects the random source, which makes injection draws
// reproducible in tests.
func NewWithRand(limiter *ratelimit.RPMLimiter, rng *rand.Rand) *Simulator {
	return &Simulator{limiter: limiter, rng: rng}
}

func (s *Simulator) draw() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Evaluate runs the pre-response stages for one request. A non-nil Decision
// must be written to the client verbatim. The timeout stage blocks here, so
// Evaluate can return ctx.Err when the client disconnects mid-hang.
func (s *Simulator) Evaluate(ctx context.Context, proxy *model.Proxy, clientIP string) (*Decision, error) {
	cfg := proxy.Failure

	if cfg.IPFilteringEnabled && !ipAllowed(cfg.IPAllowlist, cfg.IPBlocklist, clientIP) {
		return &Decision{
			Type:       model.FailureIPBlocked,
			StatusCode: http.StatusForbidden,
			Body:       apierr.Body("request blocked by IP filter", apierr.TypeProxySimulation),
		}, nil
	}

	if cfg.RateLimitingEnabled && !s.limiter.Allow(proxy.ID, cfg.RequestsPerMinute) {
		return &Decision{
			Type:       model.FailureRateLimited,
			StatusCode: http.StatusTooManyRequests,
			Body:       apierr.Body("rate limit exceeded", apierr.TypeProxySimulation),
			RetryAfter: 60,
		}, nil
	}

	if cfg.TimeoutEnabled && s.draw() < cfg.TimeoutRate {
		if err := s.hang(ctx, cfg); err != nil {
			return nil, err
		}
		return &Decision{
			Type:       model.FailureTimeout,
			StatusCode: http.StatusGatewayTimeout,
			Body:       apierr.Body("request timed out", apierr.TypeProxySimulation),
		}, nil
	}

	if cfg.ErrorInjectionEnabled {
		if code, ok := s.drawError(cfg.ErrorRates); ok {
			return &Decision{
				Type:       model.InjectedFailure(code),
				StatusCode: code,
				Body: apierr.Body(
					fmt.Sprintf("injected error (status %d)", code),
					apierr.TypeProxySimulation,
				),
			}, nil
		}
	}

	return nil, nil
}

// hang blocks for the configured timeout duration, or until the client
// disconnects. TimeoutForever configs only return on disconnect.
func (s *Simulator) hang(ctx context.Context, cfg model.FailureConfig) error {
	if cfg.TimeoutForever() {
		<-ctx.Done()
		return ctx.Err()
	}

	timer := time.NewTimer(time.Duration(cfg.TimeoutSeconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drawError evaluates each configured status code in ascending order with
// an independent draw; the first hit wins. Ascending order makes the
// outcome deterministic for a given random sequence.
func (s *Simulator) drawError(rates map[int]float64) (int, bool) {
	codes := make([]int, 0, len(rates))
	for code := range rates {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	for _, code := range codes {
		if s.draw() < rates[code] {
			return code, true
		}
	}
	return 0, false
}

// Delay blocks for a uniformly random duration in the configured range and
// returns how long it actually waited. Cache-only configs delay only cache
// hits. The wait ends early when the client disconnects.
func (s *Simulator) Delay(ctx context.Context, cfg model.FailureConfig, cacheHit bool) (time.Duration, error) {
	if !cfg.ResponseDelayEnabled {
		return 0, nil
	}
	if cfg.ResponseDelayCacheOnly && !cacheHit {
		return 0, nil
	}

	min := cfg.ResponseDelayMinSeconds
	max := cfg.ResponseDelayMaxSeconds
	if max < min {
		return 0, nil
	}
	d := time.Duration((min + s.draw()*(max-min)) * float64(time.Second))
	if d <= 0 {
		return 0, nil
	}

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return d, nil
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	}
}

// Forget releases per-proxy limiter state when a proxy stops or is deleted.
func (s *Simulator) Forget(proxyID string) {
	s.limiter.Forget(proxyID)
}
