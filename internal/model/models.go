// Package model defines the core domain types shared by the store, the
// proxy data plane, and the management API.
package model

import (
	"fmt"
	"sort"
	"time"
)

// ProxyStatus is the lifecycle state of a managed proxy listener.
type ProxyStatus string

const (
	StatusStopped ProxyStatus = "stopped"
	StatusRunning ProxyStatus = "running"
	StatusError   ProxyStatus = "error"
)

// Port auto-assignment range. The first free port in [PortRangeMin,
// PortRangeMax] is used when a proxy is created without an explicit port.
const (
	PortRangeMin = 8001
	PortRangeMax = 9999
)

// Proxy is one managed listener: a TCP port owned by a single principal,
// bound to a single upstream provider.
type Proxy struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	Name        string        `json:"name"`
	Provider    string        `json:"provider"`
	Port        int           `json:"port"`
	Status      ProxyStatus   `json:"status"`
	Description string        `json:"description,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Failure     FailureConfig `json:"failure_config"`
	CreatedAt   time.Time     `json:"created_at"`
}

// FailureConfig controls the failure-simulation pipeline of one proxy.
// The zero value is not valid; use DefaultFailureConfig.
type FailureConfig struct {
	TimeoutEnabled bool    `json:"timeout_enabled"`
	TimeoutRate    float64 `json:"timeout_rate"`
	// TimeoutSeconds is the injected hang duration. A value ≤ 0 means
	// "hang forever": never respond until the client disconnects.
	TimeoutSeconds float64 `json:"timeout_seconds"`

	ErrorInjectionEnabled bool `json:"error_injection_enabled"`
	// ErrorRates maps an HTTP status code to the independent probability of
	// injecting that code.
	ErrorRates map[int]float64 `json:"error_rates"`

	RateLimitingEnabled bool `json:"rate_limiting_enabled"`
	RequestsPerMinute   int  `json:"requests_per_minute"`

	IPFilteringEnabled bool     `json:"ip_filtering_enabled"`
	IPAllowlist        []string `json:"ip_allowlist"`
	IPBlocklist        []string `json:"ip_blocklist"`

	ResponseDelayEnabled    bool    `json:"response_delay_enabled"`
	ResponseDelayMinSeconds float64 `json:"response_delay_min_seconds"`
	ResponseDelayMaxSeconds float64 `json:"response_delay_max_seconds"`
	ResponseDelayCacheOnly  bool    `json:"response_delay_cache_only"`
}

// maxResponseDelaySeconds bounds the artificial response delay.
const maxResponseDelaySeconds = 30

// DefaultFailureConfig returns a config with every stage disabled.
func DefaultFailureConfig() FailureConfig {
	return FailureConfig{
		TimeoutSeconds:    30,
		RequestsPerMinute: 60,
		ErrorRates:        map[int]float64{},
	}
}

// Validate checks all semantic constraints. It returns every violation, not
// just the first, so the management API can surface a full field list.
func (c FailureConfig) Validate() []string {
	var violations []string

	if c.TimeoutRate < 0 || c.TimeoutRate > 1 {
		violations = append(violations,
			fmt.Sprintf("timeout_rate must be in [0,1], got %g", c.TimeoutRate))
	}

	codes := make([]int, 0, len(c.ErrorRates))
	for code := range c.ErrorRates {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		rate := c.ErrorRates[code]
		if code < 100 || code > 599 {
			violations = append(violations,
				fmt.Sprintf("error_rates: status code %d out of range [100,599]", code))
		}
		if rate < 0 || rate > 1 {
			violations = append(violations,
				fmt.Sprintf("error_rates[%d] must be in [0,1], got %g", code, rate))
		}
	}

	if c.RateLimitingEnabled && c.RequestsPerMinute < 1 {
		violations = append(violations,
			fmt.Sprintf("requests_per_minute must be ≥ 1, got %d", c.RequestsPerMinute))
	}

	if c.ResponseDelayMinSeconds < 0 {
		violations = append(violations,
			fmt.Sprintf("response_delay_min_seconds must be ≥ 0, got %g", c.ResponseDelayMinSeconds))
	}
	if c.ResponseDelayMaxSeconds < c.ResponseDelayMinSeconds {
		violations = append(violations,
			fmt.Sprintf("response_delay_max_seconds (%g) must be ≥ response_delay_min_seconds (%g)",
				c.ResponseDelayMaxSeconds, c.ResponseDelayMinSeconds))
	}
	if c.ResponseDelayMaxSeconds > maxResponseDelaySeconds {
		violations = append(violations,
			fmt.Sprintf("response_delay_max_seconds must be ≤ %d, got %g",
				maxResponseDelaySeconds, c.ResponseDelayMaxSeconds))
	}

	return violations
}

// TimeoutForever reports whether an injected timeout should hang until the
// client gives up rather than respond with 504 after a fixed duration.
func (c FailureConfig) TimeoutForever() bool {
	return c.TimeoutSeconds <= 0
}

// FailureType labels what, if anything, the simulator did to a request.
// Exactly one value is recorded per log entry.
type FailureType string

const (
	FailureNone        FailureType = "none"
	FailureTimeout     FailureType = "timeout"
	FailureRateLimited FailureType = "rate_limited"
	FailureIPBlocked   FailureType = "ip_blocked"
	FailureUpstream    FailureType = "upstream_error"
)

// InjectedFailure returns the failure type for an injected status code,
// e.g. injected_error_429.
func InjectedFailure(code int) FailureType {
	return FailureType(fmt.Sprintf("injected_error_%d", code))
}

// CacheEntry is one stored upstream response, scoped to a proxy.
// Only 2xx responses are ever stored.
type CacheEntry struct {
	ProxyID    string            `json:"proxy_id"`
	Key        string            `json:"key"` // 64 hex chars (SHA-256)
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"` // lowercased names
	Body       []byte            `json:"-"`
	CreatedAt  time.Time         `json:"created_at"`
}

// LogEntry is the per-request audit record. Request and response bodies are
// never stored; PromptHash carries the cache key hex only.
type LogEntry struct {
	ID              string      `json:"id"`
	Timestamp       time.Time   `json:"timestamp"`
	ProxyID         string      `json:"proxy_id"`
	ClientIP        string      `json:"client_ip"`
	Method          string      `json:"method"`
	Path            string      `json:"path"`
	StatusCode      int         `json:"status_code"`
	LatencyMs       int64       `json:"latency_ms"`
	CacheHit        bool        `json:"cache_hit"`
	PromptHash      string      `json:"prompt_hash,omitempty"`
	UpstreamBytes   int64       `json:"upstream_bytes"`
	FailureType     FailureType `json:"failure_type"`
	ResponseDelayMs int64       `json:"response_delay_ms"`
	TokenUsage      int         `json:"token_usage,omitempty"`
	Cost            float64     `json:"cost,omitempty"`
}
