package model

import (
	"strings"
	"testing"
)

func TestDefaultFailureConfigIsValid(t *testing.T) {
	if v := DefaultFailureConfig().Validate(); len(v) != 0 {
		t.Errorf("default config has violations: %v", v)
	}
}

func TestFailureConfigValidate(t *testing.T) {
	valid := DefaultFailureConfig()

	tests := []struct {
		name       string
		mutate     func(*FailureConfig)
		wantSubstr []string
	}{
		{
			name:   "timeout rate above one",
			mutate: func(c *FailureConfig) { c.TimeoutRate = 1.5 },
			wantSubstr: []string{
				"timeout_rate",
			},
		},
		{
			name:   "negative timeout rate",
			mutate: func(c *FailureConfig) { c.TimeoutRate = -0.1 },
			wantSubstr: []string{
				"timeout_rate",
			},
		},
		{
			name:   "error code out of range",
			mutate: func(c *FailureConfig) { c.ErrorRates = map[int]float64{42: 0.5} },
			wantSubstr: []string{
				"status code 42",
			},
		},
		{
			name:   "error rate out of range",
			mutate: func(c *FailureConfig) { c.ErrorRates = map[int]float64{503: 2} },
			wantSubstr: []string{
				"error_rates[503]",
			},
		},
		{
			name: "rate limiting needs a positive rpm",
			mutate: func(c *FailureConfig) {
				c.RateLimitingEnabled = true
				c.RequestsPerMinute = 0
			},
			wantSubstr: []string{
				"requests_per_minute",
			},
		},
		{
			name:   "negative delay minimum",
			mutate: func(c *FailureConfig) { c.ResponseDelayMinSeconds = -1 },
			wantSubstr: []string{
				"response_delay_min_seconds",
			},
		},
		{
			name: "delay max below min",
			mutate: func(c *FailureConfig) {
				c.ResponseDelayMinSeconds = 5
				c.ResponseDelayMaxSeconds = 2
			},
			wantSubstr: []string{
				"response_delay_max_seconds",
			},
		},
		{
			name:   "delay max above cap",
			mutate: func(c *FailureConfig) { c.ResponseDelayMaxSeconds = 120 },
			wantSubstr: []string{
				"response_delay_max_seconds",
			},
		},
		{
			name: "every violation reported at once",
			mutate: func(c *FailureConfig) {
				c.TimeoutRate = 2
				c.ErrorRates = map[int]float64{42: -1}
				c.RateLimitingEnabled = true
				c.RequestsPerMinute = 0
			},
			wantSubstr: []string{
				"timeout_rate",
				"status code 42",
				"error_rates[42]",
				"requests_per_minute",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			got := c.Validate()
			if len(got) < len(tt.wantSubstr) {
				t.Fatalf("got %d violations %v, want at least %d", len(got), got, len(tt.wantSubstr))
			}
			joined := strings.Join(got, "\n")
			for _, want := range tt.wantSubstr {
				if !strings.Contains(joined, want) {
					t.Errorf("violations %v missing %q", got, want)
				}
			}
		})
	}
}

func TestTimeoutForever(t *testing.T) {
	c := DefaultFailureConfig()
	if c.TimeoutForever() {
		t.Error("default 30s timeout reported as forever")
	}
	c.TimeoutSeconds = 0
	if !c.TimeoutForever() {
		t.Error("zero timeout should hang forever")
	}
	c.TimeoutSeconds = -1
	if !c.TimeoutForever() {
		t.Error("negative timeout should hang forever")
	}
}

func TestInjectedFailure(t *testing.T) {
	if got := InjectedFailure(429); got != FailureType("injected_error_429") {
		t.Errorf("InjectedFailure(429) = %q", got)
	}
}
