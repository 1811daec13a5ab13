package failure

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rubberduck-proxy/rubberduck/internal/model"
	"github.com/rubberduck-proxy/rubberduck/internal/ratelimit"
)

func newTestSimulator(seed int64) *Simulator {
	return NewWithRand(ratelimit.NewRPMLimiter(), rand.New(rand.NewSource(seed)))
}

func testProxy(cfg model.FailureConfig) *model.Proxy {
	return &model.Proxy{
		ID:       "p1",
		OwnerID:  "o1",
		Name:     "test",
		Provider: "openai",
		Port:     8101,
		Failure:  cfg,
	}
}

func TestEvaluateAllStagesDisabled(t *testing.T) {
	s := newTestSimulator(1)
	d, err := s.Evaluate(context.Background(), testProxy(model.DefaultFailureConfig()), "1.2.3.4")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d != nil {
		t.Errorf("disabled pipeline produced decision %+v", d)
	}
}

func TestEvaluateIPBlocked(t *testing.T) {
	s := newTestSimulator(1)
	cfg := model.DefaultFailureConfig()
	cfg.IPFilteringEnabled = true
	cfg.IPBlocklist = []string{"10.0.0.0/8"}

	d, err := s.Evaluate(context.Background(), testProxy(cfg), "10.1.2.3")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d == nil || d.Type != model.FailureIPBlocked || d.StatusCode != http.StatusForbidden {
		t.Fatalf("decision = %+v, want 403 ip_blocked", d)
	}

	var env struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(d.Body, &env); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if env.Error.Type != "proxy_simulation" {
		t.Errorf("error type = %q", env.Error.Type)
	}
}

func TestEvaluateRateLimited(t *testing.T) {
	s := newTestSimulator(1)
	cfg := model.DefaultFailureConfig()
	cfg.RateLimitingEnabled = true
	cfg.RequestsPerMinute = 2

	ctx := context.Background()
	p := testProxy(cfg)
	for i := 0; i < 2; i++ {
		if d, _ := s.Evaluate(ctx, p, "1.2.3.4"); d != nil {
			t.Fatalf("request %d should pass, got %+v", i, d)
		}
	}

	d, err := s.Evaluate(ctx, p, "1.2.3.4")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d == nil || d.Type != model.FailureRateLimited || d.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("decision = %+v, want 429 rate_limited", d)
	}
	if d.RetryAfter != 60 {
		t.Errorf("RetryAfter = %d, want 60", d.RetryAfter)
	}
}

func TestEvaluateTimeoutFiniteHang(t *testing.T) {
	s := newTestSimulator(1)
	cfg := model.DefaultFailureConfig()
	cfg.TimeoutEnabled = true
	cfg.TimeoutRate = 1.0
	cfg.TimeoutSeconds = 0.05

	start := time.Now()
	d, err := s.Evaluate(context.Background(), testProxy(cfg), "1.2.3.4")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d == nil || d.Type != model.FailureTimeout || d.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("decision = %+v, want 504 timeout", d)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("timeout returned after %v, want ≥ 50ms hang", elapsed)
	}
}

func TestEvaluateTimeoutForeverUnblocksOnDisconnect(t *testing.T) {
	s := newTestSimulator(1)
	cfg := model.DefaultFailureConfig()
	cfg.TimeoutEnabled = true
	cfg.TimeoutRate = 1.0
	cfg.TimeoutSeconds = 0 // hang forever

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Evaluate(ctx, testProxy(cfg), "1.2.3.4")
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Evaluate returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("disconnect during an infinite hang should surface ctx.Err")
		}
	case <-time.After(time.Second):
		t.Fatal("Evaluate did not unblock after cancel")
	}
}

func TestEvaluateErrorInjectionRates(t *testing.T) {
	cfg := model.DefaultFailureConfig()
	cfg.ErrorInjectionEnabled = true
	cfg.ErrorRates = map[int]float64{500: 0.3}

	s := newTestSimulator(42)
	p := testProxy(cfg)

	const n = 2000
	injected := 0
	for i := 0; i < n; i++ {
		d, err := s.Evaluate(context.Background(), p, "1.2.3.4")
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d != nil {
			if d.StatusCode != 500 || d.Type != model.InjectedFailure(500) {
				t.Fatalf("unexpected decision %+v", d)
			}
			injected++
		}
	}

	rate := float64(injected) / n
	if rate < 0.25 || rate > 0.35 {
		t.Errorf("injection rate %.3f, want ≈ 0.30", rate)
	}
}

func TestEvaluateErrorInjectionCertain(t *testing.T) {
	cfg := model.DefaultFailureConfig()
	cfg.ErrorInjectionEnabled = true
	cfg.ErrorRates = map[int]float64{429: 0, 503: 1.0}

	s := newTestSimulator(7)
	d, err := s.Evaluate(context.Background(), testProxy(cfg), "1.2.3.4")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d == nil || d.StatusCode != 503 {
		t.Fatalf("decision = %+v, want injected 503", d)
	}
	if !strings.HasPrefix(string(d.Type), "injected_error_") {
		t.Errorf("failure type = %q", d.Type)
	}
}

func TestDelayBounds(t *testing.T) {
	s := newTestSimulator(9)
	cfg := model.DefaultFailureConfig()
	cfg.ResponseDelayEnabled = true
	cfg.ResponseDelayMinSeconds = 0.01
	cfg.ResponseDelayMaxSeconds = 0.03

	for i := 0; i < 20; i++ {
		d, err := s.Delay(context.Background(), cfg, false)
		if err != nil {
			t.Fatalf("Delay: %v", err)
		}
		if d < 10*time.Millisecond || d > 30*time.Millisecond {
			t.Errorf("delay %v outside [10ms, 30ms]", d)
		}
	}
}

func TestDelayCacheOnly(t *testing.T) {
	s := newTestSimulator(9)
	cfg := model.DefaultFailureConfig()
	cfg.ResponseDelayEnabled = true
	cfg.ResponseDelayCacheOnly = true
	cfg.ResponseDelayMinSeconds = 1
	cfg.ResponseDelayMaxSeconds = 2

	d, err := s.Delay(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("Delay: %v", err)
	}
	if d != 0 {
		t.Errorf("cache-only delay applied to a miss: %v", d)
	}
}

func TestDelayCancelledByDisconnect(t *testing.T) {
	s := newTestSimulator(9)
	cfg := model.DefaultFailureConfig()
	cfg.ResponseDelayEnabled = true
	cfg.ResponseDelayMinSeconds = 5
	cfg.ResponseDelayMaxSeconds = 5

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	waited, err := s.Delay(ctx, cfg, true)
	if err == nil {
		t.Error("cancelled delay should return ctx.Err")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("delay kept waiting %v after cancel", elapsed)
	}
	// The reported wait is the time actually spent, not the 5s that was drawn.
	if waited < 20*time.Millisecond || waited > time.Second {
		t.Errorf("reported wait = %v, want the elapsed ~20ms", waited)
	}
}

func TestDelayDisabled(t *testing.T) {
	s := newTestSimulator(9)
	d, err := s.Delay(context.Background(), model.DefaultFailureConfig(), true)
	if err != nil || d != 0 {
		t.Errorf("disabled delay: got (%v, %v)", d, err)
	}
}
