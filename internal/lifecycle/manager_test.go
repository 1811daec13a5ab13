package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rubberduck-proxy/rubberduck/internal/failure"
	"github.com/rubberduck-proxy/rubberduck/internal/model"
	"github.com/rubberduck-proxy/rubberduck/internal/providers"
	"github.com/rubberduck-proxy/rubberduck/internal/providers/openaicompat"
	"github.com/rubberduck-proxy/rubberduck/internal/proxy"
	"github.com/rubberduck-proxy/rubberduck/internal/ratelimit"
	"github.com/rubberduck-proxy/rubberduck/internal/store"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := providers.NewRegistry(openaicompat.New("openai", "api.openai.com"))
	sim := failure.NewWithRand(ratelimit.NewRPMLimiter(), rand.New(rand.NewSource(1)))
	m := NewManager(st, reg, sim, nil, "127.0.0.1", proxy.Options{Logger: discard()})
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m, st
}

// freePort grabs an ephemeral port and immediately releases it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func createProxy(t *testing.T, st *store.Store, id string, port int) *model.Proxy {
	t.Helper()
	p := &model.Proxy{
		ID:        id,
		OwnerID:   "o1",
		Name:      "proxy-" + id,
		Provider:  "openai",
		Port:      port,
		Status:    model.StatusStopped,
		Failure:   model.DefaultFailureConfig(),
		CreatedAt: time.Now(),
	}
	if err := st.CreateProxy(p); err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	return p
}

func TestStartServesAndStopReleasesPort(t *testing.T) {
	m, st := newTestManager(t)
	port := freePort(t)
	createProxy(t, st, "p1", port)

	p, err := m.Start("p1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Status != model.StatusRunning {
		t.Errorf("status = %q, want running", p.Status)
	}
	if !m.IsRunning("p1") {
		t.Error("IsRunning should report true")
	}

	// The listener answers. An unrecognised path gets the 404 envelope,
	// which proves the request pipeline is live.
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/nope", port))
	if err != nil {
		t.Fatalf("proxy not reachable: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	if _, err := m.Stop(context.Background(), "p1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stored, err := st.GetProxy("p1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.StatusStopped {
		t.Errorf("stored status = %q, want stopped", stored.Status)
	}

	// Port is free again.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port still bound after Stop: %v", err)
	}
	ln.Close()
}

func TestStartIdempotent(t *testing.T) {
	m, st := newTestManager(t)
	port := freePort(t)
	createProxy(t, st, "p1", port)

	if _, err := m.Start("p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start("p1"); err != nil {
		t.Errorf("second Start should be a no-op, got %v", err)
	}
	if m.RunningCount() != 1 {
		t.Errorf("RunningCount = %d, want 1", m.RunningCount())
	}
}

func TestStartPortConflictMarksError(t *testing.T) {
	m, st := newTestManager(t)
	port := freePort(t)
	createProxy(t, st, "p1", port)

	// Occupy the port from outside.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if _, err := m.Start("p1"); err == nil {
		t.Fatal("Start should fail on a bound port")
	}

	stored, err := st.GetProxy("p1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.StatusError {
		t.Errorf("status = %q, want error", stored.Status)
	}
}

func TestStopNotRunningIsNoOp(t *testing.T) {
	m, st := newTestManager(t)
	createProxy(t, st, "p1", freePort(t))

	p, err := m.Stop(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Stop on a stopped proxy: %v", err)
	}
	if p.Status != model.StatusStopped {
		t.Errorf("status = %q", p.Status)
	}
}

func TestStartUnknownProxy(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Start("ghost"); err == nil {
		t.Error("Start on a missing proxy should fail")
	}
}

func TestBootRecovery(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	portA := freePort(t)
	portB := freePort(t)

	pa := createProxy(t, st, "pa", portA)
	createProxy(t, st, "pb", portB)

	// Simulate a previous process that died with pa running.
	if err := st.SetProxyStatus(pa.ID, model.StatusRunning); err != nil {
		t.Fatal(err)
	}

	reg := providers.NewRegistry(openaicompat.New("openai", "api.openai.com"))
	sim := failure.NewWithRand(ratelimit.NewRPMLimiter(), rand.New(rand.NewSource(1)))
	m := NewManager(st, reg, sim, nil, "127.0.0.1", proxy.Options{Logger: discard()})
	t.Cleanup(func() { m.StopAll(context.Background()) })

	if err := m.BootRecovery(); err != nil {
		t.Fatalf("BootRecovery: %v", err)
	}
	if !m.IsRunning("pa") {
		t.Error("pa should be restored")
	}
	if m.IsRunning("pb") {
		t.Error("pb was stopped and must stay stopped")
	}
}

func TestBootRecoveryToleratesBoundPort(t *testing.T) {
	m, st := newTestManager(t)
	port := freePort(t)
	p := createProxy(t, st, "p1", port)
	if err := st.SetProxyStatus(p.ID, model.StatusRunning); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if err := m.BootRecovery(); err != nil {
		t.Fatalf("BootRecovery should not fail outright: %v", err)
	}

	stored, _ := st.GetProxy("p1")
	if stored.Status != model.StatusError {
		t.Errorf("status = %q, want error", stored.Status)
	}
}

func TestUpdateAppliesToRunningListener(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	m, st := newTestManager(t)
	port := freePort(t)
	p := createProxy(t, st, "p1", port)

	if _, err := m.Start("p1"); err != nil {
		t.Fatal(err)
	}

	// Enable certain injection and push the update to the live listener.
	p.Failure.ErrorInjectionEnabled = true
	p.Failure.ErrorRates = map[int]float64{418: 1.0}
	if err := st.UpdateProxy(p); err != nil {
		t.Fatal(err)
	}
	m.Update(p)

	resp, err := http.Post(
		fmt.Sprintf("http://127.0.0.1:%d/v1/chat/completions", port),
		"application/json",
		strings.NewReader(`{"model":"gpt-4"}`),
	)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 418 {
		t.Errorf("status = %d, want injected 418", resp.StatusCode)
	}
}

func TestStopAll(t *testing.T) {
	m, st := newTestManager(t)
	for i, id := range []string{"a", "b", "c"} {
		createProxy(t, st, id, freePort(t))
		if _, err := m.Start(id); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if m.RunningCount() != 3 {
		t.Fatalf("RunningCount = %d", m.RunningCount())
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if m.RunningCount() != 0 {
		t.Errorf("RunningCount after StopAll = %d", m.RunningCount())
	}

	// StopAll keeps rows "running" so the next boot restores them.
	stored, err := st.GetProxy("a")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.StatusRunning {
		t.Errorf("status after StopAll = %q, want running for boot recovery", stored.Status)
	}
}
