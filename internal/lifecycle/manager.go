// Package lifecycle starts and stops the per-proxy HTTP listeners.
//
// Each running proxy owns one TCP listener on its configured port. The
// manager is the only writer of proxy status rows; the management API goes
// through it for every state change.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rubberduck-proxy/rubberduck/internal/failure"
	"github.com/rubberduck-proxy/rubberduck/internal/model"
	"github.com/rubberduck-proxy/rubberduck/internal/providers"
	"github.com/rubberduck-proxy/rubberduck/internal/proxy"
	"github.com/rubberduck-proxy/rubberduck/internal/store"
)

// shutdownGrace bounds how long Stop waits for in-flight requests,
// including deliberately hung ones, before forcing the listener closed.
const shutdownGrace = 35 * time.Second

// instance is one running proxy: its listener, server, and a live view of
// the proxy row that config updates swap atomically.
type instance struct {
	row      atomic.Pointer[model.Proxy]
	server   *http.Server
	listener net.Listener
}

// Snapshot returns the current proxy row for the request pipeline.
func (i *instance) Snapshot() *model.Proxy { return i.row.Load() }

// Manager supervises the data-plane listeners.
type Manager struct {
	store    *store.Store
	registry *providers.Registry
	sim      *failure.Simulator
	client   *http.Client
	opts     proxy.Options
	host     string
	log      *slog.Logger

	mu      sync.Mutex
	running map[string]*instance
}

func NewManager(st *store.Store, reg *providers.Registry, sim *failure.Simulator, client *http.Client, host string, opts proxy.Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:    st,
		registry: reg,
		sim:      sim,
		client:   client,
		opts:     opts,
		host:     host,
		log:      log,
		running:  make(map[string]*instance),
	}
}

// Start binds the proxy's port and begins serving. Starting an already
// running proxy is a no-op. A failed bind marks the proxy status "error".
func (m *Manager) Start(id string) (*model.Proxy, error) {
	p, err := m.store.GetProxy(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[id]; ok {
		return p, nil
	}

	adapter, err := m.registry.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(m.host, fmt.Sprintf("%d", p.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if serr := m.store.SetProxyStatus(id, model.StatusError); serr != nil {
			m.log.Error("status_update_failed", slog.String("proxy_id", id), slog.String("error", serr.Error()))
		}
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	inst := &instance{listener: ln}
	inst.row.Store(p)
	inst.server = &http.Server{
		Handler: proxy.NewHandler(inst, adapter, m.sim, m.client, m.opts),
	}

	go func() {
		if err := inst.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			m.log.Error("listener_failed",
				slog.String("proxy_id", id),
				slog.String("addr", addr),
				slog.String("error", err.Error()),
			)
			m.mu.Lock()
			delete(m.running, id)
			m.mu.Unlock()
			if serr := m.store.SetProxyStatus(id, model.StatusError); serr != nil {
				m.log.Error("status_update_failed", slog.String("proxy_id", id), slog.String("error", serr.Error()))
			}
		}
	}()

	m.running[id] = inst
	if err := m.store.SetProxyStatus(id, model.StatusRunning); err != nil {
		return nil, err
	}
	p.Status = model.StatusRunning

	m.log.Info("proxy_started",
		slog.String("proxy_id", id),
		slog.String("provider", p.Provider),
		slog.String("addr", addr),
	)
	return p, nil
}

// Stop gracefully shuts the proxy's listener down, releasing its port.
// Stopping a proxy that is not running is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) (*model.Proxy, error) {
	p, err := m.store.GetProxy(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	inst, ok := m.running[id]
	if ok {
		delete(m.running, id)
	}
	m.mu.Unlock()

	if ok {
		sctx, cancel := context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
		if err := inst.server.Shutdown(sctx); err != nil {
			// Hung requests past the grace period are cut off.
			inst.server.Close()
		}
		m.sim.Forget(id)
		m.log.Info("proxy_stopped", slog.String("proxy_id", id))
	}

	if err := m.store.SetProxyStatus(id, model.StatusStopped); err != nil {
		return nil, err
	}
	p.Status = model.StatusStopped
	return p, nil
}

// Update applies a changed proxy row to its running listener, if any.
// Failure config changes take effect on the next request.
func (m *Manager) Update(p *model.Proxy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.running[p.ID]; ok {
		inst.row.Store(p)
	}
}

// IsRunning reports whether the proxy currently holds a listener.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// RunningCount returns the number of live listeners.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// BootRecovery restarts every proxy that was running when the process last
// exited. Proxies whose port can no longer be bound are marked "error"; one
// bad proxy never blocks the rest.
func (m *Manager) BootRecovery() error {
	rows, err := m.store.ListProxiesByStatus(model.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running proxies: %w", err)
	}

	for _, p := range rows {
		if _, err := m.Start(p.ID); err != nil {
			m.log.Warn("boot_recovery_failed",
				slog.String("proxy_id", p.ID),
				slog.Int("port", p.Port),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// StopAll shuts every running listener down concurrently. Used at process
// shutdown; proxy rows keep status "running" so BootRecovery restores them.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	instances := make(map[string]*instance, len(m.running))
	for id, inst := range m.running {
		instances[id] = inst
	}
	m.running = make(map[string]*instance)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, inst := range instances {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, shutdownGrace)
			defer cancel()
			if err := inst.server.Shutdown(sctx); err != nil {
				inst.server.Close()
			}
			m.sim.Forget(id)
			return nil
		})
	}
	return g.Wait()
}
