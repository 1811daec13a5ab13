// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore     — SQLite database (migrations run on open)
//  2. initProviders — provider adapter registry
//  3. initServices  — metrics, cache, log recorder, failure simulator
//  4. initServer    — proxy lifecycle manager + management API
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rubberduck-proxy/rubberduck/internal/api"
	rdcache "github.com/rubberduck-proxy/rubberduck/internal/cache"
	"github.com/rubberduck-proxy/rubberduck/internal/config"
	"github.com/rubberduck-proxy/rubberduck/internal/failure"
	"github.com/rubberduck-proxy/rubberduck/internal/lifecycle"
	"github.com/rubberduck-proxy/rubberduck/internal/logs"
	"github.com/rubberduck-proxy/rubberduck/internal/metrics"
	"github.com/rubberduck-proxy/rubberduck/internal/providers"
	"github.com/rubberduck-proxy/rubberduck/internal/proxy"
	"github.com/rubberduck-proxy/rubberduck/internal/ratelimit"
	"github.com/rubberduck-proxy/rubberduck/internal/store"
)

// stopAllTimeout bounds the drain of every running proxy listener at shutdown.
// Slightly above the per-listener grace so one slow proxy cannot starve the
// others.
const stopAllTimeout = 40 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	db       *store.Store
	registry *providers.Registry

	prom      *metrics.Registry
	cache     *rdcache.Cache
	recorder  *logs.Recorder
	logsSvc   *logs.Service
	retention *logs.Retention
	limiter   *ratelimit.RPMLimiter
	sim       *failure.Simulator
	upstream  *http.Client

	manager *lifecycle.Manager
	mgmt    *api.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the management API, restores previously running proxies, and
// blocks until ctx is cancelled or the server fails. Proxy listeners are
// drained gracefully when returning; their rows keep status "running" so the
// next boot restores them.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	a.log.Info("starting rubberduck",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("db", a.cfg.DatabasePath),
		slog.Int("providers", len(a.registry.Tags())),
	)

	if err := a.retention.Start(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	if err := a.manager.BootRecovery(); err != nil {
		// Individual proxy failures are recorded on their rows; this only
		// fires when the store itself is unreadable.
		a.log.Error("boot recovery failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.mgmt.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()

		if err := a.mgmt.Shutdown(); err != nil {
			a.log.Error("management shutdown error", slog.String("error", err.Error()))
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
		defer cancel()
		if err := a.manager.StopAll(stopCtx); err != nil {
			a.log.Error("proxy drain error", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.retention != nil {
		a.retention.Stop()
		a.retention = nil
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("recorder close error", slog.String("error", err.Error()))
		}
		a.recorder = nil
	}
	if a.upstream != nil {
		a.upstream.CloseIdleConnections()
		a.upstream = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
}

// proxyOptions assembles the per-request dependencies shared by every proxy
// listener the lifecycle manager spawns.
func (a *App) proxyOptions() proxy.Options {
	return proxy.Options{
		Logger:          a.log,
		Metrics:         a.prom,
		Recorder:        a.recorder,
		Cache:           a.cache,
		UpstreamTimeout: a.cfg.UpstreamTimeout,
	}
}
