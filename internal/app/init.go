package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rubberduck-proxy/rubberduck/internal/api"
	rdcache "github.com/rubberduck-proxy/rubberduck/internal/cache"
	"github.com/rubberduck-proxy/rubberduck/internal/failure"
	"github.com/rubberduck-proxy/rubberduck/internal/lifecycle"
	"github.com/rubberduck-proxy/rubberduck/internal/logs"
	"github.com/rubberduck-proxy/rubberduck/internal/metrics"
	"github.com/rubberduck-proxy/rubberduck/internal/providers"
	anthropicprov "github.com/rubberduck-proxy/rubberduck/internal/providers/anthropic"
	azureprov "github.com/rubberduck-proxy/rubberduck/internal/providers/azure"
	bedrockprov "github.com/rubberduck-proxy/rubberduck/internal/providers/bedrock"
	openaicompatprov "github.com/rubberduck-proxy/rubberduck/internal/providers/openaicompat"
	vertexaiprov "github.com/rubberduck-proxy/rubberduck/internal/providers/vertexai"
	"github.com/rubberduck-proxy/rubberduck/internal/ratelimit"
	"github.com/rubberduck-proxy/rubberduck/internal/store"
)

// initStore opens (or creates) the SQLite database and runs pending
// migrations.
func (a *App) initStore(_ context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.cfg.DatabasePath, err)
	}
	a.db = db
	a.log.Info("database ready", slog.String("path", a.cfg.DatabasePath))
	return nil
}

// initProviders builds the adapter registry. Adapters are pure wire-shape
// translators and hold no credentials, so every provider is registered
// unconditionally — except Azure, whose deployment URLs cannot be derived
// without a resource endpoint. Base-URL overrides redirect an adapter at an
// alternate upstream, typically the local mock fleet under mock/providers.
func (a *App) initProviders(_ context.Context) error {
	var openaiOpts, deepseekOpts []openaicompatprov.Option
	if a.cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openaicompatprov.WithBaseURL(a.cfg.OpenAIBaseURL))
	}
	if a.cfg.DeepseekBaseURL != "" {
		deepseekOpts = append(deepseekOpts, openaicompatprov.WithBaseURL(a.cfg.DeepseekBaseURL))
	}

	var anthropicOpts []anthropicprov.Option
	if a.cfg.AnthropicBaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(a.cfg.AnthropicBaseURL))
	}

	var bedrockOpts []bedrockprov.Option
	if a.cfg.BedrockEndpointURL != "" {
		bedrockOpts = append(bedrockOpts, bedrockprov.WithEndpointURL(a.cfg.BedrockEndpointURL))
	}

	var vertexOpts []vertexaiprov.Option
	if a.cfg.VertexAIBaseURL != "" {
		vertexOpts = append(vertexOpts, vertexaiprov.WithBaseURL(a.cfg.VertexAIBaseURL))
	}

	adapters := []providers.Adapter{
		openaicompatprov.New("openai", "api.openai.com", openaiOpts...),
		openaicompatprov.New("deepseek", "api.deepseek.com", deepseekOpts...),
		anthropicprov.New(anthropicOpts...),
		bedrockprov.New(a.cfg.AWSRegion, bedrockOpts...),
		vertexaiprov.New(vertexOpts...),
	}

	if a.cfg.AzureEndpoint != "" {
		az, err := azureprov.New(a.cfg.AzureEndpoint)
		if err != nil {
			return fmt.Errorf("azure: %w", err)
		}
		adapters = append(adapters, az)
	} else {
		a.log.Info("azure provider disabled: AZURE_OPENAI_ENDPOINT not set")
	}

	a.registry = providers.NewRegistry(adapters...)
	a.log.Info("providers loaded", slog.Any("providers", a.registry.Tags()))
	return nil
}

// initServices creates the metrics registry, response cache, async request
// recorder, log retention job, and the failure simulator.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.cache = rdcache.New(a.db, a.log)
	a.recorder = logs.NewRecorder(a.db, a.log)
	a.logsSvc = logs.NewService(a.db)
	a.retention = logs.NewRetention(a.db, a.log, a.cfg.LogRetentionDays)

	a.limiter = ratelimit.NewRPMLimiter()
	a.sim = failure.New(a.limiter)

	// Shared upstream client. No client-level timeout: streaming responses
	// stay open indefinitely and non-streaming calls are bounded per request.
	a.upstream = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return nil
}

// initServer wires the proxy lifecycle manager and the management API server.
func (a *App) initServer(_ context.Context) error {
	a.manager = lifecycle.NewManager(a.db, a.registry, a.sim, a.upstream, a.cfg.Host, a.proxyOptions())

	a.mgmt = api.NewServer(api.Options{
		Store:       a.db,
		Manager:     a.manager,
		Cache:       a.cache,
		Logs:        a.logsSvc,
		Registry:    a.registry,
		Metrics:     a.prom,
		Logger:      a.log,
		Version:     a.version,
		CORSOrigins: a.cfg.CORSOrigins,
	})

	return nil
}
