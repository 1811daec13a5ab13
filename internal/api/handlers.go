package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/rubberduck-proxy/rubberduck/internal/model"
	"github.com/rubberduck-proxy/rubberduck/internal/store"
	"github.com/rubberduck-proxy/rubberduck/pkg/apierr"
)

const defaultOwner = "default"

// ownerID identifies the calling principal. Authentication happens upstream
// of this API; the header is trusted as-is.
func ownerID(ctx *fasthttp.RequestCtx) string {
	if v := string(ctx.Request.Header.Peek("X-Owner-ID")); v != "" {
		return v
	}
	return defaultOwner
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

// loadOwned fetches a proxy and enforces ownership. A proxy owned by
// someone else reads as 404, never 403, so IDs don't leak.
func (s *Server) loadOwned(ctx *fasthttp.RequestCtx, id string) (*model.Proxy, bool) {
	p, err := s.store.GetProxy(id)
	if err != nil {
		s.writeStoreError(ctx, err)
		return nil, false
	}
	if p.OwnerID != ownerID(ctx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "proxy not found", apierr.TypeNotFound, apierr.CodeNotFound)
		return nil, false
	}
	return p, true
}

func (s *Server) writeStoreError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, "proxy not found", apierr.TypeNotFound, apierr.CodeNotFound)
	case errors.Is(err, store.ErrConflict):
		apierr.Write(ctx, fasthttp.StatusConflict, "conflicting resource", apierr.TypeConflict, apierr.CodeConflict)
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "internal error", apierr.TypeServerError, apierr.CodeInternalError)
	}
}

// ── Health ────────────────────────────────────────────────────────────────────

func (s *Server) handleHealthz(ctx *fasthttp.RequestCtx) {
	overall, dbStatus := "ok", "ok"
	status := fasthttp.StatusOK
	if err := s.store.Ping(); err != nil {
		overall, dbStatus = "degraded", "unreachable"
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, map[string]any{
		"status":              overall,
		"version":             s.version,
		"db_status":           dbStatus,
		"running_proxy_count": s.manager.RunningCount(),
	})
}

// ── Proxy CRUD ────────────────────────────────────────────────────────────────

type createProxyRequest struct {
	Name        string   `json:"name"`
	Provider    string   `json:"provider"`
	Port        int      `json:"port"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

func (s *Server) handleListProxies(ctx *fasthttp.RequestCtx) {
	list, err := s.store.ListProxies(ownerID(ctx))
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"proxies": list})
}

func (s *Server) handleCreateProxy(ctx *fasthttp.RequestCtx) {
	var req createProxyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Name == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'name' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if _, err := s.registry.Get(req.Provider); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("unknown provider %q", req.Provider), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	port := req.Port
	if port == 0 {
		free, err := s.store.NextFreePort()
		if err != nil {
			s.writeStoreError(ctx, err)
			return
		}
		port = free
	}
	if port < model.PortRangeMin || port > model.PortRangeMax {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("port must be in [%d,%d]", model.PortRangeMin, model.PortRangeMax),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	p := &model.Proxy{
		ID:          uuid.NewString(),
		OwnerID:     ownerID(ctx),
		Name:        req.Name,
		Provider:    req.Provider,
		Port:        port,
		Status:      model.StatusStopped,
		Description: req.Description,
		Tags:        req.Tags,
		Failure:     model.DefaultFailureConfig(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateProxy(p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			apierr.Write(ctx, fasthttp.StatusConflict,
				fmt.Sprintf("port %d is already in use", port), apierr.TypeConflict, apierr.CodeConflict)
			return
		}
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, p)
}

func (s *Server) handleGetProxy(ctx *fasthttp.RequestCtx) {
	p, ok := s.loadOwned(ctx, pathParam(ctx, "id"))
	if !ok {
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, p)
}

type updateProxyRequest struct {
	Name        *string   `json:"name"`
	Port        *int      `json:"port"`
	Description *string   `json:"description"`
	Tags        *[]string `json:"tags"`
}

func (s *Server) handleUpdateProxy(ctx *fasthttp.RequestCtx) {
	p, ok := s.loadOwned(ctx, pathParam(ctx, "id"))
	if !ok {
		return
	}

	var req updateProxyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Port != nil && *req.Port != p.Port {
		if s.manager.IsRunning(p.ID) {
			apierr.Write(ctx, fasthttp.StatusConflict,
				"cannot change the port of a running proxy", apierr.TypeConflict, apierr.CodeConflict)
			return
		}
		if *req.Port < model.PortRangeMin || *req.Port > model.PortRangeMax {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("port must be in [%d,%d]", model.PortRangeMin, model.PortRangeMax),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		p.Port = *req.Port
	}
	if req.Name != nil {
		if *req.Name == "" {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'name' must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Tags != nil {
		p.Tags = *req.Tags
	}

	if err := s.store.UpdateProxy(p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			apierr.Write(ctx, fasthttp.StatusConflict,
				fmt.Sprintf("port %d is already in use", p.Port), apierr.TypeConflict, apierr.CodeConflict)
			return
		}
		s.writeStoreError(ctx, err)
		return
	}
	s.manager.Update(p)
	writeJSON(ctx, fasthttp.StatusOK, p)
}

func (s *Server) handleDeleteProxy(ctx *fasthttp.RequestCtx) {
	p, ok := s.loadOwned(ctx, pathParam(ctx, "id"))
	if !ok {
		return
	}
	if s.manager.IsRunning(p.ID) {
		apierr.Write(ctx, fasthttp.StatusConflict,
			"proxy is running; stop it before deleting", apierr.TypeConflict, apierr.CodeConflict)
		return
	}
	if err := s.store.DeleteProxy(p.ID); err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func (s *Server) handleStartProxy(ctx *fasthttp.RequestCtx) {
	p, ok := s.loadOwned(ctx, pathParam(ctx, "id"))
	if !ok {
		return
	}
	started, err := s.manager.Start(p.ID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusConflict,
			"failed to start proxy: "+err.Error(), apierr.TypeConflict, apierr.CodeConflict)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, started)
}

func (s *Server) handleStopProxy(ctx *fasthttp.RequestCtx) {
	p, ok := s.loadOwned(ctx, pathParam(ctx, "id"))
	if !ok {
		return
	}
	stopped, err := s.manager.Stop(ctx, p.ID)
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, stopped)
}

// ── Failure config ────────────────────────────────────────────────────────────

func (s *Server) handleGetFailureConfig(ctx *fasthttp.RequestCtx) {
	p, ok := s.loadOwned(ctx, pathParam(ctx, "id"))
	if !ok {
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, p.Failure)
}

func (s *Server) handlePutFailureConfig(ctx *fasthttp.RequestCtx) {
	p, ok := s.loadOwned(ctx, pathParam(ctx, "id"))
	if !ok {
		return
	}

	cfg := model.DefaultFailureConfig()
	if err := json.Unmarshal(ctx.PostBody(), &cfg); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if violations := cfg.Validate(); len(violations) > 0 {
		writeJSON(ctx, fasthttp.StatusBadRequest, map[string]any{
			"error": map[string]string{
				"message": "invalid failure config",
				"type":    apierr.TypeInvalidRequest,
				"code":    apierr.CodeInvalidRequest,
			},
			"violations": violations,
		})
		return
	}

	p.Failure = cfg
	if err := s.store.UpdateProxy(p); err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	s.manager.Update(p)
	writeJSON(ctx, fasthttp.StatusOK, p.Failure)
}

func (s *Server) handleResetFailureConfig(ctx *fasthttp.RequestCtx) {
	p, ok := s.loadOwned(ctx, pathParam(ctx, "id"))
	if !ok {
		return
	}
	p.Failure = model.DefaultFailureConfig()
	if err := s.store.UpdateProxy(p); err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	s.manager.Update(p)
	writeJSON(ctx, fasthttp.StatusOK, p.Failure)
}

// ── Cache administration ──────────────────────────────────────────────────────

func (s *Server) handleCacheStats(ctx *fasthttp.RequestCtx) {
	p, ok := s.loadOwned(ctx, pathParam(ctx, "proxy_id"))
	if !ok {
		return
	}
	stats, err := s.cache.Stats(p.ID)
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	hitRate, err := s.store.CacheHitRate(p.ID, time.Now().Add(-time.Hour))
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"proxy_id":     p.ID,
		"entries":      stats.Entries,
		"bytes_total":  stats.BytesTotal,
		"hit_rate_60m": hitRate,
	})
}

func (s *Server) handleCacheInvalidate(ctx *fasthttp.RequestCtx) {
	p, ok := s.loadOwned(ctx, pathParam(ctx, "proxy_id"))
	if !ok {
		return
	}
	n, err := s.cache.Invalidate(p.ID)
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"invalidated": n})
}

func (s *Server) handleCacheInvalidateAll(ctx *fasthttp.RequestCtx) {
	n, err := s.cache.InvalidateAll()
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"invalidated": n})
}

// ── Logs and dashboard ────────────────────────────────────────────────────────

func (s *Server) handleLogs(ctx *fasthttp.RequestCtx) {
	f, err := logFilterFromQuery(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	switch string(ctx.QueryArgs().Peek("export")) {
	case "csv":
		ctx.SetContentType("text/csv")
		ctx.Response.Header.Set("Content-Disposition", `attachment; filename="request_logs.csv"`)
		if err := s.logs.ExportCSV(ctx, f); err != nil {
			s.writeStoreError(ctx, err)
		}
	case "json":
		ctx.SetContentType("application/x-ndjson")
		ctx.Response.Header.Set("Content-Disposition", `attachment; filename="request_logs.jsonl"`)
		if err := s.logs.ExportJSONL(ctx, f); err != nil {
			s.writeStoreError(ctx, err)
		}
	case "":
		entries, err := s.logs.Query(f)
		if err != nil {
			s.writeStoreError(ctx, err)
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"logs": entries})
	default:
		apierr.Write(ctx, fasthttp.StatusBadRequest, "export must be csv or json", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	}
}

func logFilterFromQuery(ctx *fasthttp.RequestCtx) (store.LogFilter, error) {
	args := ctx.QueryArgs()
	f := store.LogFilter{
		ProxyID: string(args.Peek("proxy_id")),
	}

	if v := args.Peek("status_code"); len(v) > 0 {
		code, err := fasthttp.ParseUint(v)
		if err != nil || code < 100 || code > 599 {
			return f, fmt.Errorf("status_code must be a three-digit HTTP status")
		}
		f.StatusClass = code / 100
	}
	if v := args.Peek("cache_hit"); len(v) > 0 {
		hit := string(v) == "true"
		f.CacheHit = &hit
	}
	if v := args.Peek("from"); len(v) > 0 {
		t, err := time.Parse(time.RFC3339, string(v))
		if err != nil {
			return f, fmt.Errorf("from must be RFC 3339")
		}
		f.From = t
	}
	if v := args.Peek("to"); len(v) > 0 {
		t, err := time.Parse(time.RFC3339, string(v))
		if err != nil {
			return f, fmt.Errorf("to must be RFC 3339")
		}
		f.To = t
	}
	if v := args.Peek("limit"); len(v) > 0 {
		n, err := fasthttp.ParseUint(v)
		if err != nil {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = n
	}
	if v := args.Peek("offset"); len(v) > 0 {
		n, err := fasthttp.ParseUint(v)
		if err != nil {
			return f, fmt.Errorf("offset must be a positive integer")
		}
		f.Offset = n
	}
	return f, nil
}

func (s *Server) handleProviders(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"providers": s.registry.Tags()})
}

// dashboardWindows are the aggregation windows the dashboard can request.
var dashboardWindows = map[string]time.Duration{
	"minute": time.Minute,
	"15m":    15 * time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

func (s *Server) handleDashboardMetrics(ctx *fasthttp.RequestCtx) {
	name := "hour"
	if v := ctx.QueryArgs().Peek("window"); len(v) > 0 {
		name = string(v)
	}
	dur, ok := dashboardWindows[name]
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "window must be one of: minute, 15m, hour, day", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	window, err := s.logs.WindowMetrics("", dur)
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}

	counts := make(map[string]int, 3)
	for _, st := range []model.ProxyStatus{model.StatusRunning, model.StatusStopped, model.StatusError} {
		n, err := s.store.CountByStatus(st)
		if err != nil {
			s.writeStoreError(ctx, err)
			return
		}
		counts[string(st)] = n
		if s.metrics != nil {
			s.metrics.SetProxyCount(string(st), n)
		}
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"proxies":   counts,
		"window":    name,
		"traffic":   window,
		"listeners": s.manager.RunningCount(),
	})
}

func (s *Server) handleRecentActivity(ctx *fasthttp.RequestCtx) {
	limit := 20
	if v := ctx.QueryArgs().Peek("limit"); len(v) > 0 {
		n, err := fasthttp.ParseUint(v)
		if err != nil || n < 1 {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "limit must be a positive integer", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		limit = n
	}

	entries, err := s.logs.Query(store.LogFilter{Limit: limit})
	if err != nil {
		s.writeStoreError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"activity": entries})
}
