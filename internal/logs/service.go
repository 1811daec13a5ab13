package logs

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rubberduck-proxy/rubberduck/internal/model"
	"github.com/rubberduck-proxy/rubberduck/internal/store"
)

// Metrics is the windowed per-proxy view served by the management API.
type Metrics struct {
	ProxyID       string  `json:"proxy_id,omitempty"`
	WindowMinutes int     `json:"window_minutes"`
	RequestCount  int64   `json:"request_count"`
	CacheHits     int64   `json:"cache_hits"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	ErrorCount    int64   `json:"error_count"`
	ErrorRate     float64 `json:"error_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P95LatencyMs  int64   `json:"p95_latency_ms"`
	P99LatencyMs  int64   `json:"p99_latency_ms"`
}

// Service bundles the read side of the audit trail.
type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Query returns filtered log entries, newest first.
func (s *Service) Query(f store.LogFilter) ([]model.LogEntry, error) {
	return s.store.QueryLogs(f)
}

// WindowMetrics aggregates the last window of traffic for one proxy, or for
// the whole fleet when proxyID is empty.
func (s *Service) WindowMetrics(proxyID string, window time.Duration) (Metrics, error) {
	agg, err := s.store.AggregateWindow(proxyID, time.Now().Add(-window))
	if err != nil {
		return Metrics{}, fmt.Errorf("aggregate window: %w", err)
	}

	m := Metrics{
		ProxyID:       proxyID,
		WindowMinutes: int(window.Minutes()),
		RequestCount:  agg.Count,
		CacheHits:     agg.CacheHits,
		ErrorCount:    agg.Errors,
		AvgLatencyMs:  agg.AvgLatencyMs,
		P95LatencyMs:  agg.P95LatencyMs,
		P99LatencyMs:  agg.P99LatencyMs,
	}
	if agg.Count > 0 {
		m.CacheHitRate = float64(agg.CacheHits) / float64(agg.Count)
		m.ErrorRate = float64(agg.Errors) / float64(agg.Count)
	}
	return m, nil
}

// csvHeader is the column order of CSV exports. Kept stable: downstream
// spreadsheets key on it.
var csvHeader = []string{
	"id", "timestamp", "proxy_id", "client_ip", "method", "path",
	"status_code", "latency_ms", "cache_hit", "prompt_hash",
	"upstream_bytes", "failure_type", "response_delay_ms",
	"token_usage", "cost",
}

// ExportCSV streams the filtered entries as CSV.
func (s *Service) ExportCSV(w io.Writer, f store.LogFilter) error {
	entries, err := s.store.QueryLogs(f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		rec := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.ProxyID,
			e.ClientIP,
			e.Method,
			e.Path,
			strconv.Itoa(e.StatusCode),
			strconv.FormatInt(e.LatencyMs, 10),
			strconv.FormatBool(e.CacheHit),
			e.PromptHash,
			strconv.FormatInt(e.UpstreamBytes, 10),
			string(e.FailureType),
			strconv.FormatInt(e.ResponseDelayMs, 10),
			strconv.Itoa(e.TokenUsage),
			strconv.FormatFloat(e.Cost, 'f', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportJSONL streams the filtered entries as JSON Lines, one entry per line.
func (s *Service) ExportJSONL(w io.Writer, f store.LogFilter) error {
	entries, err := s.store.QueryLogs(f)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
