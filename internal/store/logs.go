package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rubberduck-proxy/rubberduck/internal/model"
)

// AppendLogs inserts a batch of log entries in one transaction. Individual
// row failures (duplicate ids) are skipped; the count of inserted rows is
// returned.
func (s *Store) AppendLogs(entries []model.LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("append logs: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO request_logs (
		id, ts_ms, proxy_id, client_ip, method, path,
		status_code, latency_ms, cache_hit, prompt_hash,
		upstream_bytes, failure_type, response_delay_ms, token_usage, cost
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("append logs: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range entries {
		e := &entries[i]
		hit := 0
		if e.CacheHit {
			hit = 1
		}
		res, err := stmt.Exec(
			e.ID, e.Timestamp.UnixMilli(), e.ProxyID, e.ClientIP, e.Method, e.Path,
			e.StatusCode, e.LatencyMs, hit, e.PromptHash,
			e.UpstreamBytes, string(e.FailureType), e.ResponseDelayMs, e.TokenUsage, e.Cost,
		)
		if err != nil {
			return inserted, fmt.Errorf("append logs: insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append logs: commit: %w", err)
	}
	return inserted, nil
}

// LogFilter narrows a QueryLogs scan. Zero values mean "no filter".
type LogFilter struct {
	ProxyID string
	// StatusClass filters by hundreds class: 2 matches 200-299, etc.
	StatusClass int
	// CacheHit filters on the cache_hit flag when non-nil.
	CacheHit *bool
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// QueryLogs range-scans request logs, newest first.
func (s *Store) QueryLogs(f LogFilter) ([]model.LogEntry, error) {
	var (
		conds []string
		args  []any
	)
	if f.ProxyID != "" {
		conds = append(conds, "proxy_id = ?")
		args = append(args, f.ProxyID)
	}
	if f.StatusClass != 0 {
		conds = append(conds, "status_code >= ? AND status_code < ?")
		args = append(args, f.StatusClass*100, (f.StatusClass+1)*100)
	}
	if f.CacheHit != nil {
		hit := 0
		if *f.CacheHit {
			hit = 1
		}
		conds = append(conds, "cache_hit = ?")
		args = append(args, hit)
	}
	if !f.From.IsZero() {
		conds = append(conds, "ts_ms >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts_ms <= ?")
		args = append(args, f.To.UnixMilli())
	}

	query := `SELECT id, ts_ms, proxy_id, client_ip, method, path,
		status_code, latency_ms, cache_hit, prompt_hash,
		upstream_bytes, failure_type, response_delay_ms, token_usage, cost
		FROM request_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts_ms DESC, id DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var (
			e           model.LogEntry
			tsMs        int64
			hit         int
			failureType string
		)
		if err := rows.Scan(&e.ID, &tsMs, &e.ProxyID, &e.ClientIP, &e.Method, &e.Path,
			&e.StatusCode, &e.LatencyMs, &hit, &e.PromptHash,
			&e.UpstreamBytes, &failureType, &e.ResponseDelayMs, &e.TokenUsage, &e.Cost,
		); err != nil {
			return nil, fmt.Errorf("query logs: scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(tsMs).UTC()
		e.CacheHit = hit == 1
		e.FailureType = model.FailureType(failureType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneLogsBefore deletes entries with a timestamp before cutoff and reports
// the number of rows removed.
func (s *Store) PruneLogsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM request_logs WHERE ts_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	return res.RowsAffected()
}

// WindowAggregate carries rolling-window metrics derived from request logs.
type WindowAggregate struct {
	Count        int64   `json:"count"`
	CacheHits    int64   `json:"cache_hits"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs int64   `json:"p95_latency_ms"`
	P99LatencyMs int64   `json:"p99_latency_ms"`
}

// AggregateWindow computes request metrics over [since, now] for one proxy,
// or across all proxies when proxyID is empty. Percentiles are computed in
// memory from the window's latencies; reads are O(entries in window).
func (s *Store) AggregateWindow(proxyID string, since time.Time) (WindowAggregate, error) {
	query := `SELECT latency_ms, cache_hit, status_code, failure_type
		FROM request_logs WHERE ts_ms >= ?`
	args := []any{since.UnixMilli()}
	if proxyID != "" {
		query += ` AND proxy_id = ?`
		args = append(args, proxyID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return WindowAggregate{}, fmt.Errorf("aggregate window: %w", err)
	}
	defer rows.Close()

	var (
		agg        WindowAggregate
		latencies  []int64
		latencySum int64
	)
	for rows.Next() {
		var (
			latency     int64
			hit         int
			status      int
			failureType string
		)
		if err := rows.Scan(&latency, &hit, &status, &failureType); err != nil {
			return WindowAggregate{}, fmt.Errorf("aggregate window: scan: %w", err)
		}
		agg.Count++
		latencySum += latency
		latencies = append(latencies, latency)
		if hit == 1 {
			agg.CacheHits++
		}
		if status >= 400 || failureType != string(model.FailureNone) {
			agg.Errors++
		}
	}
	if err := rows.Err(); err != nil {
		return WindowAggregate{}, err
	}

	if agg.Count > 0 {
		agg.AvgLatencyMs = float64(latencySum) / float64(agg.Count)
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		agg.P95LatencyMs = percentile(latencies, 95)
		agg.P99LatencyMs = percentile(latencies, 99)
	}
	return agg, nil
}

// CacheHitRate returns hits/total over [since, now] for one proxy.
// Returns 0 when the window is empty.
func (s *Store) CacheHitRate(proxyID string, since time.Time) (float64, error) {
	var total, hits int64
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(cache_hit), 0)
		FROM request_logs WHERE proxy_id=? AND ts_ms >= ?`,
		proxyID, since.UnixMilli(),
	).Scan(&total, &hits)
	if err != nil {
		return 0, fmt.Errorf("cache hit rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(hits) / float64(total), nil
}

// percentile picks the nearest-rank percentile from sorted values.
func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*pct + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
