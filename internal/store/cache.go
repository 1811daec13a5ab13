package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rubberduck-proxy/rubberduck/internal/model"
)

// UpsertCacheEntry stores or overwrites the entry at (proxy_id, key).
// Concurrent writers for the same key resolve last-writer-wins.
func (s *Store) UpsertCacheEntry(e *model.CacheEntry) error {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("upsert cache entry: marshal headers: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO cache_entries (proxy_id, key, status_code, headers_json, body, created_at_ms)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (proxy_id, key) DO UPDATE SET
			status_code   = excluded.status_code,
			headers_json  = excluded.headers_json,
			body          = excluded.body,
			created_at_ms = excluded.created_at_ms`,
		e.ProxyID, e.Key, e.StatusCode, string(headers), e.Body, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// GetCacheEntry returns the entry at (proxy_id, key), or ErrNotFound.
func (s *Store) GetCacheEntry(proxyID, key string) (*model.CacheEntry, error) {
	var (
		e           model.CacheEntry
		headersJSON string
		createdMs   int64
	)
	err := s.db.QueryRow(`
		SELECT proxy_id, key, status_code, headers_json, body, created_at_ms
		FROM cache_entries WHERE proxy_id=? AND key=?`, proxyID, key,
	).Scan(&e.ProxyID, &e.Key, &e.StatusCode, &headersJSON, &e.Body, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}

	e.CreatedAt = time.UnixMilli(createdMs).UTC()
	if err := json.Unmarshal([]byte(headersJSON), &e.Headers); err != nil {
		return nil, fmt.Errorf("get cache entry: headers: %w", err)
	}
	return &e, nil
}

// DeleteCacheEntries removes every entry for one proxy and reports the count.
func (s *Store) DeleteCacheEntries(proxyID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE proxy_id=?`, proxyID)
	if err != nil {
		return 0, fmt.Errorf("delete cache entries: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAllCacheEntries clears the cache across all proxies and reports the count.
func (s *Store) DeleteAllCacheEntries() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("delete all cache entries: %w", err)
	}
	return res.RowsAffected()
}

// CacheStats summarises one proxy's cache footprint.
type CacheStats struct {
	Entries    int64 `json:"entries"`
	BytesTotal int64 `json:"bytes_total"`
}

// GetCacheStats returns entry count and total body bytes for a proxy.
func (s *Store) GetCacheStats(proxyID string) (CacheStats, error) {
	var st CacheStats
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(LENGTH(body)), 0)
		FROM cache_entries WHERE proxy_id=?`, proxyID,
	).Scan(&st.Entries, &st.BytesTotal)
	if err != nil {
		return st, fmt.Errorf("cache stats: %w", err)
	}
	return st, nil
}
