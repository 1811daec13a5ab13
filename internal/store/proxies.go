package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rubberduck-proxy/rubberduck/internal/model"
)

const proxyColumns = `id, owner_id, name, provider, port, status, description, tags_json, failure_json, created_at_ms`

// CreateProxy inserts a new proxy row. Returns ErrConflict when the port is
// already claimed by another proxy.
func (s *Store) CreateProxy(p *model.Proxy) error {
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("create proxy: marshal tags: %w", err)
	}
	failure, err := json.Marshal(p.Failure)
	if err != nil {
		return fmt.Errorf("create proxy: marshal failure config: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO proxies (`+proxyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Name, p.Provider, p.Port, string(p.Status),
		p.Description, string(tags), string(failure), p.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("port %d: %w", p.Port, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create proxy: %w", err)
	}
	return nil
}

// GetProxy looks up a proxy by id.
func (s *Store) GetProxy(id string) (*model.Proxy, error) {
	row := s.db.QueryRow(`SELECT `+proxyColumns+` FROM proxies WHERE id = ?`, id)
	return scanProxy(row)
}

// GetProxyByPort looks up a proxy by its listener port.
func (s *Store) GetProxyByPort(port int) (*model.Proxy, error) {
	row := s.db.QueryRow(`SELECT `+proxyColumns+` FROM proxies WHERE port = ?`, port)
	return scanProxy(row)
}

// ListProxies returns all proxies belonging to owner, newest first.
// An empty owner lists every proxy (used by boot recovery).
func (s *Store) ListProxies(ownerID string) ([]*model.Proxy, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxies ORDER BY created_at_ms DESC`
	args := []any{}
	if ownerID != "" {
		query = `SELECT ` + proxyColumns + ` FROM proxies WHERE owner_id = ? ORDER BY created_at_ms DESC`
		args = append(args, ownerID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var out []*model.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListProxiesByStatus returns all proxies in the given status.
func (s *Store) ListProxiesByStatus(status model.ProxyStatus) ([]*model.Proxy, error) {
	rows, err := s.db.Query(
		`SELECT `+proxyColumns+` FROM proxies WHERE status = ? ORDER BY created_at_ms`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list proxies by status: %w", err)
	}
	defer rows.Close()

	var out []*model.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProxy persists mutable proxy fields (name, port, description, tags,
// failure config). Returns ErrConflict if the new port collides.
func (s *Store) UpdateProxy(p *model.Proxy) error {
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("update proxy: marshal tags: %w", err)
	}
	failure, err := json.Marshal(p.Failure)
	if err != nil {
		return fmt.Errorf("update proxy: marshal failure config: %w", err)
	}

	res, err := s.db.Exec(
		`UPDATE proxies SET name=?, port=?, description=?, tags_json=?, failure_json=? WHERE id=?`,
		p.Name, p.Port, p.Description, string(tags), string(failure), p.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("port %d: %w", p.Port, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update proxy: %w", err)
	}
	return requireRow(res)
}

// SetProxyStatus persists a status transition.
func (s *Store) SetProxyStatus(id string, status model.ProxyStatus) error {
	res, err := s.db.Exec(`UPDATE proxies SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set proxy status: %w", err)
	}
	return requireRow(res)
}

// DeleteProxy removes a proxy row along with its cache entries. The caller
// must ensure the proxy is stopped first.
func (s *Store) DeleteProxy(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete proxy: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM cache_entries WHERE proxy_id=?`, id); err != nil {
		return fmt.Errorf("delete proxy cache: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM proxies WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// NextFreePort returns the first port in [model.PortRangeMin,
// model.PortRangeMax] not claimed by any proxy.
func (s *Store) NextFreePort() (int, error) {
	rows, err := s.db.Query(
		`SELECT port FROM proxies WHERE port BETWEEN ? AND ? ORDER BY port`,
		model.PortRangeMin, model.PortRangeMax)
	if err != nil {
		return 0, fmt.Errorf("next free port: %w", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return 0, fmt.Errorf("next free port: scan: %w", err)
		}
		used[p] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for p := model.PortRangeMin; p <= model.PortRangeMax; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free port in %d-%d: %w", model.PortRangeMin, model.PortRangeMax, ErrConflict)
}

// CountByStatus returns the number of proxies in the given status.
func (s *Store) CountByStatus(status model.ProxyStatus) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM proxies WHERE status=?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count proxies: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProxy(row rowScanner) (*model.Proxy, error) {
	var (
		p         model.Proxy
		status    string
		tagsJSON  string
		failJSON  string
		createdMs int64
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Provider, &p.Port, &status,
		&p.Description, &tagsJSON, &failJSON, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan proxy: %w", err)
	}

	p.Status = model.ProxyStatus(status)
	p.CreatedAt = time.UnixMilli(createdMs).UTC()
	if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
		return nil, fmt.Errorf("scan proxy: tags: %w", err)
	}
	if err := json.Unmarshal([]byte(failJSON), &p.Failure); err != nil {
		return nil, fmt.Errorf("scan proxy: failure config: %w", err)
	}
	return &p, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
