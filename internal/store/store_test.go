package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rubberduck-proxy/rubberduck/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProxy(name string, port int) *model.Proxy {
	return &model.Proxy{
		ID:        uuid.NewString(),
		OwnerID:   "default",
		Name:      name,
		Provider:  "openai",
		Port:      port,
		Status:    model.StatusStopped,
		Tags:      []string{"test"},
		Failure:   model.DefaultFailureConfig(),
		CreatedAt: time.Now().UTC(),
	}
}

func TestProxyRoundTrip(t *testing.T) {
	s := openTestStore(t)

	p := testProxy("round-trip", 8101)
	p.Description = "created in test"
	p.Failure.ErrorRates = map[int]float64{503: 0.25}

	if err := s.CreateProxy(p); err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}

	got, err := s.GetProxy(p.ID)
	if err != nil {
		t.Fatalf("GetProxy: %v", err)
	}
	if got.Name != p.Name || got.Port != p.Port || got.Provider != p.Provider {
		t.Errorf("got %+v, want %+v", got, p)
	}
	if got.Failure.ErrorRates[503] != 0.25 {
		t.Errorf("failure config not preserved: %+v", got.Failure)
	}
	if got.Status != model.StatusStopped {
		t.Errorf("status = %q, want stopped", got.Status)
	}

	byPort, err := s.GetProxyByPort(8101)
	if err != nil {
		t.Fatalf("GetProxyByPort: %v", err)
	}
	if byPort.ID != p.ID {
		t.Errorf("GetProxyByPort returned %s, want %s", byPort.ID, p.ID)
	}
}

func TestGetProxyNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetProxy("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProxy error = %v, want ErrNotFound", err)
	}
	if err := s.SetProxyStatus("no-such-id", model.StatusRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetProxyStatus error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteProxy("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteProxy error = %v, want ErrNotFound", err)
	}
}

func TestPortUniqueness(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateProxy(testProxy("first", 8102)); err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}
	err := s.CreateProxy(testProxy("second", 8102))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate port error = %v, want ErrConflict", err)
	}

	// Update onto an occupied port conflicts the same way.
	other := testProxy("third", 8103)
	if err := s.CreateProxy(other); err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}
	other.Port = 8102
	if err := s.UpdateProxy(other); !errors.Is(err, ErrConflict) {
		t.Errorf("UpdateProxy onto occupied port error = %v, want ErrConflict", err)
	}
}

func TestNextFreePort(t *testing.T) {
	s := openTestStore(t)

	got, err := s.NextFreePort()
	if err != nil {
		t.Fatalf("NextFreePort: %v", err)
	}
	if got != model.PortRangeMin {
		t.Errorf("empty store: NextFreePort = %d, want %d", got, model.PortRangeMin)
	}

	// Occupy the first two ports; the gap after them is next.
	for i := 0; i < 2; i++ {
		if err := s.CreateProxy(testProxy(fmt.Sprintf("p%d", i), model.PortRangeMin+i)); err != nil {
			t.Fatalf("CreateProxy: %v", err)
		}
	}
	got, err = s.NextFreePort()
	if err != nil {
		t.Fatalf("NextFreePort: %v", err)
	}
	if got != model.PortRangeMin+2 {
		t.Errorf("NextFreePort = %d, want %d", got, model.PortRangeMin+2)
	}

	// A hole left by a lower port wins over the tail.
	byPort, err := s.GetProxyByPort(model.PortRangeMin)
	if err != nil {
		t.Fatalf("GetProxyByPort: %v", err)
	}
	if err := s.DeleteProxy(byPort.ID); err != nil {
		t.Fatalf("DeleteProxy: %v", err)
	}
	got, err = s.NextFreePort()
	if err != nil {
		t.Fatalf("NextFreePort: %v", err)
	}
	if got != model.PortRangeMin {
		t.Errorf("NextFreePort = %d, want freed port %d", got, model.PortRangeMin)
	}
}

func TestListProxiesScopedByOwner(t *testing.T) {
	s := openTestStore(t)

	mine := testProxy("mine", 8104)
	theirs := testProxy("theirs", 8105)
	theirs.OwnerID = "someone-else"

	for _, p := range []*model.Proxy{mine, theirs} {
		if err := s.CreateProxy(p); err != nil {
			t.Fatalf("CreateProxy: %v", err)
		}
	}

	got, err := s.ListProxies("default")
	if err != nil {
		t.Fatalf("ListProxies: %v", err)
	}
	if len(got) != 1 || got[0].ID != mine.ID {
		t.Errorf("owner-scoped list = %d entries, want only %q", len(got), mine.Name)
	}

	all, err := s.ListProxies("")
	if err != nil {
		t.Fatalf("ListProxies(all): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("unscoped list = %d entries, want 2", len(all))
	}
}

func TestStatusTransitionsAndCounts(t *testing.T) {
	s := openTestStore(t)

	p := testProxy("status", 8106)
	if err := s.CreateProxy(p); err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}
	if err := s.SetProxyStatus(p.ID, model.StatusRunning); err != nil {
		t.Fatalf("SetProxyStatus: %v", err)
	}

	running, err := s.ListProxiesByStatus(model.StatusRunning)
	if err != nil {
		t.Fatalf("ListProxiesByStatus: %v", err)
	}
	if len(running) != 1 || running[0].ID != p.ID {
		t.Errorf("running list = %v", running)
	}

	n, err := s.CountByStatus(model.StatusRunning)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if n != 1 {
		t.Errorf("CountByStatus(running) = %d, want 1", n)
	}
	n, _ = s.CountByStatus(model.StatusStopped)
	if n != 0 {
		t.Errorf("CountByStatus(stopped) = %d, want 0", n)
	}
}

func TestDeleteProxyRemovesCacheEntries(t *testing.T) {
	s := openTestStore(t)

	p := testProxy("with-cache", 8107)
	if err := s.CreateProxy(p); err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}
	entry := &model.CacheEntry{
		ProxyID:    p.ID,
		Key:        "aa11",
		StatusCode: 200,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       []byte(`{"ok":true}`),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.UpsertCacheEntry(entry); err != nil {
		t.Fatalf("UpsertCacheEntry: %v", err)
	}

	if err := s.DeleteProxy(p.ID); err != nil {
		t.Fatalf("DeleteProxy: %v", err)
	}
	if _, err := s.GetCacheEntry(p.ID, "aa11"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cache entry survived proxy deletion: err = %v", err)
	}
}

func TestCacheEntryUpsertOverwrites(t *testing.T) {
	s := openTestStore(t)

	first := &model.CacheEntry{
		ProxyID:    "px",
		Key:        "k1",
		StatusCode: 200,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       []byte("first"),
		CreatedAt:  time.Now().UTC(),
	}
	second := *first
	second.Body = []byte("second")

	if err := s.UpsertCacheEntry(first); err != nil {
		t.Fatalf("UpsertCacheEntry: %v", err)
	}
	if err := s.UpsertCacheEntry(&second); err != nil {
		t.Fatalf("UpsertCacheEntry overwrite: %v", err)
	}

	got, err := s.GetCacheEntry("px", "k1")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if string(got.Body) != "second" {
		t.Errorf("body = %q, want last write", got.Body)
	}

	stats, err := s.GetCacheStats("px")
	if err != nil {
		t.Fatalf("GetCacheStats: %v", err)
	}
	if stats.Entries != 1 || stats.BytesTotal != int64(len("second")) {
		t.Errorf("stats = %+v, want 1 entry of %d bytes", stats, len("second"))
	}
}

func TestQueryLogsFilters(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	hit := true
	entries := []model.LogEntry{
		{ID: "a", Timestamp: now.Add(-3 * time.Minute), ProxyID: "p1", Method: "POST", Path: "/v1/chat/completions", StatusCode: 200, LatencyMs: 10, CacheHit: true, FailureType: model.FailureNone},
		{ID: "b", Timestamp: now.Add(-2 * time.Minute), ProxyID: "p1", Method: "POST", Path: "/v1/chat/completions", StatusCode: 503, LatencyMs: 5, FailureType: model.InjectedFailure(503)},
		{ID: "c", Timestamp: now.Add(-1 * time.Minute), ProxyID: "p2", Method: "POST", Path: "/v1/messages", StatusCode: 200, LatencyMs: 30, FailureType: model.FailureNone},
	}
	if n, err := s.AppendLogs(entries); err != nil || n != 3 {
		t.Fatalf("AppendLogs = %d, %v", n, err)
	}

	tests := []struct {
		name    string
		filter  LogFilter
		wantIDs []string
	}{
		{"all newest first", LogFilter{}, []string{"c", "b", "a"}},
		{"by proxy", LogFilter{ProxyID: "p1"}, []string{"b", "a"}},
		{"by status class", LogFilter{StatusClass: 5}, []string{"b"}},
		{"by cache hit", LogFilter{CacheHit: &hit}, []string{"a"}},
		{"by time range", LogFilter{From: now.Add(-90 * time.Second)}, []string{"c"}},
		{"limit and offset", LogFilter{Limit: 1, Offset: 1}, []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryLogs(tt.filter)
			if err != nil {
				t.Fatalf("QueryLogs: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if got[i].ID != want {
					t.Errorf("entry[%d] = %s, want %s", i, got[i].ID, want)
				}
			}
		})
	}
}

func TestAppendLogsIgnoresDuplicateIDs(t *testing.T) {
	s := openTestStore(t)

	e := model.LogEntry{ID: "dup", Timestamp: time.Now().UTC(), ProxyID: "p1", StatusCode: 200, FailureType: model.FailureNone}
	if n, err := s.AppendLogs([]model.LogEntry{e, e}); err != nil || n != 1 {
		t.Fatalf("AppendLogs = %d, %v; want 1 inserted", n, err)
	}
	got, err := s.QueryLogs(LogFilter{ProxyID: "p1"})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("stored %d rows, want 1 after duplicate id", len(got))
	}
}

func TestAggregateWindow(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	entries := []model.LogEntry{
		{ID: "w1", Timestamp: now.Add(-time.Minute), ProxyID: "p1", StatusCode: 200, LatencyMs: 10, CacheHit: true, FailureType: model.FailureNone},
		{ID: "w2", Timestamp: now.Add(-time.Minute), ProxyID: "p1", StatusCode: 200, LatencyMs: 20, FailureType: model.FailureNone},
		{ID: "w3", Timestamp: now.Add(-time.Minute), ProxyID: "p1", StatusCode: 504, LatencyMs: 60, FailureType: model.FailureTimeout},
		// Outside the window.
		{ID: "w4", Timestamp: now.Add(-2 * time.Hour), ProxyID: "p1", StatusCode: 200, LatencyMs: 999, FailureType: model.FailureNone},
	}
	if _, err := s.AppendLogs(entries); err != nil {
		t.Fatalf("AppendLogs: %v", err)
	}

	agg, err := s.AggregateWindow("p1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("AggregateWindow: %v", err)
	}
	if agg.Count != 3 || agg.CacheHits != 1 || agg.Errors != 1 {
		t.Errorf("agg = %+v, want count 3, hits 1, errors 1", agg)
	}
	if agg.AvgLatencyMs != 30 {
		t.Errorf("avg latency = %g, want 30", agg.AvgLatencyMs)
	}
	if agg.P95LatencyMs != 60 {
		t.Errorf("p95 = %d, want 60", agg.P95LatencyMs)
	}

	rate, err := s.CacheHitRate("p1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CacheHitRate: %v", err)
	}
	if want := 1.0 / 3.0; rate != want {
		t.Errorf("hit rate = %g, want %g", rate, want)
	}
}

func TestPruneLogsBefore(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	entries := []model.LogEntry{
		{ID: "old", Timestamp: now.Add(-48 * time.Hour), ProxyID: "p1", StatusCode: 200, FailureType: model.FailureNone},
		{ID: "new", Timestamp: now, ProxyID: "p1", StatusCode: 200, FailureType: model.FailureNone},
	}
	if _, err := s.AppendLogs(entries); err != nil {
		t.Fatalf("AppendLogs: %v", err)
	}

	n, err := s.PruneLogsBefore(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneLogsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	got, _ := s.QueryLogs(LogFilter{ProxyID: "p1"})
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("remaining = %v, want only the fresh row", got)
	}
}
