package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/arcyd/internal/events"
	"github.com/mattjoyce/arcyd/internal/state"
	"github.com/mattjoyce/arcyd/internal/status"
)

type fakeStatus struct{ snap status.Snapshot }

func (f fakeStatus) Snapshot() status.Snapshot { return f.snap }

type fakeAudit struct {
	diffs     []state.DiffRecord
	passes    []state.PassRecord
	err       error
	lastRepo  string
	lastLimit int
}

func (f *fakeAudit) RecentDiffs(_ context.Context, repo string, limit int) ([]state.DiffRecord, error) {
	f.lastRepo, f.lastLimit = repo, limit
	return f.diffs, f.err
}

func (f *fakeAudit) RecentPasses(_ context.Context, limit int) ([]state.PassRecord, error) {
	f.lastLimit = limit
	return f.passes, f.err
}

func newTestServer(t *testing.T, apiKey string) (*Server, *fakeAudit, *events.Hub, *prometheus.Registry) {
	t.Helper()
	audit := &fakeAudit{}
	hub := events.NewHub(16)
	reg := prometheus.NewRegistry()
	src := fakeStatus{snap: status.Snapshot{
		Service: "arcyd",
		Phase:   status.PhaseSleeping,
		Repos: []status.RepoState{
			{Name: "alpha", Status: status.RepoOK},
			{Name: "beta", Status: status.RepoRetrying},
		},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{APIKey: apiKey}, src, audit, hub, reg, logger), audit, hub, reg
}

func get(t *testing.T, h http.Handler, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret")
	rec := get(t, s.Handler(), "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "sleeping", resp.Phase)
	assert.Equal(t, 2, resp.Repos)
	assert.Equal(t, 1, resp.FailingRepos)
}

func TestHealthzStopped(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")
	s.status = fakeStatus{snap: status.Snapshot{Phase: status.PhaseStopped}}

	rec := get(t, s.Handler(), "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthRequiredWhenKeyConfigured(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret")
	h := s.Handler()

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"right", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, get(t, h, "/status", tt.key).Code)
		})
	}
}

func TestNoAuthWithoutKey(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/status", "").Code)
}

func TestStatus(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")
	rec := get(t, s.Handler(), "/status", "")

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "arcyd", snap.Service)
	assert.Len(t, snap.Repos, 2)
}

func TestDiffs(t *testing.T) {
	s, audit, _, _ := newTestServer(t, "")
	audit.diffs = []state.DiffRecord{{ID: "d1", Repo: "alpha", Branch: "origin/r/master/x", Outcome: state.DiffUploaded}}

	rec := get(t, s.Handler(), "/diffs?repo=alpha&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DiffsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Diffs, 1)
	assert.Equal(t, "d1", resp.Diffs[0].ID)
	assert.Equal(t, "alpha", audit.lastRepo)
	assert.Equal(t, 5, audit.lastLimit)
}

func TestListLimits(t *testing.T) {
	s, audit, _, _ := newTestServer(t, "")
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/passes?limit=zero", "").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/diffs?limit=-1", "").Code)

	require.Equal(t, http.StatusOK, get(t, h, "/passes?limit=100000", "").Code)
	assert.Equal(t, maxListLimit, audit.lastLimit)
	require.Equal(t, http.StatusOK, get(t, h, "/passes", "").Code)
	assert.Equal(t, defaultListLimit, audit.lastLimit)
}

func TestAuditErrorIs500(t *testing.T) {
	s, audit, _, _ := newTestServer(t, "")
	audit.err = errors.New("db gone")
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/passes", "").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, s.Handler(), "/diffs", "").Code)
}

func TestMetrics(t *testing.T) {
	s, _, _, reg := newTestServer(t, "")
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "arcyd_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := get(t, s.Handler(), "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "arcyd_test_total 1")
}

func TestOpenAPI(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret")
	rec := get(t, s.Handler(), "/openapi.json", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	paths := doc["paths"].(map[string]any)
	for _, rt := range routes {
		assert.Contains(t, paths, rt.path)
	}
	diffs := paths["/diffs"].(map[string]any)["get"].(map[string]any)
	assert.Contains(t, diffs, "security")
	healthz := paths["/healthz"].(map[string]any)["get"].(map[string]any)
	assert.NotContains(t, healthz, "security")
}

func TestEventsReplaysBufferedEvents(t *testing.T) {
	s, _, hub, _ := newTestServer(t, "")
	hub.Publish(events.PassStarted, map[string]any{"pass_id": "p1"})
	hub.Publish(events.PassFinished, map[string]any{"pass_id": "p1"})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimRight(line, "\n"))
	}
	assert.Equal(t, []string{"id: 2", "event: pass.finished", `data: {"pass_id":"p1"}`}, lines)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("x"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(7), parseLastEventID("7"))
}
