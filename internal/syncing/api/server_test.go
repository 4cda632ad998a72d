package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/infra/storage/memory"
	"github.com/vietddude/catalogsync/internal/syncing/pipeline"
)

// =============================================================================
// Mocks
// =============================================================================

type stubSyncer struct {
	startErr error
	startID  string
	gotStore string
	gotOpts  pipeline.Options

	statuses  map[string]domain.RunStatus
	cancelErr error
}

func (s *stubSyncer) StartSync(_ context.Context, storeID string, opts pipeline.Options) (string, error) {
	s.gotStore = storeID
	s.gotOpts = opts
	return s.startID, s.startErr
}

func (s *stubSyncer) GetStatus(_ context.Context, runID string) (domain.RunStatus, error) {
	st, ok := s.statuses[runID]
	if !ok {
		return domain.RunStatus{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return st, nil
}

func (s *stubSyncer) Cancel(runID string) error { return s.cancelErr }

func (s *stubSyncer) Runs() []domain.RunStatus {
	out := make([]domain.RunStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	return out
}

func newTestServer(t *testing.T, syncer *stubSyncer, checks ...Check) (*httptest.Server, *memory.RunRepo) {
	t.Helper()
	runs := memory.NewRunRepo(memory.NewMemoryStorage())
	monitor := NewMonitor(func() int { return len(syncer.statuses) }, checks...)
	srv := httptest.NewServer(NewServer(syncer, runs, monitor, 0).Handler())
	t.Cleanup(srv.Close)
	return srv, runs
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// =============================================================================
// Tests
// =============================================================================

func TestStartSync_Accepted(t *testing.T) {
	syncer := &stubSyncer{startID: "run-1"}
	srv, _ := newTestServer(t, syncer)

	body := `{"classifyProducts":true,"generateEmbeddings":true,"concurrency":3,"batchSize":7,"timeout":"90s"}`
	resp, err := http.Post(srv.URL+"/v1/stores/shop-1/syncs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "run-1", decode[startSyncResponse](t, resp).RunID)

	assert.Equal(t, "shop-1", syncer.gotStore)
	assert.True(t, syncer.gotOpts.ClassifyProducts)
	assert.True(t, syncer.gotOpts.GenerateEmbeddings)
	assert.False(t, syncer.gotOpts.DescribeProducts)
	assert.Equal(t, 3, syncer.gotOpts.Concurrency)
	assert.Equal(t, 7, syncer.gotOpts.BatchSize)
	assert.Equal(t, 90*time.Second, syncer.gotOpts.Timeout)
}

func TestStartSync_EmptyBodyUsesDefaults(t *testing.T) {
	syncer := &stubSyncer{startID: "run-1"}
	srv, _ := newTestServer(t, syncer)

	resp, err := http.Post(srv.URL+"/v1/stores/shop-1/syncs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, pipeline.Options{}, syncer.gotOpts)
}

func TestStartSync_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		runID    string
		wantCode int
	}{
		{name: "active run", err: domain.ErrRunActive, wantCode: http.StatusConflict},
		{name: "invalid options", err: domain.ErrInvalidOptions, runID: "failed-1", wantCode: http.StatusBadRequest},
		{name: "unknown store", err: domain.ErrStoreUnknown, runID: "failed-2", wantCode: http.StatusNotFound},
		{name: "shutting down", err: pipeline.ErrShuttingDown, wantCode: http.StatusServiceUnavailable},
		{name: "unexpected", err: errors.New("boom"), wantCode: http.StatusInternalServerError},
		{name: "malformed body", body: `{"concurrency":`, wantCode: http.StatusBadRequest},
		{name: "bad timeout", body: `{"timeout":"soon"}`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubSyncer{startID: tt.runID, startErr: tt.err})

			resp, err := http.Post(srv.URL+"/v1/stores/shop-1/syncs", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.StatusCode)

			got := decode[errorResponse](t, resp)
			assert.NotEmpty(t, got.Error)
			assert.Equal(t, tt.runID, got.RunID)
		})
	}
}

func TestGetSync(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	syncer := &stubSyncer{statuses: map[string]domain.RunStatus{
		"run-1": {
			RunID:      "run-1",
			StoreID:    "shop-1",
			State:      domain.RunRunning,
			Processed:  4,
			Total:      10,
			ErrorCount: 1,
			CostUSD:    decimal.RequireFromString("0.12"),
			StartedAt:  started,
		},
	}}
	srv, _ := newTestServer(t, syncer)

	resp, err := http.Get(srv.URL + "/v1/syncs/run-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[map[string]any](t, resp)
	assert.Equal(t, "run-1", got["runId"])
	assert.Equal(t, "running", got["status"])
	assert.EqualValues(t, 4, got["processed"])
	assert.EqualValues(t, 10, got["total"])
	assert.EqualValues(t, 1, got["errorCount"])
	assert.Equal(t, "0.12", got["costUSD"])
	assert.NotContains(t, got, "endedAt")

	resp, err = http.Get(srv.URL + "/v1/syncs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelSync(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "accepted", wantCode: http.StatusAccepted},
		{name: "unknown", err: domain.ErrRunNotFound, wantCode: http.StatusNotFound},
		{name: "terminal", err: domain.ErrRunTerminal, wantCode: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubSyncer{cancelErr: tt.err})

			resp, err := http.Post(srv.URL+"/v1/syncs/run-1/cancel", "application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}
}

func TestListSyncs(t *testing.T) {
	srv, runs := newTestServer(t, &stubSyncer{})
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, runs.SaveSummary(context.Background(), domain.RunSummary{
			RunID:     fmt.Sprintf("r%d", i),
			StoreID:   "shop-1",
			State:     domain.RunCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			EndedAt:   base.Add(time.Duration(i)*time.Hour + time.Minute),
		}))
	}

	resp, err := http.Get(srv.URL + "/v1/stores/shop-1/syncs?limit=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[[]domain.RunSummary](t, resp)
	require.Len(t, got, 2)
	assert.Equal(t, "r2", got[0].RunID)

	resp, err = http.Get(srv.URL + "/v1/stores/other/syncs")
	require.NoError(t, err)
	assert.Empty(t, decode[[]domain.RunSummary](t, resp))

	resp, err = http.Get(srv.URL + "/v1/stores/shop-1/syncs?limit=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus SystemStatus
	}{
		{
			name:       "healthy",
			checks:     []Check{{Name: "catalog", Critical: true, Probe: func(context.Context) error { return nil }}},
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
		{
			name: "degraded",
			checks: []Check{
				{Name: "catalog", Critical: true, Probe: func(context.Context) error { return nil }},
				{Name: "redis", Probe: func(context.Context) error { return errors.New("dial tcp: refused") }},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
		{
			name: "critical",
			checks: []Check{
				{Name: "catalog", Critical: true, Probe: func(context.Context) error { return errors.New("down") }},
				{Name: "redis", Probe: func(context.Context) error { return errors.New("down") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubSyncer{}, tt.checks...)

			resp, err := http.Get(srv.URL + "/health")
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			report := decode[HealthReport](t, resp)
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Len(t, report.Components, len(tt.checks))
		})
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	calls := 0
	m := NewMonitor(nil, Check{Name: "catalog", Probe: func(context.Context) error {
		calls++
		return nil
	}})

	m.CheckHealth(context.Background())
	m.CheckHealth(context.Background())
	assert.Equal(t, 1, calls)

	m.minAge = 0
	m.CheckHealth(context.Background())
	assert.Equal(t, 2, calls)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubSyncer{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
