package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/mpt/internal/di"
	"github.com/aristath/mpt/internal/metrics"
	"github.com/aristath/mpt/internal/modules/history"
	"github.com/aristath/mpt/internal/modules/optimization"
	testingpkg "github.com/aristath/mpt/internal/testing"
)

func newTestContainer(t *testing.T, withDB bool) *di.Container {
	t.Helper()
	container := &di.Container{Metrics: metrics.New()}
	container.OptimizerService = optimization.NewOptimizerService(
		optimization.ServiceOptions{}, container.Metrics, zerolog.Nop(),
	)

	if withDB {
		db, cleanup := testingpkg.NewTestDB(t, "history")
		t.Cleanup(cleanup)
		container.HistoryDB = db
		container.HistoryRepo = history.NewHistoryDB(db.Conn(), zerolog.Nop())
		container.PriceRepository = container.HistoryRepo
	}
	return container
}

func newTestServer(t *testing.T, container *di.Container) http.Handler {
	t.Helper()
	return New(Config{
		Log:       zerolog.Nop(),
		Port:      0,
		DevMode:   true,
		Container: container,
	}).Handler()
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandleHealth(t *testing.T) {
	t.Run("healthy database", func(t *testing.T) {
		handler := newTestServer(t, newTestContainer(t, true))

		w := get(t, handler, "/health")
		require.Equal(t, http.StatusOK, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "ok", resp.Database)
		assert.NotEmpty(t, resp.Uptime)
	})

	t.Run("no database", func(t *testing.T) {
		handler := newTestServer(t, newTestContainer(t, false))

		w := get(t, handler, "/health")
		require.Equal(t, http.StatusOK, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "disabled", resp.Database)
	})

	t.Run("closed database", func(t *testing.T) {
		container := newTestContainer(t, true)
		handler := newTestServer(t, container)
		require.NoError(t, container.HistoryDB.Close())

		w := get(t, handler, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
	})
}

func TestHandleSystemStatus(t *testing.T) {
	handler := NewSystemHandlers(nil, zerolog.Nop())

	w := httptest.NewRecorder()
	handler.HandleSystemStatus(w, httptest.NewRequest(http.MethodGet, "/api/system/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp SystemStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Positive(t, resp.NumCPU)
	assert.Positive(t, resp.Goroutines)
	assert.GreaterOrEqual(t, resp.MemoryPercent, 0.0)
}

func TestServer_OptimizeThroughRepository(t *testing.T) {
	container := newTestContainer(t, true)
	require.NoError(t, container.HistoryRepo.ImportSeries(testingpkg.NewPriceFixtures(90)))
	handler := newTestServer(t, container)

	body := `{"tickers":["AAPL","XOM","TLT"],"start":"2024-01-01","end":"2024-03-31"}`
	req := httptest.NewRequest(http.MethodPost, "/api/optimizer/optimize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data struct {
			Weights []float64 `json:"weights"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data.Weights, 3)
}

func TestServer_MetricsCountRequests(t *testing.T) {
	handler := newTestServer(t, newTestContainer(t, false))

	require.Equal(t, http.StatusOK, get(t, handler, "/health").Code)

	w := get(t, handler, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `mpt_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestServer_CORSPreflight(t *testing.T) {
	handler := newTestServer(t, newTestContainer(t, false))

	req := httptest.NewRequest(http.MethodOptions, "/api/optimizer/optimize", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
