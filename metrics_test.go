package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) (*MetricsCollector, *Engine) {
	t.Helper()
	engine, err := NewEngine(testEngineConfig(), zap.NewNop())
	require.NoError(t, err)
	return NewMetricsCollector(engine, zap.NewNop()), engine
}

func TestMetricsCollector_Prometheus(t *testing.T) {
	m, engine := newTestCollector(t)
	require.NoError(t, engine.Sync().LoadDevice(2))

	rec := httptest.NewRecorder()
	m.Handler("/metrics").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE modbussim_devices gauge")
	assert.Contains(t, body, "modbussim_devices 2\n")
	assert.Contains(t, body, "modbussim_loaded_unit 2\n")
	assert.Contains(t, body, "modbussim_displayed_unit -1\n")
	assert.Contains(t, body, "modbussim_listening 0\n")
	assert.Contains(t, body, "# TYPE modbussim_unknown_unit_requests_total counter")
	assert.Contains(t, body, "modbussim_loads_total 1\n")
	// 兩筆初始值
	assert.Contains(t, body, "modbussim_edits_total 2\n")
}

func TestMetricsCollector_JSON(t *testing.T) {
	m, engine := newTestCollector(t)
	engine.Sync().OnRequestReceived(9, FuncCodeReadHoldingRegisters)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/metrics?format=json", nil),
		func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			r.Header.Set("Accept", "application/json")
			return r
		}(),
	} {
		rec := httptest.NewRecorder()
		m.Handler("/metrics").ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var snapshot MetricsSnapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
		assert.Equal(t, "stopped", snapshot.EngineState)
		assert.Equal(t, 2, snapshot.Devices)
		assert.Equal(t, uint64(1), snapshot.Sync.UnknownUnitRequests)
		assert.Equal(t, uint64(1), snapshot.Sync.Requests)
	}
}

func TestMetricsCollector_HealthAndReady(t *testing.T) {
	m, engine := newTestCollector(t)
	h := m.Handler("/metrics")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop(ctx)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestMetricsCollector_RequestRate(t *testing.T) {
	m, _ := newTestCollector(t)

	m.collect()
	m.collect()
	snapshot := m.Snapshot()
	assert.Zero(t, snapshot.RequestsPerSec)
	assert.Zero(t, snapshot.ErrorRate)

	m.mu.RLock()
	assert.Len(t, m.requestHistory, 3)
	m.mu.RUnlock()
}

func TestMetricsCollector_HistoryBounded(t *testing.T) {
	m, _ := newTestCollector(t)
	for i := 0; i < m.maxHistory+10; i++ {
		m.collect()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Len(t, m.requestHistory, m.maxHistory)
}

func TestMetricsCollector_NilEngine(t *testing.T) {
	m := NewMetricsCollector(nil, zap.NewNop())

	rec := httptest.NewRecorder()
	m.Handler("/metrics").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.NoError(t, m.Stop(context.Background()))
}
