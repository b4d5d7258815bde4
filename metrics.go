package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器
type MetricsCollector struct {
	mu sync.RWMutex

	startTime   time.Time
	engineState string
	last        EngineStats

	// 歷史記錄 (用於計算速率)
	requestHistory []requestSample
	maxHistory     int

	server *http.Server

	// 參照
	engine *Engine
	logger *zap.Logger
}

type requestSample struct {
	timestamp time.Time
	requests  uint64
	errors    uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Uptime      string    `json:"uptime"`
	EngineState string    `json:"engine_state"`
	Listening   bool      `json:"listening"`

	// 裝置
	Devices       int `json:"devices"`
	LoadedUnit    int `json:"loaded_unit"`
	DisplayedUnit int `json:"displayed_unit"`

	// 請求指標
	TotalRequests  uint64  `json:"total_requests"`
	TotalErrors    uint64  `json:"total_errors"`
	ErrorRate      float64 `json:"error_rate"`
	RequestsPerSec float64 `json:"requests_per_sec"`
	BytesReceived  uint64  `json:"bytes_received"`
	BytesSent      uint64  `json:"bytes_sent"`

	// 同步指標
	Sync SyncStatsSnapshot `json:"sync"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(engine *Engine, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		engine:     engine,
		logger:     logger,
		startTime:  time.Now(),
		maxHistory: 60, // 保留 60 個樣本 (用於計算每秒速率)
	}
}

// Handler 指標 HTTP 處理器
func (m *MetricsCollector) Handler(endpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	return mux
}

// Start 啟動指標收集
func (m *MetricsCollector) Start(ctx context.Context, endpoint string, port int) error {
	m.startTime = time.Now()

	// 啟動背景收集
	go m.collectLoop(ctx)

	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{
		Addr:              addr,
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr), zap.String("endpoint", endpoint))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Stop 關閉指標伺服器
func (m *MetricsCollector) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// collectLoop 背景收集迴圈
func (m *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

// collect 收集指標
func (m *MetricsCollector) collect() {
	if m.engine == nil {
		return
	}

	stats := m.engine.Stats()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.engineState = m.engine.State().String()
	m.last = stats

	// 記錄歷史
	m.requestHistory = append(m.requestHistory, requestSample{
		timestamp: time.Now(),
		requests:  stats.TotalRequests,
		errors:    stats.TotalErrors,
	})
	if len(m.requestHistory) > m.maxHistory {
		m.requestHistory = m.requestHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.collect()

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.last
	snapshot := MetricsSnapshot{
		Timestamp:     time.Now(),
		Uptime:        time.Since(m.startTime).String(),
		EngineState:   m.engineState,
		Listening:     stats.Listening,
		Devices:       stats.Devices,
		LoadedUnit:    stats.LoadedUnit,
		DisplayedUnit: stats.DisplayedUnit,
		TotalRequests: stats.TotalRequests,
		TotalErrors:   stats.TotalErrors,
		BytesReceived: stats.BytesReceived,
		BytesSent:     stats.BytesSent,
		Sync:          stats.Sync,
	}

	// 計算錯誤率
	if stats.TotalRequests > 0 {
		snapshot.ErrorRate = float64(stats.TotalErrors) / float64(stats.TotalRequests) * 100
	}

	// 計算每秒請求數 (使用最近的歷史記錄)
	if len(m.requestHistory) >= 2 {
		first := m.requestHistory[0]
		last := m.requestHistory[len(m.requestHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.RequestsPerSec = float64(last.requests-first.requests) / duration
		}
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	gauge := func(name, help string, value any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %v\n\n", name, value)
	}
	counter := func(name, help string, value uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n\n", name, value)
	}

	listening := 0
	if snapshot.Listening {
		listening = 1
	}

	gauge("modbussim_uptime_seconds", "Uptime in seconds", fmt.Sprintf("%f", time.Since(m.startTime).Seconds()))
	gauge("modbussim_listening", "Whether the TCP listener is up", listening)
	gauge("modbussim_devices", "Number of registered unit IDs", snapshot.Devices)
	gauge("modbussim_loaded_unit", "Unit ID currently loaded into the shared table (-1 for none)", snapshot.LoadedUnit)
	gauge("modbussim_displayed_unit", "Unit ID currently displayed (-1 for none)", snapshot.DisplayedUnit)
	gauge("modbussim_requests_per_second", "Requests per second", fmt.Sprintf("%f", snapshot.RequestsPerSec))

	counter("modbussim_requests_total", "Total number of requests", snapshot.TotalRequests)
	counter("modbussim_errors_total", "Total number of exception responses", snapshot.TotalErrors)
	counter("modbussim_bytes_received_total", "Total bytes received", snapshot.BytesReceived)
	counter("modbussim_bytes_sent_total", "Total bytes sent", snapshot.BytesSent)

	counter("modbussim_unknown_unit_requests_total", "Requests addressed to an unregistered unit ID", snapshot.Sync.UnknownUnitRequests)
	counter("modbussim_loads_total", "Cache loads into the shared table", snapshot.Sync.Loads)
	counter("modbussim_dropped_entries_total", "Cache entries skipped for exceeding table capacity", snapshot.Sync.DroppedEntries)
	counter("modbussim_write_backs_total", "Master writes propagated back to device caches", snapshot.Sync.WriteBacks)
	counter("modbussim_propagated_values_total", "Values written back into device caches", snapshot.Sync.PropagatedValues)
	counter("modbussim_ignored_writes_total", "Master writes not propagated after an unknown unit request", snapshot.Sync.IgnoredWrites)
	counter("modbussim_edits_total", "Operator edits applied", snapshot.Sync.Edits)
	counter("modbussim_suppressed_edits_total", "Edits ignored during master write-back", snapshot.Sync.SuppressedEdits)
	counter("modbussim_dropped_updates_total", "Update notifications dropped on full subscriber channels", snapshot.Sync.DroppedUpdates)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if m.engine == nil || m.engine.State() != EngineStateRunning || !m.engine.Slave().Listening() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
