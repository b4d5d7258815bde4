package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// SlaveState Slave 狀態
type SlaveState int32

const (
	SlaveStateStopped SlaveState = iota
	SlaveStateStarting
	SlaveStateRunning
	SlaveStateStopping
)

func (s SlaveState) String() string {
	switch s {
	case SlaveStateStopped:
		return "stopped"
	case SlaveStateStarting:
		return "starting"
	case SlaveStateRunning:
		return "running"
	case SlaveStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultRetryBackoff = time.Second
)

// Slave 單一 mbserver 實例，所有 Unit ID 共用同一張共享表
type Slave struct {
	mu sync.Mutex

	// 基本資訊
	ID   string
	Host string
	Port int

	// 狀態
	state   atomic.Int32
	running atomic.Bool

	engine  *SyncEngine
	handler *RequestHandler

	// Modbus Server
	server     *mbserver.Server
	tcpUp      bool
	rtuUp      bool
	serialConf *serial.Config

	// 監聽監督
	pollInterval time.Duration
	retryBackoff time.Duration
	waitForPort  bool
	cancel       context.CancelFunc
	done         chan struct{}

	// 統計
	stats SlaveStats

	// 日誌
	logger *zap.Logger
}

// SlaveStats Slave 統計資訊
type SlaveStats struct {
	StartTime       time.Time
	RequestCount    atomic.Uint64
	ErrorCount      atomic.Uint64
	LastRequestTime atomic.Int64
	BytesReceived   atomic.Uint64
	BytesSent       atomic.Uint64
	ListenFailures  atomic.Uint64
}

// record 記錄請求
func (s *SlaveStats) record(bytesIn, bytesOut int, hasError bool) {
	s.RequestCount.Add(1)
	s.LastRequestTime.Store(time.Now().UnixNano())
	s.BytesReceived.Add(uint64(bytesIn))
	s.BytesSent.Add(uint64(bytesOut))
	if hasError {
		s.ErrorCount.Add(1)
	}
}

// SlaveOption Slave 配置選項
type SlaveOption func(*Slave)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) SlaveOption {
	return func(s *Slave) {
		s.logger = logger
	}
}

// WithSerial 額外開啟 RTU 序列埠
func WithSerial(conf *serial.Config) SlaveOption {
	return func(s *Slave) {
		s.serialConf = conf
	}
}

// WithPollInterval 設定監督迴圈間隔
func WithPollInterval(d time.Duration) SlaveOption {
	return func(s *Slave) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithRetryBackoff 設定監聽失敗後的重試間隔
func WithRetryBackoff(d time.Duration) SlaveOption {
	return func(s *Slave) {
		if d > 0 {
			s.retryBackoff = d
		}
	}
}

// WithWaitForPort 首次監聽失敗時不回傳錯誤，改由監督迴圈重試
func WithWaitForPort(wait bool) SlaveOption {
	return func(s *Slave) {
		s.waitForPort = wait
	}
}

// NewSlave 建立新的 Slave
func NewSlave(host string, port int, engine *SyncEngine, opts ...SlaveOption) *Slave {
	s := &Slave{
		ID:           net.JoinHostPort(host, strconv.Itoa(port)),
		Host:         host,
		Port:         port,
		engine:       engine,
		pollInterval: defaultPollInterval,
		retryBackoff: defaultRetryBackoff,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger, _ = zap.NewProduction()
	}

	s.handler = NewRequestHandler(engine, &s.stats, s.logger)
	return s
}

// Addr 監聽位址
func (s *Slave) Addr() string {
	return s.ID
}

// Start 啟動 Slave
func (s *Slave) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SlaveStateStopped), int32(SlaveStateStarting)) {
		return fmt.Errorf("slave %s 已經在運行中", s.ID)
	}

	// 建立 mbserver 並換上同步引擎的功能碼處理器
	s.mu.Lock()
	s.server = mbserver.NewServer()
	s.handler.Register(s.server)
	s.tcpUp, s.rtuUp = false, false
	s.mu.Unlock()

	s.stats.StartTime = time.Now()

	if err := s.ensureListening(); err != nil && !s.waitForPort {
		s.closeServer()
		s.state.Store(int32(SlaveStateStopped))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)
	go s.supervise(runCtx)

	s.state.Store(int32(SlaveStateRunning))

	s.logger.Info("Slave 已啟動",
		zap.String("id", s.ID),
		zap.Bool("rtu", s.serialConf != nil),
		zap.Int("devices", s.engine.Registry().Len()),
	)

	return nil
}

// Stop 停止 Slave，進行中的 PDU 不會被中斷
func (s *Slave) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SlaveStateRunning), int32(SlaveStateStopping)) {
		return nil // 已經停止
	}

	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("等待監督迴圈結束超時", zap.String("id", s.ID))
	}

	s.closeServer()
	s.state.Store(int32(SlaveStateStopped))

	s.logger.Info("Slave 已停止",
		zap.String("id", s.ID),
		zap.Duration("uptime", time.Since(s.stats.StartTime)),
		zap.Uint64("requests", s.stats.RequestCount.Load()),
	)

	return nil
}

// State 取得當前狀態
func (s *Slave) State() SlaveState {
	return SlaveState(s.state.Load())
}

// Listening TCP 是否已在監聽
func (s *Slave) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcpUp
}

// GetStats 取得統計資訊
func (s *Slave) GetStats() *SlaveStats {
	return &s.stats
}

// Engine 取得同步引擎
func (s *Slave) Engine() *SyncEngine {
	return s.engine
}

// supervise 監督迴圈: 尚未開啟的 TCP 監聽或 RTU 序列埠以退避間隔重試，直到取消
// 已成功開啟的監聽不再檢查 (mbserver 不提供監聽狀態)
func (s *Slave) supervise(ctx context.Context) {
	defer close(s.done)

	for s.running.Load() {
		wait := s.pollInterval
		if err := s.ensureListening(); err != nil {
			s.logger.Warn("監聽失敗，稍後重試",
				zap.String("id", s.ID),
				zap.Duration("backoff", s.retryBackoff),
				zap.Error(err),
			)
			wait = s.retryBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// ensureListening 開啟尚未開啟的 TCP 監聽與 RTU 序列埠
func (s *Slave) ensureListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return fmt.Errorf("slave %s 尚未啟動", s.ID)
	}

	if !s.tcpUp {
		if err := s.server.ListenTCP(s.ID); err != nil {
			s.stats.ListenFailures.Add(1)
			return fmt.Errorf("監聽 %s 失敗: %w", s.ID, err)
		}
		s.tcpUp = true
		s.logger.Info("TCP 監聽中", zap.String("addr", s.ID))
	}

	if s.serialConf != nil && !s.rtuUp {
		if err := s.server.ListenRTU(s.serialConf); err != nil {
			s.stats.ListenFailures.Add(1)
			return fmt.Errorf("開啟序列埠 %s 失敗: %w", s.serialConf.Address, err)
		}
		s.rtuUp = true
		s.logger.Info("RTU 監聽中",
			zap.String("port", s.serialConf.Address),
			zap.Int("baud", s.serialConf.BaudRate),
		)
	}

	return nil
}

func (s *Slave) closeServer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		s.server.Close()
		s.server = nil
	}
	s.tcpUp, s.rtuUp = false, false
}
