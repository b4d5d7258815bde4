package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EngineState 引擎狀態
type EngineState int32

const (
	EngineStateStopped EngineState = iota
	EngineStateStarting
	EngineStateRunning
	EngineStateStopping
)

func (s EngineState) String() string {
	switch s {
	case EngineStateStopped:
		return "stopped"
	case EngineStateStarting:
		return "starting"
	case EngineStateRunning:
		return "running"
	case EngineStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Engine 模擬器引擎: 組裝共享表、裝置註冊表、同步引擎與 Slave
type Engine struct {
	mu sync.RWMutex

	// 配置
	config *Config

	// 狀態
	state atomic.Int32

	sync        *SyncEngine
	slave       *Slave
	provisioner NetworkProvisioner

	startTime time.Time

	// 日誌
	logger *zap.Logger
}

// EngineStats 引擎統計資訊
type EngineStats struct {
	StartTime     time.Time
	Devices       int
	LoadedUnit    int
	DisplayedUnit int
	Listening     bool
	TotalRequests uint64
	TotalErrors   uint64
	BytesReceived uint64
	BytesSent     uint64
	Sync          SyncStatsSnapshot
}

// EngineOption 引擎選項
type EngineOption func(*engineOptions)

type engineOptions struct {
	hooks       []func(DeviceUpdate)
	provisioner NetworkProvisioner
}

// WithEngineChangeHook 註冊 Master 寫入後的變更通知
func WithEngineChangeHook(hook func(DeviceUpdate)) EngineOption {
	return func(o *engineOptions) {
		o.hooks = append(o.hooks, hook)
	}
}

// WithProvisioner 指定網路配置器 (測試用)
func WithProvisioner(p NetworkProvisioner) EngineOption {
	return func(o *engineOptions) {
		o.provisioner = p
	}
}

// NewEngine 依配置建立引擎並註冊所有裝置
func NewEngine(config *Config, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	scope, err := ParseWritebackScope(config.Sync.WritebackScope)
	if err != nil {
		return nil, err
	}

	registryCapacity := 0
	if config.Table.StrictCapacity {
		registryCapacity = config.Table.Capacity
	}

	syncOpts := []SyncOption{
		WithSyncLogger(logger.Named("sync")),
		WithWritebackScope(scope),
	}
	for _, hook := range o.hooks {
		syncOpts = append(syncOpts, WithChangeHook(hook))
	}

	se := NewSyncEngine(
		NewDeviceRegistry(registryCapacity),
		NewRegisterTable(config.Table.Capacity),
		syncOpts...,
	)

	for _, dc := range config.Devices {
		if _, err := se.AddDevice(dc.UnitID, dc.Ranges()); err != nil {
			return nil, fmt.Errorf("註冊裝置 %d 失敗: %w", dc.UnitID, err)
		}
		for _, val := range dc.Values {
			space, err := ParseRegisterSpace(val.Space)
			if err != nil {
				return nil, fmt.Errorf("裝置 %d: %w", dc.UnitID, err)
			}
			if err := se.PushEdit(dc.UnitID, space, val.Address, val.Value); err != nil {
				return nil, fmt.Errorf("裝置 %d 初始值: %w", dc.UnitID, err)
			}
		}
	}

	slaveOpts := []SlaveOption{
		WithLogger(logger.Named("slave")),
		WithPollInterval(config.Server.PollInterval),
		WithRetryBackoff(config.Server.RetryBackoff),
		WithWaitForPort(config.Server.WaitForPort),
	}
	if sc := config.SerialPortConfig(); sc != nil {
		slaveOpts = append(slaveOpts, WithSerial(sc))
	}

	e := &Engine{
		config:      config,
		sync:        se,
		slave:       NewSlave(config.Server.Host, config.Server.Port, se, slaveOpts...),
		provisioner: o.provisioner,
		logger:      logger,
	}

	if e.provisioner == nil && config.Network.Provision {
		e.provisioner = NewNetworkProvisioner(config.Network.Interface, logger.Named("network"))
	}

	return e, nil
}

// Start 啟動引擎
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateStopped), int32(EngineStateStarting)) {
		return fmt.Errorf("引擎已經在運行中")
	}

	e.mu.Lock()
	e.startTime = time.Now()
	e.mu.Unlock()

	e.logger.Info("正在啟動引擎",
		zap.String("addr", e.slave.Addr()),
		zap.Int("devices", e.sync.Registry().Len()),
		zap.Int("capacity", e.sync.Table().Capacity()),
		zap.String("writeback_scope", e.config.Sync.WritebackScope),
	)

	if e.provisioner != nil {
		ips, err := ProvisionableIPs(e.config.Server.Host)
		if err != nil {
			e.state.Store(int32(EngineStateStopped))
			return fmt.Errorf("取得綁定 IP 失敗: %w", err)
		}
		if len(ips) > 0 {
			if err := e.provisioner.Setup(ctx, ips); err != nil {
				e.state.Store(int32(EngineStateStopped))
				return fmt.Errorf("設置監聽 IP 失敗: %w", err)
			}
		}
	}

	if err := e.slave.Start(ctx); err != nil {
		e.teardownNetwork(ctx)
		e.state.Store(int32(EngineStateStopped))
		return err
	}

	e.state.Store(int32(EngineStateRunning))
	e.logger.Info("引擎啟動完成", zap.Duration("startup_time", time.Since(e.startTime)))

	return nil
}

// Stop 停止引擎
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateRunning), int32(EngineStateStopping)) {
		return nil
	}

	e.logger.Info("正在停止引擎")

	if err := e.slave.Stop(ctx); err != nil {
		e.logger.Warn("停止 Slave 失敗", zap.String("id", e.slave.ID), zap.Error(err))
	}
	e.teardownNetwork(ctx)

	e.state.Store(int32(EngineStateStopped))
	e.logger.Info("引擎已停止")

	return nil
}

func (e *Engine) teardownNetwork(ctx context.Context) {
	if e.provisioner == nil {
		return
	}
	if err := e.provisioner.Teardown(ctx); err != nil {
		e.logger.Warn("移除監聽 IP 失敗", zap.Error(err))
	}
}

// Sync 取得同步引擎
func (e *Engine) Sync() *SyncEngine {
	return e.sync
}

// Slave 取得 Modbus Slave
func (e *Engine) Slave() *Slave {
	return e.slave
}

// Config 取得配置
func (e *Engine) Config() *Config {
	return e.config
}

// State 取得引擎狀態
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Stats 取得統計資訊
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	start := e.startTime
	e.mu.RUnlock()

	stats := EngineStats{
		StartTime:     start,
		Devices:       e.sync.Registry().Len(),
		LoadedUnit:    noUnit,
		DisplayedUnit: noUnit,
		Listening:     e.slave.Listening(),
		Sync:          e.sync.Stats(),
	}
	if u, ok := e.sync.LoadedUnit(); ok {
		stats.LoadedUnit = int(u)
	}
	if u, ok := e.sync.DisplayedUnit(); ok {
		stats.DisplayedUnit = int(u)
	}

	slaveStats := e.slave.GetStats()
	stats.TotalRequests = slaveStats.RequestCount.Load()
	stats.TotalErrors = slaveStats.ErrorCount.Load()
	stats.BytesReceived = slaveStats.BytesReceived.Load()
	stats.BytesSent = slaveStats.BytesSent.Load()

	return stats
}
