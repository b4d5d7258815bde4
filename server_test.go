package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

func testEngineConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.PollInterval = 10 * time.Millisecond
	cfg.Server.RetryBackoff = 10 * time.Millisecond
	cfg.Metrics.Enabled = false
	cfg.Devices = []DeviceConfig{
		{UnitID: 1, Start: 0, Count: 10},
		{
			UnitID:           2,
			HoldingRegisters: &RangeConfig{Start: 100, Count: 4},
			Values: []ValueConfig{
				{Space: "hr", Address: 101, Value: 4242},
				{Space: "hr", Address: 102, Value: 80000},
			},
		},
	}
	return cfg
}

// fakeProvisioner 記錄呼叫的網路配置器
type fakeProvisioner struct {
	BaseProvisioner
	setups    [][]net.IP
	teardowns int
}

func (p *fakeProvisioner) Setup(ctx context.Context, ips []net.IP) error {
	p.setups = append(p.setups, ips)
	p.ConfiguredIPs = append(p.ConfiguredIPs, ips...)
	return nil
}

func (p *fakeProvisioner) Teardown(ctx context.Context) error {
	p.teardowns++
	p.ConfiguredIPs = nil
	return nil
}

func (p *fakeProvisioner) List(ctx context.Context) ([]net.IP, error) {
	return p.ConfiguredIPs, nil
}

func TestNewEngine_RegistersDevices(t *testing.T) {
	engine, err := NewEngine(testEngineConfig(), zap.NewNop())
	require.NoError(t, err)

	se := engine.Sync()
	assert.Equal(t, 2, se.Registry().Len())
	assert.Equal(t, DefaultTableCapacity, se.Table().Capacity())

	// 初始值寫入快取 (並限制值域)
	assert.Equal(t, uint16(4242), cacheValue(t, se, 2, SpaceHoldingRegister, 101))
	assert.Equal(t, uint16(65535), cacheValue(t, se, 2, SpaceHoldingRegister, 102))

	assert.Equal(t, EngineStateStopped, engine.State())
	stats := engine.Stats()
	assert.Equal(t, 2, stats.Devices)
	assert.Equal(t, noUnit, stats.LoadedUnit)
	assert.False(t, stats.Listening)
}

func TestNewEngine_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"duplicate unit", func(c *Config) {
			c.Devices = append(c.Devices, DeviceConfig{UnitID: 1, Count: 1})
		}},
		{"exceeds capacity", func(c *Config) {
			c.Devices = []DeviceConfig{{UnitID: 3, Start: 995, Count: 10}}
		}},
		{"value not owned", func(c *Config) {
			c.Devices[1].Values = []ValueConfig{{Space: "hr", Address: 0, Value: 1}}
		}},
		{"bad scope", func(c *Config) {
			c.Sync.WritebackScope = "nope"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testEngineConfig()
			tt.modify(cfg)
			_, err := NewEngine(cfg, zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestNewEngine_LenientCapacity(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Table.StrictCapacity = false
	cfg.Devices = []DeviceConfig{{UnitID: 3, Start: 995, Count: 10}}

	engine, err := NewEngine(cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, engine.Sync().LoadDevice(3))
	assert.Equal(t, uint64(4*6), engine.Sync().Stats().DroppedEntries, "位址 999..1004 在每個空間都被略過")
}

func TestEngine_StartStop(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Server.Host = "127.0.0.2"
	cfg.Network.Provision = true

	prov := &fakeProvisioner{}
	engine, err := NewEngine(cfg, zap.NewNop(), WithProvisioner(prov))
	require.NoError(t, err)

	// 127.0.0.2 為 loopback，不需配置
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	assert.Equal(t, EngineStateRunning, engine.State())
	assert.True(t, engine.Slave().Listening())
	assert.Empty(t, prov.setups)

	assert.Error(t, engine.Start(ctx), "重複啟動")

	require.NoError(t, engine.Stop(ctx))
	assert.Equal(t, EngineStateStopped, engine.State())
	assert.Equal(t, 1, prov.teardowns)
	assert.False(t, engine.Slave().Listening())

	// 重複停止不做任何事
	require.NoError(t, engine.Stop(ctx))
}

func TestEngine_ChangeHook(t *testing.T) {
	var got []DeviceUpdate
	engine, err := NewEngine(testEngineConfig(), zap.NewNop(), WithEngineChangeHook(func(upd DeviceUpdate) {
		got = append(got, upd)
	}))
	require.NoError(t, err)

	h := NewRequestHandler(engine.Sync(), nil, nil)
	_, exc := h.HandleWriteSingleRegister(nil, tcpFrame(2, FuncCodeWriteSingleRegister, 0, 100, 0, 5))
	require.Equal(t, &mbserver.Success, exc)

	require.Len(t, got, 1)
	assert.Equal(t, uint8(2), got[0].UnitID)
	assert.Equal(t, uint16(100), got[0].Address)
	assert.Equal(t, uint16(5), got[0].Value)
}
