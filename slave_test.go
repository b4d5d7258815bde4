package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSlave(t *testing.T, port int, opts ...SlaveOption) *Slave {
	t.Helper()
	e := newTestEngine(t)
	addTestDevice(t, e, 1, UniformRanges(0, 10))

	opts = append([]SlaveOption{
		WithLogger(zap.NewNop()),
		WithPollInterval(5 * time.Millisecond),
		WithRetryBackoff(5 * time.Millisecond),
	}, opts...)
	return NewSlave("127.0.0.1", port, e, opts...)
}

func TestSlaveState_String(t *testing.T) {
	assert.Equal(t, "stopped", SlaveStateStopped.String())
	assert.Equal(t, "starting", SlaveStateStarting.String())
	assert.Equal(t, "running", SlaveStateRunning.String())
	assert.Equal(t, "stopping", SlaveStateStopping.String())
	assert.Equal(t, "unknown", SlaveState(99).String())
}

func TestSlave_StartStop(t *testing.T) {
	s := newTestSlave(t, 0)
	assert.Equal(t, "127.0.0.1:0", s.Addr())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, SlaveStateRunning, s.State())
	assert.True(t, s.Listening())
	assert.False(t, s.GetStats().StartTime.IsZero())

	assert.Error(t, s.Start(ctx))

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, SlaveStateStopped, s.State())
	assert.False(t, s.Listening())

	// 可重新啟動
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestSlave_PortInUse(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	port := blocker.Addr().(*net.TCPAddr).Port

	s := newTestSlave(t, port)
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, SlaveStateStopped, s.State())
	assert.Equal(t, uint64(1), s.GetStats().ListenFailures.Load())
}

func TestSlave_WaitForPort(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := blocker.Addr().(*net.TCPAddr).Port

	s := newTestSlave(t, port, WithWaitForPort(true))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	assert.Equal(t, SlaveStateRunning, s.State())
	assert.False(t, s.Listening())

	// 監督迴圈持續重試
	require.Eventually(t, func() bool {
		return s.GetStats().ListenFailures.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, blocker.Close())
	require.Eventually(t, s.Listening, 2*time.Second, 5*time.Millisecond)

	// 綁定成功後監督迴圈不再重試
	failures := s.GetStats().ListenFailures.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, failures, s.GetStats().ListenFailures.Load())
	assert.True(t, s.Listening())
}

func TestSlave_StopCancelledByContext(t *testing.T) {
	s := newTestSlave(t, 0)
	parent, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(parent))

	// 父 ctx 取消後監督迴圈結束，Stop 仍可完成
	cancel()
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, SlaveStateStopped, s.State())
}

func TestSlaveStats_Record(t *testing.T) {
	var stats SlaveStats
	stats.record(12, 9, false)
	stats.record(12, 9, true)

	assert.Equal(t, uint64(2), stats.RequestCount.Load())
	assert.Equal(t, uint64(1), stats.ErrorCount.Load())
	assert.Equal(t, uint64(24), stats.BytesReceived.Load())
	assert.Equal(t, uint64(18), stats.BytesSent.Load())
	assert.NotZero(t, stats.LastRequestTime.Load())
}
