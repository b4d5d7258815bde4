package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsole(t *testing.T) (*Console, *SyncEngine, *bytes.Buffer) {
	t.Helper()
	e := newTestEngine(t)
	var out bytes.Buffer
	return NewConsole(e, &out, nil), e, &out
}

func TestConsole_AddAndRemove(t *testing.T) {
	c, e, out := newTestConsole(t)

	require.NoError(t, c.Execute("add 3 100 4"))
	assert.Contains(t, out.String(), "已新增裝置 3")
	device, ok := e.Registry().Get(3)
	require.True(t, ok)
	assert.True(t, device.Owns(SpaceCoil, 103))
	assert.True(t, device.Owns(SpaceInputRegister, 100))

	require.NoError(t, c.Execute("add 4 0 2 hr,coil"))
	device, ok = e.Registry().Get(4)
	require.True(t, ok)
	assert.True(t, device.Owns(SpaceHoldingRegister, 1))
	assert.True(t, device.Owns(SpaceCoil, 1))
	assert.False(t, device.Owns(SpaceInputRegister, 0))

	assert.ErrorIs(t, c.Execute("add 3 0 1"), ErrDuplicateUnit)
	assert.Error(t, c.Execute("add 5 0 1 xx"))
	assert.Error(t, c.Execute("add 5 0"))
	assert.Error(t, c.Execute("add 300 0 1"))

	out.Reset()
	require.NoError(t, c.Execute("rm 3"))
	assert.Contains(t, out.String(), "已刪除裝置 3")
	_, ok = e.Registry().Get(3)
	assert.False(t, ok)
	assert.ErrorIs(t, c.Execute("del 3"), ErrUnknownUnit)
}

func TestConsole_SetAndShow(t *testing.T) {
	c, e, out := newTestConsole(t)
	addTestDevice(t, e, 1, holding(0, 4))

	require.NoError(t, c.Execute("set 1 hr 2 70000"))
	assert.Contains(t, out.String(), "unit 1 HoldingRegister 2 = 65535")
	assert.Equal(t, uint16(65535), cacheValue(t, e, 1, SpaceHoldingRegister, 2))

	assert.ErrorIs(t, c.Execute("set 1 hr 9 1"), ErrAddressNotOwned)
	assert.Error(t, c.Execute("set 1 hr x 1"))
	assert.Error(t, c.Execute("set 1 hr 1"))

	// 未 select 時必須指定 Unit ID
	assert.Error(t, c.Execute("show"))

	out.Reset()
	require.NoError(t, c.Execute("show 1"))
	assert.Contains(t, out.String(), "裝置 1")
	assert.Contains(t, out.String(), "40003")
	assert.Contains(t, out.String(), "65535")
}

func TestConsole_SelectAndList(t *testing.T) {
	c, e, out := newTestConsole(t)

	require.NoError(t, c.Execute("list"))
	assert.Contains(t, out.String(), "沒有裝置")

	addTestDevice(t, e, 1, holding(0, 4))
	addTestDevice(t, e, 2, holding(0, 4))

	require.NoError(t, c.Execute("select 2"))
	require.NoError(t, c.Execute("load 1"))
	assert.Contains(t, out.String(), "已載入裝置 1 至共享表")
	assert.ErrorIs(t, c.Execute("select 9"), ErrUnknownUnit)

	out.Reset()
	require.NoError(t, c.Execute("ls"))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "(loaded)"))
	assert.True(t, strings.HasPrefix(lines[1], "*"))

	// show 預設為顯示中的裝置
	out.Reset()
	require.NoError(t, c.Execute("show"))
	assert.Contains(t, out.String(), "裝置 2")
}

func TestConsole_Diagnostics(t *testing.T) {
	c, e, out := newTestConsole(t)

	require.NoError(t, c.Execute("diag"))
	assert.Contains(t, out.String(), "沒有診斷紀錄")

	e.OnRequestReceived(42, FuncCodeReadCoils)
	out.Reset()
	require.NoError(t, c.Execute("diag"))
	assert.Contains(t, out.String(), "unit=42 fc=1")
}

func TestConsole_Commands(t *testing.T) {
	c, _, out := newTestConsole(t)

	assert.NoError(t, c.Execute(""))
	assert.NoError(t, c.Execute("   "))

	require.NoError(t, c.Execute("help"))
	assert.Contains(t, out.String(), "可用指令")

	assert.ErrorIs(t, c.Execute("quit"), errConsoleQuit)
	assert.ErrorIs(t, c.Execute("EXIT"), errConsoleQuit)
	assert.Error(t, c.Execute("frobnicate"))
}

func TestConsole_Run(t *testing.T) {
	c, e, out := newTestConsole(t)

	input := strings.NewReader("add 1 0 4\nset 1 hr 3 9\nbogus\nquit\nadd 2 0 4\n")
	require.NoError(t, c.Run(context.Background(), input))

	assert.Equal(t, uint16(9), cacheValue(t, e, 1, SpaceHoldingRegister, 3))
	_, ok := e.Registry().Get(2)
	assert.False(t, ok, "quit 之後的指令不應執行")

	c.outMu.Lock()
	defer c.outMu.Unlock()
	assert.Contains(t, out.String(), "錯誤: 未知的指令: bogus")
}

func TestConsole_RunEOF(t *testing.T) {
	c, e, _ := newTestConsole(t)
	require.NoError(t, c.Run(context.Background(), strings.NewReader("add 1 0 4")))
	_, ok := e.Registry().Get(1)
	assert.True(t, ok)
}

func TestConsole_RunCancelled(t *testing.T) {
	c, _, _ := newTestConsole(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		// 沒有輸入的 reader 會一直阻塞
		r, _ := io.Pipe()
		done <- c.Run(ctx, r)
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run 未在取消後返回")
	}
}

func TestConsole_WatchMasterUpdates(t *testing.T) {
	c, e, out := newTestConsole(t)
	addTestDevice(t, e, 1, holding(0, 4))
	require.NoError(t, e.SetDisplayedUnit(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, w := io.Pipe()
	defer w.Close()
	go c.Run(ctx, r)

	// 等待訂閱完成
	require.Eventually(t, func() bool {
		c.outMu.Lock()
		defer c.outMu.Unlock()
		return strings.Contains(out.String(), "help")
	}, time.Second, 5*time.Millisecond)

	_, err := e.Transact(1, FuncCodeWriteSingleRegister, func(table *RegisterTable) (*TableWrite, error) {
		if err := table.Set(SpaceHoldingRegister, 1, 77); err != nil {
			return nil, err
		}
		return &TableWrite{Space: SpaceHoldingRegister, Address: 1, Quantity: 1}, nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c.outMu.Lock()
		defer c.outMu.Unlock()
		return strings.Contains(out.String(), "[Master] unit 1 HoldingRegister 1 (40002) = 77")
	}, time.Second, 5*time.Millisecond)
}

func TestConsole_ShowReadsCache(t *testing.T) {
	c, e, out := newTestConsole(t)
	addTestDevice(t, e, 1, holding(0, 4))
	addTestDevice(t, e, 2, holding(0, 4))
	require.NoError(t, c.Execute("select 2"))

	// Master 寫入未顯示的裝置
	require.NoError(t, e.LoadDevice(1))
	masterWrite(t, e, SpaceHoldingRegister, 0, 4242)

	out.Reset()
	require.NoError(t, c.Execute("show 1"))
	assert.Contains(t, out.String(), "40001  0     4242")
}

func TestConsole_SetSuppressedDuringWriteBack(t *testing.T) {
	c, e, out := newTestConsole(t)
	addTestDevice(t, e, 1, holding(0, 4))

	e.updatingFromMaster.Add(1)
	require.NoError(t, c.Execute("set 1 hr 0 5"))
	e.updatingFromMaster.Add(-1)

	// 印出讀回的實際值
	assert.Contains(t, out.String(), "unit 1 HoldingRegister 0 = 0")
}

func TestConsole_UpdateBuffer(t *testing.T) {
	e := newTestEngine(t)
	var out bytes.Buffer

	assert.Equal(t, defaultUpdateBuffer, NewConsole(e, &out, nil).updateBuffer)
	assert.Equal(t, 8, NewConsole(e, &out, nil, WithUpdateBuffer(8)).updateBuffer)
	assert.Equal(t, defaultUpdateBuffer, NewConsole(e, &out, nil, WithUpdateBuffer(0)).updateBuffer)
}
