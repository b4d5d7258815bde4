package main

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTable_DefaultCapacity(t *testing.T) {
	table := NewRegisterTable(0)

	assert.Equal(t, DefaultTableCapacity, table.Capacity())
	assert.Equal(t, DefaultTableCapacity-2, table.MaxAddress())
	assert.True(t, table.InBounds(998))
	assert.False(t, table.InBounds(999), "位址 999 存放於索引 1000，超出容量")
}

func TestRegisterTable_HoldingRegisters(t *testing.T) {
	table := NewRegisterTable(100)

	// 寫入單一暫存器
	err := table.Set(SpaceHoldingRegister, 0, 0x1234)
	require.NoError(t, err)

	// 讀取單一暫存器
	val, err := table.Get(SpaceHoldingRegister, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), val)

	// 寫入多個暫存器
	values := []uint16{0xAAAA, 0xBBBB, 0xCCCC}
	err = table.WriteRegisters(SpaceHoldingRegister, 10, values)
	require.NoError(t, err)

	// 讀取多個暫存器
	results, err := table.ReadRegisters(SpaceHoldingRegister, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, values, results)
}

func TestRegisterTable_Coils(t *testing.T) {
	table := NewRegisterTable(100)

	// 寫入單一線圈
	err := table.Set(SpaceCoil, 0, 5)
	require.NoError(t, err)

	val, err := table.Get(SpaceCoil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), val, "非零值視為 ON")

	// 寫入多個線圈
	coils := []bool{true, false, true, true, false}
	err = table.WriteBits(SpaceCoil, 10, coils)
	require.NoError(t, err)

	results, err := table.ReadBits(SpaceCoil, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, coils, results)
}

func TestRegisterTable_SpacesAreIndependent(t *testing.T) {
	table := NewRegisterTable(100)

	require.NoError(t, table.Set(SpaceHoldingRegister, 3, 111))
	require.NoError(t, table.Set(SpaceInputRegister, 3, 222))
	require.NoError(t, table.Set(SpaceDiscreteInput, 3, 1))

	hr, _ := table.Get(SpaceHoldingRegister, 3)
	ir, _ := table.Get(SpaceInputRegister, 3)
	di, _ := table.Get(SpaceDiscreteInput, 3)
	co, _ := table.Get(SpaceCoil, 3)

	assert.Equal(t, uint16(111), hr)
	assert.Equal(t, uint16(222), ir)
	assert.Equal(t, uint16(1), di)
	assert.Equal(t, uint16(0), co)
}

func TestRegisterTable_WrongSpaceKind(t *testing.T) {
	table := NewRegisterTable(100)

	_, err := table.ReadBits(SpaceHoldingRegister, 0, 1)
	assert.Error(t, err)

	_, err = table.ReadRegisters(SpaceCoil, 0, 1)
	assert.Error(t, err)
}

func TestRegisterTable_OutOfBounds(t *testing.T) {
	table := NewRegisterTable(10)

	// 最大位址為 8
	require.NoError(t, table.Set(SpaceHoldingRegister, 8, 1))

	_, err := table.Get(SpaceCoil, 9)
	assert.Error(t, err)

	_, err = table.ReadRegisters(SpaceHoldingRegister, 5, 5)
	assert.Error(t, err)

	err = table.WriteRegisters(SpaceHoldingRegister, 50000, []uint16{1})
	assert.Error(t, err)

	_, err = table.ReadBits(SpaceCoil, 0, 0)
	assert.Error(t, err, "數量 0 不合法")
}

func TestRegisterTable_LoadReplacesContents(t *testing.T) {
	table := NewRegisterTable(10)
	require.NoError(t, table.Set(SpaceHoldingRegister, 1, 99))
	require.NoError(t, table.Set(SpaceCoil, 2, 1))

	var snap [spaceCount]map[uint16]uint16
	snap[SpaceHoldingRegister] = map[uint16]uint16{0: 7, 8: 8, 9: 9, 500: 5}
	snap[SpaceInputRegister] = map[uint16]uint16{4: 44}

	dropped := table.Load(snap)
	assert.Equal(t, 2, dropped, "位址 9 與 500 超出容量")

	v, _ := table.Get(SpaceHoldingRegister, 0)
	assert.Equal(t, uint16(7), v)
	v, _ = table.Get(SpaceHoldingRegister, 8)
	assert.Equal(t, uint16(8), v)
	v, _ = table.Get(SpaceInputRegister, 4)
	assert.Equal(t, uint16(44), v)

	// 舊值已清除
	v, _ = table.Get(SpaceHoldingRegister, 1)
	assert.Equal(t, uint16(0), v)
	v, _ = table.Get(SpaceCoil, 2)
	assert.Equal(t, uint16(0), v)
}

func TestRegisterTable_LoadEmptyClears(t *testing.T) {
	table := NewRegisterTable(10)
	require.NoError(t, table.Set(SpaceInputRegister, 0, 1))

	var empty [spaceCount]map[uint16]uint16
	assert.Zero(t, table.Load(empty))

	v, err := table.Get(SpaceInputRegister, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), v)
	assert.Equal(t, 10, table.Capacity())
}

func TestRegisterTable_Concurrent(t *testing.T) {
	table := NewRegisterTable(DefaultTableCapacity)
	var wg sync.WaitGroup

	// 並發讀寫測試
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_ = table.Set(SpaceHoldingRegister, uint16(idx), uint16(idx))
			_, _ = table.ReadRegisters(SpaceHoldingRegister, 0, 10)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		v, err := table.Get(SpaceHoldingRegister, uint16(i))
		require.NoError(t, err)
		assert.Equal(t, uint16(i), v)
	}
}

func TestRegistersToBytes(t *testing.T) {
	registers := []uint16{0x0102, 0x0304}
	bytes := RegistersToBytes(registers)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, bytes)
}

func TestBytesToRegisters(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	registers := BytesToRegisters(data)
	assert.Equal(t, []uint16{0x0102, 0x0304}, registers)
}

func TestCoilsToByte(t *testing.T) {
	coils := []bool{true, false, true, false, false, false, false, true}
	bytes := CoilsToByte(coils)
	assert.Equal(t, []byte{0x85}, bytes) // 10000101 in binary
}

func TestByteToCoils(t *testing.T) {
	data := []byte{0x85}
	coils := ByteToCoils(data, 8)
	expected := []bool{true, false, true, false, false, false, false, true}
	assert.Equal(t, expected, coils)

	// 資料不足時其餘為 false
	assert.Equal(t, []bool{true, false, true, false, false, false, false, true, false, false}, ByteToCoils(data, 10))
}

func BenchmarkRegisterTable_Load(b *testing.B) {
	table := NewRegisterTable(DefaultTableCapacity)
	device, _ := NewDevice(1, UniformRanges(0, 100))
	cache := NewDeviceCache()
	cache.Capture(device)
	snap := cache.Snapshot()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		table.Load(snap)
	}
}

func BenchmarkRegisterTable_ReadRegisters(b *testing.B) {
	table := NewRegisterTable(DefaultTableCapacity)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		table.ReadRegisters(SpaceHoldingRegister, 0, 10)
	}
}
