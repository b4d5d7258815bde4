package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		r       RegisterRange
		wantErr bool
	}{
		{"valid", RegisterRange{Start: 0, Count: 10}, false},
		{"last address", RegisterRange{Start: 65535, Count: 1}, false},
		{"negative start", RegisterRange{Start: -1, Count: 1}, true},
		{"zero count", RegisterRange{Start: 0, Count: 0}, true},
		{"past max address", RegisterRange{Start: 65530, Count: 10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRange)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegisterRange_Contains(t *testing.T) {
	r := RegisterRange{Start: 100, Count: 5}

	assert.Equal(t, 104, r.End())
	assert.True(t, r.Contains(100))
	assert.True(t, r.Contains(104))
	assert.False(t, r.Contains(99))
	assert.False(t, r.Contains(105))
}

func TestDeviceRanges_Validate(t *testing.T) {
	assert.ErrorIs(t, DeviceRanges{}.Validate(), ErrInvalidRange)
	assert.NoError(t, UniformRanges(0, 10).Validate())
	assert.Error(t, DeviceRanges{Coils: &RegisterRange{Start: 0, Count: -1}}.Validate())
}

func TestNewDevice(t *testing.T) {
	d, err := NewDevice(5, DeviceRanges{
		HoldingRegisters: &RegisterRange{Start: 10, Count: 3},
		Coils:            &RegisterRange{Start: 0, Count: 2},
	})
	require.NoError(t, err)

	assert.True(t, d.Has(SpaceHoldingRegister))
	assert.False(t, d.Has(SpaceInputRegister))

	regs := d.Registers(SpaceHoldingRegister)
	require.Len(t, regs, 3)
	assert.Equal(t, Register{DisplayAddress: 40011, ModbusAddress: 10, Value: 0}, regs[0])
	assert.Equal(t, 40013, regs[2].DisplayAddress)

	coils := d.Registers(SpaceCoil)
	require.Len(t, coils, 2)
	assert.Equal(t, 1, coils[0].DisplayAddress)

	assert.Nil(t, d.Registers(SpaceInputRegister))
}

func TestDevice_SetValue(t *testing.T) {
	d, err := NewDevice(1, UniformRanges(0, 4))
	require.NoError(t, err)

	assert.True(t, d.SetValue(SpaceHoldingRegister, 2, 77))
	assert.False(t, d.SetValue(SpaceHoldingRegister, 2, 77), "相同值不算變化")

	v, ok := d.Value(SpaceHoldingRegister, 2)
	require.True(t, ok)
	assert.Equal(t, uint16(77), v)

	// 不屬於裝置的位址
	assert.False(t, d.SetValue(SpaceHoldingRegister, 4, 1))
	_, ok = d.Value(SpaceHoldingRegister, 4)
	assert.False(t, ok)

	// Registers 回傳副本
	regs := d.Registers(SpaceHoldingRegister)
	regs[2].Value = 0
	v, _ = d.Value(SpaceHoldingRegister, 2)
	assert.Equal(t, uint16(77), v)
}

func TestDeviceCache_Capture(t *testing.T) {
	d, err := NewDevice(1, DeviceRanges{
		HoldingRegisters: &RegisterRange{Start: 0, Count: 3},
		Coils:            &RegisterRange{Start: 5, Count: 2},
	})
	require.NoError(t, err)
	d.SetValue(SpaceHoldingRegister, 1, 500)
	d.SetValue(SpaceCoil, 6, 1)

	cache := NewDeviceCache()
	cache.Capture(d)

	assert.Equal(t, 5, cache.Len())

	v, ok := cache.Get(SpaceHoldingRegister, 1)
	require.True(t, ok)
	assert.Equal(t, uint16(500), v)

	v, ok = cache.Get(SpaceCoil, 6)
	require.True(t, ok)
	assert.Equal(t, uint16(1), v)

	_, ok = cache.Get(SpaceInputRegister, 0)
	assert.False(t, ok)
}

func TestDeviceCache_SnapshotIsCopy(t *testing.T) {
	cache := NewDeviceCache()
	cache.Set(SpaceInputRegister, 3, 9)

	snap := cache.Snapshot()
	snap[SpaceInputRegister][3] = 100

	v, _ := cache.Get(SpaceInputRegister, 3)
	assert.Equal(t, uint16(9), v)

	// 無效空間被忽略
	cache.Set(RegisterSpace(42), 0, 1)
	assert.Equal(t, 1, cache.Len())
}
