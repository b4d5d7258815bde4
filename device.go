package main

import (
	"fmt"
	"sync"
)

// RegisterRange 單一空間的連續位址範圍
type RegisterRange struct {
	Start int
	Count int
}

// Validate 驗證範圍
func (r RegisterRange) Validate() error {
	if r.Start < 0 {
		return fmt.Errorf("%w: 起始位址必須 >= 0 (start=%d)", ErrInvalidRange, r.Start)
	}
	if r.Count <= 0 {
		return fmt.Errorf("%w: 數量必須 > 0 (count=%d)", ErrInvalidRange, r.Count)
	}
	if r.Start+r.Count-1 > MaxAddress {
		return fmt.Errorf("%w: 範圍超出 %d (start=%d, count=%d)", ErrInvalidRange, MaxAddress, r.Start, r.Count)
	}
	return nil
}

// End 最後一個位址 (含)
func (r RegisterRange) End() int {
	return r.Start + r.Count - 1
}

// Contains 位址是否在範圍內
func (r RegisterRange) Contains(address uint16) bool {
	a := int(address)
	return a >= r.Start && a <= r.End()
}

// DeviceRanges 裝置四種空間的範圍配置，nil 代表該空間不存在
type DeviceRanges struct {
	Coils            *RegisterRange
	DiscreteInputs   *RegisterRange
	HoldingRegisters *RegisterRange
	InputRegisters   *RegisterRange
}

// UniformRanges 四種空間使用同一組 start/count
func UniformRanges(start, count int) DeviceRanges {
	return DeviceRanges{
		Coils:            &RegisterRange{Start: start, Count: count},
		DiscreteInputs:   &RegisterRange{Start: start, Count: count},
		HoldingRegisters: &RegisterRange{Start: start, Count: count},
		InputRegisters:   &RegisterRange{Start: start, Count: count},
	}
}

// For 取得指定空間的範圍
func (r DeviceRanges) For(space RegisterSpace) *RegisterRange {
	switch space {
	case SpaceCoil:
		return r.Coils
	case SpaceDiscreteInput:
		return r.DiscreteInputs
	case SpaceHoldingRegister:
		return r.HoldingRegisters
	case SpaceInputRegister:
		return r.InputRegisters
	default:
		return nil
	}
}

// Validate 驗證所有範圍，至少需要一個空間
func (r DeviceRanges) Validate() error {
	defined := 0
	for _, space := range AllSpaces() {
		rr := r.For(space)
		if rr == nil {
			continue
		}
		defined++
		if err := rr.Validate(); err != nil {
			return fmt.Errorf("%s: %w", space, err)
		}
	}
	if defined == 0 {
		return fmt.Errorf("%w: 至少需要一種暫存器空間", ErrInvalidRange)
	}
	return nil
}

// Register 單一暫存器的即時值
type Register struct {
	DisplayAddress int
	ModbusAddress  uint16
	Value          uint16
}

// Device 虛擬裝置 (以 Unit ID 識別) 的即時暫存器集合
//
// 範圍建立後形狀不變，只有值會改變。
type Device struct {
	mu sync.RWMutex

	UnitID uint8

	ranges DeviceRanges
	live   [spaceCount][]Register
}

// NewDevice 建立裝置，所有值初始化為 0
func NewDevice(unitID uint8, ranges DeviceRanges) (*Device, error) {
	if err := ranges.Validate(); err != nil {
		return nil, err
	}

	d := &Device{UnitID: unitID, ranges: ranges}
	for _, space := range AllSpaces() {
		rr := ranges.For(space)
		if rr == nil {
			continue
		}
		regs := make([]Register, rr.Count)
		for i := range regs {
			addr := uint16(rr.Start + i)
			regs[i] = Register{
				DisplayAddress: space.DisplayAddress(addr),
				ModbusAddress:  addr,
			}
		}
		d.live[space] = regs
	}
	return d, nil
}

// Ranges 取得範圍配置
func (d *Device) Ranges() DeviceRanges {
	return d.ranges
}

// Has 裝置是否擁有此空間
func (d *Device) Has(space RegisterSpace) bool {
	return space.Valid() && d.ranges.For(space) != nil
}

// Owns 裝置是否擁有 (space, address)
func (d *Device) Owns(space RegisterSpace, address uint16) bool {
	rr := d.ranges.For(space)
	return rr != nil && rr.Contains(address)
}

// Registers 取得指定空間即時值的副本
func (d *Device) Registers(space RegisterSpace) []Register {
	if !space.Valid() {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	src := d.live[space]
	if src == nil {
		return nil
	}
	result := make([]Register, len(src))
	copy(result, src)
	return result
}

// Value 讀取即時值
func (d *Device) Value(space RegisterSpace, address uint16) (uint16, bool) {
	if !d.Owns(space, address) {
		return 0, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.live[space][int(address)-d.ranges.For(space).Start].Value, true
}

// SetValue 設定即時值，回傳值是否有變化
func (d *Device) SetValue(space RegisterSpace, address uint16, value uint16) bool {
	if !d.Owns(space, address) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	reg := &d.live[space][int(address)-d.ranges.For(space).Start]
	if reg.Value == value {
		return false
	}
	reg.Value = value
	return true
}

// snapshot 以即時值建立快照
func (d *Device) snapshot() [spaceCount]map[uint16]uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var snap [spaceCount]map[uint16]uint16
	for _, space := range AllSpaces() {
		regs := d.live[space]
		if regs == nil {
			continue
		}
		m := make(map[uint16]uint16, len(regs))
		for _, r := range regs {
			m[r.ModbusAddress] = space.Clamp(int(r.Value))
		}
		snap[space] = m
	}
	return snap
}

// DeviceCache 裝置的持久快取 (稀疏映射: 位址 -> 最後已知值)
//
// 不論裝置是否已載入共享表，快取都是裝置狀態的依據。
type DeviceCache struct {
	mu     sync.RWMutex
	values [spaceCount]map[uint16]uint16
}

// NewDeviceCache 建立空快取
func NewDeviceCache() *DeviceCache {
	c := &DeviceCache{}
	for _, space := range AllSpaces() {
		c.values[space] = make(map[uint16]uint16)
	}
	return c
}

// Capture 將裝置即時值寫入快取
func (c *DeviceCache) Capture(d *Device) {
	snap := d.snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, space := range AllSpaces() {
		for addr, v := range snap[space] {
			c.values[space][addr] = v
		}
	}
}

// Get 讀取快取值
func (c *DeviceCache) Get(space RegisterSpace, address uint16) (uint16, bool) {
	if !space.Valid() {
		return 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[space][address]
	return v, ok
}

// Set 寫入快取值 (呼叫端負責值域限制)
func (c *DeviceCache) Set(space RegisterSpace, address uint16, value uint16) {
	if !space.Valid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[space][address] = value
}

// Len 快取項目總數
func (c *DeviceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, m := range c.values {
		n += len(m)
	}
	return n
}

// Snapshot 取得快取副本
func (c *DeviceCache) Snapshot() [spaceCount]map[uint16]uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var snap [spaceCount]map[uint16]uint16
	for _, space := range AllSpaces() {
		m := make(map[uint16]uint16, len(c.values[space]))
		for addr, v := range c.values[space] {
			m[addr] = v
		}
		snap[space] = m
	}
	return snap
}
