package main

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownUnit Unit ID 未註冊
	ErrUnknownUnit = errors.New("未註冊的 Unit ID")
	// ErrDuplicateUnit Unit ID 已存在
	ErrDuplicateUnit = errors.New("Unit ID 已存在")
	// ErrInvalidRange 範圍無效
	ErrInvalidRange = errors.New("無效的位址範圍")
	// ErrCapacityExceeded 範圍超出共享表容量
	ErrCapacityExceeded = errors.New("範圍超出共享暫存器表容量")
	// ErrAddressNotOwned 位址不屬於該裝置
	ErrAddressNotOwned = errors.New("位址不屬於該裝置")
)

// deviceEntry 裝置與其快取
type deviceEntry struct {
	device *Device
	cache  *DeviceCache
}

// DeviceRegistry Unit ID -> (裝置, 快取) 映射
type DeviceRegistry struct {
	mu sync.RWMutex

	entries map[uint8]*deviceEntry

	// 容量限制 (0 代表不檢查)
	capacity int
}

// NewDeviceRegistry 建立裝置註冊表
// capacity > 0 時，超出共享表容量的範圍會在註冊時被拒絕
func NewDeviceRegistry(capacity int) *DeviceRegistry {
	return &DeviceRegistry{
		entries:  make(map[uint8]*deviceEntry),
		capacity: capacity,
	}
}

// AddDevice 新增裝置
func (r *DeviceRegistry) AddDevice(unitID uint8, ranges DeviceRanges) (*Device, error) {
	if err := ranges.Validate(); err != nil {
		return nil, err
	}
	if err := r.checkCapacity(ranges); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[unitID]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateUnit, unitID)
	}

	device, err := NewDevice(unitID, ranges)
	if err != nil {
		return nil, err
	}

	cache := NewDeviceCache()
	cache.Capture(device)

	r.entries[unitID] = &deviceEntry{device: device, cache: cache}
	return device, nil
}

// checkCapacity 最後一個位址的表索引 (start+count) 必須小於容量
func (r *DeviceRegistry) checkCapacity(ranges DeviceRanges) error {
	if r.capacity <= 0 {
		return nil
	}
	for _, space := range AllSpaces() {
		rr := ranges.For(space)
		if rr == nil {
			continue
		}
		if rr.End()+1 >= r.capacity {
			return fmt.Errorf("%w: %s 位址 %d 超過上限 %d",
				ErrCapacityExceeded, space, rr.End(), r.capacity-2)
		}
	}
	return nil
}

// RemoveDevice 移除裝置與其快取，不存在時不做任何事
func (r *DeviceRegistry) RemoveDevice(unitID uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[unitID]; !ok {
		return false
	}
	delete(r.entries, unitID)
	return true
}

// Get 取得裝置
func (r *DeviceRegistry) Get(unitID uint8) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[unitID]
	if !ok {
		return nil, false
	}
	return e.device, true
}

// Cache 取得裝置快取
func (r *DeviceRegistry) Cache(unitID uint8) (*DeviceCache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[unitID]
	if !ok {
		return nil, false
	}
	return e.cache, true
}

// ensureCache 取得快取，不存在時以裝置即時值建立
func (r *DeviceRegistry) ensureCache(unitID uint8) (*DeviceCache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[unitID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUnit, unitID)
	}
	if e.cache == nil {
		e.cache = NewDeviceCache()
		e.cache.Capture(e.device)
	}
	return e.cache, nil
}

// List 依 Unit ID 排序列出裝置
func (r *DeviceRegistry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]*Device, 0, len(r.entries))
	for _, e := range r.entries {
		devices = append(devices, e.device)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].UnitID < devices[j].UnitID
	})
	return devices
}

// Len 裝置數量
func (r *DeviceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
