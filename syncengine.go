package main

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// maxDiagnostics 保留的診斷紀錄數量
const maxDiagnostics = 100

// noUnit 尚未載入/顯示任何裝置
const noUnit = -1

// WritebackScope Master 寫入回寫的目標範圍
type WritebackScope int

const (
	// WritebackLoaded 優先回寫目前載入 (發出請求) 的裝置
	WritebackLoaded WritebackScope = iota
	// WritebackAll 回寫所有擁有該位址的裝置
	WritebackAll
)

func (s WritebackScope) String() string {
	switch s {
	case WritebackLoaded:
		return "loaded"
	case WritebackAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseWritebackScope 解析回寫範圍
func ParseWritebackScope(s string) (WritebackScope, error) {
	switch strings.ToLower(s) {
	case "", "loaded":
		return WritebackLoaded, nil
	case "all":
		return WritebackAll, nil
	default:
		return WritebackLoaded, fmt.Errorf("未知的回寫範圍: %q", s)
	}
}

// UpdateOrigin 更新來源
type UpdateOrigin int

const (
	OriginMaster UpdateOrigin = iota
	OriginEdit
)

func (o UpdateOrigin) String() string {
	if o == OriginMaster {
		return "master"
	}
	return "edit"
}

// DeviceUpdate 裝置值變更訊息 (供呈現層消費)
type DeviceUpdate struct {
	UnitID    uint8
	Space     RegisterSpace
	Address   uint16
	Value     uint16
	Origin    UpdateOrigin
	Displayed bool
}

// Diagnostic 診斷紀錄
type Diagnostic struct {
	Time         time.Time
	UnitID       uint8
	FunctionCode uint8
	Message      string
}

// TableWrite 協議層對共享表的一次連續寫入
type TableWrite struct {
	Space    RegisterSpace
	Address  uint16
	Quantity uint16
}

// TableFunc 在引擎鎖內對共享表執行 PDU
type TableFunc func(table *RegisterTable) (*TableWrite, error)

// SyncStats 同步統計
type SyncStats struct {
	Requests            atomic.Uint64
	UnknownUnitRequests atomic.Uint64
	Loads               atomic.Uint64
	DroppedEntries      atomic.Uint64
	WriteBacks          atomic.Uint64
	PropagatedValues    atomic.Uint64
	IgnoredWrites       atomic.Uint64
	Edits               atomic.Uint64
	SuppressedEdits     atomic.Uint64
	DroppedUpdates      atomic.Uint64
}

// SyncStatsSnapshot 統計快照
type SyncStatsSnapshot struct {
	Requests            uint64 `json:"requests"`
	UnknownUnitRequests uint64 `json:"unknown_unit_requests"`
	Loads               uint64 `json:"loads"`
	DroppedEntries      uint64 `json:"dropped_entries"`
	WriteBacks          uint64 `json:"write_backs"`
	PropagatedValues    uint64 `json:"propagated_values"`
	IgnoredWrites       uint64 `json:"ignored_writes"`
	Edits               uint64 `json:"edits"`
	SuppressedEdits     uint64 `json:"suppressed_edits"`
	DroppedUpdates      uint64 `json:"dropped_updates"`
}

// SyncEngine 共享暫存器表與多個裝置快取之間的同步引擎
//
// 收到 Unit U 的請求時把 U 的快取換入共享表；Master 寫入後把值回寫到
// 對應裝置的快取與即時模型；操作端的編輯直接寫入快取。
type SyncEngine struct {
	mu sync.Mutex

	registry *DeviceRegistry
	table    *RegisterTable
	scope    WritebackScope

	// 進行中的 Master 寫入回寫數量 (含通知)，> 0 時編輯視為回音
	updatingFromMaster atomic.Int32

	loaded             int
	lastRequestUnknown bool
	displayed          atomic.Int32

	hooks []func(DeviceUpdate)

	subsMu  sync.Mutex
	subs    map[int]chan DeviceUpdate
	nextSub int

	diagMu sync.Mutex
	diags  []Diagnostic

	stats SyncStats

	logger *zap.Logger
}

// SyncOption 同步引擎選項
type SyncOption func(*SyncEngine)

// WithSyncLogger 設定日誌
func WithSyncLogger(logger *zap.Logger) SyncOption {
	return func(e *SyncEngine) {
		e.logger = logger
	}
}

// WithWritebackScope 設定回寫範圍
func WithWritebackScope(scope WritebackScope) SyncOption {
	return func(e *SyncEngine) {
		e.scope = scope
	}
}

// WithChangeHook 註冊即時模型變更通知
// hook 在回寫旗標仍為 true 時同步呼叫，只能回呼 PushEdit
func WithChangeHook(hook func(DeviceUpdate)) SyncOption {
	return func(e *SyncEngine) {
		e.hooks = append(e.hooks, hook)
	}
}

// NewSyncEngine 建立同步引擎
func NewSyncEngine(registry *DeviceRegistry, table *RegisterTable, opts ...SyncOption) *SyncEngine {
	e := &SyncEngine{
		registry: registry,
		table:    table,
		loaded:   noUnit,
		subs:     make(map[int]chan DeviceUpdate),
	}
	e.displayed.Store(noUnit)

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = zap.NewNop()
	}

	return e
}

// Registry 取得裝置註冊表
func (e *SyncEngine) Registry() *DeviceRegistry {
	return e.registry
}

// Table 取得共享暫存器表
func (e *SyncEngine) Table() *RegisterTable {
	return e.table
}

// IsUpdatingFromMaster 是否正在回寫 Master 寫入
func (e *SyncEngine) IsUpdatingFromMaster() bool {
	return e.updatingFromMaster.Load() > 0
}

// --- 裝置生命週期 ---

// AddDevice 新增裝置並建立快取
func (e *SyncEngine) AddDevice(unitID uint8, ranges DeviceRanges) (*Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	device, err := e.registry.AddDevice(unitID, ranges)
	if err != nil {
		return nil, err
	}

	e.logger.Info("裝置已新增",
		zap.Uint8("unit_id", unitID),
		zap.Strings("spaces", describeRanges(ranges)),
	)
	return device, nil
}

// RemoveDevice 移除裝置與快取，共享表不清理
func (e *SyncEngine) RemoveDevice(unitID uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.RemoveDevice(unitID) {
		return
	}
	if e.loaded == int(unitID) {
		e.loaded = noUnit
	}
	e.displayed.CompareAndSwap(int32(unitID), noUnit)

	e.logger.Info("裝置已刪除", zap.Uint8("unit_id", unitID))
}

// --- 載入/交換 ---

// LoadDevice 以裝置快取重建共享表
func (e *SyncEngine) LoadDevice(unitID uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(unitID)
}

func (e *SyncEngine) loadLocked(unitID uint8) error {
	cache, err := e.registry.ensureCache(unitID)
	if err != nil {
		return err
	}

	dropped := e.table.Load(cache.Snapshot())
	e.loaded = int(unitID)
	e.lastRequestUnknown = false

	e.stats.Loads.Add(1)
	if dropped > 0 {
		e.stats.DroppedEntries.Add(uint64(dropped))
		e.logger.Debug("部分快取項目超出共享表容量，已略過",
			zap.Uint8("unit_id", unitID),
			zap.Int("dropped", dropped),
			zap.Int("capacity", e.table.Capacity()),
		)
	}
	return nil
}

// LoadedUnit 目前載入共享表的裝置
func (e *SyncEngine) LoadedUnit() (uint8, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded == noUnit {
		return 0, false
	}
	return uint8(e.loaded), true
}

// --- 請求路由 ---

// OnRequestReceived 協議層收到 PDU 時呼叫 (在處理 PDU 之前)
func (e *SyncEngine) OnRequestReceived(unitID, functionCode uint8) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.routeLocked(unitID, functionCode)
}

func (e *SyncEngine) routeLocked(unitID, functionCode uint8) bool {
	e.stats.Requests.Add(1)

	if _, ok := e.registry.Get(unitID); !ok {
		e.lastRequestUnknown = true
		e.stats.UnknownUnitRequests.Add(1)
		e.recordDiagnostic(unitID, functionCode, "未註冊的 Unit ID 請求")
		e.logger.Warn("收到未註冊 Unit ID 的請求",
			zap.Uint8("unit_id", unitID),
			zap.Uint8("fc", functionCode),
			zap.String("fc_name", FunctionCodeName(functionCode)),
		)
		return false
	}

	if err := e.loadLocked(unitID); err != nil {
		e.recordDiagnostic(unitID, functionCode, err.Error())
		e.logger.Error("載入裝置快取失敗", zap.Uint8("unit_id", unitID), zap.Error(err))
		return false
	}

	e.logger.Debug("請求",
		zap.Uint8("unit_id", unitID),
		zap.Uint8("fc", functionCode),
		zap.String("fc_name", FunctionCodeName(functionCode)),
	)
	return true
}

// Transact 在同一把鎖內完成路由、PDU 與回寫
func (e *SyncEngine) Transact(unitID, functionCode uint8, fn TableFunc) (known bool, err error) {
	var (
		wrote   bool
		updates []DeviceUpdate
	)
	defer func() {
		if wrote {
			e.notify(updates)
			e.updatingFromMaster.Add(-1)
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	known = e.routeLocked(unitID, functionCode)

	w, err := fn(e.table)
	if err != nil || w == nil {
		return known, err
	}

	wrote = true
	e.updatingFromMaster.Add(1)
	updates = e.writeBackLocked(*w)
	return known, nil
}

// --- Master 寫入回寫 ---

// OnTableWritten 協議層寫入共享表之後呼叫
func (e *SyncEngine) OnTableWritten(space RegisterSpace, startAddress, quantity uint16) {
	e.updatingFromMaster.Add(1)
	defer e.updatingFromMaster.Add(-1)

	var updates []DeviceUpdate
	func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		updates = e.writeBackLocked(TableWrite{Space: space, Address: startAddress, Quantity: quantity})
	}()

	e.notify(updates)
}

func (e *SyncEngine) writeBackLocked(w TableWrite) []DeviceUpdate {
	e.stats.WriteBacks.Add(1)

	if !w.Space.Valid() || w.Quantity == 0 {
		return nil
	}

	if e.lastRequestUnknown {
		e.stats.IgnoredWrites.Add(1)
		e.recordDiagnostic(0, 0, fmt.Sprintf("未註冊 Unit 的寫入不回寫 (%s addr=%d qty=%d)", w.Space, w.Address, w.Quantity))
		e.logger.Warn("寫入來自未註冊的 Unit ID，不回寫",
			zap.String("space", w.Space.String()),
			zap.Uint16("address", w.Address),
			zap.Uint16("quantity", w.Quantity),
		)
		return nil
	}

	loaded, all := e.targetsLocked()
	displayed := e.displayed.Load()

	var updates []DeviceUpdate
	for i := 0; i < int(w.Quantity); i++ {
		a := int(w.Address) + i
		if a > MaxAddress {
			break
		}
		addr := uint16(a)

		value, err := e.table.Get(w.Space, addr)
		if err != nil {
			break
		}

		targets := all
		if loaded != nil && loaded.device.Owns(w.Space, addr) {
			targets = []deviceEntry{*loaded}
		}

		for _, t := range targets {
			if !t.device.Owns(w.Space, addr) {
				continue
			}
			t.cache.Set(w.Space, addr, value)
			e.stats.PropagatedValues.Add(1)

			upd := DeviceUpdate{
				UnitID:  t.device.UnitID,
				Space:   w.Space,
				Address: addr,
				Value:   value,
				Origin:  OriginMaster,
			}
			if displayed == int32(t.device.UnitID) {
				t.device.SetValue(w.Space, addr, value)
				upd.Displayed = true
			}
			updates = append(updates, upd)
		}
	}

	e.logger.Debug("Master 寫入已回寫",
		zap.String("space", w.Space.String()),
		zap.Uint16("address", w.Address),
		zap.Uint16("quantity", w.Quantity),
		zap.Int("updated", len(updates)),
	)
	return updates
}

// targetsLocked 回寫目標
// loaded 範圍下，位址屬於目前載入的裝置時只回寫該裝置；
// 否則 (或 all 範圍) 回寫所有擁有該位址的裝置。
func (e *SyncEngine) targetsLocked() (*deviceEntry, []deviceEntry) {
	var loaded *deviceEntry
	if e.scope == WritebackLoaded && e.loaded != noUnit {
		unitID := uint8(e.loaded)
		if device, ok := e.registry.Get(unitID); ok {
			if cache, err := e.registry.ensureCache(unitID); err == nil {
				loaded = &deviceEntry{device: device, cache: cache}
			}
		}
	}

	devices := e.registry.List()
	all := make([]deviceEntry, 0, len(devices))
	for _, d := range devices {
		cache, err := e.registry.ensureCache(d.UnitID)
		if err != nil {
			continue
		}
		all = append(all, deviceEntry{device: d, cache: cache})
	}
	return loaded, all
}

// --- 操作端編輯 ---

// PushEdit 將操作端的編輯寫入裝置快取
// 回寫期間呼叫視為回音，直接忽略
func (e *SyncEngine) PushEdit(unitID uint8, space RegisterSpace, address uint16, value int) error {
	if !space.Valid() {
		return fmt.Errorf("未知的暫存器空間: %d", space)
	}

	upd, applied, err := e.pushEditLocked(unitID, space, address, value)
	if err != nil || !applied {
		return err
	}
	e.notify([]DeviceUpdate{upd})
	return nil
}

// pushEditLocked 取得引擎鎖後才檢查回寫旗標，等待鎖的編輯不會蓋掉剛回寫的值
func (e *SyncEngine) pushEditLocked(unitID uint8, space RegisterSpace, address uint16, value int) (DeviceUpdate, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.IsUpdatingFromMaster() {
		e.stats.SuppressedEdits.Add(1)
		e.logger.Debug("回寫期間的編輯已忽略",
			zap.Uint8("unit_id", unitID),
			zap.String("space", space.String()),
			zap.Uint16("address", address),
		)
		return DeviceUpdate{}, false, nil
	}

	device, ok := e.registry.Get(unitID)
	if !ok {
		return DeviceUpdate{}, false, fmt.Errorf("%w: %d", ErrUnknownUnit, unitID)
	}
	if !device.Owns(space, address) {
		return DeviceUpdate{}, false, fmt.Errorf("%w: unit=%d %s addr=%d", ErrAddressNotOwned, unitID, space, address)
	}

	cache, err := e.registry.ensureCache(unitID)
	if err != nil {
		return DeviceUpdate{}, false, err
	}

	v := space.Clamp(value)
	cache.Set(space, address, v)
	device.SetValue(space, address, v)
	e.stats.Edits.Add(1)

	e.logger.Debug("編輯已寫入快取",
		zap.Uint8("unit_id", unitID),
		zap.String("space", space.String()),
		zap.Uint16("address", address),
		zap.Uint16("value", v),
	)

	return DeviceUpdate{
		UnitID:    unitID,
		Space:     space,
		Address:   address,
		Value:     v,
		Origin:    OriginEdit,
		Displayed: e.displayed.Load() == int32(unitID),
	}, true, nil
}

// --- 顯示中的裝置 ---

// SetDisplayedUnit 設定顯示中的裝置並以快取刷新其即時模型
func (e *SyncEngine) SetDisplayedUnit(unitID uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	device, ok := e.registry.Get(unitID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownUnit, unitID)
	}
	cache, err := e.registry.ensureCache(unitID)
	if err != nil {
		return err
	}

	for _, space := range AllSpaces() {
		for _, r := range device.Registers(space) {
			if v, ok := cache.Get(space, r.ModbusAddress); ok {
				device.SetValue(space, r.ModbusAddress, v)
			}
		}
	}

	e.displayed.Store(int32(unitID))
	return nil
}

// ClearDisplayedUnit 取消顯示
func (e *SyncEngine) ClearDisplayedUnit() {
	e.displayed.Store(noUnit)
}

// DisplayedUnit 顯示中的裝置
func (e *SyncEngine) DisplayedUnit() (uint8, bool) {
	v := e.displayed.Load()
	if v == noUnit {
		return 0, false
	}
	return uint8(v), true
}

// --- 訊息傳遞 ---

// Subscribe 訂閱裝置值變更，回傳取消訂閱函式
// 通道滿時訊息會被丟棄
func (e *SyncEngine) Subscribe(buffer int) (<-chan DeviceUpdate, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan DeviceUpdate, buffer)

	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, id)
			close(ch)
			e.subsMu.Unlock()
		})
	}
}

func (e *SyncEngine) notify(updates []DeviceUpdate) {
	if len(updates) == 0 {
		return
	}

	for _, upd := range updates {
		if upd.Origin != OriginMaster {
			continue
		}
		for _, hook := range e.hooks {
			hook(upd)
		}
	}

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		for _, upd := range updates {
			select {
			case ch <- upd:
			default:
				e.stats.DroppedUpdates.Add(1)
			}
		}
	}
}

// --- 診斷與統計 ---

func (e *SyncEngine) recordDiagnostic(unitID, functionCode uint8, msg string) {
	e.diagMu.Lock()
	defer e.diagMu.Unlock()

	e.diags = append(e.diags, Diagnostic{
		Time:         time.Now(),
		UnitID:       unitID,
		FunctionCode: functionCode,
		Message:      msg,
	})
	if len(e.diags) > maxDiagnostics {
		e.diags = e.diags[len(e.diags)-maxDiagnostics:]
	}
}

// Diagnostics 取得診斷紀錄副本
func (e *SyncEngine) Diagnostics() []Diagnostic {
	e.diagMu.Lock()
	defer e.diagMu.Unlock()

	result := make([]Diagnostic, len(e.diags))
	copy(result, e.diags)
	return result
}

// Stats 取得統計快照
func (e *SyncEngine) Stats() SyncStatsSnapshot {
	return SyncStatsSnapshot{
		Requests:            e.stats.Requests.Load(),
		UnknownUnitRequests: e.stats.UnknownUnitRequests.Load(),
		Loads:               e.stats.Loads.Load(),
		DroppedEntries:      e.stats.DroppedEntries.Load(),
		WriteBacks:          e.stats.WriteBacks.Load(),
		PropagatedValues:    e.stats.PropagatedValues.Load(),
		IgnoredWrites:       e.stats.IgnoredWrites.Load(),
		Edits:               e.stats.Edits.Load(),
		SuppressedEdits:     e.stats.SuppressedEdits.Load(),
		DroppedUpdates:      e.stats.DroppedUpdates.Load(),
	}
}

// describeRanges 範圍摘要 (用於日誌)
func describeRanges(r DeviceRanges) []string {
	var out []string
	for _, space := range AllSpaces() {
		rr := r.For(space)
		if rr == nil {
			continue
		}
		out = append(out, fmt.Sprintf("%s[%d..%d] (%d-%d)",
			space, rr.Start, rr.End(),
			space.DisplayAddress(uint16(rr.Start)), space.DisplayAddress(uint16(rr.End()))))
	}
	return out
}
