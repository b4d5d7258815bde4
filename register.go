package main

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// DefaultTableCapacity 共享暫存器表預設容量
const DefaultTableCapacity = 1000

// RegisterTable 線程安全的共享暫存器表
//
// 四個平行陣列，位址 a 存放於索引 a+1，索引 0 保留不用。
// Modbus 協議層直接對此表讀寫；每次請求前由 SyncEngine 換入請求端裝置的快取。
type RegisterTable struct {
	mu sync.RWMutex

	capacity int

	coils            []bool   // 0x - Coils
	discreteInputs   []bool   // 1x - Discrete Inputs
	inputRegisters   []uint16 // 3x - Input Registers
	holdingRegisters []uint16 // 4x - Holding Registers
}

// NewRegisterTable 建立共享暫存器表
func NewRegisterTable(capacity int) *RegisterTable {
	if capacity <= 1 {
		capacity = DefaultTableCapacity
	}
	t := &RegisterTable{capacity: capacity}
	t.reset()
	return t
}

// Capacity 每個陣列的長度 (含保留索引 0)
func (t *RegisterTable) Capacity() int {
	return t.capacity
}

// MaxAddress 可存放的最大 0-based 位址
func (t *RegisterTable) MaxAddress() int {
	return t.capacity - 2
}

// index 將 0-based 位址轉換為陣列索引
func index(address uint16) int {
	return int(address) + 1
}

// InBounds 位址是否落在表內
func (t *RegisterTable) InBounds(address uint16) bool {
	return index(address) < t.capacity
}

// rangeInBounds 範圍 [address, address+quantity) 是否完整落在表內
func (t *RegisterTable) rangeInBounds(address, quantity uint16) bool {
	return quantity > 0 && index(address)+int(quantity) <= t.capacity
}

// reset 清空並重新配置為預設大小 (全部 0/false)
func (t *RegisterTable) reset() {
	t.coils = make([]bool, t.capacity)
	t.discreteInputs = make([]bool, t.capacity)
	t.inputRegisters = make([]uint16, t.capacity)
	t.holdingRegisters = make([]uint16, t.capacity)
}

// Load 以快照內容重建整張表
// 超出容量的項目略過，回傳略過的數量
func (t *RegisterTable) Load(snapshot [spaceCount]map[uint16]uint16) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reset()

	dropped := 0
	for _, space := range AllSpaces() {
		for address, value := range snapshot[space] {
			if !t.InBounds(address) {
				dropped++
				continue
			}
			t.set(space, address, value)
		}
	}
	return dropped
}

// Get 讀取單一位址 (位元空間以 0/1 表示)
func (t *RegisterTable) Get(space RegisterSpace, address uint16) (uint16, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.InBounds(address) {
		return 0, fmt.Errorf("%s 位址超出範圍: %d", space, address)
	}
	return t.get(space, address), nil
}

// Set 寫入單一位址
func (t *RegisterTable) Set(space RegisterSpace, address uint16, value uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.InBounds(address) {
		return fmt.Errorf("%s 位址超出範圍: %d", space, address)
	}
	t.set(space, address, value)
	return nil
}

func (t *RegisterTable) get(space RegisterSpace, address uint16) uint16 {
	idx := index(address)
	switch space {
	case SpaceCoil:
		return boolToValue(t.coils[idx])
	case SpaceDiscreteInput:
		return boolToValue(t.discreteInputs[idx])
	case SpaceHoldingRegister:
		return t.holdingRegisters[idx]
	case SpaceInputRegister:
		return t.inputRegisters[idx]
	}
	return 0
}

func (t *RegisterTable) set(space RegisterSpace, address uint16, value uint16) {
	idx := index(address)
	switch space {
	case SpaceCoil:
		t.coils[idx] = value != 0
	case SpaceDiscreteInput:
		t.discreteInputs[idx] = value != 0
	case SpaceHoldingRegister:
		t.holdingRegisters[idx] = value
	case SpaceInputRegister:
		t.inputRegisters[idx] = value
	}
}

// --- 位元空間 ---

// ReadBits 讀取多個線圈或離散輸入
func (t *RegisterTable) ReadBits(space RegisterSpace, address, quantity uint16) ([]bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	src, err := t.bits(space)
	if err != nil {
		return nil, err
	}
	if !t.rangeInBounds(address, quantity) {
		return nil, fmt.Errorf("%s 位址超出範圍: %d-%d", space, address, int(address)+int(quantity)-1)
	}

	start := index(address)
	result := make([]bool, quantity)
	copy(result, src[start:start+int(quantity)])
	return result, nil
}

// WriteBits 寫入多個線圈或離散輸入
func (t *RegisterTable) WriteBits(space RegisterSpace, address uint16, values []bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dst, err := t.bits(space)
	if err != nil {
		return err
	}
	if !t.rangeInBounds(address, uint16(len(values))) {
		return fmt.Errorf("%s 位址超出範圍: %d-%d", space, address, int(address)+len(values)-1)
	}

	start := index(address)
	copy(dst[start:start+len(values)], values)
	return nil
}

func (t *RegisterTable) bits(space RegisterSpace) ([]bool, error) {
	switch space {
	case SpaceCoil:
		return t.coils, nil
	case SpaceDiscreteInput:
		return t.discreteInputs, nil
	default:
		return nil, fmt.Errorf("%s 不是位元空間", space)
	}
}

// --- 暫存器空間 ---

// ReadRegisters 讀取多個保持暫存器或輸入暫存器
func (t *RegisterTable) ReadRegisters(space RegisterSpace, address, quantity uint16) ([]uint16, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	src, err := t.words(space)
	if err != nil {
		return nil, err
	}
	if !t.rangeInBounds(address, quantity) {
		return nil, fmt.Errorf("%s 位址超出範圍: %d-%d", space, address, int(address)+int(quantity)-1)
	}

	start := index(address)
	result := make([]uint16, quantity)
	copy(result, src[start:start+int(quantity)])
	return result, nil
}

// WriteRegisters 寫入多個保持暫存器或輸入暫存器
func (t *RegisterTable) WriteRegisters(space RegisterSpace, address uint16, values []uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dst, err := t.words(space)
	if err != nil {
		return err
	}
	if !t.rangeInBounds(address, uint16(len(values))) {
		return fmt.Errorf("%s 位址超出範圍: %d-%d", space, address, int(address)+len(values)-1)
	}

	start := index(address)
	copy(dst[start:start+len(values)], values)
	return nil
}

func (t *RegisterTable) words(space RegisterSpace) ([]uint16, error) {
	switch space {
	case SpaceHoldingRegister:
		return t.holdingRegisters, nil
	case SpaceInputRegister:
		return t.inputRegisters, nil
	default:
		return nil, fmt.Errorf("%s 不是暫存器空間", space)
	}
}

func boolToValue(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(bytes[i*2:], reg)
	}
	return bytes
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}

// CoilsToByte 將線圈值轉換為位元組 (LSB 先)
func CoilsToByte(coils []bool) []byte {
	byteCount := (len(coils) + 7) / 8
	bytes := make([]byte, byteCount)
	for i, coil := range coils {
		if coil {
			bytes[i/8] |= 1 << (i % 8)
		}
	}
	return bytes
}

// ByteToCoils 將位元組轉換為線圈值
func ByteToCoils(data []byte, count int) []bool {
	coils := make([]bool, count)
	for i := 0; i < count && i/8 < len(data); i++ {
		coils[i] = (data[i/8] & (1 << (i % 8))) != 0
	}
	return coils
}
