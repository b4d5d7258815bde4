package main

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// RequestHandler 以同步引擎處理 Modbus 請求的 mbserver 功能碼處理器
type RequestHandler struct {
	engine *SyncEngine
	stats  *SlaveStats
	logger *zap.Logger
}

// NewRequestHandler 建立請求處理器
func NewRequestHandler(engine *SyncEngine, stats *SlaveStats, logger *zap.Logger) *RequestHandler {
	if stats == nil {
		stats = &SlaveStats{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestHandler{
		engine: engine,
		stats:  stats,
		logger: logger,
	}
}

// Register 以本處理器取代 mbserver 的預設功能碼
func (h *RequestHandler) Register(s *mbserver.Server) {
	s.RegisterFunctionHandler(FuncCodeReadCoils, h.HandleReadCoils)
	s.RegisterFunctionHandler(FuncCodeReadDiscreteInputs, h.HandleReadDiscreteInputs)
	s.RegisterFunctionHandler(FuncCodeReadHoldingRegisters, h.HandleReadHoldingRegisters)
	s.RegisterFunctionHandler(FuncCodeReadInputRegisters, h.HandleReadInputRegisters)
	s.RegisterFunctionHandler(FuncCodeWriteSingleCoil, h.HandleWriteSingleCoil)
	s.RegisterFunctionHandler(FuncCodeWriteSingleRegister, h.HandleWriteSingleRegister)
	s.RegisterFunctionHandler(FuncCodeWriteMultipleCoils, h.HandleWriteMultipleCoils)
	s.RegisterFunctionHandler(FuncCodeWriteMultipleRegisters, h.HandleWriteMultipleRegisters)
}

// frameUnitID 取得請求的 Unit ID
func frameUnitID(frame mbserver.Framer) uint8 {
	switch f := frame.(type) {
	case *mbserver.TCPFrame:
		return f.Device
	case *mbserver.RTUFrame:
		return f.Address
	default:
		return 0
	}
}

// addressAndQuantity 解析 PDU 前 4 個位元組
func addressAndQuantity(data []byte) (uint16, uint16, bool) {
	if len(data) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4]), true
}

// HandleReadCoils 處理讀取線圈請求 (FC 01)
func (h *RequestHandler) HandleReadCoils(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	return h.handleRead(frame, MaxCoilsPerRead)
}

// HandleReadDiscreteInputs 處理讀取離散輸入請求 (FC 02)
func (h *RequestHandler) HandleReadDiscreteInputs(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	return h.handleRead(frame, MaxCoilsPerRead)
}

// HandleReadHoldingRegisters 處理讀取保持暫存器請求 (FC 03)
func (h *RequestHandler) HandleReadHoldingRegisters(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	return h.handleRead(frame, MaxRegistersPerRead)
}

// HandleReadInputRegisters 處理讀取輸入暫存器請求 (FC 04)
func (h *RequestHandler) HandleReadInputRegisters(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	return h.handleRead(frame, MaxRegistersPerRead)
}

func (h *RequestHandler) handleRead(frame mbserver.Framer, maxQuantity uint16) ([]byte, *mbserver.Exception) {
	unitID := frameUnitID(frame)
	fc := frame.GetFunction()
	data := frame.GetData()

	space, ok := SpaceForFunctionCode(fc)
	if !ok || IsWriteFunctionCode(fc) {
		return h.fail(unitID, fc, len(data), &mbserver.IllegalFunction)
	}

	address, quantity, ok := addressAndQuantity(data)
	if !ok || quantity == 0 || quantity > maxQuantity {
		return h.fail(unitID, fc, len(data), &mbserver.IllegalDataValue)
	}

	var payload []byte
	exception := h.transact(unitID, fc, func(t *RegisterTable) (*TableWrite, error) {
		if space.IsBit() {
			bits, err := t.ReadBits(space, address, quantity)
			if err != nil {
				return nil, err
			}
			payload = CoilsToByte(bits)
		} else {
			regs, err := t.ReadRegisters(space, address, quantity)
			if err != nil {
				return nil, err
			}
			payload = RegistersToBytes(regs)
		}
		return nil, nil
	})
	if exception != &mbserver.Success {
		return h.fail(unitID, fc, len(data), exception)
	}

	resp := make([]byte, 0, len(payload)+1)
	resp = append(resp, byte(len(payload)))
	resp = append(resp, payload...)

	h.stats.record(8, 2+len(resp), false)
	return resp, &mbserver.Success
}

// HandleWriteSingleCoil 處理寫入單一線圈請求 (FC 05)
func (h *RequestHandler) HandleWriteSingleCoil(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	unitID := frameUnitID(frame)
	fc := frame.GetFunction()
	data := frame.GetData()

	address, raw, ok := addressAndQuantity(data)
	if !ok || (raw != CoilOn && raw != CoilOff) {
		return h.fail(unitID, fc, len(data), &mbserver.IllegalDataValue)
	}
	value := raw == CoilOn

	exception := h.transact(unitID, fc, func(t *RegisterTable) (*TableWrite, error) {
		if err := t.WriteBits(SpaceCoil, address, []bool{value}); err != nil {
			return nil, err
		}
		return &TableWrite{Space: SpaceCoil, Address: address, Quantity: 1}, nil
	})
	if exception != &mbserver.Success {
		return h.fail(unitID, fc, len(data), exception)
	}

	h.logWrite(unitID, fc, SpaceCoil, address, 1, formatBits([]bool{value}))
	h.stats.record(8, 8, false)
	return data[0:4], &mbserver.Success
}

// HandleWriteSingleRegister 處理寫入單一暫存器請求 (FC 06)
func (h *RequestHandler) HandleWriteSingleRegister(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	unitID := frameUnitID(frame)
	fc := frame.GetFunction()
	data := frame.GetData()

	address, value, ok := addressAndQuantity(data)
	if !ok {
		return h.fail(unitID, fc, len(data), &mbserver.IllegalDataValue)
	}

	exception := h.transact(unitID, fc, func(t *RegisterTable) (*TableWrite, error) {
		if err := t.WriteRegisters(SpaceHoldingRegister, address, []uint16{value}); err != nil {
			return nil, err
		}
		return &TableWrite{Space: SpaceHoldingRegister, Address: address, Quantity: 1}, nil
	})
	if exception != &mbserver.Success {
		return h.fail(unitID, fc, len(data), exception)
	}

	h.logWrite(unitID, fc, SpaceHoldingRegister, address, 1, formatRegisters([]uint16{value}))
	h.stats.record(8, 8, false)
	return data[0:4], &mbserver.Success
}

// HandleWriteMultipleCoils 處理寫入多個線圈請求 (FC 15)
func (h *RequestHandler) HandleWriteMultipleCoils(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	unitID := frameUnitID(frame)
	fc := frame.GetFunction()
	data := frame.GetData()

	address, quantity, ok := addressAndQuantity(data)
	if !ok || quantity == 0 || quantity > MaxCoilsPerWrite || len(data) < 5 {
		return h.fail(unitID, fc, len(data), &mbserver.IllegalDataValue)
	}
	byteCount := int(data[4])
	if byteCount != (int(quantity)+7)/8 || len(data) < 5+byteCount {
		return h.fail(unitID, fc, len(data), &mbserver.IllegalDataValue)
	}
	values := ByteToCoils(data[5:5+byteCount], int(quantity))

	exception := h.transact(unitID, fc, func(t *RegisterTable) (*TableWrite, error) {
		if err := t.WriteBits(SpaceCoil, address, values); err != nil {
			return nil, err
		}
		return &TableWrite{Space: SpaceCoil, Address: address, Quantity: quantity}, nil
	})
	if exception != &mbserver.Success {
		return h.fail(unitID, fc, len(data), exception)
	}

	h.logWrite(unitID, fc, SpaceCoil, address, quantity, formatBits(values))
	h.stats.record(7+len(data), 8, false)
	return data[0:4], &mbserver.Success
}

// HandleWriteMultipleRegisters 處理寫入多個暫存器請求 (FC 16)
func (h *RequestHandler) HandleWriteMultipleRegisters(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	unitID := frameUnitID(frame)
	fc := frame.GetFunction()
	data := frame.GetData()

	address, quantity, ok := addressAndQuantity(data)
	if !ok || quantity == 0 || quantity > MaxRegistersPerWrite || len(data) < 5 {
		return h.fail(unitID, fc, len(data), &mbserver.IllegalDataValue)
	}
	byteCount := int(data[4])
	if byteCount != int(quantity)*2 || len(data) < 5+byteCount {
		return h.fail(unitID, fc, len(data), &mbserver.IllegalDataValue)
	}
	values := BytesToRegisters(data[5 : 5+byteCount])

	exception := h.transact(unitID, fc, func(t *RegisterTable) (*TableWrite, error) {
		if err := t.WriteRegisters(SpaceHoldingRegister, address, values); err != nil {
			return nil, err
		}
		return &TableWrite{Space: SpaceHoldingRegister, Address: address, Quantity: quantity}, nil
	})
	if exception != &mbserver.Success {
		return h.fail(unitID, fc, len(data), exception)
	}

	h.logWrite(unitID, fc, SpaceHoldingRegister, address, quantity, formatRegisters(values))
	h.stats.record(7+len(data), 8, false)
	return data[0:4], &mbserver.Success
}

// transact 經由同步引擎執行，表操作失敗視為非法位址
func (h *RequestHandler) transact(unitID, fc uint8, fn TableFunc) (exception *mbserver.Exception) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("請求處理例外",
				zap.Uint8("unit_id", unitID),
				zap.Uint8("fc", fc),
				zap.Any("panic", r),
			)
			exception = &mbserver.SlaveDeviceFailure
		}
	}()

	if _, err := h.engine.Transact(unitID, fc, fn); err != nil {
		h.logger.Debug("請求處理失敗",
			zap.Uint8("unit_id", unitID),
			zap.Uint8("fc", fc),
			zap.String("fc_name", FunctionCodeName(fc)),
			zap.Error(err),
		)
		return &mbserver.IllegalDataAddress
	}
	return &mbserver.Success
}

func (h *RequestHandler) fail(unitID, fc uint8, dataLen int, exception *mbserver.Exception) ([]byte, *mbserver.Exception) {
	h.stats.record(2+dataLen, 3, true)
	h.logger.Debug("回應異常",
		zap.Uint8("unit_id", unitID),
		zap.Uint8("fc", fc),
		zap.Uint8("exception", uint8(*exception)),
	)
	return nil, exception
}

func (h *RequestHandler) logWrite(unitID, fc uint8, space RegisterSpace, address, quantity uint16, values string) {
	h.logger.Info("Master 寫入",
		zap.Uint8("unit_id", unitID),
		zap.String("fc", fmt.Sprintf("FC%02d", fc)),
		zap.String("space", space.String()),
		zap.Uint16("address", address),
		zap.Uint16("quantity", quantity),
		zap.String("values", values),
	)
}

// formatBits 最多列出 16 個位元
func formatBits(values []bool) string {
	n := len(values)
	if n > 16 {
		n = 16
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		if values[i] {
			parts[i] = "1"
		} else {
			parts[i] = "0"
		}
	}
	s := strings.Join(parts, ",")
	if len(values) > 16 {
		s += ",..."
	}
	return "[" + s + "]"
}

// formatRegisters 最多列出 8 個暫存器
func formatRegisters(values []uint16) string {
	n := len(values)
	if n > 8 {
		n = 8
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%d", values[i])
	}
	s := strings.Join(parts, ",")
	if len(values) > 8 {
		s += ",..."
	}
	return "[" + s + "]"
}
