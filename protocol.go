package main

import (
	"fmt"
	"strings"
)

// Modbus 協議常數
const (
	// Modbus 功能碼
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	// Modbus 異常碼
	ExceptionCodeIllegalFunction         = 0x01
	ExceptionCodeIllegalDataAddress      = 0x02
	ExceptionCodeIllegalDataValue        = 0x03
	ExceptionCodeSlaveDeviceFailure      = 0x04
	ExceptionCodeAcknowledge             = 0x05
	ExceptionCodeSlaveDeviceBusy         = 0x06
	ExceptionCodeMemoryParityError       = 0x08
	ExceptionCodeGatewayPathUnavailable  = 0x0A
	ExceptionCodeGatewayTargetNoResponse = 0x0B

	// Modbus TCP 常數
	ModbusTCPDefaultPort = 502

	// 暫存器限制
	MaxCoilsPerRead      = 2000
	MaxRegistersPerRead  = 125
	MaxCoilsPerWrite     = 1968
	MaxRegistersPerWrite = 123

	// 單一線圈寫入值
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000

	// 暫存器值域上限
	MaxRegisterValue = 65535
	MaxAddress       = 65535
)

// RegisterSpace 暫存器空間
type RegisterSpace int

const (
	SpaceCoil RegisterSpace = iota
	SpaceDiscreteInput
	SpaceHoldingRegister
	SpaceInputRegister
)

// spaceCount 暫存器空間數量
const spaceCount = 4

// AllSpaces 依固定順序列出四種空間
func AllSpaces() []RegisterSpace {
	return []RegisterSpace{
		SpaceCoil,
		SpaceDiscreteInput,
		SpaceHoldingRegister,
		SpaceInputRegister,
	}
}

func (s RegisterSpace) String() string {
	switch s {
	case SpaceCoil:
		return "Coil"
	case SpaceDiscreteInput:
		return "DiscreteInput"
	case SpaceHoldingRegister:
		return "HoldingRegister"
	case SpaceInputRegister:
		return "InputRegister"
	default:
		return "Unknown"
	}
}

// Valid 是否為已知空間
func (s RegisterSpace) Valid() bool {
	return s >= SpaceCoil && s <= SpaceInputRegister
}

// IsBit 是否為位元空間 (線圈/離散輸入)
func (s RegisterSpace) IsBit() bool {
	return s == SpaceCoil || s == SpaceDiscreteInput
}

// MasterWritable Master 是否可寫入此空間
func (s RegisterSpace) MasterWritable() bool {
	return s == SpaceCoil || s == SpaceHoldingRegister
}

// DisplayBase 顯示位址基底
// 00001+ / 10001+ / 30001+ / 40001+
func (s RegisterSpace) DisplayBase() int {
	switch s {
	case SpaceCoil:
		return 1
	case SpaceDiscreteInput:
		return 10001
	case SpaceInputRegister:
		return 30001
	case SpaceHoldingRegister:
		return 40001
	default:
		return 0
	}
}

// DisplayAddress 將 0-based Modbus 位址轉為顯示位址
func (s RegisterSpace) DisplayAddress(address uint16) int {
	return s.DisplayBase() + int(address)
}

// Clamp 將值限制在空間的值域內
// 位元空間: 非零即 1；暫存器: 飽和至 [0, 65535]
func (s RegisterSpace) Clamp(value int) uint16 {
	if s.IsBit() {
		if value != 0 {
			return 1
		}
		return 0
	}
	if value < 0 {
		return 0
	}
	if value > MaxRegisterValue {
		return MaxRegisterValue
	}
	return uint16(value)
}

// ParseRegisterSpace 解析空間名稱 (接受常見縮寫)
func ParseRegisterSpace(s string) (RegisterSpace, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coil", "coils", "co", "0x":
		return SpaceCoil, nil
	case "discrete", "discreteinput", "discrete_input", "discrete_inputs", "di", "1x":
		return SpaceDiscreteInput, nil
	case "holding", "holdingregister", "holding_register", "holding_registers", "hr", "4x":
		return SpaceHoldingRegister, nil
	case "input", "inputregister", "input_register", "input_registers", "ir", "3x":
		return SpaceInputRegister, nil
	default:
		return 0, fmt.Errorf("未知的暫存器空間: %q", s)
	}
}

// SpaceForFunctionCode 取得功能碼對應的空間
func SpaceForFunctionCode(fc uint8) (RegisterSpace, bool) {
	switch fc {
	case FuncCodeReadCoils, FuncCodeWriteSingleCoil, FuncCodeWriteMultipleCoils:
		return SpaceCoil, true
	case FuncCodeReadDiscreteInputs:
		return SpaceDiscreteInput, true
	case FuncCodeReadHoldingRegisters, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleRegisters:
		return SpaceHoldingRegister, true
	case FuncCodeReadInputRegisters:
		return SpaceInputRegister, true
	default:
		return 0, false
	}
}

// IsWriteFunctionCode 是否為寫入功能碼
func IsWriteFunctionCode(fc uint8) bool {
	switch fc {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return true
	default:
		return false
	}
}

// FunctionCodeName 功能碼名稱
func FunctionCodeName(fc uint8) string {
	switch fc {
	case FuncCodeReadCoils:
		return "Read Coils"
	case FuncCodeReadDiscreteInputs:
		return "Read Discrete Inputs"
	case FuncCodeReadHoldingRegisters:
		return "Read Holding Registers"
	case FuncCodeReadInputRegisters:
		return "Read Input Registers"
	case FuncCodeWriteSingleCoil:
		return "Write Single Coil"
	case FuncCodeWriteSingleRegister:
		return "Write Single Register"
	case FuncCodeWriteMultipleCoils:
		return "Write Multiple Coils"
	case FuncCodeWriteMultipleRegisters:
		return "Write Multiple Registers"
	default:
		return fmt.Sprintf("Unknown FC %d", fc)
	}
}

// ModbusError Modbus 異常錯誤
type ModbusError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ModbusError) Error() string {
	var msg string
	switch e.Code {
	case ExceptionCodeIllegalFunction:
		msg = "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		msg = "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		msg = "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		msg = "從站設備故障"
	case ExceptionCodeAcknowledge:
		msg = "確認"
	case ExceptionCodeSlaveDeviceBusy:
		msg = "從站設備忙碌"
	case ExceptionCodeMemoryParityError:
		msg = "記憶體同位檢查錯誤"
	case ExceptionCodeGatewayPathUnavailable:
		msg = "閘道路徑不可用"
	case ExceptionCodeGatewayTargetNoResponse:
		msg = "閘道目標無回應"
	default:
		msg = "未知錯誤"
	}
	if e.FunctionCode != 0 {
		return fmt.Sprintf("FC%02d 異常 %d: %s", e.FunctionCode, e.Code, msg)
	}
	return msg
}
