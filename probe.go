package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goburrow/modbus"
	"github.com/spf13/cobra"
)

// ProbeOptions Master 探測選項
type ProbeOptions struct {
	Target   string
	UnitID   uint8
	Timeout  time.Duration
	Serial   string
	BaudRate int
}

// probeHandler 可連線的 goburrow 客戶端處理器
type probeHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// Prober 以 Master 身分對模擬器發出請求
type Prober struct {
	handler probeHandler
	client  modbus.Client
}

// NewProber 建立並連線 Master
func NewProber(opts ProbeOptions) (*Prober, error) {
	var h probeHandler
	if opts.Serial != "" {
		rtu := modbus.NewRTUClientHandler(opts.Serial)
		rtu.BaudRate = opts.BaudRate
		rtu.DataBits = 8
		rtu.Parity = "N"
		rtu.StopBits = 1
		rtu.SlaveId = opts.UnitID
		rtu.Timeout = opts.Timeout
		h = rtu
	} else {
		tcp := modbus.NewTCPClientHandler(opts.Target)
		tcp.SlaveId = opts.UnitID
		tcp.Timeout = opts.Timeout
		h = tcp
	}

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("連線失敗: %w", err)
	}

	return &Prober{handler: h, client: modbus.NewClient(h)}, nil
}

// Close 關閉連線
func (p *Prober) Close() error {
	return p.handler.Close()
}

// Read 讀取指定空間，回傳每個位址的值
func (p *Prober) Read(space RegisterSpace, address, quantity uint16) ([]uint16, error) {
	var (
		raw []byte
		err error
	)
	switch space {
	case SpaceCoil:
		raw, err = p.client.ReadCoils(address, quantity)
	case SpaceDiscreteInput:
		raw, err = p.client.ReadDiscreteInputs(address, quantity)
	case SpaceHoldingRegister:
		raw, err = p.client.ReadHoldingRegisters(address, quantity)
	case SpaceInputRegister:
		raw, err = p.client.ReadInputRegisters(address, quantity)
	default:
		return nil, fmt.Errorf("未知的暫存器空間: %d", space)
	}
	if err != nil {
		return nil, probeError(err)
	}

	if space.IsBit() {
		bits := ByteToCoils(raw, int(quantity))
		values := make([]uint16, len(bits))
		for i, b := range bits {
			values[i] = boolToValue(b)
		}
		return values, nil
	}
	return BytesToRegisters(raw), nil
}

// Write 寫入線圈或保持暫存器，單一值使用 FC5/FC6
func (p *Prober) Write(space RegisterSpace, address uint16, values []uint16) error {
	if !space.MasterWritable() {
		return fmt.Errorf("%s 不可由 Master 寫入", space)
	}
	if len(values) == 0 {
		return fmt.Errorf("至少需要一個值")
	}

	var err error
	switch {
	case space == SpaceCoil && len(values) == 1:
		v := CoilOff
		if values[0] != 0 {
			v = CoilOn
		}
		_, err = p.client.WriteSingleCoil(address, v)
	case space == SpaceCoil:
		bits := make([]bool, len(values))
		for i, v := range values {
			bits[i] = v != 0
		}
		_, err = p.client.WriteMultipleCoils(address, uint16(len(bits)), CoilsToByte(bits))
	case len(values) == 1:
		_, err = p.client.WriteSingleRegister(address, values[0])
	default:
		_, err = p.client.WriteMultipleRegisters(address, uint16(len(values)), RegistersToBytes(values))
	}
	return probeError(err)
}

// probeError 將 goburrow 的異常轉為 ModbusError
func probeError(err error) error {
	if err == nil {
		return nil
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &ModbusError{FunctionCode: mbErr.FunctionCode &^ 0x80, Code: mbErr.ExceptionCode}
	}
	return err
}

func printProbeValues(w io.Writer, space RegisterSpace, address uint16, values []uint16) {
	for i, v := range values {
		addr := address + uint16(i)
		fmt.Fprintf(w, "%-6d %-5d %d\n", space.DisplayAddress(addr), addr, v)
	}
}

func probeOptionsFromFlags(cmd *cobra.Command) ProbeOptions {
	target, _ := cmd.Flags().GetString("target")
	unit, _ := cmd.Flags().GetUint8("unit")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	rtu, _ := cmd.Flags().GetString("rtu")
	baud, _ := cmd.Flags().GetInt("baud")
	return ProbeOptions{
		Target:   target,
		UnitID:   unit,
		Timeout:  timeout,
		Serial:   rtu,
		BaudRate: baud,
	}
}

// probeCmd 探測命令組
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "以 Master 身分讀寫模擬器",
	Long:  "使用 Modbus TCP (或 RTU) Master 對指定 Unit ID 發出讀寫請求。",
}

// probeReadCmd 讀取
var probeReadCmd = &cobra.Command{
	Use:   "read <space> <addr> [count]",
	Short: "讀取暫存器",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		space, err := ParseRegisterSpace(args[0])
		if err != nil {
			return err
		}
		addr, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return fmt.Errorf("無效的位址: %s", args[1])
		}
		count := uint64(1)
		if len(args) == 3 {
			if count, err = strconv.ParseUint(args[2], 10, 16); err != nil || count == 0 {
				return fmt.Errorf("無效的數量: %s", args[2])
			}
		}

		p, err := NewProber(probeOptionsFromFlags(cmd))
		if err != nil {
			return err
		}
		defer p.Close()

		values, err := p.Read(space, uint16(addr), uint16(count))
		if err != nil {
			return err
		}
		printProbeValues(cmd.OutOrStdout(), space, uint16(addr), values)
		return nil
	},
}

// probeWriteCmd 寫入
var probeWriteCmd = &cobra.Command{
	Use:   "write <space> <addr> <value>[,<value>...]",
	Short: "寫入線圈或保持暫存器",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		space, err := ParseRegisterSpace(args[0])
		if err != nil {
			return err
		}
		addr, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return fmt.Errorf("無效的位址: %s", args[1])
		}

		var values []uint16
		for _, s := range strings.Split(args[2], ",") {
			v, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return fmt.Errorf("無效的值: %s", s)
			}
			values = append(values, space.Clamp(v))
		}

		p, err := NewProber(probeOptionsFromFlags(cmd))
		if err != nil {
			return err
		}
		defer p.Close()

		if err := p.Write(space, uint16(addr), values); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已寫入 %d 個值\n", len(values))
		return nil
	},
}

func init() {
	probeCmd.PersistentFlags().StringP("target", "t", "127.0.0.1:502", "Modbus TCP 位址")
	probeCmd.PersistentFlags().Uint8P("unit", "u", 1, "Unit ID")
	probeCmd.PersistentFlags().Duration("timeout", 5*time.Second, "請求逾時")
	probeCmd.PersistentFlags().String("rtu", "", "改用 RTU 序列埠 (例如 /dev/ttyUSB0)")
	probeCmd.PersistentFlags().Int("baud", 9600, "RTU 鮑率")

	probeCmd.AddCommand(probeReadCmd, probeWriteCmd)
}
