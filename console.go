package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// errConsoleQuit 離開主控台
var errConsoleQuit = errors.New("quit")

const defaultUpdateBuffer = 256

// Console 操作端主控台
//
// 以文字指令新增/刪除裝置、編輯暫存器值並觀察 Master 的寫入。
// 所有指令在同一個 goroutine 執行。
type Console struct {
	engine *SyncEngine
	logger *zap.Logger

	// 訂閱通道容量
	updateBuffer int

	outMu sync.Mutex
	out   io.Writer
}

// ConsoleOption 主控台選項
type ConsoleOption func(*Console)

// WithUpdateBuffer 設定訂閱通道容量
func WithUpdateBuffer(n int) ConsoleOption {
	return func(c *Console) {
		if n > 0 {
			c.updateBuffer = n
		}
	}
}

// NewConsole 建立主控台
func NewConsole(engine *SyncEngine, out io.Writer, logger *zap.Logger, opts ...ConsoleOption) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Console{engine: engine, out: out, logger: logger, updateBuffer: defaultUpdateBuffer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run 讀取並執行指令，直到輸入結束、quit 或 ctx 取消
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	updates, unsubscribe := c.engine.Subscribe(c.updateBuffer)
	defer unsubscribe()

	go c.watch(ctx, updates)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	c.printf("輸入 help 查看可用指令\n")
	for {
		c.printf("> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := c.Execute(line); err != nil {
				if errors.Is(err, errConsoleQuit) {
					return nil
				}
				c.printf("錯誤: %v\n", err)
			}
		}
	}
}

// watch 印出顯示中裝置的 Master 寫入
func (c *Console) watch(ctx context.Context, updates <-chan DeviceUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Origin != OriginMaster || !upd.Displayed {
				continue
			}
			c.printf("\n[Master] unit %d %s %d (%d) = %d\n",
				upd.UnitID, upd.Space, upd.Address,
				upd.Space.DisplayAddress(upd.Address), upd.Value)
		}
	}
}

// Execute 執行單行指令
func (c *Console) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	c.logger.Debug("主控台指令", zap.String("cmd", cmd), zap.Strings("args", args))

	switch cmd {
	case "add":
		return c.cmdAdd(args)
	case "rm", "remove", "del":
		return c.cmdRemove(args)
	case "set":
		return c.cmdSet(args)
	case "show":
		return c.cmdShow(args)
	case "select":
		return c.cmdSelect(args)
	case "load":
		return c.cmdLoad(args)
	case "list", "ls":
		c.cmdList()
		return nil
	case "diag":
		c.cmdDiag()
		return nil
	case "help", "?":
		c.printHelp()
		return nil
	case "quit", "exit":
		return errConsoleQuit
	default:
		return fmt.Errorf("未知的指令: %s", cmd)
	}
}

// add <unit> <start> <count> [spaces]
func (c *Console) cmdAdd(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("用法: add <unit> <start> <count> [coil,di,hr,ir]")
	}
	unitID, err := parseUnitID(args[0])
	if err != nil {
		return err
	}
	start, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("無效的起始位址: %s", args[1])
	}
	count, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("無效的數量: %s", args[2])
	}

	var ranges DeviceRanges
	if len(args) > 3 {
		for _, name := range strings.Split(args[3], ",") {
			space, err := ParseRegisterSpace(name)
			if err != nil {
				return err
			}
			rr := &RegisterRange{Start: start, Count: count}
			switch space {
			case SpaceCoil:
				ranges.Coils = rr
			case SpaceDiscreteInput:
				ranges.DiscreteInputs = rr
			case SpaceHoldingRegister:
				ranges.HoldingRegisters = rr
			case SpaceInputRegister:
				ranges.InputRegisters = rr
			}
		}
	} else {
		ranges = UniformRanges(start, count)
	}

	if _, err := c.engine.AddDevice(unitID, ranges); err != nil {
		return err
	}
	c.printf("已新增裝置 %d: %s\n", unitID, strings.Join(describeRanges(ranges), " "))
	return nil
}

func (c *Console) cmdRemove(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("用法: rm <unit>")
	}
	unitID, err := parseUnitID(args[0])
	if err != nil {
		return err
	}
	if _, ok := c.engine.Registry().Get(unitID); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownUnit, unitID)
	}
	c.engine.RemoveDevice(unitID)
	c.printf("已刪除裝置 %d\n", unitID)
	return nil
}

// set <unit> <space> <addr> <value>
func (c *Console) cmdSet(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("用法: set <unit> <space> <addr> <value>")
	}
	unitID, err := parseUnitID(args[0])
	if err != nil {
		return err
	}
	space, err := ParseRegisterSpace(args[1])
	if err != nil {
		return err
	}
	addr, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return fmt.Errorf("無效的位址: %s", args[2])
	}
	value, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("無效的值: %s", args[3])
	}

	if err := c.engine.PushEdit(unitID, space, uint16(addr), value); err != nil {
		return err
	}

	// 讀回實際值 (回寫期間的編輯會被忽略)
	device, ok := c.engine.Registry().Get(unitID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownUnit, unitID)
	}
	v, _ := device.Value(space, uint16(addr))
	c.printf("unit %d %s %d = %d\n", unitID, space, addr, v)
	return nil
}

func (c *Console) cmdShow(args []string) error {
	unitID, err := c.unitArg(args)
	if err != nil {
		return err
	}
	device, ok := c.engine.Registry().Get(unitID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownUnit, unitID)
	}
	// 快取才是裝置的實際狀態，未顯示的裝置即時模型不會收到 Master 寫入
	cache, _ := c.engine.Registry().Cache(unitID)

	c.outMu.Lock()
	defer c.outMu.Unlock()

	fmt.Fprintf(c.out, "裝置 %d\n", unitID)
	for _, space := range AllSpaces() {
		if !device.Has(space) {
			continue
		}
		fmt.Fprintf(c.out, "  %s\n", space)
		for _, r := range device.Registers(space) {
			value := r.Value
			if cache != nil {
				if v, ok := cache.Get(space, r.ModbusAddress); ok {
					value = v
				}
			}
			fmt.Fprintf(c.out, "    %-6d %-5d %d\n", r.DisplayAddress, r.ModbusAddress, value)
		}
	}
	return nil
}

func (c *Console) cmdSelect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("用法: select <unit>")
	}
	unitID, err := parseUnitID(args[0])
	if err != nil {
		return err
	}
	if err := c.engine.SetDisplayedUnit(unitID); err != nil {
		return err
	}
	c.printf("顯示裝置 %d\n", unitID)
	return nil
}

func (c *Console) cmdLoad(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("用法: load <unit>")
	}
	unitID, err := parseUnitID(args[0])
	if err != nil {
		return err
	}
	if err := c.engine.LoadDevice(unitID); err != nil {
		return err
	}
	c.printf("已載入裝置 %d 至共享表\n", unitID)
	return nil
}

func (c *Console) cmdList() {
	devices := c.engine.Registry().List()

	loaded, hasLoaded := c.engine.LoadedUnit()
	displayed, hasDisplayed := c.engine.DisplayedUnit()

	c.outMu.Lock()
	defer c.outMu.Unlock()

	if len(devices) == 0 {
		fmt.Fprintln(c.out, "沒有裝置")
		return
	}
	for _, d := range devices {
		mark := " "
		if hasDisplayed && displayed == d.UnitID {
			mark = "*"
		}
		suffix := ""
		if hasLoaded && loaded == d.UnitID {
			suffix = " (loaded)"
		}
		fmt.Fprintf(c.out, "%s %3d %s%s\n", mark, d.UnitID, strings.Join(describeRanges(d.Ranges()), " "), suffix)
	}
}

func (c *Console) cmdDiag() {
	diags := c.engine.Diagnostics()

	c.outMu.Lock()
	defer c.outMu.Unlock()

	if len(diags) == 0 {
		fmt.Fprintln(c.out, "沒有診斷紀錄")
		return
	}
	for _, d := range diags {
		fmt.Fprintf(c.out, "%s unit=%d fc=%d %s\n",
			d.Time.Format("15:04:05.000"), d.UnitID, d.FunctionCode, d.Message)
	}
}

func (c *Console) printHelp() {
	c.printf(`可用指令:
  add <unit> <start> <count> [spaces]  新增裝置 (spaces: coil,di,hr,ir)
  rm <unit>                            刪除裝置
  set <unit> <space> <addr> <value>    編輯暫存器值
  show [unit]                          顯示裝置暫存器
  select <unit>                        切換顯示中的裝置
  load <unit>                          將裝置快取載入共享表
  list                                 列出裝置
  diag                                 顯示診斷紀錄
  quit                                 離開
`)
}

// unitArg 未指定時使用顯示中的裝置
func (c *Console) unitArg(args []string) (uint8, error) {
	if len(args) > 0 {
		return parseUnitID(args[0])
	}
	if u, ok := c.engine.DisplayedUnit(); ok {
		return u, nil
	}
	return 0, fmt.Errorf("請指定 Unit ID 或先 select")
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func parseUnitID(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("無效的 Unit ID: %s (0-255)", s)
	}
	return uint8(v), nil
}
