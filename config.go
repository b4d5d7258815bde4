package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/goburrow/serial"
	"github.com/spf13/viper"
)

// Config 全域配置
type Config struct {
	Server  ServerConfig   `json:"server" mapstructure:"server"`
	Serial  SerialConfig   `json:"serial" mapstructure:"serial"`
	Network NetworkConfig  `json:"network" mapstructure:"network"`
	Table   TableConfig    `json:"table" mapstructure:"table"`
	Sync    SyncConfig     `json:"sync" mapstructure:"sync"`
	Devices []DeviceConfig `json:"devices" mapstructure:"devices"`
	Logging LoggingConfig  `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig  `json:"metrics" mapstructure:"metrics"`
}

// ServerConfig 伺服器配置
type ServerConfig struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	PollInterval    time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	RetryBackoff    time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`
	WaitForPort     bool          `json:"wait_for_port" mapstructure:"wait_for_port"`
	GracefulTimeout time.Duration `json:"graceful_timeout" mapstructure:"graceful_timeout"`
}

// SerialConfig RTU 序列埠配置
type SerialConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Address  string        `json:"address" mapstructure:"address"`
	BaudRate int           `json:"baud_rate" mapstructure:"baud_rate"`
	DataBits int           `json:"data_bits" mapstructure:"data_bits"`
	StopBits int           `json:"stop_bits" mapstructure:"stop_bits"`
	Parity   string        `json:"parity" mapstructure:"parity"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NetworkConfig 網路配置
type NetworkConfig struct {
	Interface string `json:"interface" mapstructure:"interface"`
	// Provision 啟動前在介面上建立監聽 IP
	Provision bool `json:"provision" mapstructure:"provision"`
}

// TableConfig 共享暫存器表配置
type TableConfig struct {
	Capacity int `json:"capacity" mapstructure:"capacity"`
	// StrictCapacity 註冊時拒絕超出容量的範圍
	StrictCapacity bool `json:"strict_capacity" mapstructure:"strict_capacity"`
}

// SyncConfig 同步引擎配置
type SyncConfig struct {
	WritebackScope string `json:"writeback_scope" mapstructure:"writeback_scope"`
	UpdateBuffer   int    `json:"update_buffer" mapstructure:"update_buffer"`
}

// RangeConfig 位址範圍
type RangeConfig struct {
	Start int `json:"start" mapstructure:"start"`
	Count int `json:"count" mapstructure:"count"`
}

// ValueConfig 初始值
type ValueConfig struct {
	Space   string `json:"space" mapstructure:"space"`
	Address uint16 `json:"address" mapstructure:"address"`
	Value   int    `json:"value" mapstructure:"value"`
}

// DeviceConfig 虛擬裝置配置
//
// Start/Count 同時套用到四種空間；個別空間的設定優先。
type DeviceConfig struct {
	UnitID           uint8         `json:"unit_id" mapstructure:"unit_id"`
	Start            int           `json:"start,omitempty" mapstructure:"start"`
	Count            int           `json:"count,omitempty" mapstructure:"count"`
	Coils            *RangeConfig  `json:"coils,omitempty" mapstructure:"coils"`
	DiscreteInputs   *RangeConfig  `json:"discrete_inputs,omitempty" mapstructure:"discrete_inputs"`
	HoldingRegisters *RangeConfig  `json:"holding_registers,omitempty" mapstructure:"holding_registers"`
	InputRegisters   *RangeConfig  `json:"input_registers,omitempty" mapstructure:"input_registers"`
	Values           []ValueConfig `json:"values,omitempty" mapstructure:"values"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            ModbusTCPDefaultPort,
			PollInterval:    defaultPollInterval,
			RetryBackoff:    defaultRetryBackoff,
			GracefulTimeout: 10 * time.Second,
		},
		Serial: SerialConfig{
			Enabled:  false,
			Address:  "/dev/ttyUSB0",
			BaudRate: 9600,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  time.Second,
		},
		Network: NetworkConfig{
			Interface: "eth0",
		},
		Table: TableConfig{
			Capacity:       DefaultTableCapacity,
			StrictCapacity: true,
		},
		Sync: SyncConfig{
			WritebackScope: WritebackLoaded.String(),
			UpdateBuffer:   defaultUpdateBuffer,
		},
		Devices: []DeviceConfig{
			{UnitID: 1, Start: 0, Count: 10},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/modbussim/")
		v.AddConfigPath("$HOME/.modbussim/")
	}

	// 環境變數覆蓋 (MODBUSSIM_SERVER_PORT 等)
	v.SetEnvPrefix("MODBUSSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	// 配置檔有 devices 時完全取代預設裝置
	if v.IsSet("devices") {
		cfg.Devices = nil
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無效的埠號: %d", c.Server.Port)
	}

	if c.Server.Host != "" && net.ParseIP(c.Server.Host) == nil {
		return fmt.Errorf("無效的監聽 IP: %s", c.Server.Host)
	}

	if c.Table.Capacity < 2 {
		return fmt.Errorf("共享表容量必須 >= 2: %d", c.Table.Capacity)
	}

	if c.Table.Capacity > MaxAddress+2 {
		return fmt.Errorf("共享表容量超過上限 (最大 %d)", MaxAddress+2)
	}

	if _, err := ParseWritebackScope(c.Sync.WritebackScope); err != nil {
		return err
	}

	if c.Sync.UpdateBuffer < 0 {
		return fmt.Errorf("無效的訂閱通道容量: %d", c.Sync.UpdateBuffer)
	}

	if c.Serial.Enabled && c.Serial.Address == "" {
		return fmt.Errorf("啟用 RTU 時必須指定序列埠")
	}

	seen := make(map[uint8]bool, len(c.Devices))
	for i, d := range c.Devices {
		if seen[d.UnitID] {
			return fmt.Errorf("裝置 #%d: %w: %d", i, ErrDuplicateUnit, d.UnitID)
		}
		seen[d.UnitID] = true

		ranges := d.Ranges()
		if err := ranges.Validate(); err != nil {
			return fmt.Errorf("裝置 %d: %w", d.UnitID, err)
		}
		for _, val := range d.Values {
			if _, err := ParseRegisterSpace(val.Space); err != nil {
				return fmt.Errorf("裝置 %d: %w", d.UnitID, err)
			}
		}
	}

	return nil
}

// Ranges 轉換為裝置範圍
func (d DeviceConfig) Ranges() DeviceRanges {
	var r DeviceRanges
	if d.Count > 0 {
		r = UniformRanges(d.Start, d.Count)
	}
	if d.Coils != nil {
		r.Coils = &RegisterRange{Start: d.Coils.Start, Count: d.Coils.Count}
	}
	if d.DiscreteInputs != nil {
		r.DiscreteInputs = &RegisterRange{Start: d.DiscreteInputs.Start, Count: d.DiscreteInputs.Count}
	}
	if d.HoldingRegisters != nil {
		r.HoldingRegisters = &RegisterRange{Start: d.HoldingRegisters.Start, Count: d.HoldingRegisters.Count}
	}
	if d.InputRegisters != nil {
		r.InputRegisters = &RegisterRange{Start: d.InputRegisters.Start, Count: d.InputRegisters.Count}
	}
	return r
}

// SerialPortConfig 轉換為 goburrow/serial 配置，未啟用時回傳 nil
func (c *Config) SerialPortConfig() *serial.Config {
	if !c.Serial.Enabled {
		return nil
	}
	return &serial.Config{
		Address:  c.Serial.Address,
		BaudRate: c.Serial.BaudRate,
		DataBits: c.Serial.DataBits,
		StopBits: c.Serial.StopBits,
		Parity:   c.Serial.Parity,
		Timeout:  c.Serial.Timeout,
	}
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}
