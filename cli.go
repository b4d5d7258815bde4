package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

const defaultPIDFile = "/var/run/modbussim.pid"

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "modbussim",
	Short: "多 Unit ID Modbus Slave 模擬器",
	Long: `在單一 Modbus TCP/RTU 監聽上模擬多個以 Unit ID 區分的虛擬裝置。
所有裝置共用一張暫存器表，收到請求時換入對應裝置的快取，
Master 寫入後再回寫到該裝置。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		appConfig = DefaultConfig()
		// 載入配置 (除了 version 和 generate 命令)
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			cfg, loadErr := LoadConfig(cfgFile)
			switch {
			case loadErr == nil:
				appConfig = cfg
			case cfgFile != "" || cmd.Name() == "validate":
				return loadErr
			default:
				err = loadErr
			}
		}

		// 初始化日誌
		l, lerr := initLogger(appConfig.Logging)
		if lerr != nil {
			return fmt.Errorf("初始化日誌失敗: %w", lerr)
		}
		logger = l

		if err != nil {
			logger.Warn("載入配置失敗，使用預設配置", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startCmd 啟動命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "啟動模擬器",
	Long:  "啟動 Modbus 模擬器，開始監聽連線請求。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 覆蓋 CLI 參數
		if host, _ := cmd.Flags().GetString("host"); host != "" {
			appConfig.Server.Host = host
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			appConfig.Server.Port = port
		}
		if scope, _ := cmd.Flags().GetString("writeback"); scope != "" {
			appConfig.Sync.WritebackScope = scope
		}
		if err := appConfig.Validate(); err != nil {
			return err
		}

		logger.Info("啟動 Modbus 模擬器",
			zap.String("host", appConfig.Server.Host),
			zap.Int("port", appConfig.Server.Port),
			zap.Int("devices", len(appConfig.Devices)),
		)

		// 建立引擎
		engine, err := NewEngine(appConfig, logger)
		if err != nil {
			return fmt.Errorf("建立引擎失敗: %w", err)
		}

		// 設置優雅關閉
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		// 啟動引擎
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("啟動引擎失敗: %w", err)
		}

		pidFile, _ := cmd.Flags().GetString("pid-file")
		if pidFile != "" {
			if err := writePIDFile(pidFile); err != nil {
				logger.Warn("寫入 PID 檔案失敗", zap.String("path", pidFile), zap.Error(err))
			} else {
				defer os.Remove(pidFile)
			}
		}

		// 啟動指標收集器
		var metrics *MetricsCollector
		if appConfig.Metrics.Enabled {
			metrics = NewMetricsCollector(engine, logger.Named("metrics"))
			if err := metrics.Start(ctx, appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			}
		}

		// 互動主控台
		consoleDone := make(chan struct{})
		if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
			console := NewConsole(engine.Sync(), cmd.OutOrStdout(), logger.Named("console"),
				WithUpdateBuffer(appConfig.Sync.UpdateBuffer))
			go func() {
				defer close(consoleDone)
				if err := console.Run(ctx, os.Stdin); err != nil {
					logger.Warn("主控台結束", zap.Error(err))
				}
			}()
		}

		// 等待信號或主控台離開
		select {
		case sig := <-sigChan:
			logger.Info("收到關閉信號", zap.String("signal", sig.String()))
		case <-consoleDone:
			logger.Info("主控台已離開")
		}
		cancel()

		// 優雅關閉
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Server.GracefulTimeout)
		defer shutdownCancel()

		if metrics != nil {
			if err := metrics.Stop(shutdownCtx); err != nil {
				logger.Warn("關閉指標伺服器失敗", zap.Error(err))
			}
		}

		if err := engine.Stop(shutdownCtx); err != nil {
			logger.Error("關閉引擎失敗", zap.Error(err))
			return err
		}

		logger.Info("模擬器已停止")
		return nil
	},
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// stopCmd 停止命令
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "停止模擬器",
	Long:  "停止正在運行的 Modbus 模擬器。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 透過向 PID 發送信號來停止
		pidFile, _ := cmd.Flags().GetString("pid-file")
		if pidFile == "" {
			pidFile = defaultPIDFile
		}

		data, err := os.ReadFile(pidFile)
		if err != nil {
			return fmt.Errorf("讀取 PID 檔案失敗: %w", err)
		}

		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("解析 PID 失敗: %w", err)
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("找不到程序: %w", err)
		}

		if err := process.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("發送信號失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "已發送停止信號到 PID %d\n", pid)
		return nil
	},
}

// statusCmd 狀態命令
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看運行狀態",
	Long:  "透過 metrics endpoint 顯示運行中模擬器的狀態和統計資訊。",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("http://127.0.0.1:%d%s?format=json", appConfig.Metrics.Port, appConfig.Metrics.Endpoint)

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("無法連線到 %s: %w", url, err)
		}
		defer resp.Body.Close()

		var snapshot MetricsSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
			return fmt.Errorf("解析狀態失敗: %w", err)
		}

		printStatus(cmd, snapshot)
		return nil
	},
}

func printStatus(cmd *cobra.Command, s MetricsSnapshot) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "狀態:        %s (listening=%v)\n", s.EngineState, s.Listening)
	fmt.Fprintf(w, "運行時間:    %s\n", s.Uptime)
	fmt.Fprintf(w, "裝置數:      %d\n", s.Devices)
	fmt.Fprintf(w, "載入中裝置:  %s\n", unitLabel(s.LoadedUnit))
	fmt.Fprintf(w, "請求:        %d (錯誤 %d, %.2f%%, %.1f req/s)\n",
		s.TotalRequests, s.TotalErrors, s.ErrorRate, s.RequestsPerSec)
	fmt.Fprintf(w, "未註冊 Unit: %d\n", s.Sync.UnknownUnitRequests)
	fmt.Fprintf(w, "回寫:        %d (值 %d, 忽略 %d)\n",
		s.Sync.WriteBacks, s.Sync.PropagatedValues, s.Sync.IgnoredWrites)
	fmt.Fprintf(w, "編輯:        %d (回寫期間忽略 %d)\n", s.Sync.Edits, s.Sync.SuppressedEdits)
}

func unitLabel(unit int) string {
	if unit == noUnit {
		return "-"
	}
	return strconv.Itoa(unit)
}

// devicesCmd 列出配置中的裝置
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "列出配置的虛擬裝置",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if len(appConfig.Devices) == 0 {
			fmt.Fprintln(w, "配置中沒有裝置")
			return nil
		}
		for _, d := range appConfig.Devices {
			fmt.Fprintf(w, "%3d  %s", d.UnitID, strings.Join(describeRanges(d.Ranges()), " "))
			if len(d.Values) > 0 {
				fmt.Fprintf(w, "  (初始值 %d 筆)", len(d.Values))
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

// networkCmd 網路命令組
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "網路管理命令",
	Long:  "管理監聽 IP 配置。",
}

func networkProvisioner(cmd *cobra.Command) NetworkProvisioner {
	if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
		appConfig.Network.Interface = iface
	}
	return NewNetworkProvisioner(appConfig.Network.Interface, logger)
}

// networkSetupCmd 設置網路
var networkSetupCmd = &cobra.Command{
	Use:   "setup [ip...]",
	Short: "建立監聽 IP",
	Long:  "在指定的網路介面上建立監聽 IP 位址，未指定時使用 server.host。",
	RunE: func(cmd *cobra.Command, args []string) error {
		hosts := args
		if len(hosts) == 0 {
			hosts = []string{appConfig.Server.Host}
		}
		ips, err := ProvisionableIPs(hosts...)
		if err != nil {
			return err
		}
		if len(ips) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "不需要配置 IP (萬用位址或 loopback)")
			return nil
		}

		provisioner := networkProvisioner(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Setup(ctx, ips); err != nil {
			return fmt.Errorf("設置網路失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "監聽 IP 設置完成 (%d 個)\n", len(ips))
		return nil
	},
}

// networkTeardownCmd 移除網路
var networkTeardownCmd = &cobra.Command{
	Use:   "teardown <ip...>",
	Short: "移除監聽 IP",
	Long:  "從網路介面移除指定的監聽 IP 位址。",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ips, err := ProvisionableIPs(args...)
		if err != nil {
			return err
		}

		provisioner := networkProvisioner(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 跨程序執行時配置器沒有記錄，視為自己建立的 IP
		provisioner.Adopt(ips)

		if err := provisioner.Teardown(ctx); err != nil {
			return fmt.Errorf("移除網路失敗: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "監聽 IP 已移除")
		return nil
	},
}

// networkListCmd 列出網路
var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出介面 IP",
	Long:  "列出網路介面上目前的 IPv4 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner := networkProvisioner(cmd)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ips, err := provisioner.List(ctx)
		if err != nil {
			return fmt.Errorf("列出 IP 失敗: %w", err)
		}

		w := cmd.OutOrStdout()
		if len(ips) == 0 {
			fmt.Fprintln(w, "目前沒有 IP")
			return nil
		}

		fmt.Fprintf(w, "%s 的 IP (%d 個):\n", appConfig.Network.Interface, len(ips))
		for _, ip := range ips {
			mark := ""
			if ip.Equal(net.ParseIP(appConfig.Server.Host)) {
				mark = " (server.host)"
			}
			fmt.Fprintf(w, "  - %s%s\n", ip.String(), mark)
		}
		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "配置驗證通過")
		fmt.Fprintf(w, "  Listen: %s\n", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
		fmt.Fprintf(w, "  RTU: %v\n", cfg.Serial.Enabled)
		fmt.Fprintf(w, "  Table capacity: %d\n", cfg.Table.Capacity)
		fmt.Fprintf(w, "  Writeback scope: %s\n", cfg.Sync.WritebackScope)
		fmt.Fprintf(w, "  Devices: %d\n", len(cfg.Devices))
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()

		// 範例裝置
		cfg.Devices = []DeviceConfig{
			{UnitID: 1, Start: 0, Count: 10},
			{
				UnitID:           2,
				HoldingRegisters: &RangeConfig{Start: 100, Count: 20},
				Coils:            &RangeConfig{Start: 0, Count: 8},
				Values: []ValueConfig{
					{Space: "hr", Address: 100, Value: 1234},
					{Space: "coil", Address: 0, Value: 1},
				},
			},
		}

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "modbussim version %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Build: %s\n", BuildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")

	// start 命令 flags
	startCmd.Flags().String("host", "", "監聽 IP 位址")
	startCmd.Flags().IntP("port", "p", 0, "監聽埠號")
	startCmd.Flags().String("writeback", "", "回寫範圍 (loaded|all)")
	startCmd.Flags().BoolP("interactive", "i", false, "啟用互動主控台")
	startCmd.Flags().String("pid-file", "", "PID 檔案路徑")

	// stop 命令 flags
	stopCmd.Flags().String("pid-file", defaultPIDFile, "PID 檔案路徑")

	// network 命令 flags
	for _, c := range []*cobra.Command{networkSetupCmd, networkTeardownCmd, networkListCmd} {
		c.Flags().StringP("interface", "i", "", "網路介面")
	}

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	networkCmd.AddCommand(networkSetupCmd, networkTeardownCmd, networkListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		startCmd,
		stopCmd,
		statusCmd,
		probeCmd,
		devicesCmd,
		networkCmd,
		configCmd,
		versionCmd,
	)
}

func initLogger(lc LoggingConfig) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if lc.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}

	if lc.Level != "" {
		level, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("無效的日誌等級: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}

	output := lc.OutputPath
	if output == "" {
		output = "stdout"
	}
	cfg.OutputPaths = []string{output}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
