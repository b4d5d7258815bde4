package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// NetworkProvisioner 監聽 IP 配置器介面
type NetworkProvisioner interface {
	// Setup 在介面上建立監聽 IP
	Setup(ctx context.Context, ips []net.IP) error

	// Teardown 移除由本程序建立的 IP
	Teardown(ctx context.Context) error

	// List 列出介面上的 IP
	List(ctx context.Context) ([]net.IP, error)

	// Adopt 將既有 IP 納入管理，Teardown 時一併移除
	Adopt(ips []net.IP)
}

// NewNetworkProvisioner 建立網路配置器
func NewNetworkProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return newPlatformProvisioner(interfaceName, logger)
}

// BaseProvisioner 基礎配置器 (共用邏輯)
type BaseProvisioner struct {
	InterfaceName string
	Logger        *zap.Logger
	ConfiguredIPs []net.IP
}

// Adopt 將既有 IP 納入管理
func (b *BaseProvisioner) Adopt(ips []net.IP) {
	b.ConfiguredIPs = append(b.ConfiguredIPs, ips...)
}

// ProvisionableIPs 過濾出需要配置的 IPv4 位址 (排除萬用位址與 loopback)
func ProvisionableIPs(hosts ...string) ([]net.IP, error) {
	var ips []net.IP
	for _, h := range hosts {
		ip := net.ParseIP(h)
		if ip == nil {
			return nil, fmt.Errorf("無效的 IP: %s", h)
		}
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("僅支援 IPv4: %s", h)
		}
		if ip4.IsUnspecified() || ip4.IsLoopback() {
			continue
		}
		ips = append(ips, ip4)
	}
	return ips, nil
}

// localIPv4s 取得本機非 loopback 的 IPv4
func localIPv4s() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("取得本地 IP 失敗: %w", err)
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP)
			}
		}
	}
	return ips, nil
}
