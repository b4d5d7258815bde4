//go:build !linux

package main

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// StubProvisioner 非 Linux 平台的 stub 配置器
type StubProvisioner struct {
	BaseProvisioner
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &StubProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

// Setup 設置監聽 IP (stub)
func (p *StubProvisioner) Setup(ctx context.Context, ips []net.IP) error {
	p.Logger.Warn("IP 配置僅在 Linux 上支援，使用模擬模式",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	// 在非 Linux 平台，只記錄 IP 但不實際配置
	p.ConfiguredIPs = append(p.ConfiguredIPs, ips...)
	return nil
}

// Teardown 移除監聽 IP (stub)
func (p *StubProvisioner) Teardown(ctx context.Context) error {
	p.Logger.Warn("IP 移除僅在 Linux 上支援，使用模擬模式",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(p.ConfiguredIPs)),
	)

	p.ConfiguredIPs = nil
	return nil
}

// List 列出 IP (stub)
func (p *StubProvisioner) List(ctx context.Context) ([]net.IP, error) {
	ips, err := localIPv4s()
	if err != nil {
		return nil, err
	}
	return append(ips, p.ConfiguredIPs...), nil
}
