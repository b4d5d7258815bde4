//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// LinuxProvisioner Linux 網路配置器
type LinuxProvisioner struct {
	BaseProvisioner
	link netlink.Link
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &LinuxProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

func (p *LinuxProvisioner) ensureLink() error {
	if p.link != nil {
		return nil
	}
	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}
	p.link = link
	return nil
}

func hostAddr(ip net.IP) *netlink.Addr {
	return &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   ip,
			Mask: net.CIDRMask(32, 32),
		},
	}
}

// Setup 設置監聽 IP (使用 netlink)
func (p *LinuxProvisioner) Setup(ctx context.Context, ips []net.IP) error {
	if err := p.ensureLink(); err != nil {
		return err
	}

	p.Logger.Info("正在設置監聽 IP",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	for _, ip := range ips {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := netlink.AddrAdd(p.link, hostAddr(ip)); err != nil {
			// IP 已存在時不視為錯誤，也不在 Teardown 時移除
			if errors.Is(err, syscall.EEXIST) {
				p.Logger.Debug("IP 已存在", zap.String("ip", ip.String()))
				continue
			}
			return fmt.Errorf("添加 IP %s 失敗: %w", ip, err)
		}

		p.ConfiguredIPs = append(p.ConfiguredIPs, ip)
		p.Logger.Debug("已添加 IP", zap.String("ip", ip.String()))
	}

	return nil
}

// Teardown 移除監聽 IP
func (p *LinuxProvisioner) Teardown(ctx context.Context) error {
	if err := p.ensureLink(); err != nil {
		return err
	}

	removed := 0
	for _, ip := range p.ConfiguredIPs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := netlink.AddrDel(p.link, hostAddr(ip)); err != nil {
			p.Logger.Warn("移除 IP 失敗",
				zap.String("ip", ip.String()),
				zap.Error(err),
			)
			continue
		}
		removed++
	}

	p.ConfiguredIPs = nil
	p.Logger.Info("監聽 IP 移除完成", zap.Int("removed", removed))
	return nil
}

// List 列出介面上的 IPv4
func (p *LinuxProvisioner) List(ctx context.Context) ([]net.IP, error) {
	if err := p.ensureLink(); err != nil {
		return nil, err
	}

	addrs, err := netlink.AddrList(p.link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}
