//go:build linux

package adapter

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/loopdns/loopdns/internal/model"
)

const resolvConfPath = "/etc/resolv.conf"

type linuxPlatform struct {
	r *runner
}

func newPlatform(r *runner) platform {
	return &linuxPlatform{r: r}
}

func (p *linuxPlatform) list(ctx context.Context) (adapters []model.Adapter, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	for _, iface := range ifaces {
		// Skip loopback and point-to-point (tunnel) interfaces: taking over
		// their DNS would either loop traffic back into this process or
		// break a VPN's own resolution.
		if iface.Flags&(net.FlagLoopback|net.FlagPointToPoint) != 0 {
			continue
		}

		ipv4, ipv6, dhcp, dnsErr := p.currentDNS(ctx, iface.Name)
		if dnsErr != nil {
			p.r.logger.WarnContext(ctx, "reading adapter dns failed", "adapter", iface.Name)
		}

		adapters = append(adapters, model.Adapter{
			ID:        iface.Name,
			IfIndex:   iface.Index,
			Name:      iface.Name,
			Connected: iface.Flags&net.FlagUp != 0,
			IPv4DNS:   ipv4,
			IPv6DNS:   ipv6,
			DHCP:      dhcp,
		})
	}

	return adapters, nil
}

// currentDNS prefers resolvectl's per-interface view when systemd-resolved is
// managing DNS, and otherwise falls back to parsing /etc/resolv.conf, which
// applies identically to every interface on a non-systemd-resolved host.
func (p *linuxPlatform) currentDNS(ctx context.Context, adapterID string) (ipv4, ipv6 []string, dhcp bool, err error) {
	if out, rErr := p.r.run(ctx, "resolvectl", "dns", adapterID); rErr == nil {
		ipv4, ipv6 = parseResolvectlDNS(string(out))

		return ipv4, ipv6, true, nil
	}

	ipv4, ipv6, err = parseResolvConf()

	return ipv4, ipv6, false, err
}

func parseResolvectlDNS(out string) (ipv4, ipv6 []string) {
	idx := strings.IndexByte(out, ':')
	if idx < 0 {
		return nil, nil
	}

	for _, f := range strings.Fields(out[idx+1:]) {
		if ip := net.ParseIP(f); ip != nil {
			if ip.To4() != nil {
				ipv4 = append(ipv4, f)
			} else {
				ipv6 = append(ipv6, f)
			}
		}
	}

	return ipv4, ipv6
}

func parseResolvConf() (ipv4, ipv6 []string, err error) {
	f, err := os.Open(resolvConfPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", resolvConfPath, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 || fields[0] != "nameserver" {
			continue
		}

		ip := net.ParseIP(fields[1])
		if ip == nil {
			continue
		}

		if ip.To4() != nil {
			ipv4 = append(ipv4, fields[1])
		} else {
			ipv6 = append(ipv6, fields[1])
		}
	}

	return ipv4, ipv6, sc.Err()
}

func (p *linuxPlatform) apply(ctx context.Context, adapterID string) (err error) {
	if _, err = p.r.run(ctx, "resolvectl", "dns", adapterID, loopbackV4, loopbackV6); err == nil {
		_, err = p.r.run(ctx, "resolvectl", "domain", adapterID, "~.")

		return err
	}

	return rewriteResolvConf([]string{loopbackV4, loopbackV6})
}

func (p *linuxPlatform) restore(ctx context.Context, adapterID string, backup model.AdapterBackup) (err error) {
	if _, err = p.r.run(ctx, "resolvectl", "revert", adapterID); err == nil {
		return nil
	}

	return rewriteResolvConf(append(append([]string{}, backup.IPv4DNS...), backup.IPv6DNS...))
}

func rewriteResolvConf(nameservers []string) (err error) {
	var sb strings.Builder
	sb.WriteString("# rewritten by loopdns\n")
	for _, ns := range nameservers {
		sb.WriteString("nameserver ")
		sb.WriteString(ns)
		sb.WriteByte('\n')
	}

	return os.WriteFile(resolvConfPath, []byte(sb.String()), 0o644)
}

func (p *linuxPlatform) flushCache(ctx context.Context) {
	if _, err := p.r.run(ctx, "resolvectl", "flush-caches"); err == nil {
		return
	}

	p.r.runBestEffort(ctx, "systemd-resolve", "--flush-caches")
}
