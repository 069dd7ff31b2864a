//go:build darwin

package adapter

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/loopdns/loopdns/internal/model"
	"howett.net/plist"
)

// preferencesPlist is the System Configuration store that enumerates network
// *services* (not raw BSD interfaces) the way System Settings presents them.
const preferencesPlist = "/Library/Preferences/SystemConfiguration/preferences.plist"

type darwinPlatform struct {
	r *runner
}

func newPlatform(r *runner) platform {
	return &darwinPlatform{r: r}
}

// networkPreferences mirrors the subset of preferences.plist this package
// reads: one NetworkServices dict keyed by service ID, each naming a
// UserDefinedName and an Interface/DeviceName.
type networkPreferences struct {
	NetworkServices map[string]struct {
		UserDefinedName string `plist:"UserDefinedName"`
		Interface       struct {
			DeviceName string `plist:"DeviceName"`
		} `plist:"Interface"`
	} `plist:"NetworkServices"`
}

func readNetworkPreferences() (prefs networkPreferences, err error) {
	b, err := os.ReadFile(preferencesPlist)
	if err != nil {
		return networkPreferences{}, fmt.Errorf("reading %s: %w", preferencesPlist, err)
	}

	if _, err = plist.Unmarshal(b, &prefs); err != nil {
		return networkPreferences{}, fmt.Errorf("parsing %s: %w", preferencesPlist, err)
	}

	return prefs, nil
}

func (p *darwinPlatform) list(ctx context.Context) (adapters []model.Adapter, err error) {
	prefs, err := readNetworkPreferences()
	if err != nil {
		return nil, err
	}

	for _, svc := range prefs.NetworkServices {
		if svc.UserDefinedName == "" {
			continue
		}

		ipv4, ipv6, dhcp, _ := p.currentDNS(ctx, svc.UserDefinedName)

		// networksetup addresses services by their display name, not the
		// plist's internal service ID, so that name doubles as this
		// platform's Adapter.ID.
		adapters = append(adapters, model.Adapter{
			ID:        svc.UserDefinedName,
			Name:      svc.UserDefinedName,
			Connected: true,
			IPv4DNS:   ipv4,
			IPv6DNS:   ipv6,
			DHCP:      dhcp,
		})
	}

	return adapters, nil
}

// currentDNS takes the network service's display name, since networksetup
// addresses services by name rather than by the plist's internal ID.
func (p *darwinPlatform) currentDNS(ctx context.Context, serviceName string) (ipv4, ipv6 []string, dhcp bool, err error) {
	out, err := p.r.run(ctx, "networksetup", "-getdnsservers", serviceName)
	if err != nil {
		return nil, nil, false, err
	}

	text := strings.TrimSpace(string(out))
	if strings.Contains(text, "There aren't any DNS Servers set") {
		return nil, nil, true, nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, ":") {
			ipv6 = append(ipv6, line)
		} else if line != "" {
			ipv4 = append(ipv4, line)
		}
	}

	return ipv4, ipv6, false, nil
}

func (p *darwinPlatform) apply(ctx context.Context, serviceName string) (err error) {
	_, err = p.r.run(ctx, "networksetup", "-setdnsservers", serviceName, loopbackV4, loopbackV6)

	return err
}

func (p *darwinPlatform) restore(ctx context.Context, serviceName string, backup model.AdapterBackup) (err error) {
	if backup.DHCP {
		_, err = p.r.run(ctx, "networksetup", "-setdnsservers", serviceName, "Empty")

		return err
	}

	args := append([]string{"-setdnsservers", serviceName}, backup.IPv4DNS...)
	args = append(args, backup.IPv6DNS...)
	_, err = p.r.run(ctx, "networksetup", args...)

	return err
}

func (p *darwinPlatform) flushCache(ctx context.Context) {
	p.r.runBestEffort(ctx, "dscacheutil", "-flushcache")
	p.r.runBestEffort(ctx, "killall", "-HUP", "mDNSResponder")
}
