package model

import (
	"net/netip"

	"github.com/google/uuid"
)

// Fixed, stable identifiers for the shipped provider presets.  These must
// never change: settings documents on disk reference them by ID, and the
// control surface's "revert to a built-in" affordance depends on stability.
var (
	idCloudflareStandard = uuid.MustParse("7c1b6b7a-4b0a-4b1a-9b0a-000000000001")
	idCloudflareDoH      = uuid.MustParse("7c1b6b7a-4b0a-4b1a-9b0a-000000000002")
	idGoogleStandard     = uuid.MustParse("7c1b6b7a-4b0a-4b1a-9b0a-000000000003")
	idGoogleDoH          = uuid.MustParse("7c1b6b7a-4b0a-4b1a-9b0a-000000000004")
	idQuad9Standard      = uuid.MustParse("7c1b6b7a-4b0a-4b1a-9b0a-000000000005")
	idQuad9DoH           = uuid.MustParse("7c1b6b7a-4b0a-4b1a-9b0a-000000000006")
	idOpenDNSStandard    = uuid.MustParse("7c1b6b7a-4b0a-4b1a-9b0a-000000000007")
	idOpenDNSDoH         = uuid.MustParse("7c1b6b7a-4b0a-4b1a-9b0a-000000000008")
	idAdGuardStandard    = uuid.MustParse("7c1b6b7a-4b0a-4b1a-9b0a-000000000009")
	idAdGuardDoH         = uuid.MustParse("7c1b6b7a-4b0a-4b1a-9b0a-00000000000a")
)

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

// BuiltInCatalogue returns fresh copies of the shipped provider presets, used
// to seed a settings document the first time it is created.
func BuiltInCatalogue() (providers []*Provider) {
	return []*Provider{
		{
			ID: idCloudflareStandard, Name: "Cloudflare", BuiltIn: true,
			Kind: ProviderKindStandard,
			Standard: StandardAddrs{
				PrimaryV4: addr("1.1.1.1"), SecondaryV4: addr("1.0.0.1"),
				PrimaryV6: addr("2606:4700:4700::1111"), SecondaryV6: addr("2606:4700:4700::1001"),
			},
		},
		{
			ID: idCloudflareDoH, Name: "Cloudflare (DoH)", BuiltIn: true,
			Kind: ProviderKindDoH,
			DoH: DoHSettings{
				URL:          "https://cloudflare-dns.com/dns-query",
				BootstrapIPs: []netip.Addr{addr("1.1.1.1"), addr("1.0.0.1")},
			},
		},
		{
			ID: idGoogleStandard, Name: "Google Public DNS", BuiltIn: true,
			Kind: ProviderKindStandard,
			Standard: StandardAddrs{
				PrimaryV4: addr("8.8.8.8"), SecondaryV4: addr("8.8.4.4"),
				PrimaryV6: addr("2001:4860:4860::8888"), SecondaryV6: addr("2001:4860:4860::8844"),
			},
		},
		{
			ID: idGoogleDoH, Name: "Google Public DNS (DoH)", BuiltIn: true,
			Kind: ProviderKindDoH,
			DoH: DoHSettings{
				URL:          "https://dns.google/dns-query",
				BootstrapIPs: []netip.Addr{addr("8.8.8.8"), addr("8.8.4.4")},
			},
		},
		{
			ID: idQuad9Standard, Name: "Quad9", BuiltIn: true,
			Kind: ProviderKindStandard,
			Standard: StandardAddrs{
				PrimaryV4: addr("9.9.9.9"), SecondaryV4: addr("149.112.112.112"),
				PrimaryV6: addr("2620:fe::fe"), SecondaryV6: addr("2620:fe::9"),
			},
		},
		{
			ID: idQuad9DoH, Name: "Quad9 (DoH)", BuiltIn: true,
			Kind: ProviderKindDoH,
			DoH: DoHSettings{
				URL:          "https://dns.quad9.net/dns-query",
				BootstrapIPs: []netip.Addr{addr("9.9.9.9"), addr("149.112.112.112")},
			},
		},
		{
			ID: idOpenDNSStandard, Name: "OpenDNS", BuiltIn: true,
			Kind: ProviderKindStandard,
			Standard: StandardAddrs{
				PrimaryV4: addr("208.67.222.222"), SecondaryV4: addr("208.67.220.220"),
			},
		},
		{
			ID: idOpenDNSDoH, Name: "OpenDNS (DoH)", BuiltIn: true,
			Kind: ProviderKindDoH,
			DoH: DoHSettings{
				URL:          "https://doh.opendns.com/dns-query",
				BootstrapIPs: []netip.Addr{addr("208.67.222.222"), addr("208.67.220.220")},
			},
		},
		{
			ID: idAdGuardStandard, Name: "AdGuard DNS", BuiltIn: true,
			Kind: ProviderKindStandard,
			Standard: StandardAddrs{
				PrimaryV4: addr("94.140.14.14"), SecondaryV4: addr("94.140.15.15"),
			},
		},
		{
			ID: idAdGuardDoH, Name: "AdGuard DNS (DoH)", BuiltIn: true,
			Kind: ProviderKindDoH,
			DoH: DoHSettings{
				URL:          "https://dns.adguard-dns.com/dns-query",
				BootstrapIPs: []netip.Addr{addr("94.140.14.14"), addr("94.140.15.15")},
			},
		},
	}
}

// DefaultSettings returns the settings document written the first time
// LoopDNS runs: the built-in catalogue, disabled, applying on boot once
// enabled.
func DefaultSettings() (s *AppSettings) {
	return &AppSettings{
		Version:     SchemaVersion,
		Providers:   BuiltInCatalogue(),
		Enabled:     false,
		ApplyOnBoot: true,
		UISettings:  UIPreferences{},
	}
}
