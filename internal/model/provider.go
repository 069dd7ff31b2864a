// Package model contains the data entities shared by every LoopDNS
// component: providers, profiles, adapter backups and the persisted
// application settings document.
package model

import (
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/uuid"
)

// ProviderKind discriminates the two upstream variants a Provider can hold.
type ProviderKind string

// Provider kinds.
const (
	ProviderKindStandard ProviderKind = "standard"
	ProviderKindDoH      ProviderKind = "doh"
)

// StandardAddrs holds the classical-DNS addresses of a Standard provider.  At
// least one of the four fields must be set; the forwarding order is always
// [PrimaryV4, SecondaryV4, PrimaryV6, SecondaryV6].
type StandardAddrs struct {
	PrimaryV4   netip.Addr `json:"primaryIpv4,omitzero"`
	SecondaryV4 netip.Addr `json:"secondaryIpv4,omitzero"`
	PrimaryV6   netip.Addr `json:"primaryIpv6,omitzero"`
	SecondaryV6 netip.Addr `json:"secondaryIpv6,omitzero"`
}

// Ordered returns the four addresses in fixed failover order, omitting unset
// ones.
func (a StandardAddrs) Ordered() (addrs []netip.Addr) {
	for _, addr := range []netip.Addr{a.PrimaryV4, a.SecondaryV4, a.PrimaryV6, a.SecondaryV6} {
		if addr.IsValid() {
			addrs = append(addrs, addr)
		}
	}

	return addrs
}

// Validate returns an error unless at least one address is set.
func (a StandardAddrs) Validate() (err error) {
	if len(a.Ordered()) == 0 {
		return errors.Error("standard provider must have at least one address")
	}

	return nil
}

// DoHSettings holds the DNS-over-HTTPS variant of a Provider.
type DoHSettings struct {
	// URL is the absolute https:// endpoint, e.g. "https://dns.example/dns-query".
	URL string `json:"url"`

	// BootstrapIPs are literal IPs authorized to originate the initial TCP
	// connection to the DoH host; TLS is still validated against URL's
	// hostname.
	BootstrapIPs []netip.Addr `json:"bootstrapIps,omitempty"`
}

// Validate returns an error if URL is not a well-formed https:// URL.
func (d DoHSettings) Validate() (err error) {
	if d.URL == "" {
		return errors.Error("doh provider must have a url")
	}

	return validateHTTPSURL(d.URL)
}

// Provider is a named upstream, either Standard or DoH.
type Provider struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	BuiltIn     bool          `json:"builtIn"`
	Kind        ProviderKind  `json:"kind"`
	Standard    StandardAddrs `json:"standard,omitzero"`
	DoH         DoHSettings   `json:"doh,omitzero"`
}

// Validate checks the provider's invariants: a stable ID, a name, and a
// populated variant matching Kind.
func (p *Provider) Validate() (err error) {
	if p.ID == uuid.Nil {
		return errors.Error("provider id must not be nil")
	}

	if p.Name == "" {
		return errors.Error("provider name must not be empty")
	}

	switch p.Kind {
	case ProviderKindStandard:
		err = p.Standard.Validate()
	case ProviderKindDoH:
		err = p.DoH.Validate()
	default:
		err = fmt.Errorf("unknown provider kind %q", p.Kind)
	}

	if err != nil {
		return fmt.Errorf("provider %s (%s): %w", p.Name, p.ID, err)
	}

	return nil
}

// Clone returns a deep copy of p.  p may be nil.
func (p *Provider) Clone() (clone *Provider) {
	if p == nil {
		return nil
	}

	clone = &Provider{}
	*clone = *p
	clone.DoH.BootstrapIPs = append([]netip.Addr(nil), p.DoH.BootstrapIPs...)

	return clone
}
