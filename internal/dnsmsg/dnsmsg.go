// Package dnsmsg builds and minimally parses DNS wire messages for bootstrap
// queries and synthetic health/rcode checks.  Forwarded client messages are
// never parsed or mutated here — they pass through the forwarder verbatim;
// this package only serves the queries LoopDNS itself originates.
package dnsmsg

import (
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// NewQuery builds a standard recursive query for name/qtype: random 16-bit
// ID, RD set, one question, no other sections.
func NewQuery(name string, qtype uint16) (msg *dns.Msg) {
	msg = new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	return msg
}

// NewAQuery is a convenience wrapper for NewQuery(name, dns.TypeA).
func NewAQuery(name string) (msg *dns.Msg) {
	return NewQuery(name, dns.TypeA)
}

// Pack serializes msg to wire format.
func Pack(msg *dns.Msg) (b []byte, err error) {
	return msg.Pack()
}

// Parse unmarshals wire-format bytes into a *dns.Msg.  Forwarded bytes should
// never go through Parse on the hot path — it exists for bootstrap and
// synthetic-test responses only.
func Parse(b []byte) (msg *dns.Msg, err error) {
	msg = new(dns.Msg)
	if err = msg.Unpack(b); err != nil {
		return nil, errors.Annotate(err, "unpacking dns message: %w")
	}

	return msg, nil
}

// Rcode returns the 4-bit RCODE of a wire-format response.
func Rcode(b []byte) (rcode int, err error) {
	msg, err := Parse(b)
	if err != nil {
		return 0, err
	}

	return msg.Rcode, nil
}

// IsSuccess reports whether b is a wire-format response with RCODE ==
// dns.RcodeSuccess.
func IsSuccess(b []byte) (ok bool) {
	rcode, err := Rcode(b)

	return err == nil && rcode == dns.RcodeSuccess
}

// AAddrs extracts the IPv4 addresses of every type-A answer record in a
// wire-format response.  It is used for bootstrap resolution only.
func AAddrs(b []byte) (addrs []netip.Addr, err error) {
	msg, err := Parse(b)
	if err != nil {
		return nil, err
	}

	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}

		addr, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			continue
		}

		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// AAAAAddrs extracts the IPv6 addresses of every type-AAAA answer record in a
// wire-format response.
func AAAAAddrs(b []byte) (addrs []netip.Addr, err error) {
	msg, err := Parse(b)
	if err != nil {
		return nil, err
	}

	for _, rr := range msg.Answer {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			continue
		}

		addr, ok := netip.AddrFromSlice(aaaa.AAAA.To16())
		if !ok {
			continue
		}

		addrs = append(addrs, addr)
	}

	return addrs, nil
}
