package upstream

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/loopdns/loopdns/internal/dnsmsg"
	"github.com/loopdns/loopdns/internal/model"
)

// bootstrapUDPTimeout bounds a single bootstrap lookup against a well-known
// resolver.  These are one-datagram exchanges against anycast resolvers, so
// a slow one is better abandoned quickly in favor of the next.
const bootstrapUDPTimeout = 2 * time.Second

// wellKnownResolvers are the classical-DNS resolvers used for step 3 of the
// bootstrap policy: public, stable, and independent of any provider LoopDNS
// might itself be configured to use.
var wellKnownResolvers = []string{
	"1.1.1.1:53",
	"9.9.9.9:53",
	"8.8.8.8:53",
}

// splitDoHHost extracts the hostname and port (defaulting to 443) from a DoH
// provider's URL.
func splitDoHHost(rawURL string) (host, port string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing doh url: %w", err)
	}

	host = u.Hostname()
	if host == "" {
		return "", "", errors.Error("doh url has no host")
	}

	port = u.Port()
	if port == "" {
		port = "443"
	}

	return host, port, nil
}

// resolveBootstrap resolves host to a single dialable address without ever
// consulting the loopback forwarder itself, in four steps:
//
//  1. host is already a literal IP: use it directly.
//  2. p carries bootstrap IPs: try each in order.
//  3. otherwise, resolve host via the well-known public resolvers.
//  4. as a last resort, resolve host via the host OS resolver.
//
// A successful resolution via steps 2-4 is cached for the lifetime of the
// process, keyed by host, so repeated queries against the same active
// provider don't repeat the bootstrap walk.
func (t *Transport) resolveBootstrap(ctx context.Context, p *model.Provider, host string) (addr netip.Addr, err error) {
	if addr, err = netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	if cached, cacheErr := t.bootstrapCache.Get(host); cacheErr == nil {
		return cached.(netip.Addr), nil
	}

	if addr, err = t.resolveViaBootstrapIPs(ctx, p, host); err == nil {
		_ = t.bootstrapCache.Set(host, addr)

		return addr, nil
	}

	if addr, err = t.resolveViaWellKnown(ctx, host); err == nil {
		_ = t.bootstrapCache.Set(host, addr)

		return addr, nil
	}

	if addr, err = t.resolveViaHostResolver(ctx, host); err == nil {
		_ = t.bootstrapCache.Set(host, addr)

		return addr, nil
	}

	return netip.Addr{}, fmt.Errorf("resolving %q: exhausted bootstrap policy: %w", host, err)
}

// resolveViaBootstrapIPs implements step 2: connect to each of p's bootstrap
// IPs in turn (TLS handshake happens later, in the caller's dial; here we
// only need to confirm the address itself is live enough to try) and return
// the first one that accepts a TCP connection.
func (t *Transport) resolveViaBootstrapIPs(ctx context.Context, p *model.Provider, host string) (addr netip.Addr, err error) {
	if p.Kind != model.ProviderKindDoH || len(p.DoH.BootstrapIPs) == 0 {
		return netip.Addr{}, errors.Error("no bootstrap ips configured")
	}

	_, port, err := splitDoHHost(p.DoH.URL)
	if err != nil {
		return netip.Addr{}, err
	}

	var dialErrs []error
	dialer := &net.Dialer{Timeout: queryTimeout}
	for _, candidate := range p.DoH.BootstrapIPs {
		dialCtx, cancel := context.WithTimeout(ctx, queryTimeout)
		conn, dialErr := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(candidate.String(), port))
		cancel()
		if dialErr != nil {
			dialErrs = append(dialErrs, dialErr)

			continue
		}

		_ = conn.Close()

		return candidate, nil
	}

	t.logger.Warn("all bootstrap ips unreachable", "provider", p.Name, "host", host)

	return netip.Addr{}, fmt.Errorf("dialing bootstrap ips: %w", errors.Join(dialErrs...))
}

// resolveViaWellKnown implements step 3: resolve host by sending a raw A
// query, built and parsed with internal/dnsmsg, to each of the well-known
// public resolvers in turn.
func (t *Transport) resolveViaWellKnown(ctx context.Context, host string) (addr netip.Addr, err error) {
	query, err := dnsmsg.Pack(dnsmsg.NewAQuery(host))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("building bootstrap query: %w", err)
	}

	var queryErrs []error
	for _, resolver := range wellKnownResolvers {
		resolverCtx, cancel := context.WithTimeout(ctx, bootstrapUDPTimeout)
		resp, queryErr := exchangeUDP(resolverCtx, resolver, query)
		cancel()
		if queryErr != nil {
			queryErrs = append(queryErrs, queryErr)

			continue
		}

		addrs, parseErr := dnsmsg.AAddrs(resp)
		if parseErr != nil || len(addrs) == 0 {
			queryErrs = append(queryErrs, fmt.Errorf("%s: no usable answer", resolver))

			continue
		}

		return addrs[0], nil
	}

	return netip.Addr{}, fmt.Errorf("querying well-known resolvers: %w", errors.Join(queryErrs...))
}

// resolveViaHostResolver implements step 4: ask the host operating system's
// own resolver, explicitly bypassing the loopback listener this process may
// itself own.
func (t *Transport) resolveViaHostResolver(ctx context.Context, host string) (addr netip.Addr, err error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("host resolver: %w", err)
	}

	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("host resolver: no addresses for %q", host)
	}

	ipAddr, ok := netip.AddrFromSlice(ips[0].To4())
	if !ok {
		return netip.Addr{}, fmt.Errorf("host resolver: unparsable address for %q", host)
	}

	return ipAddr, nil
}
