package upstream

import (
	"context"
	"fmt"
	"net"
	"time"

	dnsproxy "github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/loopdns/loopdns/internal/dnsmsg"
	"github.com/loopdns/loopdns/internal/model"
)

// testQueryDomain is the domain synthetic reachability probes look up: a
// plain A query for a name that is expected to always resolve.
const testQueryDomain = "example.com"

// TestResult is the outcome of a synthetic reachability probe.
type TestResult struct {
	// Rcode is the response's RCODE, valid only when the test returned a nil
	// error.
	Rcode int

	// Latency is the wall-clock time the exchange took.
	Latency time.Duration
}

// Test runs one synthetic A-record query for testQueryDomain against p and
// reports its rcode and latency.  Unlike Query, this builds a real *dns.Msg
// and uses github.com/AdguardTeam/dnsproxy/upstream directly, because the
// query originates inside LoopDNS itself and is not subject to the
// forward-verbatim invariant.  It is used by the control state machine and
// the health monitor, both of which always probe the same fixed domain.
func (t *Transport) Test(ctx context.Context, p *model.Provider) (res TestResult, err error) {
	return t.TestDomain(ctx, p, testQueryDomain)
}

// TestDomain is like Test but against an operator-chosen domain, for the
// IPC server's TestProvider verb, which lets a caller supply its own test
// domain.
func (t *Transport) TestDomain(ctx context.Context, p *model.Provider, domain string) (res TestResult, err error) {
	u, err := t.buildTestUpstream(ctx, p)
	if err != nil {
		return TestResult{}, fmt.Errorf("building test upstream for %s: %w", p.Name, err)
	}
	defer u.Close()

	query := dnsmsg.NewAQuery(domain)

	start := time.Now()
	resp, err := u.Exchange(query)
	latency := time.Since(start)
	if err != nil {
		return TestResult{}, fmt.Errorf("testing %s: %w", p.Name, err)
	}

	return TestResult{Rcode: resp.Rcode, Latency: latency}, nil
}

// buildTestUpstream constructs a one-shot dnsproxy upstream.Upstream for p,
// resolving a DoH hostname through the same bootstrap policy the forwarding
// path uses.
func (t *Transport) buildTestUpstream(ctx context.Context, p *model.Provider) (u dnsproxy.Upstream, err error) {
	opts := &dnsproxy.Options{Timeout: queryTimeout}

	switch p.Kind {
	case model.ProviderKindStandard:
		addrs := p.Standard.Ordered()
		if len(addrs) == 0 {
			return nil, fmt.Errorf("provider %s has no standard addresses", p.Name)
		}

		return dnsproxy.AddressToUpstream(net.JoinHostPort(addrs[0].String(), "53"), opts)
	case model.ProviderKindDoH:
		host, _, splitErr := splitDoHHost(p.DoH.URL)
		if splitErr != nil {
			return nil, splitErr
		}

		ip, resolveErr := t.resolveBootstrap(ctx, p, host)
		if resolveErr != nil {
			return nil, resolveErr
		}

		opts.Bootstrap = dnsproxy.StaticResolver{ip}

		return dnsproxy.AddressToUpstream(p.DoH.URL, opts)
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
	}
}
