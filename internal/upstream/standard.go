package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// queryStandard tries each address in addrs, in order, over UDP, forwarding
// query verbatim and returning the first successful opaque response.
// Failover is strictly fixed-order: no racing, no load balancing, first
// success wins.
func (t *Transport) queryStandard(ctx context.Context, addrs []netip.Addr, query []byte) (resp []byte, err error) {
	if len(addrs) == 0 {
		return nil, errors.Error("no addresses configured")
	}

	var attemptErrs []error
	for _, addr := range addrs {
		resp, err = exchangeUDP(ctx, net.JoinHostPort(addr.String(), "53"), query)
		if err != nil {
			attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", addr, err))

			continue
		}

		return resp, nil
	}

	return nil, errors.Join(attemptErrs...)
}

// exchangeUDP sends query to addr over a fresh UDP socket and returns the
// raw response bytes, unparsed.  It is shared by the Standard forwarding path
// and the well-known-resolver bootstrap step.
func exchangeUDP(ctx context.Context, addr string, query []byte) (resp []byte, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	deadline, ok := dialCtx.Deadline()
	if ok {
		if err = conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting deadline: %w", err)
		}
	}

	if _, err = conn.Write(query); err != nil {
		return nil, fmt.Errorf("writing query: %w", err)
	}

	buf := make([]byte, maxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return bytes.Clone(buf[:n]), nil
}
