package upstream_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/uuid"
	"github.com/loopdns/loopdns/internal/dnsmsg"
	"github.com/loopdns/loopdns/internal/model"
	"github.com/loopdns/loopdns/internal/upstream"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoUDPServer starts a UDP listener on 127.0.0.1:53 that replies to every
// query with a synthetic response bearing the same ID and RcodeSuccess, and
// returns its address.  Port 53 is hardcoded rather than chosen by the OS
// because queryStandard and the synthetic test path always dial a Standard
// provider's address on port 53, mirroring how every real Standard provider
// is reached.  The test is skipped if the port is already in use.
func echoUDPServer(t *testing.T) netip.Addr {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 53})
	if err != nil {
		t.Skipf("cannot bind 127.0.0.1:53 in this environment: %s", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, readErr := conn.ReadFromUDP(buf)
			if readErr != nil {
				return
			}

			req := new(dns.Msg)
			if unpackErr := req.Unpack(buf[:n]); unpackErr != nil {
				continue
			}

			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Rcode = dns.RcodeSuccess

			rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A 203.0.113.9")
			if rr != nil {
				resp.Answer = append(resp.Answer, rr)
			}

			out, packErr := resp.Pack()
			if packErr != nil {
				continue
			}

			_, _ = conn.WriteToUDP(out, addr)
		}
	}()

	addrPort := conn.LocalAddr().(*net.UDPAddr)

	return netip.MustParseAddr(addrPort.IP.String())
}

func standardProvider(addr netip.Addr) *model.Provider {
	return &model.Provider{
		ID:       uuid.New(),
		Name:     "test-standard",
		Kind:     model.ProviderKindStandard,
		Standard: model.StandardAddrs{PrimaryV4: addr},
	}
}

// TestTransport_Query_Standard and TestTransport_Test_Standard both bind
// 127.0.0.1:53 via echoUDPServer, so neither runs in parallel: Go runs
// non-parallel top-level tests one at a time, which keeps them from
// fighting over the port.
func TestTransport_Query_Standard(t *testing.T) {
	addr := echoUDPServer(t)
	tr := upstream.New(slogutil.NewDiscardLogger())
	t.Cleanup(tr.Close)

	query, err := dnsmsg.Pack(dnsmsg.NewAQuery("example.com"))
	require.NoError(t, err)

	resp, err := tr.Query(context.Background(), standardProvider(addr), query)
	require.NoError(t, err)
	assert.True(t, dnsmsg.IsSuccess(resp))
}

func TestTransport_Test_Standard(t *testing.T) {
	addr := echoUDPServer(t)
	tr := upstream.New(slogutil.NewDiscardLogger())
	t.Cleanup(tr.Close)

	res, err := tr.Test(context.Background(), standardProvider(addr))
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeSuccess, res.Rcode)
	assert.Greater(t, res.Latency, time.Duration(0))
}

func TestTransport_Query_UnknownProviderKind(t *testing.T) {
	t.Parallel()

	tr := upstream.New(slogutil.NewDiscardLogger())
	t.Cleanup(tr.Close)

	p := &model.Provider{ID: uuid.New(), Name: "bad", Kind: "bogus"}

	_, err := tr.Query(context.Background(), p, []byte("query"))
	assert.Error(t, err)
}
