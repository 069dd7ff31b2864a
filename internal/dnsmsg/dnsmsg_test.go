package dnsmsg_test

import (
	"testing"

	"github.com/loopdns/loopdns/internal/dnsmsg"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAQuery(t *testing.T) {
	t.Parallel()

	msg := dnsmsg.NewAQuery("example.com")
	require.Len(t, msg.Question, 1)

	assert.Equal(t, "example.com.", msg.Question[0].Name)
	assert.Equal(t, dns.TypeA, msg.Question[0].Qtype)
	assert.True(t, msg.RecursionDesired)
	assert.NotZero(t, msg.Id)
}

func TestPackParseRoundTrip(t *testing.T) {
	t.Parallel()

	msg := dnsmsg.NewAQuery("example.com")
	b, err := dnsmsg.Pack(msg)
	require.NoError(t, err)

	got, err := dnsmsg.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, msg.Question, got.Question)
}

func TestIsSuccess(t *testing.T) {
	t.Parallel()

	query := dnsmsg.NewAQuery("example.com")

	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Rcode = dns.RcodeSuccess
	ok, err := resp.Pack()
	require.NoError(t, err)

	assert.True(t, dnsmsg.IsSuccess(ok))

	resp.Rcode = dns.RcodeServerFailure
	fail, err := resp.Pack()
	require.NoError(t, err)

	assert.False(t, dnsmsg.IsSuccess(fail))
}

func TestAAddrs(t *testing.T) {
	t.Parallel()

	query := dnsmsg.NewAQuery("example.com")
	resp := new(dns.Msg)
	resp.SetReply(query)
	rr, err := dns.NewRR("example.com. 300 IN A 93.184.216.34")
	require.NoError(t, err)
	resp.Answer = append(resp.Answer, rr)

	b, err := resp.Pack()
	require.NoError(t, err)

	addrs, err := dnsmsg.AAddrs(b)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "93.184.216.34", addrs[0].String())
}
