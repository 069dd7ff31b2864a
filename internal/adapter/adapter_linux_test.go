//go:build linux

package adapter

import (
	"context"
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/loopdns/loopdns/internal/execfake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResolvectlDNS(t *testing.T) {
	t.Parallel()

	ipv4, ipv6 := parseResolvectlDNS("Link 2 (eth0): 192.0.2.1 2001:db8::1")
	assert.Equal(t, []string{"192.0.2.1"}, ipv4)
	assert.Equal(t, []string{"2001:db8::1"}, ipv6)
}

func TestParseResolvectlDNS_NoColon(t *testing.T) {
	t.Parallel()

	ipv4, ipv6 := parseResolvectlDNS("garbage output")
	assert.Nil(t, ipv4)
	assert.Nil(t, ipv6)
}

func TestLinuxPlatform_currentDNS_resolvectl(t *testing.T) {
	t.Parallel()

	r := newRunner(slogutil.NewDiscardLogger())
	r.cons = execfake.NewCommandConstructor(execfake.Command{
		Cmd: "resolvectl dns eth0",
		Out: "Link 2 (eth0): 192.0.2.1 2001:db8::1",
	})

	p := &linuxPlatform{r: r}

	ipv4, ipv6, dhcp, err := p.currentDNS(context.Background(), "eth0")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1"}, ipv4)
	assert.Equal(t, []string{"2001:db8::1"}, ipv6)
	assert.True(t, dhcp)
}

func TestLinuxPlatform_currentDNS_resolvectlUnavailable(t *testing.T) {
	t.Parallel()

	r := newRunner(slogutil.NewDiscardLogger())
	r.cons = execfake.NewCommandConstructor(execfake.Command{
		Cmd:  "resolvectl dns eth0",
		Code: 1,
	})

	p := &linuxPlatform{r: r}

	// resolvectl failing falls back to parsing /etc/resolv.conf directly,
	// so only the reported source (dhcp=false) is deterministic here.
	_, _, dhcp, _ := p.currentDNS(context.Background(), "eth0")
	assert.False(t, dhcp)
}
