package control_test

import (
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/uuid"
	"github.com/loopdns/loopdns/internal/adapter"
	"github.com/loopdns/loopdns/internal/aghchan"
	"github.com/loopdns/loopdns/internal/control"
	"github.com/loopdns/loopdns/internal/forwarder"
	"github.com/loopdns/loopdns/internal/model"
	"github.com/loopdns/loopdns/internal/settings"
	"github.com/loopdns/loopdns/internal/upstream"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMachine wires a Machine against a temp-file settings store, a forwarder
// bound to ephemeral test ports and a real transport, mirroring how
// internal/app.New does it.
func newMachine(t *testing.T) (*control.Machine, *settings.Store) {
	t.Helper()

	dir := t.TempDir()
	s, err := settings.New(filepath.Join(dir, "config.json"), slogutil.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tr := upstream.New(slogutil.NewDiscardLogger())
	t.Cleanup(tr.Close)

	// Port 0 keeps parallel tests from fighting over one fixed port; these
	// tests never dial the forwarder itself.
	fwd := forwarder.New(slogutil.NewDiscardLogger(), tr, 0)
	t.Cleanup(func() { _ = fwd.Shutdown(context.Background()) })

	adapters := adapter.New(slogutil.NewDiscardLogger())

	m := control.New(slogutil.NewDiscardLogger(), s, fwd, tr, adapters)

	return m, s
}

// unreachableProvider returns a Standard provider pointing at a loopback
// address with nothing listening on port 53.  Synthetic test queries against
// it fail fast with a connection-refused error, giving deterministic Error
// transitions without needing a privileged listener.
func unreachableProvider(name string) *model.Provider {
	return &model.Provider{
		ID:       uuid.New(),
		Name:     name,
		Kind:     model.ProviderKindStandard,
		Standard: model.StandardAddrs{PrimaryV4: netip.MustParseAddr("127.0.0.1")},
	}
}

// bindFakeServer answers every query on 127.0.0.1:53 with rcode, skipping the
// test if the port cannot be bound in this environment.
func bindFakeServer(t *testing.T, rcode int) netip.Addr {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 53})
	if err != nil {
		t.Skipf("cannot bind 127.0.0.1:53 in this environment: %s", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, raddr, readErr := conn.ReadFromUDP(buf)
			if readErr != nil {
				return
			}

			req := new(dns.Msg)
			if unpackErr := req.Unpack(buf[:n]); unpackErr != nil {
				continue
			}

			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Rcode = rcode

			out, packErr := resp.Pack()
			if packErr != nil {
				continue
			}

			_, _ = conn.WriteToUDP(out, raddr)
		}
	}()

	return netip.MustParseAddr("127.0.0.1")
}

func TestMachine_Start_ErrorOnUnreachableProvider(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)
	p := unreachableProvider("unreachable")

	require.NoError(t, m.Start(context.Background(), p))

	st := m.Status()
	assert.Equal(t, model.StatusError, st.State)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, p.ID, st.ActiveProviderID)
}

// TestMachine_Start_ConnectedOnReachableProvider and
// TestMachine_ReportHealthCheckFailure_WhileConnected bind 127.0.0.1:53
// directly, so they deliberately do not run in parallel with the rest of
// this file's tests, which assume that address is free to get a fast
// connection-refused error.  Go runs every non-parallel top-level test in
// this file to completion before starting the parallel ones, so the two
// groups never race for the port.
func TestMachine_Start_ConnectedOnReachableProvider(t *testing.T) {
	addr := bindFakeServer(t, dns.RcodeSuccess)

	m, _ := newMachine(t)
	p := &model.Provider{
		ID:       uuid.New(),
		Name:     "reachable",
		Kind:     model.ProviderKindStandard,
		Standard: model.StandardAddrs{PrimaryV4: addr},
	}

	require.NoError(t, m.Start(context.Background(), p))

	st := m.Status()
	assert.Equal(t, model.StatusConnected, st.State)
	assert.Empty(t, st.LastError)
}

func TestMachine_Start_WhileNotInactive_StopsThenRestarts(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	first := unreachableProvider("first")
	require.NoError(t, m.Start(context.Background(), first))
	require.Equal(t, model.StatusError, m.Status().State)

	second := unreachableProvider("second")
	require.NoError(t, m.Start(context.Background(), second))

	st := m.Status()
	assert.Equal(t, second.ID, st.ActiveProviderID)
	assert.Equal(t, model.StatusError, st.State)
}

func TestMachine_Switch_WhileInactive_Errors(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	err := m.Switch(context.Background(), unreachableProvider("nope"), false)
	assert.Error(t, err)
}

func TestMachine_Switch_TemporaryDoesNotReplaceDefault(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	def := unreachableProvider("default")
	require.NoError(t, m.Start(context.Background(), def))

	temp := unreachableProvider("temporary")
	require.NoError(t, m.Switch(context.Background(), temp, true))

	st := m.Status()
	assert.Equal(t, temp.ID, st.ActiveProviderID)
	assert.True(t, st.IsTemporary)

	require.NoError(t, m.RevertToDefault(context.Background()))

	st = m.Status()
	assert.Equal(t, def.ID, st.ActiveProviderID)
	assert.False(t, st.IsTemporary)
}

func TestMachine_Switch_NonTemporaryReplacesDefault(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	def := unreachableProvider("default")
	require.NoError(t, m.Start(context.Background(), def))

	next := unreachableProvider("new-default")
	require.NoError(t, m.Switch(context.Background(), next, false))

	require.NoError(t, m.RevertToDefault(context.Background()))
	assert.Equal(t, next.ID, m.Status().ActiveProviderID)
}

func TestMachine_RevertToDefault_NoDefaultProfileErrors(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	err := m.RevertToDefault(context.Background())
	assert.Error(t, err)
}

func TestMachine_Disable_PersistsEnabledFalse(t *testing.T) {
	t.Parallel()

	m, s := newMachine(t)

	require.NoError(t, s.SetEnabled(true))
	require.NoError(t, m.Start(context.Background(), unreachableProvider("p")))

	require.NoError(t, m.Disable(context.Background(), false))

	assert.False(t, s.Get().Enabled)
	assert.Equal(t, model.StatusInactive, m.Status().State)
}

func TestMachine_Stop_OnInactiveIsNoop(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, model.StatusInactive, m.Status().State)
}

func TestMachine_ReportHealthCheckFailure_IgnoredUnlessConnected(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	m.ReportHealthCheckFailure("should be ignored")
	st := m.Status()
	assert.Equal(t, model.StatusInactive, st.State)
	assert.Empty(t, st.LastError)
}

func TestMachine_ReportHealthCheckFailure_WhileConnected(t *testing.T) {
	addr := bindFakeServer(t, dns.RcodeSuccess)

	m, _ := newMachine(t)
	p := &model.Provider{
		ID:       uuid.New(),
		Name:     "reachable",
		Kind:     model.ProviderKindStandard,
		Standard: model.StandardAddrs{PrimaryV4: addr},
	}
	require.NoError(t, m.Start(context.Background(), p))
	require.Equal(t, model.StatusConnected, m.Status().State)

	m.ReportHealthCheckFailure("upstream stopped answering")

	st := m.Status()
	assert.Equal(t, model.StatusError, st.State)
	assert.Equal(t, "upstream stopped answering", st.LastError)
}

func TestMachine_Subscribe_DeliversLatestState(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	ch, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.Start(context.Background(), unreachableProvider("p")))

	// setStateLocked broadcasts each transition in order into the single
	// drop-oldest slot, so once Start has returned the slot holds the final
	// Error state.
	time.Sleep(50 * time.Millisecond)

	got, ok := aghchan.MustReceive(ch, time.Second)
	require.True(t, ok)
	assert.Equal(t, model.StatusError, got.State)
}

func TestMachine_ActiveProvider_ReflectsConnectedOnly(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	p, connected := m.ActiveProvider()
	assert.Nil(t, p)
	assert.False(t, connected)

	require.NoError(t, m.Start(context.Background(), unreachableProvider("p")))

	p, connected = m.ActiveProvider()
	assert.NotNil(t, p)
	assert.False(t, connected, "synthetic test failed, so the machine is in Error, not Connected")
}
