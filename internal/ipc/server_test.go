package ipc_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/uuid"
	"github.com/loopdns/loopdns/internal/adapter"
	"github.com/loopdns/loopdns/internal/control"
	"github.com/loopdns/loopdns/internal/forwarder"
	"github.com/loopdns/loopdns/internal/ipc"
	"github.com/loopdns/loopdns/internal/model"
	"github.com/loopdns/loopdns/internal/settings"
	"github.com/loopdns/loopdns/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient is a minimal hand-rolled implementation of the length-prefixed
// JSON framing the server speaks, standing in for the real companion
// control surface.
type testClient struct {
	conn net.Conn
}

func dialClient(t *testing.T, endpoint string) *testClient {
	t.Helper()

	conn, err := net.Dial("unix", socketPathForTest(endpoint))
	if err != nil {
		t.Skipf("cannot dial ipc endpoint in this environment: %s", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{conn: conn}
}

func socketPathForTest(endpoint string) string {
	return filepath.Join("/run/loopdns", endpoint+".sock")
}

func (c *testClient) send(t *testing.T, msgType string, payload any) uuid.UUID {
	t.Helper()

	b, err := json.Marshal(payload)
	require.NoError(t, err)

	id := uuid.New()
	env := map[string]any{
		"$type":     msgType,
		"messageId": id,
		"timestamp": time.Now(),
		"payload":   json.RawMessage(b),
	}

	frame, err := json.Marshal(env)
	require.NoError(t, err)

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(frame)))

	_, err = c.conn.Write(lenBuf)
	require.NoError(t, err)
	_, err = c.conn.Write(frame)
	require.NoError(t, err)

	return id
}

type wireEnvelope struct {
	Type      string          `json:"$type"`
	MessageID uuid.UUID       `json:"messageId"`
	Payload   json.RawMessage `json:"payload"`
}

func (c *testClient) recv(t *testing.T, timeout time.Duration) wireEnvelope {
	t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var lenBuf [4]byte
	_, err := io.ReadFull(c.conn, lenBuf[:])
	require.NoError(t, err)

	n := binary.LittleEndian.Uint32(lenBuf[:])
	frame := make([]byte, n)
	_, err = io.ReadFull(c.conn, frame)
	require.NoError(t, err)

	var env wireEnvelope
	require.NoError(t, json.Unmarshal(frame, &env))

	return env
}

func (c *testClient) expectTimeout(t *testing.T, timeout time.Duration) {
	t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var lenBuf [4]byte
	_, err := io.ReadFull(c.conn, lenBuf[:])
	assert.Error(t, err, "expected no response within the timeout")
}

// newTestServer wires a Server against fresh, temp-file-backed collaborators
// and starts it on a unique endpoint name, skipping the test if the
// platform-specific listener cannot be bound (e.g. no permission to create
// /run/loopdns in this environment).
func newTestServer(t *testing.T) (*ipc.Server, *settings.Store, *control.Machine, string) {
	t.Helper()

	dir := t.TempDir()
	store, err := settings.New(filepath.Join(dir, "config.json"), slogutil.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tr := upstream.New(slogutil.NewDiscardLogger())
	t.Cleanup(tr.Close)

	fwd := forwarder.New(slogutil.NewDiscardLogger(), tr, 0)
	t.Cleanup(func() { _ = fwd.Shutdown(context.Background()) })

	adapters := adapter.New(slogutil.NewDiscardLogger())

	ctrl := control.New(slogutil.NewDiscardLogger(), store, fwd, tr, adapters)

	endpoint := fmt.Sprintf("loopdns-test-%s", uuid.New())

	srv := ipc.New(slogutil.NewDiscardLogger(), endpoint, ipc.Handlers{
		Settings:  store,
		Control:   ctrl,
		Adapters:  adapters,
		Transport: tr,
	})

	if err = srv.Start(context.Background()); err != nil {
		t.Skipf("cannot start ipc server in this environment: %s", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return srv, store, ctrl, endpoint
}

func TestServer_GetStatus_RoundTrip(t *testing.T) {
	t.Parallel()

	_, _, _, endpoint := newTestServer(t)
	c := dialClient(t, endpoint)

	id := c.send(t, "GetStatusRequest", struct{}{})
	env := c.recv(t, time.Second)

	assert.Equal(t, "GetStatusResponse", env.Type)
	assert.Equal(t, id, env.MessageID)

	var resp ipc.GetStatusResponse
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	assert.Equal(t, model.StatusInactive, resp.State)
}

func TestServer_GetConfig_RoundTrip(t *testing.T) {
	t.Parallel()

	_, store, _, endpoint := newTestServer(t)
	c := dialClient(t, endpoint)

	c.send(t, "GetConfigRequest", struct{}{})
	env := c.recv(t, time.Second)

	assert.Equal(t, "GetConfigResponse", env.Type)

	var resp ipc.GetConfigResponse
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	assert.Equal(t, store.Get().Enabled, resp.Settings.Enabled)
}

func TestServer_UnknownVerb_GetsNoResponse(t *testing.T) {
	t.Parallel()

	_, _, _, endpoint := newTestServer(t)
	c := dialClient(t, endpoint)

	c.send(t, "NoSuchVerb", struct{}{})
	c.expectTimeout(t, 200*time.Millisecond)
}

func TestServer_TestProvider_UnknownProviderIsAnError(t *testing.T) {
	t.Parallel()

	_, _, _, endpoint := newTestServer(t)
	c := dialClient(t, endpoint)

	c.send(t, "TestProviderRequest", ipc.TestProviderRequest{ProviderID: uuid.New()})
	env := c.recv(t, time.Second)

	assert.Equal(t, "ErrorResponse", env.Type)
}

func TestServer_StatusChanged_BroadcastsToAllClients(t *testing.T) {
	t.Parallel()

	_, _, ctrl, endpoint := newTestServer(t)

	c1 := dialClient(t, endpoint)
	c2 := dialClient(t, endpoint)

	// Give the accept loop a moment to register both clients before a state
	// change fires, since broadcast only reaches clients already tracked.
	time.Sleep(50 * time.Millisecond)

	go func() {
		_ = ctrl.Start(context.Background(), &model.Provider{
			ID:       uuid.New(),
			Name:     "unreachable",
			Kind:     model.ProviderKindStandard,
			Standard: model.StandardAddrs{PrimaryV4: netip.MustParseAddr("127.0.0.1")},
		})
	}()

	env1 := c1.recv(t, 2*time.Second)
	env2 := c2.recv(t, 2*time.Second)

	assert.Equal(t, "StatusChanged", env1.Type)
	assert.Equal(t, "StatusChanged", env2.Type)
}
