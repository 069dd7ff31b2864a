// Package ipc implements the length-prefixed, tagged-union request/response
// control protocol: a local, per-user stream endpoint
// that exposes the settings store, adapter controller and control state
// machine to the companion control surface, and broadcasts StatusChanged and
// SettingsChanged notifications to every connected client.
package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/uuid"
	"github.com/loopdns/loopdns/internal/adapter"
	"github.com/loopdns/loopdns/internal/control"
	"github.com/loopdns/loopdns/internal/settings"
	"github.com/loopdns/loopdns/internal/upstream"
)

// EndpointName is the IPC endpoint's platform-agnostic name: a Unix domain
// socket filename on Unix, a named pipe name on Windows.
const EndpointName = "LoopDNSControl"

// MaxMessageSize is the per-message size cap: a framing violation (length
// <= 0 or > this) terminates the client connection.
const MaxMessageSize = 1 << 20 // 1 MiB

// Handlers bundles every collaborator the dispatcher needs. None of its
// fields may be nil.
type Handlers struct {
	Settings  *settings.Store
	Control   *control.Machine
	Adapters  *adapter.Controller
	Transport *upstream.Transport
}

// Server accepts multiple concurrent clients over a length-prefixed JSON
// framing, dispatches each request to Handlers, and rebroadcasts
// SettingsChanged/StatusChanged notifications to all of them.
type Server struct {
	logger   *slog.Logger
	handlers Handlers
	endpoint string

	ln net.Listener

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	wg           sync.WaitGroup
	shutdownOnce sync.Once

	cancelNotify context.CancelFunc
}

// New returns a Server that will listen on endpoint (a socket file name
// under /run/loopdns on Unix, a pipe name on Windows) once Start is called.
func New(logger *slog.Logger, endpoint string, handlers Handlers) *Server {
	return &Server{
		logger:   logger,
		handlers: handlers,
		endpoint: endpoint,
		clients:  map[*client]struct{}{},
	}
}

// Start binds the platform listener and launches the accept loop and the
// notification-forwarding goroutines. It does not block.
func (s *Server) Start(ctx context.Context) (err error) {
	s.ln, err = listen(s.endpoint)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.endpoint, err)
	}

	notifyCtx, cancel := context.WithCancel(ctx)
	s.cancelNotify = cancel

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.forwardSettingsChanges(notifyCtx)

	s.wg.Add(1)
	go s.forwardStatusChanges(notifyCtx)

	s.logger.InfoContext(ctx, "ipc server listening", "endpoint", s.endpoint)

	return nil
}

// Shutdown closes the listener and every connected client, then waits for
// the server's goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	s.shutdownOnce.Do(func() {
		if s.cancelNotify != nil {
			s.cancelNotify()
		}

		if s.ln != nil {
			_ = s.ln.Close()
		}

		s.clientsMu.Lock()
		for c := range s.clients {
			_ = c.conn.Close()
		}
		s.clientsMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		s.logger.WarnContext(ctx, "ipc server did not drain in time")

		return nil
	}
}

// client wraps a connection with per-client write serialization, so a
// concurrent broadcast never interleaves with a response frame.
type client struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer slogutil.RecoverAndLog(context.Background(), s.logger)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		c := &client{conn: conn}

		s.clientsMu.Lock()
		s.clients[c] = struct{}{}
		s.clientsMu.Unlock()

		s.wg.Add(1)
		go s.serveClient(c)
	}
}

func (s *Server) serveClient(c *client) {
	defer s.wg.Done()
	defer slogutil.RecoverAndLog(context.Background(), s.logger)
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()

		_ = c.conn.Close()
	}()

	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			return
		}

		var env envelope
		if err = json.Unmarshal(frame, &env); err != nil {
			// Malformed JSON is a framing violation by another name: the
			// peer cannot be resynchronized, so the connection is closed.
			return
		}

		s.handleEnvelope(context.Background(), c, env)
	}
}

func (s *Server) handleEnvelope(ctx context.Context, c *client, env envelope) {
	respType, payload, handled := s.dispatch(ctx, env)
	if !handled {
		// Unknown verb: no response, connection stays open.
		return
	}

	out := envelope{
		Type:      respType,
		MessageID: env.MessageID,
		Timestamp: time.Now(),
	}

	b, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshaling ipc response payload", "type", respType, slogutil.KeyError, err)

		return
	}

	out.Payload = b

	frame, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("marshaling ipc envelope", slogutil.KeyError, err)

		return
	}

	if err = c.writeFrame(frame); err != nil {
		s.logger.Debug("writing ipc response failed", slogutil.KeyError, err)
	}
}

// broadcast sends msg to every currently connected client, best-effort: a
// slow or dead client never blocks delivery to the others.
func (s *Server) broadcast(msgType string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshaling broadcast payload", "type", msgType, slogutil.KeyError, err)

		return
	}

	env := envelope{Type: msgType, MessageID: uuid.New(), Timestamp: time.Now(), Payload: b}

	frame, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("marshaling broadcast envelope", slogutil.KeyError, err)

		return
	}

	s.clientsMu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.Unlock()

	for _, c := range targets {
		if writeErr := c.writeFrame(frame); writeErr != nil {
			s.logger.Debug("broadcasting to client failed", slogutil.KeyError, writeErr)
		}
	}
}

func (s *Server) forwardSettingsChanges(ctx context.Context) {
	defer s.wg.Done()
	defer slogutil.RecoverAndLog(ctx, s.logger)

	ch, cancel := s.handlers.Settings.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}

			s.broadcast(typeSettingsChanged, SettingsChanged{Settings: next})
		}
	}
}

func (s *Server) forwardStatusChanges(ctx context.Context) {
	defer s.wg.Done()
	defer slogutil.RecoverAndLog(ctx, s.logger)

	ch, cancel := s.handlers.Control.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}

			s.broadcast(typeStatusChanged, StatusChanged{Status: toStatusResponse(next)})
		}
	}
}

func (c *client) writeFrame(frame []byte) (err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return writeFrame(c.conn, frame)
}

// readFrame reads one length-prefixed JSON message: a 4-byte little-endian
// length, then exactly that many bytes. A length of zero or greater than
// MaxMessageSize is a framing violation.
func readFrame(r io.Reader) (frame []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxMessageSize {
		return nil, errors.Error("framing violation: invalid message length")
	}

	frame = make([]byte, n)
	if _, err = io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	return frame, nil
}

// writeFrame writes one length-prefixed JSON message.
func writeFrame(w io.Writer, frame []byte) (err error) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	if _, err = w.Write(lenBuf[:]); err != nil {
		return err
	}

	_, err = w.Write(frame)

	return err
}

func toStatusResponse(st control.Status) GetStatusResponse {
	resp := GetStatusResponse{
		State:          st.State,
		IsTemporary:    st.IsTemporary,
		LastError:      st.LastError,
		QueriesHandled: st.QueriesHandled,
	}

	if st.ActiveProviderID != uuid.Nil {
		id := st.ActiveProviderID
		resp.ActiveProviderID = &id
		resp.ActiveProviderName = st.ActiveProviderName
	}

	if !st.LastHealthCheck.IsZero() {
		t := st.LastHealthCheck
		resp.LastHealthCheck = &t
	}

	return resp
}
