// Package forwarder implements the loopback DNS forwarder: four
// concurrent listeners on 127.0.0.1/::1, UDP and TCP, relaying every inbound
// query to the currently active provider and returning its response
// verbatim.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopdns/loopdns/internal/model"
)

// DefaultPort is the well-known DNS port the forwarder binds on every
// loopback address in production.  Tests override it via New's port
// parameter to avoid requiring elevated privileges.
const DefaultPort = 53

// maxTCPMessageSize is the largest TCP-framed query this forwarder accepts;
// oversized framing is dropped without a response.
const maxTCPMessageSize = 65535

// drainTimeout is how long Shutdown waits for in-flight query tasks to
// finish before force-releasing listener resources.
const drainTimeout = 5 * time.Second

// Exchanger performs the actual upstream exchange for a query.  It is
// satisfied by *internal/upstream.Transport; kept as an interface here so
// tests can substitute a fake.
type Exchanger interface {
	Query(ctx context.Context, p *model.Provider, query []byte) ([]byte, error)
}

// Forwarder owns the four loopback listeners and relays queries to whichever
// provider is currently active.
type Forwarder struct {
	logger    *slog.Logger
	exchanger Exchanger
	port      int

	active atomic.Pointer[model.Provider]
	count  atomic.Uint64

	wg sync.WaitGroup

	// lnMu guards the listener slices: Start and Shutdown may be called
	// again after a full stop, since a restart rebinds the same ports.
	lnMu      sync.Mutex
	listeners []net.PacketConn
	tcpLns    []net.Listener
}

// New returns a Forwarder that relays through exchanger and binds port on
// every loopback address.  No provider is active until SetActiveProvider is
// called; queries received before that are dropped with no response, since
// the forwarder never synthesizes answers of its own.
func New(logger *slog.Logger, exchanger Exchanger, port int) *Forwarder {
	return &Forwarder{logger: logger, exchanger: exchanger, port: port}
}

// SetActiveProvider atomically swaps the provider new queries are forwarded
// to.  In-flight queries keep running against the provider they began with.
func (f *Forwarder) SetActiveProvider(p *model.Provider) {
	f.active.Store(p)
}

// QueryCount returns the number of queries forwarded since the Forwarder was
// created.  Start and Shutdown do not reset it.
func (f *Forwarder) QueryCount() uint64 {
	return f.count.Load()
}

// Start binds all four loopback listeners and begins serving.  It does not
// block.  Start may be called again after Shutdown; the listeners are
// rebound from scratch.
func (f *Forwarder) Start(ctx context.Context) (err error) {
	f.lnMu.Lock()
	f.listeners = nil
	f.tcpLns = nil
	f.lnMu.Unlock()

	addrs := []string{"127.0.0.1", "::1"}

	for _, addr := range addrs {
		udpAddr := net.JoinHostPort(addr, strconv.Itoa(f.port))
		pc, udpErr := net.ListenPacket("udp", udpAddr)
		if udpErr != nil {
			f.closeAll()

			return fmt.Errorf("listening udp %s: %w", udpAddr, udpErr)
		}

		f.lnMu.Lock()
		f.listeners = append(f.listeners, pc)
		f.lnMu.Unlock()

		f.serveUDP(pc)

		ln, tcpErr := net.Listen("tcp", udpAddr)
		if tcpErr != nil {
			f.closeAll()

			return fmt.Errorf("listening tcp %s: %w", udpAddr, tcpErr)
		}

		f.lnMu.Lock()
		f.tcpLns = append(f.tcpLns, ln)
		f.lnMu.Unlock()

		f.serveTCP(ln)
	}

	f.logger.InfoContext(ctx, "forwarder listening", "addrs", addrs, "port", f.port)

	return nil
}

// Shutdown closes every listener and waits up to drainTimeout for in-flight
// query tasks to finish.
func (f *Forwarder) Shutdown(ctx context.Context) (err error) {
	f.closeAll()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		f.logger.WarnContext(ctx, "forcing shutdown, in-flight queries did not drain in time")

		return nil
	}
}

func (f *Forwarder) closeAll() {
	f.lnMu.Lock()
	defer f.lnMu.Unlock()

	for _, pc := range f.listeners {
		_ = pc.Close()
	}

	for _, ln := range f.tcpLns {
		_ = ln.Close()
	}
}
