// Package control implements the active-provider state machine:
// Inactive/Connecting/Testing/Connected/Error, the default-vs-temporary
// active-provider distinction, and the Start/Switch/RevertToDefault/
// Disable/Stop transitions every IPC verb ultimately drives.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/uuid"
	"github.com/loopdns/loopdns/internal/adapter"
	"github.com/loopdns/loopdns/internal/forwarder"
	"github.com/loopdns/loopdns/internal/model"
	"github.com/loopdns/loopdns/internal/settings"
	"github.com/loopdns/loopdns/internal/upstream"
	"github.com/miekg/dns"
)

// subscriberBuffer mirrors internal/settings's drop-oldest subscriber
// channel depth: a slow subscriber should see only the latest status, never
// a backlog.
const subscriberBuffer = 1

// Status is the externally visible snapshot exposed by the IPC server's
// GetStatus verb.
type Status struct {
	State              model.ConnectionStatus
	ActiveProviderID   uuid.UUID
	ActiveProviderName string
	IsTemporary        bool
	LastError          string
	LastHealthCheck    time.Time
	QueriesHandled     uint64
}

// Machine is the single mutex-protected control state machine.  It owns no
// sockets itself; it drives the forwarder and adapter controller and
// persists the default profile through the settings store.
type Machine struct {
	logger    *slog.Logger
	store     *settings.Store
	forwarder *forwarder.Forwarder
	transport *upstream.Transport
	adapters  *adapter.Controller

	mu              sync.Mutex
	state           model.ConnectionStatus
	active          *model.Provider
	defaultProvider *model.Provider
	isTemporary     bool
	lastError       string
	lastHealthCheck time.Time

	subMu sync.Mutex
	subs  map[chan Status]struct{}
}

// New returns a Machine in the Inactive state.  None of the arguments may be
// nil.
func New(
	logger *slog.Logger,
	store *settings.Store,
	fwd *forwarder.Forwarder,
	transport *upstream.Transport,
	adapters *adapter.Controller,
) *Machine {
	return &Machine{
		logger:    logger,
		store:     store,
		forwarder: fwd,
		transport: transport,
		adapters:  adapters,
		state:     model.StatusInactive,
		subs:      map[chan Status]struct{}{},
	}
}

// Subscribe registers a new StatusChanged subscriber, mirroring
// internal/settings.Store.Subscribe's drop-oldest delivery discipline.
func (m *Machine) Subscribe() (ch <-chan Status, cancel func()) {
	c := make(chan Status, subscriberBuffer)

	m.subMu.Lock()
	m.subs[c] = struct{}{}
	m.subMu.Unlock()

	return c, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()

		if _, ok := m.subs[c]; ok {
			delete(m.subs, c)
			close(c)
		}
	}
}

func (m *Machine) broadcast(s Status) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for c := range m.subs {
		select {
		case c <- s:
		default:
			select {
			case <-c:
			default:
			}

			select {
			case c <- s:
			default:
			}
		}
	}
}

// Status returns a snapshot of the current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Status {
	s := Status{
		State:           m.state,
		IsTemporary:     m.isTemporary,
		LastError:       m.lastError,
		LastHealthCheck: m.lastHealthCheck,
		QueriesHandled:  m.forwarder.QueryCount(),
	}

	if m.active != nil {
		s.ActiveProviderID = m.active.ID
		s.ActiveProviderName = m.active.Name
	}

	return s
}

// setStateLocked updates the state and broadcasts a snapshot.  Callers must
// hold mu, so subscribers receive transitions in the order they happen.
func (m *Machine) setStateLocked(state model.ConnectionStatus) {
	m.state = state
	snap := m.snapshotLocked()

	m.broadcast(snap)
}

// Start seeds active=default=provider, binds the forwarder's listeners and
// runs the synthetic test.  A Start while not-Inactive is treated as
// Stop-then-Start.
func (m *Machine) Start(ctx context.Context, p *model.Provider) (err error) {
	m.mu.Lock()
	notInactive := m.state != model.StatusInactive
	m.mu.Unlock()

	if notInactive {
		if err = m.Stop(ctx); err != nil {
			return fmt.Errorf("stopping before restart: %w", err)
		}
	}

	m.mu.Lock()
	m.active = p
	m.defaultProvider = p
	m.isTemporary = false
	m.setStateLocked(model.StatusConnecting)
	m.mu.Unlock()

	if err = m.forwarder.Start(ctx); err != nil {
		m.mu.Lock()
		m.active = nil
		m.lastError = err.Error()
		m.setStateLocked(model.StatusInactive)
		m.mu.Unlock()

		return fmt.Errorf("binding forwarder: %w", err)
	}

	m.forwarder.SetActiveProvider(p)

	m.mu.Lock()
	m.setStateLocked(model.StatusTesting)
	m.mu.Unlock()

	m.runTest(ctx, p)

	return nil
}

// Switch sets the active provider and, unless isTemporary, the default
// profile too, then re-runs the synthetic test.  Switch while Inactive is an
// error: there is nothing to switch, the forwarder isn't bound.
func (m *Machine) Switch(ctx context.Context, p *model.Provider, isTemporary bool) (err error) {
	m.mu.Lock()
	if m.state == model.StatusInactive {
		m.mu.Unlock()

		return errors.Error("cannot switch provider while inactive")
	}

	prev := m.active
	m.active = p
	m.isTemporary = isTemporary
	if !isTemporary {
		m.defaultProvider = p
	}

	m.setStateLocked(model.StatusTesting)
	m.mu.Unlock()

	if prev != nil && prev.Kind == model.ProviderKindDoH && prev.ID != p.ID {
		m.transport.ForgetProvider(prev)
	}

	m.forwarder.SetActiveProvider(p)

	m.runTest(ctx, p)

	return nil
}

// RevertToDefault is Switch(default, isTemporary=false).
func (m *Machine) RevertToDefault(ctx context.Context) (err error) {
	m.mu.Lock()
	def := m.defaultProvider.Clone()
	m.mu.Unlock()

	if def == nil {
		return errors.Error("no default profile is set")
	}

	return m.Switch(ctx, def, false)
}

// Disable stops the forwarder and, if restoreDNS is true, instructs the
// adapter controller to restore every backed-up adapter before clearing the
// settings document's enabled flag.  Per-adapter restore failures are
// aggregated and returned, but do not prevent Stop from completing or
// enabled from being persisted as false: the user's intent to disable always
// takes effect.
func (m *Machine) Disable(ctx context.Context, restoreDNS bool) (err error) {
	if err = m.Stop(ctx); err != nil {
		return fmt.Errorf("stopping: %w", err)
	}

	var restoreErrs []error
	if restoreDNS {
		restoreErrs = m.restoreAllBackups(ctx)
	}

	if err = m.store.SetEnabled(false); err != nil {
		restoreErrs = append(restoreErrs, fmt.Errorf("persisting disabled state: %w", err))
	}

	return errors.Join(restoreErrs...)
}

func (m *Machine) restoreAllBackups(ctx context.Context) (errs []error) {
	backups := m.store.Get().AdapterBackups

	for _, b := range backups {
		if restoreErr := m.adapters.Restore(ctx, b); restoreErr != nil {
			m.logger.WarnContext(ctx, "restoring adapter failed", "adapter", b.AdapterID, slogutil.KeyError, restoreErr)
			errs = append(errs, restoreErr)

			continue
		}

		if rmErr := m.store.RemoveAdapterBackup(b.AdapterID); rmErr != nil {
			errs = append(errs, rmErr)
		}
	}

	return errs
}

// Stop unconditionally tears down the forwarder regardless of current state
// and resets to (active=nil, Inactive).
func (m *Machine) Stop(ctx context.Context) (err error) {
	m.mu.Lock()
	if m.state == model.StatusInactive {
		m.mu.Unlock()

		return nil
	}
	m.mu.Unlock()

	err = m.forwarder.Shutdown(ctx)

	m.mu.Lock()
	m.active = nil
	m.isTemporary = false
	m.lastError = ""
	m.setStateLocked(model.StatusInactive)
	m.mu.Unlock()

	return err
}

// runTest runs the synthetic reachability probe against p and transitions
// Testing to Connected or Error based on the result.
func (m *Machine) runTest(ctx context.Context, p *model.Provider) {
	res, testErr := m.transport.Test(ctx, p)

	m.mu.Lock()
	defer m.mu.Unlock()

	// A concurrent Switch may have already moved us past this test's
	// target; the last Switch's own runTest call owns the final state.
	if m.active == nil || m.active.ID != p.ID {
		return
	}

	m.lastHealthCheck = time.Now()

	if testErr != nil {
		m.lastError = testErr.Error()
		m.setStateLocked(model.StatusError)

		return
	}

	if res.Rcode != dns.RcodeSuccess {
		m.lastError = fmt.Sprintf("test query returned rcode %d", res.Rcode)
		m.setStateLocked(model.StatusError)

		return
	}

	m.lastError = ""
	m.setStateLocked(model.StatusConnected)
}

// ReportHealthCheckFailure is called by internal/health when a periodic
// probe against the active provider fails while Connected.  It does not run
// a fresh Switch test; it only records what the monitor observed.
func (m *Machine) ReportHealthCheckFailure(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != model.StatusConnected {
		return
	}

	m.lastHealthCheck = time.Now()
	m.lastError = message
	m.setStateLocked(model.StatusError)
}

// ReportHealthCheckSuccess records that a periodic probe succeeded, without
// changing state.
func (m *Machine) ReportHealthCheckSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastHealthCheck = time.Now()
}

// ActiveProvider returns a clone of the provider currently active, and
// whether the machine is in the Connected state — the two facts
// internal/health needs to decide whether to probe.
func (m *Machine) ActiveProvider() (p *model.Provider, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active.Clone(), m.state == model.StatusConnected
}
