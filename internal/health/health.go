// Package health implements the periodic reachability probe: a single
// recurring task that, while the control state machine
// reports Connected, re-runs the synthetic test against the active provider
// and reports failures back to the state machine. It never drives a
// transition itself beyond that report.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/loopdns/loopdns/internal/model"
	"github.com/loopdns/loopdns/internal/upstream"
	"github.com/miekg/dns"
)

// DefaultInterval is the interval between probes.
const DefaultInterval = 30 * time.Second

// Tester is the subset of *upstream.Transport the monitor needs; kept as an
// interface so tests can substitute a fake.
type Tester interface {
	Test(ctx context.Context, p *model.Provider) (upstream.TestResult, error)
}

// Reporter is the subset of *control.Machine the monitor drives.
type Reporter interface {
	ActiveProvider() (p *model.Provider, connected bool)
	ReportHealthCheckFailure(message string)
	ReportHealthCheckSuccess()
}

// Monitor runs the periodic probe on its own goroutine, implementing the
// same Start(ctx)/Shutdown(ctx) lifecycle shape as internal/forwarder.
type Monitor struct {
	logger   *slog.Logger
	tester   Tester
	control  Reporter
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Monitor that probes every interval. A non-positive interval
// falls back to DefaultInterval.
func New(logger *slog.Logger, tester Tester, ctrl Reporter, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Monitor{logger: logger, tester: tester, control: ctrl, interval: interval}
}

// Start launches the monitor's background loop. It does not block.
func (m *Monitor) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx)

	return nil
}

// Shutdown cancels the background loop and waits up to 5 seconds for it to
// exit, mirroring the forwarder's drain discipline.
func (m *Monitor) Shutdown(ctx context.Context) (err error) {
	if m.cancel == nil {
		return nil
	}

	m.cancel()

	select {
	case <-m.done:
		return nil
	case <-time.After(5 * time.Second):
		m.logger.WarnContext(ctx, "health monitor did not stop in time")

		return nil
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer slogutil.RecoverAndLog(ctx, m.logger)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	p, connected := m.control.ActiveProvider()
	if !connected || p == nil {
		return
	}

	res, err := m.tester.Test(ctx, p)
	if err != nil {
		m.logger.WarnContext(ctx, "health check failed", "provider", p.Name, slogutil.KeyError, err)
		m.control.ReportHealthCheckFailure(err.Error())

		return
	}

	if res.Rcode != dns.RcodeSuccess {
		m.logger.WarnContext(ctx, "health check returned non-success rcode", "provider", p.Name, "rcode", res.Rcode)
		m.control.ReportHealthCheckFailure("test query returned a non-success rcode")

		return
	}

	m.control.ReportHealthCheckSuccess()
}
