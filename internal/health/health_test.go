package health_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/uuid"
	"github.com/loopdns/loopdns/internal/health"
	"github.com/loopdns/loopdns/internal/model"
	"github.com/loopdns/loopdns/internal/upstream"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTester answers every Test call with a canned result, counting how many
// times it was invoked.
type fakeTester struct {
	mu    sync.Mutex
	res   upstream.TestResult
	err   error
	calls int
}

func (f *fakeTester) Test(_ context.Context, _ *model.Provider) (upstream.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	return f.res, f.err
}

func (f *fakeTester) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// fakeReporter records ActiveProvider/ReportHealthCheckFailure/Success calls
// for assertions, and lets the test control whether the monitor considers
// itself connected.
type fakeReporter struct {
	mu        sync.Mutex
	provider  *model.Provider
	connected bool
	failures  []string
	successes int
}

func (f *fakeReporter) ActiveProvider() (*model.Provider, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.provider, f.connected
}

func (f *fakeReporter) ReportHealthCheckFailure(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures = append(f.failures, message)
}

func (f *fakeReporter) ReportHealthCheckSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.successes++
}

func (f *fakeReporter) snapshot() (failures []string, successes int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.failures...), f.successes
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}

func TestMonitor_SkipsProbeWhenNotConnected(t *testing.T) {
	t.Parallel()

	tester := &fakeTester{res: upstream.TestResult{Rcode: dns.RcodeSuccess}}
	reporter := &fakeReporter{connected: false}

	m := health.New(slogutil.NewDiscardLogger(), tester, reporter, 10*time.Millisecond)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, tester.callCount(), "monitor must not probe while the reporter is disconnected")
}

func TestMonitor_ReportsSuccess(t *testing.T) {
	t.Parallel()

	tester := &fakeTester{res: upstream.TestResult{Rcode: dns.RcodeSuccess}}
	reporter := &fakeReporter{
		provider:  &model.Provider{ID: uuid.New(), Name: "p"},
		connected: true,
	}

	m := health.New(slogutil.NewDiscardLogger(), tester, reporter, 10*time.Millisecond)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	waitFor(t, time.Second, func() bool {
		_, successes := reporter.snapshot()

		return successes > 0
	})

	failures, _ := reporter.snapshot()
	assert.Empty(t, failures)
}

func TestMonitor_ReportsFailureOnTransportError(t *testing.T) {
	t.Parallel()

	tester := &fakeTester{err: assert.AnError}
	reporter := &fakeReporter{
		provider:  &model.Provider{ID: uuid.New(), Name: "p"},
		connected: true,
	}

	m := health.New(slogutil.NewDiscardLogger(), tester, reporter, 10*time.Millisecond)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	waitFor(t, time.Second, func() bool {
		failures, _ := reporter.snapshot()

		return len(failures) > 0
	})
}

func TestMonitor_ReportsFailureOnNonSuccessRcode(t *testing.T) {
	t.Parallel()

	tester := &fakeTester{res: upstream.TestResult{Rcode: dns.RcodeServerFailure}}
	reporter := &fakeReporter{
		provider:  &model.Provider{ID: uuid.New(), Name: "p"},
		connected: true,
	}

	m := health.New(slogutil.NewDiscardLogger(), tester, reporter, 10*time.Millisecond)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	waitFor(t, time.Second, func() bool {
		failures, _ := reporter.snapshot()

		return len(failures) > 0
	})
}

func TestMonitor_Shutdown_StopsProbing(t *testing.T) {
	t.Parallel()

	tester := &fakeTester{res: upstream.TestResult{Rcode: dns.RcodeSuccess}}
	reporter := &fakeReporter{
		provider:  &model.Provider{ID: uuid.New(), Name: "p"},
		connected: true,
	}

	m := health.New(slogutil.NewDiscardLogger(), tester, reporter, 10*time.Millisecond)

	require.NoError(t, m.Start(context.Background()))

	waitFor(t, time.Second, func() bool { return tester.callCount() > 0 })

	require.NoError(t, m.Shutdown(context.Background()))

	calls := tester.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, tester.callCount(), "no further probes after Shutdown returns")
}

func TestMonitor_DefaultInterval(t *testing.T) {
	t.Parallel()

	tester := &fakeTester{res: upstream.TestResult{Rcode: dns.RcodeSuccess}}
	reporter := &fakeReporter{}

	m := health.New(slogutil.NewDiscardLogger(), tester, reporter, 0)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	// A non-positive interval falls back to health.DefaultInterval (30s), so
	// no probe should have run yet moments after Start.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, tester.callCount())
}
