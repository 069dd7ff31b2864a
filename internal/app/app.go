// Package app wires together the settings store, adapter controller,
// upstream transport, forwarder, control state machine, health monitor and
// IPC server into the single running loopdns process.  It owns no DNS or
// IPC logic of its own; it only constructs and sequences the pieces that do.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/loopdns/loopdns/internal/adapter"
	"github.com/loopdns/loopdns/internal/control"
	"github.com/loopdns/loopdns/internal/forwarder"
	"github.com/loopdns/loopdns/internal/health"
	"github.com/loopdns/loopdns/internal/ipc"
	"github.com/loopdns/loopdns/internal/settings"
	"github.com/loopdns/loopdns/internal/upstream"
)

// Service is the lifecycle every long-running component here implements:
// Start returns once the component is accepting work, Shutdown drains it.
// forwarder.Forwarder, health.Monitor and ipc.Server all already satisfy
// this shape; App composes them under the same contract rather than
// inventing a second one.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Config collects the few knobs the composition root needs from the
// command line or the environment. Everything else -- providers, the
// default profile, adapter backups -- lives in the settings document
// itself.
type Config struct {
	// SettingsPath is the on-disk location of the JSON settings document.
	SettingsPath string

	// DNSPort overrides the forwarder's loopback listener port. Zero means
	// forwarder.DefaultPort.
	DNSPort int

	// IPCEndpoint overrides the IPC transport's platform-specific endpoint
	// name. Empty means ipc.EndpointName.
	IPCEndpoint string

	// HealthCheckInterval overrides how often the health monitor probes the
	// active provider. Zero means health.DefaultInterval.
	HealthCheckInterval time.Duration
}

// App is the fully wired process: every collaborator plus the ordered list
// of services that must start and stop together.
type App struct {
	logger *slog.Logger

	Settings  *settings.Store
	Adapters  *adapter.Controller
	Transport *upstream.Transport
	Forwarder *forwarder.Forwarder
	Control   *control.Machine
	Health    *health.Monitor
	IPC       *ipc.Server

	services []Service

	mu      sync.Mutex
	started []Service
}

// New constructs every collaborator and wires them together. It performs no
// I/O beyond loading (and, if absent, creating) the settings document at
// cfg.SettingsPath; nothing is listening yet until Start is called.
func New(logger *slog.Logger, cfg Config) (a *App, err error) {
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}

	store, err := settings.New(cfg.SettingsPath, logger.With(slogutil.KeyPrefix, "settings"))
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	adapters := adapter.New(logger.With(slogutil.KeyPrefix, "adapter"))
	transport := upstream.New(logger.With(slogutil.KeyPrefix, "upstream"))

	port := cfg.DNSPort
	if port == 0 {
		port = forwarder.DefaultPort
	}
	fwd := forwarder.New(logger.With(slogutil.KeyPrefix, "forwarder"), transport, port)

	ctrl := control.New(logger.With(slogutil.KeyPrefix, "control"), store, fwd, transport, adapters)

	interval := cfg.HealthCheckInterval
	if interval == 0 {
		interval = health.DefaultInterval
	}
	healthMon := health.New(logger.With(slogutil.KeyPrefix, "health"), transport, ctrl, interval)

	endpoint := cfg.IPCEndpoint
	if endpoint == "" {
		endpoint = ipc.EndpointName
	}
	ipcSrv := ipc.New(logger.With(slogutil.KeyPrefix, "ipc"), endpoint, ipc.Handlers{
		Settings:  store,
		Control:   ctrl,
		Adapters:  adapters,
		Transport: transport,
	})

	a = &App{
		logger:    logger,
		Settings:  store,
		Adapters:  adapters,
		Transport: transport,
		Forwarder: fwd,
		Control:   ctrl,
		Health:    healthMon,
		IPC:       ipcSrv,
		// The forwarder is deliberately absent here: its sockets exist only
		// between the control machine's Start and Stop, so control owns its
		// lifecycle.  The IPC server is last so clients never see a
		// half-started process.
		services: []Service{healthMon, ipcSrv},
	}

	return a, nil
}

// Start brings up the health monitor and IPC server in order, then resumes
// the persisted default profile if the settings document asks for it. A
// failure partway through stops whatever already started before returning
// the error.
func (a *App) Start(ctx context.Context) (err error) {
	for _, svc := range a.services {
		if err = svc.Start(ctx); err != nil {
			a.stopStarted(ctx)

			return fmt.Errorf("starting %T: %w", svc, err)
		}

		a.mu.Lock()
		a.started = append(a.started, svc)
		a.mu.Unlock()
	}

	a.resume(ctx)

	return nil
}

// resume brings the control state machine up to the state the settings
// document describes: if the document has a default profile, is marked
// enabled and asks to be applied on boot, that profile's provider becomes
// the active one. Any failure here is logged, not fatal -- an operator can
// still reach the process over IPC to fix a broken configuration.
func (a *App) resume(ctx context.Context) {
	cur := a.Settings.Get()
	if !cur.Enabled || !cur.ApplyOnBoot || cur.DefaultProfile == nil {
		return
	}

	provider := cur.ProviderByID(cur.DefaultProfile.ProviderID)
	if provider == nil {
		a.logger.WarnContext(ctx, "default profile references unknown provider",
			"provider_id", cur.DefaultProfile.ProviderID)

		return
	}

	if err := a.Control.Start(ctx, provider); err != nil {
		a.logger.ErrorContext(ctx, "resuming default profile", slogutil.KeyError, err)
	}
}

// Shutdown tears down the active provider, if any, then stops every started
// service in reverse start order.
func (a *App) Shutdown(ctx context.Context) (err error) {
	if stopErr := a.Control.Stop(ctx); stopErr != nil {
		a.logger.ErrorContext(ctx, "stopping control machine", slogutil.KeyError, stopErr)
	}

	a.stopStarted(ctx)

	return nil
}

func (a *App) stopStarted(ctx context.Context) {
	a.mu.Lock()
	started := a.started
	a.started = nil
	a.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		if shutErr := svc.Shutdown(ctx); shutErr != nil {
			a.logger.ErrorContext(ctx, "shutting down service", "service", fmt.Sprintf("%T", svc),
				slogutil.KeyError, shutErr)
		}
	}

	a.Transport.Close()

	if closeErr := a.Settings.Close(); closeErr != nil {
		a.logger.ErrorContext(ctx, "closing settings store", slogutil.KeyError, closeErr)
	}
}
