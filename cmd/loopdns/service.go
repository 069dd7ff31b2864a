package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/kardianos/service"
)

const (
	serviceName        = "LoopDNS"
	serviceDisplayName = "LoopDNS forwarder"
	serviceDescription = "LoopDNS: loopback DNS forwarder and provider switcher"
)

// program adapts an *app.App to the [service.Interface] kardianos/service
// expects: Start must return immediately, and Stop must block until
// shutdown has actually finished.
type program struct {
	ctx    context.Context
	logger *slog.Logger
	opts   options

	done chan struct{}
}

var _ service.Interface = (*program)(nil)

// Start implements [service.Interface].
func (p *program) Start(_ service.Service) (err error) {
	go p.run()

	return nil
}

// Stop implements [service.Interface].
func (p *program) Stop(_ service.Service) (err error) {
	<-p.done

	return nil
}

// run builds and runs the application to completion, closing p.done once
// shutdown has finished. It is launched in its own goroutine so Start
// returns immediately, per kardianos/service's contract.
func (p *program) run() {
	defer close(p.done)
	defer slogutil.RecoverAndLog(p.ctx, p.logger)

	if err := runForeground(p.ctx, p.logger, p.opts); err != nil {
		p.logger.ErrorContext(p.ctx, "running", slogutil.KeyError, err)
	}
}

// newServiceConfig builds the kardianos/service configuration shared by
// every service control action.
func newServiceConfig(opts options) (*service.Config, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}

	args := optsToArgs(opts)

	return &service.Config{
		Name:             serviceName,
		DisplayName:      serviceDisplayName,
		Description:      serviceDescription,
		WorkingDirectory: pwd,
		Arguments:        args,
	}, nil
}

// optsToArgs reconstructs the command-line arguments the "run" invocation of
// the service should be started with: every option except the service
// action itself, which is fixed to "run".
func optsToArgs(opts options) (args []string) {
	args = append(args, "-config", opts.confFile, "-service", "run")

	if opts.pidFile != "" {
		args = append(args, "-pidfile", opts.pidFile)
	}

	if opts.dnsPort != 0 {
		args = append(args, "-dns-port", fmt.Sprint(opts.dnsPort))
	}

	if opts.ipcEndpoint != "" {
		args = append(args, "-ipc-endpoint", opts.ipcEndpoint)
	}

	if opts.healthInterval != 0 {
		args = append(args, "-health-interval", opts.healthInterval.String())
	}

	if opts.verbose {
		args = append(args, "-verbose")
	}

	if opts.logFile != "" {
		args = append(args, "-log-file", opts.logFile)
	}

	return args
}

// handleServiceControlAction installs, uninstalls, starts, stops, restarts
// or reports the status of the OS service, or launches program.run directly
// for the "run" action.
func handleServiceControlAction(ctx context.Context, logger *slog.Logger, opts options) {
	cfg, err := newServiceConfig(opts)
	if err != nil {
		logger.ErrorContext(ctx, "building service config", slogutil.KeyError, err)
		os.Exit(osutil.ExitCodeFailure)
	}

	p := &program{
		ctx:    ctx,
		logger: logger,
		opts:   opts,
		done:   make(chan struct{}),
	}

	s, err := service.New(p, cfg)
	if err != nil {
		logger.ErrorContext(ctx, "initializing service", slogutil.KeyError, err)
		os.Exit(osutil.ExitCodeFailure)
	}

	action := opts.serviceAction
	logger.InfoContext(ctx, "service control", "action", action)

	if action == "status" {
		status, statusErr := s.Status()
		if statusErr != nil {
			logger.ErrorContext(ctx, "getting status", slogutil.KeyError, statusErr)
			os.Exit(osutil.ExitCodeFailure)
		}

		fmt.Println(serviceStatusString(status))

		return
	}

	if action == "run" {
		if err = s.Run(); err != nil {
			logger.ErrorContext(ctx, "running service", slogutil.KeyError, err)
			os.Exit(osutil.ExitCodeFailure)
		}

		return
	}

	if err = service.Control(s, action); err != nil {
		logger.ErrorContext(ctx, "controlling service", "action", action, slogutil.KeyError, err)
		os.Exit(osutil.ExitCodeFailure)
	}

	logger.InfoContext(ctx, "action done", "action", action)
}

func serviceStatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
