// Command loopdns runs the LoopDNS forwarder: a loopback DNS listener that
// relays every query to an operator-chosen upstream provider, a control
// state machine that switches between providers without interrupting
// service, and a local IPC endpoint a companion UI or CLI drives it through.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/loopdns/loopdns/internal/app"
	"github.com/loopdns/loopdns/internal/version"
)

// shutdownTimeout bounds how long the foreground run waits for every
// service to drain once a shutdown signal arrives.
const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(osutil.ExitCodeSuccess)
		}

		os.Exit(osutil.ExitCodeFailure)
	}

	if opts.version {
		fmt.Println(version.Full())
		os.Exit(osutil.ExitCodeSuccess)
	}

	if opts.logFile != "" {
		if err = configureLogFile(opts.logFile); err != nil {
			os.Exit(osutil.ExitCodeFailure)
		}
	}

	logger := newLogger(opts.verbose)
	ctx := context.Background()

	if opts.serviceAction != "" {
		handleServiceControlAction(ctx, logger, opts)

		return
	}

	if err = runForeground(ctx, logger, opts); err != nil {
		logger.ErrorContext(ctx, "exiting", slogutil.KeyError, err)
		os.Exit(osutil.ExitCodeFailure)
	}
}

// newLogger builds the process-wide structured logger.  LoopDNS logs to
// stderr in text form; verbose raises the level to debug.
func newLogger(verbose bool) (logger *slog.Logger) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatAdGuardLegacy,
		Level:        level,
		AddTimestamp: true,
	})
}

// runForeground builds the application, starts it, writes the PID file if
// requested, and blocks until SIGINT, SIGTERM or SIGQUIT, at which point it
// shuts everything down and returns. SIGHUP triggers no action of its own --
// log rotation is size-based, handled by lumberjack without a signal -- but
// is still accepted rather than treated as a fatal signal, since most
// service supervisors send it during restarts.
func runForeground(ctx context.Context, logger *slog.Logger, opts options) (err error) {
	logger.InfoContext(ctx, version.Full())

	if opts.pidFile != "" {
		if err = writePIDFile(opts.pidFile); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer func() { _ = os.Remove(opts.pidFile) }()
	}

	a, err := app.New(logger, app.Config{
		SettingsPath:        opts.confFile,
		DNSPort:             opts.dnsPort,
		IPCEndpoint:         opts.ipcEndpoint,
		HealthCheckInterval: opts.healthInterval,
	})
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	if err = a.Start(ctx); err != nil {
		return fmt.Errorf("starting application: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	for {
		s := <-sig
		logger.InfoContext(ctx, "received signal", "signal", s)

		if s == syscall.SIGHUP {
			continue
		}

		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return a.Shutdown(shutdownCtx)
}

// writePIDFile writes the current process ID to path.
func writePIDFile(path string) (err error) {
	pid := strconv.Itoa(os.Getpid())

	return os.WriteFile(path, []byte(pid+"\n"), 0o644)
}
