package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

// options contains all command-line options for the loopdns binary.
type options struct {
	// confFile is the path to the settings document.
	confFile string

	// pidFile is the path to the file where to store the PID.  Empty means
	// no PID file is written.
	pidFile string

	// dnsPort overrides the loopback listener port.  Zero means the
	// forwarder's default (53).
	dnsPort int

	// ipcEndpoint overrides the IPC transport's platform-specific endpoint
	// name.  Empty means the package default.
	ipcEndpoint string

	// healthInterval overrides how often the health monitor probes the
	// active provider.  Zero means the package default.
	healthInterval time.Duration

	// verbose, if true, sets the logger to debug level.
	verbose bool

	// logFile, if set, redirects the legacy golibs/log package's output to a
	// rotating file at this path.  The slog logger built by newLogger, which
	// carries the application's own messages, does not write to it.
	logFile string

	// serviceAction is the service control action to perform:
	//
	//   - "install":  installs loopdns as a system service.
	//   - "uninstall":  uninstalls it.
	//   - "status":  prints the service status.
	//   - "start":  starts the previously installed service.
	//   - "stop":  stops the previously installed service.
	//   - "restart":  restarts the previously installed service.
	//   - "run":  runs in the foreground; this is what the service manager
	//     invokes under the hood, and what an operator uses to run loopdns
	//     without installing it as a service at all.
	serviceAction string

	// version, if true, instructs loopdns to print version information and
	// exit with a successful exit code.
	version bool
}

// defaultConfFile is the settings document path used when confFile isn't
// set explicitly.
const defaultConfFile = "loopdns.json"

// parseOptions parses command-line arguments into an options struct.
func parseOptions(args []string) (o options, err error) {
	fs := flag.NewFlagSet("loopdns", flag.ContinueOnError)

	fs.StringVar(&o.confFile, "config", defaultConfFile, "path to the settings document")
	fs.StringVar(&o.pidFile, "pidfile", "", "path to the PID file (optional)")
	fs.IntVar(&o.dnsPort, "dns-port", 0, "loopback DNS listener port (default 53)")
	fs.StringVar(&o.ipcEndpoint, "ipc-endpoint", "", "IPC transport endpoint name (optional)")
	fs.DurationVar(&o.healthInterval, "health-interval", 0, "health check interval (default 30s)")
	fs.BoolVar(&o.verbose, "verbose", false, "enable debug logging")
	fs.StringVar(&o.logFile, "log-file", "", "path to a rotating file for legacy golibs/log output (optional)")
	fs.StringVar(
		&o.serviceAction,
		"service",
		"",
		"service control action: install, uninstall, start, stop, restart, status, run",
	)
	fs.BoolVar(&o.version, "version", false, "print version information and exit")

	fs.Usage = func() { usage(fs, os.Stderr) }

	if err = fs.Parse(args); err != nil {
		return options{}, err
	}

	return o, nil
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "Usage: loopdns [options]")
	fmt.Fprintln(w)
	fs.SetOutput(w)
	fs.PrintDefaults()
}
