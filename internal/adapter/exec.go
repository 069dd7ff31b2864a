package adapter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil/executil"
)

// maxOutputSize bounds how much of a command's stdout/stderr this package
// will buffer.
const maxOutputSize = 64 * 1024

// commandTimeout is the deadline applied to every shelled-out adapter
// command: netsh, resolvectl, networksetup and friends are all expected to
// return within a couple of seconds.
const commandTimeout = 10 * time.Second

// runner shells out to the OS DNS-configuration tools.  Its command
// constructor is swappable so tests can substitute a fake without invoking
// real system commands.
type runner struct {
	logger *slog.Logger
	cons   executil.CommandConstructor
}

// newRunner returns a runner that logs every invocation at debug level and
// executes commands for real.
func newRunner(logger *slog.Logger) *runner {
	return &runner{logger: logger, cons: executil.SystemCommandConstructor{}}
}

// run executes command with arguments, bounding its output and applying
// commandTimeout.  A non-zero exit code is reported as an error with the
// command's stderr attached; it is never silently swallowed here, and each
// caller decides whether to fail, fall back to another mechanism or ignore
// it.
func (r *runner) run(ctx context.Context, command string, args ...string) (output []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	r.logger.DebugContext(ctx, "running command", "cmd", command, "args", args)

	var stdout, stderr bytes.Buffer
	runErr := executil.Run(ctx, r.cons, &executil.CommandConfig{
		Path:   command,
		Args:   args,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if runErr != nil {
		if code, ok := executil.ExitCodeFromError(runErr); ok {
			r.logger.WarnContext(ctx, "command exited non-zero", "cmd", command, "code", code, "stderr", stderr.String())

			return nil, fmt.Errorf("%s: exit code %d: %s", command, code, truncate(stderr.Bytes()))
		}

		return nil, fmt.Errorf("running %s: %w", command, runErr)
	}

	return truncate(stdout.Bytes()), nil
}

// runBestEffort is like run but only logs a failure instead of returning it.
// It is used for advisory operations, such as flushing the resolver cache
// after restoring an adapter's original DNS.
func (r *runner) runBestEffort(ctx context.Context, command string, args ...string) {
	if _, err := r.run(ctx, command, args...); err != nil {
		r.logger.WarnContext(ctx, "best-effort command failed", "cmd", command, slogutil.KeyError, err)
	}
}

func truncate(b []byte) []byte {
	if len(b) > maxOutputSize {
		return b[:maxOutputSize]
	}

	return b
}
