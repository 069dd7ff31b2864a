// Package execfake provides fake [executil.CommandConstructor]
// implementations for tests that exercise code shelling out to system DNS
// configuration tools (resolvectl, netsh, networksetup and similar)
// without running them for real.
package execfake

import (
	"context"
	"fmt"
	"strings"

	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/osutil/executil"
	"github.com/AdguardTeam/golibs/testutil/fakeos/fakeexec"
)

// exitErr implements [executil.ExitCodeError] for tests to simulate
// non-zero process exit codes.
type exitErr struct {
	code osutil.ExitCode
}

// type check
var _ executil.ExitCodeError = exitErr{}

// Error implements the [executil.ExitCodeError] interface for exitErr.
func (e exitErr) Error() (s string) {
	return fmt.Sprintf("exit code %d", e.code)
}

// ExitCode implements the [executil.ExitCodeError] interface for exitErr.
func (e exitErr) ExitCode() (code osutil.ExitCode) {
	return e.code
}

// Command is a single fake invocation registered with
// [NewCommandConstructor]: the exact command it answers, what it writes to
// stdout, and how it exits.
type Command struct {
	// Err is returned from Wait if non-nil, instead of Code.
	Err error

	// Cmd is the command path and arguments, space-separated, e.g.
	// "resolvectl dns".
	Cmd string

	// Out is written to stdout if non-empty.
	Out string

	// Code is returned as the exit code if non-zero.
	Code osutil.ExitCode
}

func keyCommand(path string, args []string) (k string) {
	if len(args) == 0 {
		return path
	}

	return path + " " + strings.Join(args, " ")
}

func parseCommand(s string) (path string, args []string) {
	f := strings.Fields(s)
	if len(f) == 0 {
		return "", nil
	}

	return f[0], f[1:]
}

// NewCommandConstructor returns a mock [executil.CommandConstructor] that
// answers each of cmds by its exact path and arguments; an invocation that
// matches none of them succeeds with empty output.
func NewCommandConstructor(cmds ...Command) (cs executil.CommandConstructor) {
	table := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		p, a := parseCommand(c.Cmd)
		table[keyCommand(p, a)] = c
	}

	onNew := func(_ context.Context, conf *executil.CommandConfig) (c executil.Command, err error) {
		fake := table[keyCommand(conf.Path, conf.Args)]

		cmd := fakeexec.NewCommand()
		cmd.OnStart = func(_ context.Context) (err error) {
			if fake.Out != "" {
				_, _ = conf.Stdout.Write([]byte(fake.Out))
			}

			return nil
		}

		cmd.OnWait = func(_ context.Context) (err error) {
			if fake.Err != nil {
				return fake.Err
			}

			if fake.Code != 0 {
				return exitErr{code: fake.Code}
			}

			return nil
		}

		return cmd, nil
	}

	return &fakeexec.CommandConstructor{OnNew: onNew}
}
