//go:build windows

package ipc

import (
	"fmt"
	"net"

	winio "github.com/Microsoft/go-winio"
)

// pipeSecurityDescriptor restricts the named pipe to the local system,
// administrators and the interactively logged-on user.  It denies
// remote/network access entirely.
const pipeSecurityDescriptor = "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GA;;;IU)"

// listen binds endpoint as a Windows named pipe via
// github.com/Microsoft/go-winio.  go-winio's PipeListener already satisfies
// net.Listener, so the rest of this package is platform-agnostic.
func listen(endpoint string) (ln net.Listener, err error) {
	pipeName := `\\.\pipe\` + endpoint

	ln, err = winio.ListenPipe(pipeName, &winio.PipeConfig{
		SecurityDescriptor: pipeSecurityDescriptor,
		MessageMode:        false,
	})
	if err != nil {
		return nil, fmt.Errorf("listening on pipe %s: %w", pipeName, err)
	}

	return ln, nil
}
