//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// socketDir is where the Unix domain socket is created.  The directory and
// the socket itself are owner-only, which is what keeps the endpoint
// reachable by the owning user alone.
const socketDir = "/run/loopdns"

// listen binds endpoint as a Unix domain socket, matching the stdlib's
// complete support for this transport — no third-party library adds
// anything over net.Listen("unix", ...) here. A stale socket file left by an
// unclean previous shutdown is removed first.
func listen(endpoint string) (ln net.Listener, err error) {
	path := socketPath(endpoint)

	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	_ = os.Remove(path)

	ln, err = net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	if err = os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()

		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}

	return ln, nil
}

func socketPath(endpoint string) string {
	return filepath.Join(socketDir, endpoint+".sock")
}
