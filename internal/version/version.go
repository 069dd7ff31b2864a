// Package version contains LoopDNS version information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Channel constants.
const (
	ChannelDevelopment = "development"
	ChannelBeta        = "beta"
	ChannelRelease     = "release"
)

// These are set by the linker.  Go has no immutable variables, so they are
// only exported through getters.
var (
	channel = ChannelDevelopment
	version string
)

// Channel returns the current LoopDNS release channel.
func Channel() (v string) {
	return channel
}

// Version returns the LoopDNS build version.
func Version() (v string) {
	return version
}

// Full returns the full current version of LoopDNS.
func Full() (v string) {
	return fmt.Sprintf("LoopDNS, version %s", version)
}

// Verbose returns multi-line build information: version, channel, Go
// version, target platform and the dependency list from the embedded build
// info.
func Verbose() (v string) {
	b := &strings.Builder{}

	fmt.Fprintf(b, "LoopDNS\n")
	fmt.Fprintf(b, "Version: %s\n", version)
	fmt.Fprintf(b, "Channel: %s\n", channel)
	fmt.Fprintf(b, "Go version: %s\n", runtime.Version())
	fmt.Fprintf(b, "GOOS: %s\n", runtime.GOOS)
	fmt.Fprintf(b, "GOARCH: %s\n", runtime.GOARCH)

	info, ok := debug.ReadBuildInfo()
	if !ok || len(info.Deps) == 0 {
		return b.String()
	}

	fmt.Fprintf(b, "Dependencies:\n")
	for _, dep := range info.Deps {
		m := dep
		if m.Replace != nil {
			m = m.Replace
		}

		fmt.Fprintf(b, "\t%s@%s\n", m.Path, m.Version)
	}

	return b.String()
}
