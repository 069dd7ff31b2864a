// Package adapter enumerates the host's network adapters and takes over
// their DNS configuration: backing up the original
// configuration before pointing an adapter at the loopback listener, and
// restoring it exactly on disable.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopdns/loopdns/internal/model"
)

// loopbackV4 and loopbackV6 are the DNS addresses every managed adapter is
// pointed at while LoopDNS is active.
const (
	loopbackV4 = "127.0.0.1"
	loopbackV6 = "::1"
)

// Controller enumerates adapters and applies or restores loopback DNS on
// them.  Its methods are safe for concurrent use.
type Controller struct {
	logger *slog.Logger
	runner *runner
	impl   platform
}

// platform is the OS-specific half of Controller, implemented once per GOOS
// in adapter_linux.go, adapter_windows.go and adapter_darwin.go.
type platform interface {
	// list enumerates the host's network adapters.
	list(ctx context.Context) ([]model.Adapter, error)

	// currentDNS returns adapterID's currently configured DNS servers, so
	// that backups capture the true pre-takeover state.
	currentDNS(ctx context.Context, adapterID string) (ipv4, ipv6 []string, dhcp bool, err error)

	// apply points adapterID's DNS configuration at the loopback listener.
	apply(ctx context.Context, adapterID string) error

	// restore reverts adapterID to backup's original configuration.
	restore(ctx context.Context, adapterID string, backup model.AdapterBackup) error

	// flushCache clears the OS-level DNS resolver cache, best-effort.
	flushCache(ctx context.Context)
}

// New returns a Controller for the current operating system.
func New(logger *slog.Logger) *Controller {
	r := newRunner(logger)

	return &Controller{
		logger: logger,
		runner: r,
		impl:   newPlatform(r),
	}
}

// List returns every network adapter currently visible on the host.
func (c *Controller) List(ctx context.Context) ([]model.Adapter, error) {
	return c.impl.list(ctx)
}

// Backup captures adapterID's current DNS configuration for later restore.
// Callers must persist the result themselves (internal/settings.Store) before
// calling Apply; Backup performs no persistence of its own.
func (c *Controller) Backup(ctx context.Context, adapterID, name string, ifIndex int) (model.AdapterBackup, error) {
	ipv4, ipv6, dhcp, err := c.impl.currentDNS(ctx, adapterID)
	if err != nil {
		return model.AdapterBackup{}, fmt.Errorf("reading current dns for %s: %w", adapterID, err)
	}

	return model.AdapterBackup{
		AdapterID:  adapterID,
		IfIndex:    ifIndex,
		Name:       name,
		IPv4DNS:    ipv4,
		IPv6DNS:    ipv6,
		DHCP:       dhcp,
		CapturedAt: time.Now(),
	}, nil
}

// Apply points adapterID's DNS configuration at the loopback listener.
func (c *Controller) Apply(ctx context.Context, adapterID string) error {
	c.logger.InfoContext(ctx, "applying loopback dns", "adapter", adapterID)

	return c.impl.apply(ctx, adapterID)
}

// Restore reverts adapterID to backup's original DNS configuration and
// flushes the OS resolver cache.
func (c *Controller) Restore(ctx context.Context, backup model.AdapterBackup) error {
	c.logger.InfoContext(ctx, "restoring original dns", "adapter", backup.AdapterID)

	if err := c.impl.restore(ctx, backup.AdapterID, backup); err != nil {
		return fmt.Errorf("restoring %s: %w", backup.AdapterID, err)
	}

	c.impl.flushCache(ctx)

	return nil
}

// FlushCache clears the OS-level DNS resolver cache.
func (c *Controller) FlushCache(ctx context.Context) {
	c.impl.flushCache(ctx)
}
