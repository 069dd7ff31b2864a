package app_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/uuid"
	"github.com/loopdns/loopdns/internal/app"
	"github.com/loopdns/loopdns/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()

	dir := t.TempDir()

	a, err := app.New(slogutil.NewDiscardLogger(), app.Config{
		SettingsPath: filepath.Join(dir, "config.json"),
		DNSPort:      0,
		IPCEndpoint:  fmt.Sprintf("loopdns-app-test-%s", uuid.New()),
	})
	require.NoError(t, err)

	return a
}

func TestApp_New_SeedsSettings(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)

	got := a.Settings.Get()
	assert.False(t, got.Enabled)
	assert.NotEmpty(t, got.Providers)
	assert.Equal(t, model.StatusInactive, a.Control.Status().State)
}

func TestApp_StartShutdown(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)

	if err := a.Start(context.Background()); err != nil {
		t.Skipf("cannot start app in this environment: %s", err)
	}

	// The forwarder is owned by the control machine, so nothing is bound and
	// the status stays Inactive until a profile is applied.
	assert.Equal(t, model.StatusInactive, a.Control.Status().State)

	require.NoError(t, a.Shutdown(context.Background()))
}
