// File: internal/browser/manager_test.go
package browser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.NewDefaultConfig()
	return NewManager(cfg, zap.NewNop())
}

func TestAcquireRejectsWhileBusy(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Acquire("run-a"))
	err := m.Acquire("run-b")
	require.ErrorIs(t, err, ErrSessionBusy)

	m.Release("run-a")
	require.NoError(t, m.Acquire("run-b"))
}

func TestAcquireForceClearsStaleHold(t *testing.T) {
	m := newTestManager(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	require.NoError(t, m.Acquire("run-dead"))

	// Advance past the staleness window; the dead run never released.
	m.now = func() time.Time { return base.Add(m.cfg.Browser.BusyStaleness + time.Second) }
	require.NoError(t, m.Acquire("run-live"))
	assert.True(t, m.Busy())
}

func TestReleaseFromSupersededOwnerIgnored(t *testing.T) {
	m := newTestManager(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	require.NoError(t, m.Acquire("run-dead"))

	m.now = func() time.Time { return base.Add(m.cfg.Browser.BusyStaleness + time.Second) }
	require.NoError(t, m.Acquire("run-live"))

	// The dead run wakes up and releases; it must not free the hold the
	// live run now owns.
	m.Release("run-dead")
	assert.True(t, m.Busy())

	m.Release("run-live")
	assert.False(t, m.Busy())
}

func TestReleaseWhenIdleIsNoop(t *testing.T) {
	m := newTestManager(t)
	m.Release("nobody")
	assert.False(t, m.Busy())
}

func TestShutdownWithoutLaunch(t *testing.T) {
	m := newTestManager(t)
	m.Shutdown()
	assert.False(t, m.launched)
}
