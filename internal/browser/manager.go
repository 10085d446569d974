// File: internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/heapprofiler"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/internal/config"
	"github.com/xkilldash9x/milstatus/internal/retry"
)

// ErrSessionBusy is returned when a run is requested while another run
// still holds the browser.
var ErrSessionBusy = errors.New("browser session is busy with another run")

// ErrLaunchFailed is returned when the browser cannot be launched and
// health-checked within the configured number of attempts.
var ErrLaunchFailed = errors.New("browser launch failed")

// SessionManager is the surface the orchestrator depends on. A pooled
// implementation could back it without changing call sites; Manager is
// the single-instance one.
type SessionManager interface {
	Acquire(owner string) error
	Release(owner string)
	WithSession(ctx context.Context, owner string, fn func(*Session) error) error
	Shutdown()
}

// Manager owns the single browser process. Runs are serialized: one run
// holds the browser at a time, and a stale hold (a run that died without
// releasing) is force-cleared after the configured staleness window.
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu        sync.Mutex
	launched  bool
	busy      bool
	busyOwner string
	busySince time.Time

	// now is swappable for staleness tests.
	now func() time.Time
}

var _ SessionManager = (*Manager)(nil)

// NewManager creates a browser manager. The browser process itself is
// launched lazily on the first session request.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("browser_manager"),
		now:    time.Now,
	}
}

// Acquire claims the browser for a run. It fails fast with ErrSessionBusy
// when another run holds it, unless that hold has gone stale.
func (m *Manager) Acquire(owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy {
		heldFor := m.now().Sub(m.busySince)
		if heldFor < m.cfg.Browser.BusyStaleness {
			m.logger.Warn("Rejecting run; browser is busy.",
				zap.String("held_by", m.busyOwner),
				zap.Duration("held_for", heldFor),
			)
			return ErrSessionBusy
		}
		// The previous holder never released. Reclaim rather than wedge
		// every subsequent run.
		m.logger.Warn("Force-clearing stale browser hold.",
			zap.String("held_by", m.busyOwner),
			zap.Duration("held_for", heldFor),
		)
	}

	m.busy = true
	m.busyOwner = owner
	m.busySince = m.now()
	return nil
}

// Release returns the browser to the pool of one. Safe to call when not
// held; release after a force-clear by a newer owner is a no-op.
func (m *Manager) Release(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.busy {
		return
	}
	if m.busyOwner != owner {
		m.logger.Warn("Ignoring release from superseded owner.",
			zap.String("releasing", owner),
			zap.String("current", m.busyOwner),
		)
		return
	}
	m.busy = false
	m.busyOwner = ""
	m.busySince = time.Time{}
}

// Busy reports whether a run currently holds the browser.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// ensureLaunched starts the browser process if needed. Each launch attempt
// is health-checked by opening a throwaway tab and loading the probe URL;
// an unhealthy process is torn down before retrying.
func (m *Manager) ensureLaunched(ctx context.Context) error {
	m.mu.Lock()
	if m.launched {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	opts := retry.Options{
		MaxRetries:   m.cfg.Browser.LaunchRetries - 1,
		InitialDelay: m.cfg.Browser.LaunchRetryDelay,
		MaxDelay:     m.cfg.Browser.LaunchRetryDelay * 4,
		FailWith:     ErrLaunchFailed,
	}

	err := retry.Do(ctx, m.logger, func(ctx context.Context) error {
		return m.launchOnce(ctx)
	}, opts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.launched = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) launchOnce(ctx context.Context) error {
	m.logger.Info("Launching browser process.",
		zap.Bool("headless", m.cfg.Browser.Headless),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), m.allocatorOptions()...)

	if err := m.healthCheck(ctx, allocCtx); err != nil {
		allocCancel()
		m.logger.Warn("Browser failed its health check.", zap.Error(err))
		return err
	}

	m.allocCtx = allocCtx
	m.allocCancel = allocCancel
	m.logger.Info("Browser launched and healthy.")
	return nil
}

func (m *Manager) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", m.cfg.Browser.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if m.cfg.Browser.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.Browser.ExecPath))
	}
	for _, arg := range m.cfg.Browser.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

// healthCheck opens a throwaway tab and loads the probe URL. A process
// that cannot render a trivial page will not survive the real form flow.
func (m *Manager) healthCheck(ctx context.Context, allocCtx context.Context) error {
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	checkCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()

	timeoutCtx, tcancel := context.WithTimeout(checkCtx, m.cfg.Browser.HealthTimeout)
	defer tcancel()

	err := chromedp.Run(timeoutCtx,
		chromedp.Navigate(m.cfg.Target.ProbeURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("probe navigation failed: %w", err)
	}
	return nil
}

// NewRunSession opens a fresh tab for a run. The caller must already hold
// the browser via Acquire, and must Close the returned session.
func (m *Manager) NewRunSession(ctx context.Context) (*Session, error) {
	if err := m.ensureLaunched(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.allocCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		// A process that cannot open a tab is beyond salvage; tear it
		// down so the next run triggers a fresh launch.
		m.Shutdown()
		return nil, fmt.Errorf("%w: could not open tab: %v", ErrLaunchFailed, err)
	}

	onClose := func() {
		// Nudge the renderer to give memory back between runs. Best
		// effort; the browser survives a failed hint.
		gcCtx, gcCancel := context.WithTimeout(m.allocCtx, 5*time.Second)
		defer gcCancel()
		gcTab, gcTabCancel := chromedp.NewContext(gcCtx)
		defer gcTabCancel()
		if err := chromedp.Run(gcTab, heapprofiler.CollectGarbage()); err != nil {
			m.logger.Debug("Garbage collection hint failed.", zap.Error(err))
		}
	}

	return NewSession(tabCtx, tabCancel, m.cfg.Network, m.logger, onClose), nil
}

// WithSession is the scoped form of a run's browser use: it claims the
// browser, opens a tab, runs fn, and guarantees the tab is closed and the
// hold released on every path out.
func (m *Manager) WithSession(ctx context.Context, owner string, fn func(*Session) error) error {
	if err := m.Acquire(owner); err != nil {
		return err
	}
	defer m.Release(owner)

	session, err := m.NewRunSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	return fn(session)
}

// Shutdown terminates the browser process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allocCancel != nil {
		m.logger.Info("Shutting down browser process.")
		m.allocCancel()
		m.allocCancel = nil
	}
	m.launched = false
}
