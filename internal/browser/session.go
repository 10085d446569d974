// File: internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/milstatus/internal/config"
)

// Session represents one browser tab driven over CDP. A session is scoped
// to a single verification run and is closed when the run ends.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.NetworkConfig

	recorder *Recorder
	limiter  *rate.Limiter

	downloadDir string

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

// NewSession wraps an already created tab context.
func NewSession(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg config.NetworkConfig,
	logger *zap.Logger,
	onClose func(),
) *Session {
	sessionID := uuid.New().String()
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Session{
		id:      sessionID,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(zap.String("session_id", sessionID)),
		cfg:     cfg,
		limiter: limiter,
		onClose: onClose,
	}
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// Context returns the tab's CDP context.
func (s *Session) Context() context.Context {
	return s.ctx
}

// SetRecorder attaches a network recorder. Must be called before the first
// navigation so early requests are captured.
func (s *Session) SetRecorder(r *Recorder) {
	s.recorder = r
}

// Navigate loads a URL and waits for the document body to be ready.
// Navigations are rate limited so the remote site sees at most the
// configured request rate from this process.
func (s *Session) Navigate(ctx context.Context, targetURL string) error {
	navCtx, navCancel := CombineContext(s.ctx, ctx)
	defer navCancel()

	if s.limiter != nil {
		if err := s.limiter.Wait(navCtx); err != nil {
			return err
		}
	}

	timeoutCtx, cancel := context.WithTimeout(navCtx, s.cfg.NavigationTimeout)
	defer cancel()

	s.logger.Info("Navigating.", zap.String("url", targetURL))

	err := chromedp.Run(timeoutCtx,
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigation to %q failed: %w", targetURL, err)
	}
	return nil
}

// Title returns the current document title.
func (s *Session) Title(ctx context.Context) (string, error) {
	actionCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	var title string
	if err := chromedp.Run(actionCtx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to read page title: %w", err)
	}
	return title, nil
}

// BodyText returns the visible text of the document body.
func (s *Session) BodyText(ctx context.Context) (string, error) {
	actionCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	var text string
	err := chromedp.Run(actionCtx,
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("failed to read page body: %w", err)
	}
	return text, nil
}

// WaitVisible blocks until the selector matches a visible element.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	actionCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	if err := chromedp.Run(actionCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("element %q did not become visible: %w", selector, err)
	}
	return nil
}

// Click waits for the element and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	actionCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	tasks := chromedp.Tasks{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	}
	if err := chromedp.Run(actionCtx, tasks); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

// SendKeys clears the field and types the value into it.
func (s *Session) SendKeys(ctx context.Context, selector, value string) error {
	actionCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	tasks := chromedp.Tasks{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	}
	if err := chromedp.Run(actionCtx, tasks); err != nil {
		return fmt.Errorf("failed to type into %q: %w", selector, err)
	}
	return nil
}

// Evaluate runs a JavaScript expression in the page and stores the result
// into res (pass nil to discard).
func (s *Session) Evaluate(ctx context.Context, expression string, res interface{}) error {
	actionCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	if err := chromedp.Run(actionCtx, chromedp.Evaluate(expression, res)); err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return nil
}

// Screenshot captures the current viewport as PNG bytes. Failures are
// reported but callers treat screenshots as best effort.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	actionCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	timeoutCtx, tcancel := context.WithTimeout(actionCtx, 15*time.Second)
	defer tcancel()

	var buf []byte
	if err := chromedp.Run(timeoutCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}
	return buf, nil
}

// EnableDownloads instructs the browser to store downloads under dir using
// their download GUID as the filename, and to emit download events.
func (s *Session) EnableDownloads(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	actionCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	err := chromedp.Run(actionCtx,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(dir).
			WithEventsEnabled(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set download behavior: %w", err)
	}
	s.downloadDir = dir
	return nil
}

// download tracks a single in-progress browser download.
type download struct {
	guid      string
	suggested string
}

// DownloadWatch collects download lifecycle events for this tab. Create it
// BEFORE triggering the action that starts the download, otherwise the
// begin event can be missed.
type DownloadWatch struct {
	session *Session

	mu        sync.Mutex
	pending   map[string]*download
	completed chan *download
}

// WatchDownloads starts listening for download events on the tab.
func (s *Session) WatchDownloads() *DownloadWatch {
	w := &DownloadWatch{
		session:   s,
		pending:   make(map[string]*download),
		completed: make(chan *download, 4),
	}

	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *cdpbrowser.EventDownloadWillBegin:
			w.mu.Lock()
			w.pending[e.GUID] = &download{guid: e.GUID, suggested: e.SuggestedFilename}
			w.mu.Unlock()
			s.logger.Debug("Download starting.", zap.String("suggested_name", e.SuggestedFilename))
		case *cdpbrowser.EventDownloadProgress:
			switch e.State {
			case cdpbrowser.DownloadProgressStateCompleted:
				w.mu.Lock()
				d, ok := w.pending[e.GUID]
				if ok {
					delete(w.pending, e.GUID)
				}
				w.mu.Unlock()
				if ok {
					select {
					case w.completed <- d:
					default:
						s.logger.Warn("Dropping completed download event; watch buffer full.")
					}
				}
			case cdpbrowser.DownloadProgressStateCanceled:
				w.mu.Lock()
				delete(w.pending, e.GUID)
				w.mu.Unlock()
				s.logger.Warn("Download canceled by browser.", zap.String("guid", e.GUID))
			}
		}
	})
	return w
}

// Wait blocks until a download completes, then returns the stored file's
// path and its server-suggested filename.
func (w *DownloadWatch) Wait(ctx context.Context, timeout time.Duration) (string, string, error) {
	waitCtx, cancel := CombineContext(w.session.ctx, ctx)
	defer cancel()

	timeoutCtx, tcancel := context.WithTimeout(waitCtx, timeout)
	defer tcancel()

	select {
	case d := <-w.completed:
		path := filepath.Join(w.session.downloadDir, d.guid)
		return path, d.suggested, nil
	case <-timeoutCtx.Done():
		return "", "", fmt.Errorf("timed out waiting for document download: %w", timeoutCtx.Err())
	}
}

// Close tears down the tab. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	if s.cancel != nil {
		s.cancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
}
