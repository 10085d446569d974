// File: internal/sequencer/sequencer.go
// Package sequencer drives the remote verification form through its
// fixed stage order: probe, navigate, consent modal, login, field fill,
// consent checkbox, then submit and document download.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/milstatus/api/schemas"
	"github.com/xkilldash9x/milstatus/internal/config"
	"github.com/xkilldash9x/milstatus/internal/retry"
)

// Stage failure errors, one per fallible stage. The probe stage is best
// effort and has no error of its own.
var (
	ErrNavigationFailed       = errors.New("could not reach the verification form")
	ErrLoginFailed            = errors.New("login to the verification site failed")
	ErrFormFillFailed         = errors.New("could not fill the request form")
	ErrConsentNotAcknowledged = errors.New("could not acknowledge the consent checkbox")
	ErrSubmissionFailed       = errors.New("form submission or document download failed")
)

// Stage names, used for checkpoint screenshots and failure reports.
const (
	StageProbe    = "probe"
	StageNavigate = "navigate"
	StageConsent  = "consent_modal"
	StageLogin    = "login"
	StageFill     = "fill"
	StageCheckbox = "consent_checkbox"
	StageSubmit   = "submit"
)

// Driver is the browser surface the sequencer needs. *browser.Session
// satisfies it through a thin adapter for the download methods.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	SendKeys(ctx context.Context, selector, value string) error
	Evaluate(ctx context.Context, expression string, res interface{}) error
	Screenshot(ctx context.Context) ([]byte, error)
	EnableDownloads(ctx context.Context, dir string) error
	WatchDownloads() DownloadWaiter
}

// DownloadWaiter blocks until the browser finishes storing a download.
type DownloadWaiter interface {
	Wait(ctx context.Context, timeout time.Duration) (path, suggestedName string, err error)
}

// ScreenshotSink persists a checkpoint screenshot. The sequencer calls it
// at each stage's entry and completion, and once more with the failing
// stage's name before an error propagates.
type ScreenshotSink func(stage string, png []byte)

// Result is the sequencer's output: the downloaded certificate.
type Result struct {
	DocumentPath  string
	Document      []byte
	SuggestedName string
}

// Sequencer executes the form flow against a Driver.
type Sequencer struct {
	target      config.TargetConfig
	retryCfg    config.RetryConfig
	network     config.NetworkConfig
	logger      *zap.Logger
	screenshots ScreenshotSink
	onNavigated func()
}

// New builds a Sequencer. The screenshot sink may be nil.
func New(cfg *config.Config, logger *zap.Logger, screenshots ScreenshotSink) *Sequencer {
	return &Sequencer{
		target:      cfg.Target,
		retryCfg:    cfg.Retry,
		network:     cfg.Network,
		logger:      logger.Named("sequencer"),
		screenshots: screenshots,
	}
}

// OnNavigated registers a hook invoked once the form page has been
// reached and verified. The orchestrator uses it to stand down its
// startup liveness guard.
func (s *Sequencer) OnNavigated(fn func()) { s.onNavigated = fn }

// Run drives the full stage sequence and returns the downloaded document.
// downloadDir is the run-scoped directory the browser stores files in.
func (s *Sequencer) Run(ctx context.Context, drv Driver, req *schemas.AutomationRequest, downloadDir string) (*Result, error) {
	s.stageProbe(ctx, drv)

	s.checkpoint(ctx, drv, StageNavigate+"_start")
	if err := s.stageNavigate(ctx, drv); err != nil {
		s.failureShot(ctx, drv, StageNavigate)
		return nil, err
	}
	if s.onNavigated != nil {
		s.onNavigated()
	}
	s.checkpoint(ctx, drv, StageNavigate)

	s.stageConsentModal(ctx, drv)

	s.checkpoint(ctx, drv, StageLogin+"_start")
	if err := s.stageLogin(ctx, drv, req.Credentials); err != nil {
		s.failureShot(ctx, drv, StageLogin)
		return nil, err
	}
	s.checkpoint(ctx, drv, StageLogin)

	s.checkpoint(ctx, drv, StageFill+"_start")
	if err := s.stageFill(ctx, drv, req); err != nil {
		s.failureShot(ctx, drv, StageFill)
		return nil, err
	}
	s.checkpoint(ctx, drv, StageFill)

	s.checkpoint(ctx, drv, StageCheckbox+"_start")
	if err := s.stageConsentCheckbox(ctx, drv); err != nil {
		s.failureShot(ctx, drv, StageCheckbox)
		return nil, err
	}
	s.checkpoint(ctx, drv, StageCheckbox)

	s.checkpoint(ctx, drv, StageSubmit+"_start")
	result, err := s.stageSubmit(ctx, drv, downloadDir)
	if err != nil {
		s.failureShot(ctx, drv, StageSubmit)
		return nil, err
	}
	s.checkpoint(ctx, drv, StageSubmit)

	return result, nil
}

// stageProbe loads a known-good page first, separating "our egress is
// broken" from "the verification site rejected us". Best effort.
func (s *Sequencer) stageProbe(ctx context.Context, drv Driver) {
	if s.target.ProbeURL == "" {
		return
	}
	if err := drv.Navigate(ctx, s.target.ProbeURL); err != nil {
		s.logger.Warn("Connectivity probe failed; continuing anyway.", zap.Error(err))
		return
	}
	s.checkpoint(ctx, drv, StageProbe)
}

// stageNavigate loads the form URL with retries and verifies the page
// content is actually the form and not an access-denied interstitial.
func (s *Sequencer) stageNavigate(ctx context.Context, drv Driver) error {
	opts := retry.Options{
		MaxRetries:   s.retryCfg.MaxRetries,
		InitialDelay: s.retryCfg.InitialDelay,
		MaxDelay:     s.retryCfg.MaxDelay,
		FailWith:     ErrNavigationFailed,
	}

	return retry.Do(ctx, s.logger, func(ctx context.Context) error {
		if err := drv.Navigate(ctx, s.target.FormURL); err != nil {
			return err
		}
		return s.verifyContent(ctx, drv)
	}, opts)
}

// verifyContent accepts the page only when a known title fragment is
// present and no denial marker appears in the body.
func (s *Sequencer) verifyContent(ctx context.Context, drv Driver) error {
	title, err := drv.Title(ctx)
	if err != nil {
		return err
	}
	if !containsAny(title, s.target.TitleFragments) {
		return fmt.Errorf("unexpected page title %q", title)
	}

	body, err := drv.BodyText(ctx)
	if err != nil {
		return err
	}
	for _, marker := range s.target.DenialMarkers {
		if strings.Contains(body, marker) {
			return fmt.Errorf("page contains denial marker %q", marker)
		}
	}
	return nil
}

// stageConsentModal dismisses the site's entry acknowledgement dialog if
// it appears. Some sessions never see it, so absence is not an error.
func (s *Sequencer) stageConsentModal(ctx context.Context, drv Driver) {
	if s.target.ConsentModalSelector == "" {
		return
	}
	s.checkpoint(ctx, drv, StageConsent+"_start")
	clickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := drv.Click(clickCtx, s.target.ConsentModalSelector); err != nil {
		s.logger.Debug("Consent modal not present or not clickable.", zap.Error(err))
		return
	}
	s.logger.Info("Consent modal acknowledged.")
	s.checkpoint(ctx, drv, StageConsent)
}

// stageLogin authenticates when the login form is present. A site session
// that is already authenticated shows no login fields; that is fine.
func (s *Sequencer) stageLogin(ctx context.Context, drv Driver, cred schemas.Credential) error {
	if s.target.LoginUserSelector == "" {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := drv.WaitVisible(waitCtx, s.target.LoginUserSelector)
	cancel()
	if err != nil {
		s.logger.Info("No login form present; assuming existing site session.")
		return nil
	}

	if err := drv.SendKeys(ctx, s.target.LoginUserSelector, cred.Username); err != nil {
		return fmt.Errorf("%w: username: %v", ErrLoginFailed, err)
	}
	if err := drv.SendKeys(ctx, s.target.LoginPassSelector, cred.Password); err != nil {
		return fmt.Errorf("%w: password: %v", ErrLoginFailed, err)
	}
	if err := drv.Click(ctx, s.target.LoginSubmitSelector); err != nil {
		return fmt.Errorf("%w: submit: %v", ErrLoginFailed, err)
	}

	// Submitting credentials triggers a navigation; without waiting for
	// it, the checks below would read the still-loaded pre-login page.
	// The request form's identifier field doubles as the landed marker.
	if s.target.SSNSelector != "" {
		navCtx, cancel := context.WithTimeout(ctx, s.network.NavigationTimeout)
		err := drv.WaitVisible(navCtx, s.target.SSNSelector)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: request form did not appear after login: %v", ErrLoginFailed, err)
		}
	}

	// Re-verify we landed on the form and not on an error page.
	if err := s.verifyContent(ctx, drv); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	s.logger.Info("Logged in to verification site.")
	return nil
}

// stageFill populates the request fields. The subject identifier is
// submitted digits-only regardless of how the caller formatted it.
func (s *Sequencer) stageFill(ctx context.Context, drv Driver, req *schemas.AutomationRequest) error {
	ssn := schemas.DigitsOnly(req.SSN)

	fields := []struct {
		selector string
		value    string
		required bool
	}{
		{s.target.SSNSelector, ssn, true},
		{s.target.SSNConfirmSelector, ssn, false},
		{s.target.LastNameSelector, req.LastName, true},
		{s.target.FirstNameSelector, req.FirstName, true},
		{s.target.BirthDateSelector, req.DateOfBirth, false},
	}

	for _, f := range fields {
		if f.selector == "" {
			continue
		}
		if f.value == "" {
			if f.required {
				return fmt.Errorf("%w: required field %q has no value", ErrFormFillFailed, f.selector)
			}
			continue
		}
		if err := drv.SendKeys(ctx, f.selector, f.value); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrFormFillFailed, f.selector, err)
		}
	}
	return nil
}

// stageConsentCheckbox ticks the acknowledgement checkbox. The site's
// markup has shifted over time, so three strategies are tried in order:
// click the input itself, click its label, then brute-force every checkbox
// on the page from script. The checked state is verified regardless of
// which strategy appeared to work.
func (s *Sequencer) stageConsentCheckbox(ctx context.Context, drv Driver) error {
	name := s.target.ConsentCheckboxName
	if name == "" {
		return nil
	}
	inputSelector := fmt.Sprintf(`input[name=%q]`, name)

	strategies := []struct {
		name string
		run  func(context.Context) error
	}{
		{"click_input", func(ctx context.Context) error {
			return drv.Click(ctx, inputSelector)
		}},
		{"click_label", func(ctx context.Context) error {
			return drv.Click(ctx, fmt.Sprintf(`label[for=%q]`, name))
		}},
		{"check_all", func(ctx context.Context) error {
			script := `(() => {
				const boxes = document.querySelectorAll('input[type="checkbox"]');
				for (const el of boxes) {
					el.checked = true;
					el.dispatchEvent(new Event('change', {bubbles: true}));
				}
				return boxes.length;
			})()`
			var count int
			if err := drv.Evaluate(ctx, script, &count); err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("no checkboxes found in DOM")
			}
			return nil
		}},
	}

	var lastErr error
	for _, strategy := range strategies {
		attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := strategy.run(attemptCtx)
		cancel()
		if err != nil {
			lastErr = err
			s.logger.Debug("Consent strategy failed, trying next.",
				zap.String("strategy", strategy.name),
				zap.Error(err),
			)
			continue
		}

		present, checked, verr := s.consentState(ctx, drv, inputSelector)
		if verr != nil {
			lastErr = verr
			continue
		}
		if checked {
			s.logger.Info("Consent checkbox acknowledged.", zap.String("strategy", strategy.name))
			return nil
		}
		if !present && strategy.name == "check_all" {
			// The named input has drifted out of the markup entirely,
			// which is the drift the brute-force pass exists for. It
			// already confirmed it ticked at least one checkbox.
			s.logger.Warn("Consent input not found by name; accepting brute-force result.",
				zap.String("selector", inputSelector))
			return nil
		}
		lastErr = fmt.Errorf("strategy %q left the checkbox unchecked", strategy.name)
	}

	return fmt.Errorf("%w: %v", ErrConsentNotAcknowledged, lastErr)
}

// consentState reports whether the named consent input exists in the DOM
// and whether it is checked. Presence is reported separately so the
// brute-force strategy can be judged on its own evidence when the named
// input is gone.
func (s *Sequencer) consentState(ctx context.Context, drv Driver, selector string) (present, checked bool, err error) {
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector('%s'); return {present: !!el, checked: !!(el && el.checked)}; })()`,
		selector,
	)
	var state struct {
		Present bool `json:"present"`
		Checked bool `json:"checked"`
	}
	if err := drv.Evaluate(ctx, script, &state); err != nil {
		return false, false, err
	}
	return state.Present, state.Checked, nil
}

// stageSubmit clicks submit and waits for the certificate download in
// parallel. The download begins as a side effect of the submission, so
// the watch must be armed before the click.
func (s *Sequencer) stageSubmit(ctx context.Context, drv Driver, downloadDir string) (*Result, error) {
	if err := drv.EnableDownloads(ctx, downloadDir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	waiter := drv.WatchDownloads()

	var path, suggested string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := drv.Click(gctx, s.target.SubmitSelector); err != nil {
			return fmt.Errorf("submit click: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		path, suggested, err = waiter.Wait(gctx, s.network.DownloadTimeout)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	document, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading downloaded document: %v", ErrSubmissionFailed, err)
	}
	if len(document) == 0 {
		return nil, fmt.Errorf("%w: downloaded document is empty", ErrSubmissionFailed)
	}

	s.logger.Info("Certificate downloaded.",
		zap.String("suggested_name", suggested),
		zap.Int("bytes", len(document)),
	)
	return &Result{DocumentPath: path, Document: document, SuggestedName: suggested}, nil
}

// checkpoint captures a best-effort screenshot at a stage boundary, both
// at entry (the "_start" shots) and after completion.
func (s *Sequencer) checkpoint(ctx context.Context, drv Driver, stage string) {
	if s.screenshots == nil {
		return
	}
	png, err := drv.Screenshot(ctx)
	if err != nil {
		s.logger.Debug("Checkpoint screenshot failed.", zap.String("stage", stage), zap.Error(err))
		return
	}
	s.screenshots(stage, png)
}

// failureShot captures the page as it looked when a stage failed, named
// after that stage, before the error propagates.
func (s *Sequencer) failureShot(ctx context.Context, drv Driver, stage string) {
	if s.screenshots == nil {
		return
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	png, err := drv.Screenshot(shotCtx)
	if err != nil {
		s.logger.Debug("Failure screenshot unavailable.", zap.String("stage", stage), zap.Error(err))
		return
	}
	s.screenshots(stage+"_failed", png)
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}
