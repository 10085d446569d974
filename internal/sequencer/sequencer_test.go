// File: internal/sequencer/sequencer_test.go
package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/api/schemas"
	"github.com/xkilldash9x/milstatus/internal/config"
)

// fakeDriver scripts the remote site's behavior for the stage flow.
type fakeDriver struct {
	t *testing.T

	title    string
	body     string
	navErrs  map[string]error // URL -> error for the next navigation
	navCount map[string]int

	typed   map[string]string
	clicked []string

	clickErrs map[string]error
	waitErrs  map[string]error
	onClick   map[string]func() // invoked after a successful click

	checkboxChecked     bool
	consentInputPresent bool
	checkOnStrategy     string // which strategy is allowed to succeed
	downloadDocument    []byte
	downloadDir         string
	downloadErr         error
	screenshotPNG       []byte
}

func newFakeDriver(t *testing.T) *fakeDriver {
	return &fakeDriver{
		t:                   t,
		title:               "SCRA Single Record Request",
		body:                "Request military status",
		navErrs:             map[string]error{},
		navCount:            map[string]int{},
		typed:               map[string]string{},
		clickErrs:           map[string]error{},
		waitErrs:            map[string]error{},
		onClick:             map[string]func(){},
		consentInputPresent: true,
		checkOnStrategy:     "click_input",
		downloadDocument:    []byte("%PDF-1.4 certificate"),
		screenshotPNG:       []byte("png"),
	}
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error {
	f.navCount[url]++
	if err := f.navErrs[url]; err != nil {
		delete(f.navErrs, url)
		return err
	}
	return nil
}

func (f *fakeDriver) Title(ctx context.Context) (string, error) { return f.title, nil }

func (f *fakeDriver) BodyText(ctx context.Context) (string, error) { return f.body, nil }

func (f *fakeDriver) WaitVisible(ctx context.Context, selector string) error {
	if err, ok := f.waitErrs[selector]; ok {
		return err
	}
	return nil
}

func (f *fakeDriver) Click(ctx context.Context, selector string) error {
	if err, ok := f.clickErrs[selector]; ok {
		return err
	}
	f.clicked = append(f.clicked, selector)
	if strings.HasPrefix(selector, "input[name=") && f.checkOnStrategy == "click_input" {
		f.checkboxChecked = true
	}
	if strings.HasPrefix(selector, "label[for=") && f.checkOnStrategy == "click_label" {
		f.checkboxChecked = true
	}
	if fn, ok := f.onClick[selector]; ok {
		fn()
	}
	return nil
}

func (f *fakeDriver) SendKeys(ctx context.Context, selector, value string) error {
	f.typed[selector] = value
	return nil
}

func (f *fakeDriver) Evaluate(ctx context.Context, expression string, res interface{}) error {
	if strings.Contains(expression, `input[type="checkbox"]`) {
		if f.checkOnStrategy == "check_all" {
			f.checkboxChecked = true
		}
		if n, ok := res.(*int); ok {
			*n = 1
		}
		return nil
	}
	if strings.Contains(expression, "present") {
		state := map[string]bool{
			"present": f.consentInputPresent,
			"checked": f.consentInputPresent && f.checkboxChecked,
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, res)
	}
	if b, ok := res.(*bool); ok {
		*b = f.checkboxChecked
	}
	return nil
}

func (f *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return f.screenshotPNG, nil
}

func (f *fakeDriver) EnableDownloads(ctx context.Context, dir string) error {
	f.downloadDir = dir
	return os.MkdirAll(dir, 0o755)
}

func (f *fakeDriver) WatchDownloads() DownloadWaiter { return &fakeWaiter{driver: f} }

type fakeWaiter struct{ driver *fakeDriver }

func (w *fakeWaiter) Wait(ctx context.Context, timeout time.Duration) (string, string, error) {
	if w.driver.downloadErr != nil {
		return "", "", w.driver.downloadErr
	}
	path := filepath.Join(w.driver.downloadDir, "d41d8cd9-guid")
	if err := os.WriteFile(path, w.driver.downloadDocument, 0o644); err != nil {
		return "", "", err
	}
	return path, "certificate.pdf", nil
}

func testRequest() *schemas.AutomationRequest {
	return &schemas.AutomationRequest{
		SSN:           "123-45-6789",
		FirstName:     "John",
		LastName:      "Doe",
		DateOfBirth:   "1980-01-15",
		Credentials:   schemas.Credential{Username: "agent", Password: "hunter2"},
		CorrelationID: "matter-7",
	}
}

func newTestSequencer(t *testing.T, shots ScreenshotSink) (*Sequencer, *config.Config) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	cfg.Network.DownloadTimeout = time.Second
	return New(cfg, zap.NewNop(), shots), cfg
}

func TestRunHappyPath(t *testing.T) {
	var stages []string
	seq, cfg := newTestSequencer(t, func(stage string, png []byte) {
		stages = append(stages, stage)
	})
	drv := newFakeDriver(t)

	result, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []byte("%PDF-1.4 certificate"), result.Document)
	assert.Equal(t, "certificate.pdf", result.SuggestedName)

	// Identifier goes over the wire digits only.
	assert.Equal(t, "123456789", drv.typed[cfg.Target.SSNSelector])
	assert.Equal(t, "123456789", drv.typed[cfg.Target.SSNConfirmSelector])
	assert.Equal(t, "Doe", drv.typed[cfg.Target.LastNameSelector])

	// Checkpoints cover every stage's entry and completion in order.
	assert.Equal(t, []string{
		StageProbe,
		StageNavigate + "_start", StageNavigate,
		StageConsent + "_start", StageConsent,
		StageLogin + "_start", StageLogin,
		StageFill + "_start", StageFill,
		StageCheckbox + "_start", StageCheckbox,
		StageSubmit + "_start", StageSubmit,
	}, stages)
}

func TestRunProbeFailureIsNotFatal(t *testing.T) {
	seq, cfg := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.navErrs[cfg.Target.ProbeURL] = errors.New("dns failure")

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.NoError(t, err)
}

func TestRunNavigationRetriesThenSucceeds(t *testing.T) {
	seq, cfg := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.navErrs[cfg.Target.FormURL] = errors.New("tls handshake timeout")

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, drv.navCount[cfg.Target.FormURL])
}

func TestRunDenialMarkerFailsNavigation(t *testing.T) {
	var stages []string
	seq, _ := newTestSequencer(t, func(stage string, png []byte) {
		stages = append(stages, stage)
	})
	drv := newFakeDriver(t)
	drv.body = "Access Denied. Your request was blocked."

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.ErrorIs(t, err, ErrNavigationFailed)
	assert.Contains(t, stages, StageNavigate+"_failed")
}

func TestRunWrongTitleFailsNavigation(t *testing.T) {
	seq, _ := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.title = "Service Unavailable"

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.ErrorIs(t, err, ErrNavigationFailed)
}

func TestOnNavigatedHookFiresAfterNavigation(t *testing.T) {
	seq, _ := newTestSequencer(t, nil)
	drv := newFakeDriver(t)

	fired := 0
	seq.OnNavigated(func() { fired++ })

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestOnNavigatedHookSkippedWhenNavigationFails(t *testing.T) {
	seq, _ := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.title = "Service Unavailable"

	fired := 0
	seq.OnNavigated(func() { fired++ })

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.ErrorIs(t, err, ErrNavigationFailed)
	assert.Zero(t, fired)
}

func TestRunLoginAbsenceIsTolerated(t *testing.T) {
	seq, cfg := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.waitErrs[cfg.Target.LoginUserSelector] = errors.New("not visible")

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.NoError(t, err)
	// No credentials should have been typed.
	assert.NotContains(t, drv.typed, cfg.Target.LoginUserSelector)
}

func TestRunLoginLandingOnErrorPageFails(t *testing.T) {
	seq, cfg := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	// Submitting credentials navigates to an error page instead of
	// bouncing back to the request form.
	drv.onClick[cfg.Target.LoginSubmitSelector] = func() {
		drv.title = "Sign-in error"
		drv.body = "Invalid username or password"
	}

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.ErrorIs(t, err, ErrLoginFailed)
}

func TestRunLoginFormNeverReturnsFails(t *testing.T) {
	seq, cfg := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.onClick[cfg.Target.LoginSubmitSelector] = func() {
		drv.waitErrs[cfg.Target.SSNSelector] = errors.New("waiting for selector timed out")
	}

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.ErrorIs(t, err, ErrLoginFailed)
}

func TestRunConsentCheckboxFallsBackToLabel(t *testing.T) {
	seq, cfg := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.checkOnStrategy = "click_label"
	drv.clickErrs[fmt.Sprintf(`input[name=%q]`, cfg.Target.ConsentCheckboxName)] = errors.New("not interactable")

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.NoError(t, err)
	assert.True(t, drv.checkboxChecked)
}

func TestRunConsentCheckboxFallsBackToScript(t *testing.T) {
	seq, cfg := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.checkOnStrategy = "check_all"
	name := cfg.Target.ConsentCheckboxName
	drv.clickErrs[fmt.Sprintf(`input[name=%q]`, name)] = errors.New("not interactable")
	drv.clickErrs[fmt.Sprintf(`label[for=%q]`, name)] = errors.New("no such element")

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.NoError(t, err)
	assert.True(t, drv.checkboxChecked)
}

func TestRunConsentBruteForceAcceptedWhenInputRenamed(t *testing.T) {
	// The named input has drifted out of the markup, so the first two
	// strategies fail and the state check cannot see it; the brute-force
	// pass still ticks every checkbox and wins on its own evidence.
	seq, cfg := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.consentInputPresent = false
	drv.checkOnStrategy = "check_all"
	name := cfg.Target.ConsentCheckboxName
	drv.clickErrs[fmt.Sprintf(`input[name=%q]`, name)] = errors.New("no such element")
	drv.clickErrs[fmt.Sprintf(`label[for=%q]`, name)] = errors.New("no such element")

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.NoError(t, err)
	assert.True(t, drv.checkboxChecked)
}

func TestRunConsentCheckboxExhaustionFails(t *testing.T) {
	seq, _ := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.checkOnStrategy = "none"

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.ErrorIs(t, err, ErrConsentNotAcknowledged)
}

func TestRunDownloadFailure(t *testing.T) {
	seq, _ := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.downloadErr = errors.New("timed out waiting for document download")

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.ErrorIs(t, err, ErrSubmissionFailed)
}

func TestRunEmptyDownloadFails(t *testing.T) {
	seq, _ := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	drv.downloadDocument = []byte{}

	_, err := seq.Run(context.Background(), drv, testRequest(), t.TempDir())
	require.ErrorIs(t, err, ErrSubmissionFailed)
}

func TestRunMissingRequiredFieldFails(t *testing.T) {
	seq, _ := newTestSequencer(t, nil)
	drv := newFakeDriver(t)
	req := testRequest()
	req.SSN = "---"

	_, err := seq.Run(context.Background(), drv, req, t.TempDir())
	require.ErrorIs(t, err, ErrFormFillFailed)
}
