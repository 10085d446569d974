// File: internal/automation/runner_test.go
package automation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/api/schemas"
	"github.com/xkilldash9x/milstatus/internal/browser"
	"github.com/xkilldash9x/milstatus/internal/callback"
	"github.com/xkilldash9x/milstatus/internal/config"
	"github.com/xkilldash9x/milstatus/internal/sequencer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Artifacts.BaseDir = t.TempDir()
	r, err := NewRunner(cfg, zap.NewNop())
	require.NoError(t, err)
	return r
}

func validRequest() *schemas.AutomationRequest {
	return &schemas.AutomationRequest{
		SSN:           "123-45-6789",
		FirstName:     "John",
		LastName:      "Doe",
		Credentials:   schemas.Credential{Username: "agent", Password: "hunter2"},
		CorrelationID: "matter-1",
		CallbackURL:   "https://example.com/hooks/status",
	}
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	r := newTestRunner(t)

	req := validRequest()
	req.SSN = ""
	_, err := r.Execute(context.Background(), req)
	require.Error(t, err)

	// No run directory should exist for a request that never started.
	entries, err := os.ReadDir(r.Store().BaseDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.IsDir(), "unexpected run dir %s", e.Name())
	}
}

func TestExecuteBusyBrowserIsReported(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Manager().Acquire("other-run"))

	_, err := r.Execute(context.Background(), validRequest())
	require.ErrorIs(t, err, browser.ErrSessionBusy)

	// The rejection is recorded in the shared error log with masked
	// identifiers only.
	entries, err := r.Store().Errors().Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, schemas.ErrKindSessionBusy, entries[0].Kind)
	assert.Equal(t, "***-**-6789", entries[0].MaskedSSN)
	assert.NotContains(t, entries[0].Message, "123-45-6789")
	assert.NotContains(t, entries[0].CallbackHint, "/hooks/status")
}

func TestExecuteBusyWritesRunErrorReport(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Manager().Acquire("other-run"))

	_, err := r.Execute(context.Background(), validRequest())
	require.ErrorIs(t, err, browser.ErrSessionBusy)

	var runDir string
	entries, err := os.ReadDir(r.Store().BaseDir())
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() {
			runDir = filepath.Join(r.Store().BaseDir(), e.Name())
		}
	}
	require.NotEmpty(t, runDir)

	raw, err := os.ReadFile(filepath.Join(runDir, "error.json"))
	require.NoError(t, err)

	var report schemas.ErrorReport
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, schemas.ErrKindSessionBusy, report.Kind)
	assert.Equal(t, "matter-1", report.CorrelationID)
}

func TestErrKindMapping(t *testing.T) {
	cases := []struct {
		err  error
		kind schemas.ErrorKind
	}{
		{browser.ErrSessionBusy, schemas.ErrKindSessionBusy},
		{browser.ErrLaunchFailed, schemas.ErrKindLaunchFailed},
		{ErrRunAbandoned, schemas.ErrKindRunAbandoned},
		{sequencer.ErrNavigationFailed, schemas.ErrKindNavigationFailed},
		{sequencer.ErrLoginFailed, schemas.ErrKindLoginFailed},
		{sequencer.ErrFormFillFailed, schemas.ErrKindFormFillFailed},
		{sequencer.ErrConsentNotAcknowledged, schemas.ErrKindConsentFailed},
		{sequencer.ErrSubmissionFailed, schemas.ErrKindSubmissionFailed},
		{callback.ErrDeliveryFailed, schemas.ErrKindDeliveryFailed},
		{ErrClassificationFailed, schemas.ErrKindClassifierFailed},
		{errors.New("something else"), schemas.ErrKindInternal},
	}

	for _, tc := range cases {
		wrapped := fmt.Errorf("stage context: %w", tc.err)
		assert.Equal(t, tc.kind, errKindFor(wrapped), "for %v", tc.err)
	}
}

func TestStageOfMapping(t *testing.T) {
	assert.Equal(t, sequencer.StageNavigate, stageOf(fmt.Errorf("x: %w", sequencer.ErrNavigationFailed)))
	assert.Equal(t, sequencer.StageCheckbox, stageOf(sequencer.ErrConsentNotAcknowledged))
	assert.Equal(t, "", stageOf(errors.New("unrelated")))
}

func TestExecuteReleasesHoldOnFailure(t *testing.T) {
	r := newTestRunner(t)

	// Force a failure before the browser stage by invalidating the
	// launch configuration: zero probe retries against a dead endpoint.
	r.cfg.Browser.LaunchRetries = 1
	r.cfg.Browser.HealthTimeout = 1
	r.cfg.Browser.ExecPath = filepath.Join(t.TempDir(), "no-such-chrome")

	_, err := r.Execute(context.Background(), validRequest())
	require.Error(t, err)
	assert.False(t, r.Manager().Busy(), "browser hold must be released after a failed run")
}
