// File: internal/artifacts/store_test.go
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/api/schemas"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 100, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestNewRunUniqueDirectories(t *testing.T) {
	s := newTestStore(t)

	// Back-to-back runs in the same second must still get distinct dirs.
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r1, err := s.NewRun(now)
	require.NoError(t, err)
	r2, err := s.NewRun(now)
	require.NoError(t, err)
	r3, err := s.NewRun(now)
	require.NoError(t, err)

	assert.NotEqual(t, r1.Dir(), r2.Dir())
	assert.NotEqual(t, r2.Dir(), r3.Dir())

	for _, r := range []*Run{r1, r2, r3} {
		info, err := os.Stat(r.Dir())
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestNewRunUniqueAcrossStores(t *testing.T) {
	// Two CLI invocations in the same second each build their own Store
	// over the shared base dir; the directories must still be distinct.
	base := t.TempDir()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s1, err := NewStore(base, 100, zap.NewNop())
	require.NoError(t, err)
	s2, err := NewStore(base, 100, zap.NewNop())
	require.NoError(t, err)

	r1, err := s1.NewRun(now)
	require.NoError(t, err)
	r2, err := s2.NewRun(now)
	require.NoError(t, err)

	assert.NotEqual(t, r1.Dir(), r2.Dir())
}

func TestScreenshotOrdering(t *testing.T) {
	s := newTestStore(t)
	run, err := s.NewRun(time.Now())
	require.NoError(t, err)

	p1, err := run.SaveScreenshot("probe", []byte("png1"))
	require.NoError(t, err)
	p2, err := run.SaveScreenshot("navigate", []byte("png2"))
	require.NoError(t, err)

	assert.Equal(t, "001_probe.png", filepath.Base(p1))
	assert.Equal(t, "002_navigate.png", filepath.Base(p2))
}

func TestAppendNetworkEventDurable(t *testing.T) {
	s := newTestStore(t)
	run, err := s.NewRun(time.Now())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ev := schemas.NetworkEvent{
			Timestamp: time.Now(),
			Kind:      schemas.NetworkRequestSent,
			URL:       fmt.Sprintf("https://example.com/%d", i),
			Method:    "GET",
		}
		require.NoError(t, run.AppendNetworkEvent(ev))

		// After every append the on-disk file is a complete, valid array.
		data, err := os.ReadFile(filepath.Join(run.Dir(), "network.json"))
		require.NoError(t, err)
		var events []schemas.NetworkEvent
		require.NoError(t, json.Unmarshal(data, &events))
		assert.Len(t, events, i+1)
	}

	assert.Len(t, run.NetworkEvents(), 3)
}

func TestDocumentName(t *testing.T) {
	assert.Equal(t, "Smith_Jane_active_duty.pdf",
		DocumentName(schemas.DeterminationYes, "Jane", "Smith"))
	assert.Equal(t, "no_active_duty_record.pdf",
		DocumentName(schemas.DeterminationNo, "Jane", "Smith"))
}

func TestSaveResultAndErrorReport(t *testing.T) {
	s := newTestStore(t)
	run, err := s.NewRun(time.Now())
	require.NoError(t, err)

	require.NoError(t, run.SaveResult(schemas.ClassificationResult{
		CorrelationID: "m-1",
		Determination: schemas.DeterminationNo,
		DocumentName:  "no_active_duty_record.pdf",
		Timestamp:     time.Now(),
	}))
	require.NoError(t, run.SaveErrorReport(schemas.ErrorReport{
		Timestamp: time.Now(),
		Message:   "boom",
		Kind:      schemas.ErrKindSubmissionFailed,
		RunID:     run.ID(),
		MaskedSSN: "***-**-6789",
	}))

	for _, name := range []string{"result.json", "error.json"} {
		_, err := os.Stat(filepath.Join(run.Dir(), name))
		assert.NoError(t, err, name)
	}
}

func TestErrorLogCap(t *testing.T) {
	log := NewErrorLog(filepath.Join(t.TempDir(), "errors.json"), 5)

	for i := 0; i < 8; i++ {
		require.NoError(t, log.Append(schemas.ErrorReport{
			Message: fmt.Sprintf("failure %d", i),
			Kind:    schemas.ErrKindNavigationFailed,
		}))
	}

	entries, err := log.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 5)
	// Oldest entries evicted first.
	assert.Equal(t, "failure 3", entries[0].Message)
	assert.Equal(t, "failure 7", entries[4].Message)
}

func TestErrorLogSurvivesCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	log := NewErrorLog(path, 5)
	require.NoError(t, log.Append(schemas.ErrorReport{Message: "fresh"}))

	entries, err := log.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Message)
}
