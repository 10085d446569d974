// File: internal/artifacts/store.go
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store hands out per-run artifact directories under a common base and
// owns the shared, bounded error log.
type Store struct {
	baseDir string
	logger  *zap.Logger

	mu sync.Mutex

	errorLog *ErrorLog
}

// NewStore creates the base directory if needed and returns a Store.
func NewStore(baseDir string, errorLogCap int, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact base dir %q: %w", baseDir, err)
	}
	return &Store{
		baseDir:  baseDir,
		logger:   logger.Named("artifacts"),
		errorLog: NewErrorLog(filepath.Join(baseDir, "errors.json"), errorLogCap),
	}, nil
}

// BaseDir returns the root of the artifact tree.
func (s *Store) BaseDir() string { return s.baseDir }

// Errors returns the shared, bounded error log.
func (s *Store) Errors() *ErrorLog { return s.errorLog }

// NewRun allocates a fresh run directory keyed by the timestamp, unique
// even for back-to-back runs within the same second: a colliding id gets a
// monotonic suffix. Run directories are never reused.
func (s *Store) NewRun(now time.Time) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// ISO-8601 with separators replaced so the id is filesystem safe.
	base := strings.NewReplacer(":", "-", ".", "-", "+", "-").Replace(now.UTC().Format("2006-01-02T15-04-05"))

	// Mkdir is the uniqueness claim: a name already taken, even by a
	// different process sharing the base dir, fails with EEXIST and the
	// next suffix is tried.
	runID := base
	for i := 1; ; i++ {
		dir := filepath.Join(s.baseDir, runID)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			s.logger.Debug("Allocated run artifact directory.", zap.String("run_id", runID))
			return &Run{id: runID, dir: dir, logger: s.logger.With(zap.String("run_id", runID))}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create run dir %q: %w", dir, err)
		}
		runID = fmt.Sprintf("%s_%d", base, i)
	}
}

// Run owns one run's artifact directory exclusively. It is not shared
// across runs; concurrent runs each hold a distinct Run.
type Run struct {
	id     string
	dir    string
	logger *zap.Logger

	mu             sync.Mutex
	screenshotSeq  int
	networkEvents  []schemas.NetworkEvent
}

// ID returns the timestamp-derived run id.
func (r *Run) ID() string { return r.id }

// Dir returns the run's artifact directory.
func (r *Run) Dir() string { return r.dir }

// SaveScreenshot writes an ordered, stage-tagged screenshot. The sequence
// counter preserves wall-clock capture order in directory listings.
func (r *Run) SaveScreenshot(stage string, png []byte) (string, error) {
	r.mu.Lock()
	r.screenshotSeq++
	seq := r.screenshotSeq
	r.mu.Unlock()

	name := fmt.Sprintf("%03d_%s.png", seq, sanitize(stage))
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot %q: %w", name, err)
	}
	r.logger.Debug("Saved screenshot.", zap.String("file", name))
	return path, nil
}

// AppendNetworkEvent appends one event to the run's network log and
// flushes the whole log durably. The file is rewritten atomically so a
// crash mid-run leaves a valid JSON array, never a torn write.
func (r *Run) AppendNetworkEvent(ev schemas.NetworkEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.networkEvents = append(r.networkEvents, ev)
	return writeJSONAtomic(filepath.Join(r.dir, "network.json"), r.networkEvents)
}

// NetworkEvents returns a copy of the events appended so far, in order.
func (r *Run) NetworkEvents() []schemas.NetworkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schemas.NetworkEvent, len(r.networkEvents))
	copy(out, r.networkEvents)
	return out
}

// SaveResult persists the run's classification result summary.
func (r *Run) SaveResult(cr schemas.ClassificationResult) error {
	return writeJSONAtomic(filepath.Join(r.dir, "result.json"), cr)
}

// SaveErrorReport persists the run's error report.
func (r *Run) SaveErrorReport(er schemas.ErrorReport) error {
	return writeJSONAtomic(filepath.Join(r.dir, "error.json"), er)
}

// SaveDeliveryReceipt persists the callback delivery outcome.
func (r *Run) SaveDeliveryReceipt(dr schemas.DeliveryReceipt) error {
	return writeJSONAtomic(filepath.Join(r.dir, "delivery.json"), dr)
}

// SaveDocument stores the retrieved certificate under its outcome-derived
// name and returns the path.
func (r *Run) SaveDocument(name string, data []byte) (string, error) {
	path := filepath.Join(r.dir, sanitize(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write document %q: %w", name, err)
	}
	return path, nil
}

// DocumentName derives the stored certificate's filename from the
// determination outcome. Positive outcomes are named after the requester;
// negative outcomes use the fixed no-record convention.
func DocumentName(det schemas.Determination, firstName, lastName string) string {
	if det == schemas.DeterminationYes {
		base := strings.TrimSpace(lastName + "_" + firstName)
		if base == "_" {
			base = "subject"
		}
		return sanitize(base) + "_active_duty.pdf"
	}
	return "no_active_duty_record.pdf"
}

// writeJSONAtomic writes v as indented JSON via a temp file + rename, then
// fsyncs so the data survives a crash immediately after the append.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open temp file for %q: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %q: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %q: %w", path, err)
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
