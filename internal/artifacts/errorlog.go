// File: internal/artifacts/errorlog.go
package artifacts

import (
	"fmt"
	"os"
	"sync"

	"github.com/xkilldash9x/milstatus/api/schemas"
)

// ErrorLog is the central failure journal shared across all runs: a JSON
// array on disk capped at the last N entries, oldest evicted first.
type ErrorLog struct {
	path string
	cap  int

	mu sync.Mutex
}

// NewErrorLog returns an ErrorLog backed by path, keeping at most cap
// entries.
func NewErrorLog(path string, cap int) *ErrorLog {
	if cap <= 0 {
		cap = 100
	}
	return &ErrorLog{path: path, cap: cap}
}

// Append adds a report to the log, evicting the oldest entries beyond the
// cap, and rewrites the file atomically.
func (l *ErrorLog) Append(report schemas.ErrorReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readLocked()
	if err != nil {
		return err
	}

	entries = append(entries, report)
	if len(entries) > l.cap {
		entries = entries[len(entries)-l.cap:]
	}
	return writeJSONAtomic(l.path, entries)
}

// Entries returns the logged reports, oldest first.
func (l *ErrorLog) Entries() ([]schemas.ErrorReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked()
}

func (l *ErrorLog) readLocked() ([]schemas.ErrorReport, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read error log: %w", err)
	}

	var entries []schemas.ErrorReport
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt log should not wedge future runs; start fresh.
		return nil, nil
	}
	return entries, nil
}
