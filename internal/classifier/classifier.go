// File: internal/classifier/classifier.go
package classifier

import (
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/milstatus/api/schemas"
	"github.com/xkilldash9x/milstatus/internal/config"
)

// Classifier derives a Yes/No determination from the retrieved status
// certificate by scanning its active-duty table for a non-placeholder
// service entry.
//
// This is a heuristic over extracted text, not a structural parse. If the
// document format drifts, it degrades to false negatives rather than
// failing the run.
type Classifier struct {
	startMarker  string
	endMarker    string
	placeholders map[string]struct{}
	logger       *zap.Logger
}

var wordChar = regexp.MustCompile(`\w`)

// New builds a Classifier from configuration.
func New(cfg config.ClassifierConfig, logger *zap.Logger) *Classifier {
	placeholders := make(map[string]struct{}, len(cfg.Placeholders))
	for _, p := range cfg.Placeholders {
		placeholders[strings.ToUpper(strings.TrimSpace(p))] = struct{}{}
	}
	return &Classifier{
		startMarker:  cfg.TableStartMarker,
		endMarker:    cfg.TableEndMarker,
		placeholders: placeholders,
		logger:       logger.Named("classifier"),
	}
}

// Classify extracts plain text from the document bytes and applies the
// line-scanning heuristic. It is deterministic: identical input always
// yields the same determination.
func (c *Classifier) Classify(correlationID string, document []byte) (schemas.ClassificationResult, error) {
	lines, err := ExtractText(document)
	if err != nil {
		return schemas.ClassificationResult{}, err
	}

	det := c.scan(lines)
	c.logger.Info("Document classified.",
		zap.String("determination", string(det)),
		zap.Int("lines", len(lines)),
	)

	return schemas.ClassificationResult{
		CorrelationID: correlationID,
		Determination: det,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// scan walks the lines in order. It enters "in-table" mode at the first
// line containing the start marker and exits at the end marker; only the
// first complete marker pair is considered. The markers come from the
// source document's phrasing, so repeated or reordered tables are a known
// limitation of the heuristic.
func (c *Classifier) scan(lines []string) schemas.Determination {
	inTable := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if !inTable {
			if strings.Contains(trimmed, c.startMarker) {
				inTable = true
			}
			continue
		}

		if strings.Contains(trimmed, c.endMarker) {
			// First complete marker pair is authoritative.
			break
		}

		if c.hasServiceEntry(trimmed) {
			return schemas.DeterminationYes
		}
	}
	return schemas.DeterminationNo
}

// hasServiceEntry reports whether the line carries any token that is not a
// placeholder and contains at least one word character.
func (c *Classifier) hasServiceEntry(line string) bool {
	for _, token := range strings.Fields(line) {
		if !wordChar.MatchString(token) {
			continue
		}
		if _, ok := c.placeholders[strings.ToUpper(token)]; ok {
			continue
		}
		return true
	}
	return false
}
