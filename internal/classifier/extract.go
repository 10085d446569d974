// File: internal/classifier/extract.go
package classifier

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ExtractText turns document bytes into an ordered sequence of text lines.
// PDF documents are decoded through pdfcpu's page content streams; any
// other payload is treated as plain text.
func ExtractText(document []byte) ([]string, error) {
	if !bytes.HasPrefix(document, []byte("%PDF-")) {
		return strings.Split(string(document), "\n"), nil
	}
	return extractPDFText(document)
}

func extractPDFText(document []byte) ([]string, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pageCount, err := api.PageCount(bytes.NewReader(document), conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF page count: %w", err)
	}

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(document), conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}

	var lines []string
	for page := 1; page <= pageCount; page++ {
		r, err := pdfcpu.ExtractPageContent(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("failed to extract content of page %d: %w", page, err)
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read content of page %d: %w", page, err)
		}
		lines = append(lines, contentStreamLines(content)...)
	}
	return lines, nil
}

// contentStreamLines decodes the text-showing operators (Tj, TJ, ') of a
// decompressed PDF content stream into lines. Text positioning operators
// (Td, TD, T*) and ET mark line breaks, which matches how the status
// certificate lays out its table rows.
func contentStreamLines(content []byte) []string {
	var lines []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			lines = append(lines, current.String())
			current.Reset()
		}
	}

	i := 0
	for i < len(content) {
		switch content[i] {
		case '(':
			text, next := readLiteralString(content, i)
			current.WriteString(text)
			i = next
		case '%':
			// Comment runs to end of line.
			for i < len(content) && content[i] != '\n' {
				i++
			}
		default:
			if isOperatorStart(content[i]) {
				op, next := readToken(content, i)
				switch op {
				case "Td", "TD", "T*", "ET", "'":
					flush()
				}
				i = next
			} else {
				i++
			}
		}
	}
	flush()
	return lines
}

// readLiteralString consumes a parenthesized PDF string starting at
// content[start] == '(' and returns the decoded text plus the index just
// past the closing parenthesis. Handles nesting and backslash escapes.
func readLiteralString(content []byte, start int) (string, int) {
	var b strings.Builder
	depth := 0
	i := start
	for i < len(content) {
		c := content[i]
		switch c {
		case '\\':
			if i+1 < len(content) {
				b.WriteString(decodeEscape(content[i+1]))
				i += 2
				continue
			}
			i++
		case '(':
			depth++
			if depth > 1 {
				b.WriteByte(c)
			}
			i++
		case ')':
			depth--
			if depth == 0 {
				return b.String(), i + 1
			}
			b.WriteByte(c)
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i
}

func decodeEscape(c byte) string {
	switch c {
	case 'n':
		return "\n"
	case 'r':
		return "\r"
	case 't':
		return "\t"
	case '(', ')', '\\':
		return string(c)
	default:
		return ""
	}
}

func readToken(content []byte, start int) (string, int) {
	i := start
	for i < len(content) && isOperatorStart(content[i]) {
		i++
	}
	return string(content[start:i]), i
}

func isOperatorStart(c byte) bool {
	return c == '\'' || c == '*' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
