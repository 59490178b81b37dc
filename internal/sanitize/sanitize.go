// Package sanitize normalizes research questions before they reach the
// orchestrator.
//
// Questions arrive from the command line and the HTTP API and are embedded
// verbatim in model prompts and source queries, so both surfaces run them
// through Query first.
package sanitize

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxQueryLength is the maximum question length in runes.
	MaxQueryLength = 2000
)

var (
	// ErrEmptyQuery indicates nothing printable was left after sanitization.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrQueryTooLong indicates the question exceeds MaxQueryLength.
	ErrQueryTooLong = errors.New("query too long")

	// ErrInvalidEncoding indicates the question is not valid UTF-8.
	ErrInvalidEncoding = errors.New("query is not valid UTF-8")
)

// Query cleans a research question.
//
// Rules applied:
//   - Rejects invalid UTF-8
//   - Drops control and format characters (zero-width spaces, bidi overrides)
//   - Collapses whitespace runs, newlines included, into single spaces
//   - Trims leading/trailing whitespace
//   - Rejects empty results and results longer than MaxQueryLength runes
//
// Examples:
//
//	"  EGFR\n\tinhibitors "     -> "EGFR inhibitors"
//	"BRCA1\u200b PARP"       -> "BRCA1 PARP"
func Query(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", ErrInvalidEncoding
	}

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}

	out := b.String()
	if out == "" {
		return "", ErrEmptyQuery
	}
	if n := utf8.RuneCountInString(out); n > MaxQueryLength {
		return "", fmt.Errorf("%w: %d runes, limit %d", ErrQueryTooLong, n, MaxQueryLength)
	}
	return out, nil
}
