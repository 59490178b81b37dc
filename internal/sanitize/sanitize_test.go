package sanitize

import (
	"errors"
	"strings"
	"testing"
)

func TestQuery(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "unchanged",
			input:    "What are EGFR inhibitors?",
			expected: "What are EGFR inhibitors?",
		},
		{
			name:     "trims whitespace",
			input:    "  BRCA1  ",
			expected: "BRCA1",
		},
		{
			name:     "collapses newlines and tabs",
			input:    "EGFR\n\tinhibitors\r\n in  NSCLC",
			expected: "EGFR inhibitors in NSCLC",
		},
		{
			name:     "drops zero-width space",
			input:    "osimer\u200btinib",
			expected: "osimertinib",
		},
		{
			name:     "drops bidi override",
			input:    "\u202eKRAS G12C",
			expected: "KRAS G12C",
		},
		{
			name:     "drops control characters",
			input:    "TP53\x00\x07 mutations",
			expected: "TP53 mutations",
		},
		{
			name:     "keeps non-ascii letters",
			input:    "β-amyloid Alzheimer’s",
			expected: "β-amyloid Alzheimer’s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Query(tt.input)
			if err != nil {
				t.Fatalf("Query(%q) error = %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("Query(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestQuery_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrEmptyQuery},
		{"whitespace only", " \n\t ", ErrEmptyQuery},
		{"format characters only", "\u200b\u200d", ErrEmptyQuery},
		{"invalid utf8", "EGFR \xff\xfe", ErrInvalidEncoding},
		{"too long", strings.Repeat("a", MaxQueryLength+1), ErrQueryTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Query(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("Query() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestQuery_MaxLengthAllowed(t *testing.T) {
	in := strings.Repeat("é", MaxQueryLength)
	got, err := Query(in)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if got != in {
		t.Error("Query() changed a maximal valid query")
	}
}
