// Package sources implements the biomedical data sources queried during a
// research run: PubMed, ClinicalTrials.gov and ChEMBL.
//
// A Source turns an operation name and parameters into normalized Records.
// Sources never talk to the network directly; every HTTP request goes through
// the Fetcher handed to them, which applies rate limiting and retry.
package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Source names used as resource keys throughout the system.
const (
	PubMed         = "pubmed"
	ClinicalTrials = "clinical_trials"
	ChEMBL         = "chembl"
)

// Common operation names.
const (
	OpSearch = "search"
	OpFetch  = "fetch"
)

var (
	// ErrUnknownOperation indicates an operation the source does not support.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrInvalidParams indicates missing or malformed operation parameters.
	ErrInvalidParams = errors.New("invalid parameters")
)

// Fetcher performs a GET request and returns the response body.
// Non-2xx responses are returned as *retry.StatusError.
type Fetcher interface {
	Get(ctx context.Context, endpoint string, query url.Values) ([]byte, error)
}

// Source is an external data provider.
type Source interface {
	// Name is the resource key, e.g. "pubmed".
	Name() string

	// Operations lists the supported operation names.
	Operations() []string

	// Search runs operation with params and returns normalized records.
	// An empty result is not an error.
	Search(ctx context.Context, f Fetcher, operation string, params Params) ([]Record, error)
}

// Record is the normalized shape shared by all sources. Source-specific
// fields live in Attributes.
type Record struct {
	Source     string         `json:"source"`
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Summary    string         `json:"summary,omitempty"`
	URL        string         `json:"url,omitempty"`
	Year       int            `json:"year,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Params are operation parameters as produced by the reasoning step.
type Params map[string]any

// Text returns the named parameter as a trimmed string, or def.
func (p Params) Text(name, def string) string {
	v, ok := p[name]
	if !ok || v == nil {
		return def
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case fmt.Stringer:
		s = t.String()
	default:
		s = fmt.Sprintf("%v", t)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

// Int returns the named parameter as an int, or def when absent or invalid.
// JSON numbers decode as float64, so those are accepted too.
func (p Params) Int(name string, def int) int {
	switch t := p[name].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns parameter names sorted.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// clamp bounds n to [lo, hi].
func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// joinURL appends path to base, tolerating a missing trailing slash.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// New builds the default set of sources from their configurations.
func New(pubmed PubMedConfig, trials ClinicalTrialsConfig, chembl ChEMBLConfig) []Source {
	return []Source{
		NewPubMed(pubmed),
		NewClinicalTrials(trials),
		NewChEMBL(chembl),
	}
}
