package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/medagent/internal/sources"
)

var (
	// ErrEmptyQuery indicates a run was started without a question.
	ErrEmptyQuery = errors.New("query must not be empty")

	// ErrInvalidIterations indicates maxIterations < 1.
	ErrInvalidIterations = errors.New("max iterations must be at least 1")

	// ErrInvariant indicates an internal invariant violation. It is the only
	// fatal run error.
	ErrInvariant = errors.New("orchestration invariant violated")

	// ErrMalformedPayload indicates a completion that could not be decoded
	// into the payload a step expects.
	ErrMalformedPayload = errors.New("malformed reasoning payload")
)

// Step names a state machine step.
type Step string

const (
	// StepAnalyze derives the query profile
	StepAnalyze Step = "analyze"

	// StepPlan selects the sources to query
	StepPlan Step = "plan"

	// StepExecute calls the planned sources
	StepExecute Step = "execute"

	// StepSynthesize turns accumulated records into findings
	StepSynthesize Step = "synthesize"

	// StepVerify scores progress and decides whether to continue
	StepVerify Step = "verify"

	// StepReport renders the final report
	StepReport Step = "report"
)

// Termination explains why a run stopped iterating.
type Termination string

const (
	TerminationConverged      Termination = "converged"
	TerminationIterationLimit Termination = "iteration_limit"
	TerminationDeadline       Termination = "deadline"
	TerminationCancelled      Termination = "cancelled"
)

// Query types recognized by the analysis step.
const (
	QueryDrugTarget       = "drug_target_search"
	QueryDiseaseTreatment = "disease_treatment_search"
	QueryCompoundInfo     = "compound_information"
	QueryClinicalTrial    = "clinical_trial_search"
	QueryLiterature       = "literature_review"
	QueryGeneral          = "general_research"
)

var queryTypes = map[string]bool{
	QueryDrugTarget:       true,
	QueryDiseaseTreatment: true,
	QueryCompoundInfo:     true,
	QueryClinicalTrial:    true,
	QueryLiterature:       true,
	QueryGeneral:          true,
}

// QueryProfile is the structured reading of the user's question.
type QueryProfile struct {
	Targets     []string `json:"targets"`
	Diseases    []string `json:"diseases"`
	Compounds   []string `json:"compounds"`
	QueryType   string   `json:"query_type"`
	Constraints []string `json:"constraints"`
	Keywords    []string `json:"keywords"`
	Confidence  float64  `json:"confidence"`
}

// PlannedSource is one source selected for an iteration.
type PlannedSource struct {
	Source    string `json:"source"`
	Priority  int    `json:"priority"`
	Rationale string `json:"rationale,omitempty"`
}

// Plan is the ordered set of sources to query next.
type Plan struct {
	Sources  []PlannedSource `json:"sources"`
	Strategy string          `json:"strategy,omitempty"`
}

// SourceNames returns the planned source names in order.
func (p *Plan) SourceNames() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.Sources))
	for i, s := range p.Sources {
		names[i] = s.Source
	}
	return names
}

// CallRecord is one gateway call made during Execute.
type CallRecord struct {
	Source      string         `json:"source"`
	Operation   string         `json:"operation"`
	Params      sources.Params `json:"params"`
	Success     bool           `json:"success"`
	LatencyMs   int64          `json:"latency_ms"`
	Cached      bool           `json:"cached"`
	ResultCount int            `json:"result_count"`
	Error       string         `json:"error,omitempty"`
	Iteration   int            `json:"iteration"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Citation points at a record in SourceResults.
type Citation struct {
	Source string `json:"source"`
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Finding is a statement grounded in at least one retrieved record.
type Finding struct {
	Statement        string     `json:"statement"`
	Citations        []Citation `json:"citations"`
	EvidenceStrength string     `json:"evidence_strength"`
}

// Scorecard is the verification step's self-assessment.
type Scorecard struct {
	Iteration       int      `json:"iteration"`
	Coverage        float64  `json:"coverage"`
	EvidenceQuality float64  `json:"evidence_quality"`
	Completeness    float64  `json:"completeness"`
	Confidence      float64  `json:"confidence"`
	Stop            bool     `json:"stop"`
	Gaps            []string `json:"gaps,omitempty"`
	NextSources     []string `json:"next_sources,omitempty"`
	NewQueries      []string `json:"new_queries,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
	StopReason      string   `json:"stop_reason,omitempty"`

	// LimitReached is set when the iteration ceiling forced Stop while the
	// self-review still asked for more research.
	LimitReached bool `json:"limit_reached,omitempty"`
}

// TraceEntry is one step transition in the reasoning trace.
type TraceEntry struct {
	Step      Step      `json:"step"`
	Iteration int       `json:"iteration"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// State is the single-writer state of one research run.
type State struct {
	RunID          string
	Query          string
	IterationCount int
	MaxIterations  int

	Profile *QueryProfile
	Plan    *Plan

	SourceResults map[string][]sources.Record
	CallLog       []CallRecord

	Findings []Finding
	Summary  string
	Gaps     []string

	Scorecard        *Scorecard
	ScorecardHistory []Scorecard

	Report string
	Errors []string
	Trace  []TraceEntry

	StartedAt  time.Time
	FinishedAt time.Time

	seen map[string]map[string]bool
}

// NewState creates the initial state for query.
func NewState(query string, maxIterations int) *State {
	return &State{
		RunID:         uuid.NewString(),
		Query:         query,
		MaxIterations: maxIterations,
		SourceResults: make(map[string][]sources.Record),
		CallLog:       []CallRecord{},
		Errors:        []string{},
		StartedAt:     time.Now(),
		seen:          make(map[string]map[string]bool),
	}
}

// Terminal reports whether the report has been produced.
func (s *State) Terminal() bool {
	return s.Report != ""
}

// RecordCount returns the number of accumulated records across sources.
func (s *State) RecordCount() int {
	n := 0
	for _, recs := range s.SourceResults {
		n += len(recs)
	}
	return n
}

// addResults appends records for source, skipping IDs already present.
// Records without an ID are always appended.
func (s *State) addResults(source string, records []sources.Record) int {
	if s.seen == nil {
		s.seen = make(map[string]map[string]bool)
	}
	ids := s.seen[source]
	if ids == nil {
		ids = make(map[string]bool)
		s.seen[source] = ids
	}

	added := 0
	for _, r := range records {
		if r.ID != "" {
			if ids[r.ID] {
				continue
			}
			ids[r.ID] = true
		}
		s.SourceResults[source] = append(s.SourceResults[source], r)
		added++
	}
	return added
}

// lookup finds a record by source and ID.
func (s *State) lookup(source, id string) (sources.Record, bool) {
	for _, r := range s.SourceResults[source] {
		if r.ID == id {
			return r, true
		}
	}
	return sources.Record{}, false
}

func (s *State) addError(step Step, format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", step, fmt.Sprintf(format, args...)))
}

func (s *State) trace(step Step, format string, args ...any) {
	s.Trace = append(s.Trace, TraceEntry{
		Step:      step,
		Iteration: s.IterationCount,
		Message:   fmt.Sprintf(format, args...),
		At:        time.Now(),
	})
}

// checkInvariants validates the state after a run.
func (s *State) checkInvariants() error {
	if s.IterationCount < 0 || s.IterationCount > s.MaxIterations {
		return fmt.Errorf("%w: iteration count %d outside [0, %d]", ErrInvariant, s.IterationCount, s.MaxIterations)
	}
	if !s.Terminal() {
		return fmt.Errorf("%w: run finished without a report", ErrInvariant)
	}
	for i, c := range s.CallLog {
		if c.Iteration < 1 || c.Iteration > s.IterationCount {
			return fmt.Errorf("%w: call %d logged for iteration %d", ErrInvariant, i, c.Iteration)
		}
	}
	return nil
}
