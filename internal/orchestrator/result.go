package orchestrator

import (
	"time"
)

// Result is the caller-facing outcome of a run.
type Result struct {
	RunID            string        `json:"run_id"`
	Query            string        `json:"query"`
	Profile          *QueryProfile `json:"profile"`
	Report           string        `json:"report"`
	Findings         []Finding     `json:"findings"`
	References       []Citation    `json:"references"`
	CallLog          []CallRecord  `json:"call_log"`
	ScorecardHistory []Scorecard   `json:"scorecards"`
	Errors           []string      `json:"errors"`
	IterationCount   int           `json:"iteration_count"`
	Trace            []TraceEntry  `json:"trace"`
	Stats            UsageStats    `json:"stats"`
	Duration         time.Duration `json:"duration"`
	Terminated       Termination   `json:"terminated"`
}

// ReasoningTrace is the ordered step transitions with the intermediate
// scorecards.
type ReasoningTrace struct {
	Steps      []TraceEntry `json:"steps"`
	Scorecards []Scorecard  `json:"scorecards"`
}

func newResult(st *State, t Termination) *Result {
	findings := st.Findings
	if findings == nil {
		findings = []Finding{}
	}
	return &Result{
		RunID:            st.RunID,
		Query:            st.Query,
		Profile:          st.Profile,
		Report:           st.Report,
		Findings:         findings,
		References:       References(st),
		CallLog:          st.CallLog,
		ScorecardHistory: st.ScorecardHistory,
		Errors:           st.Errors,
		IterationCount:   st.IterationCount,
		Trace:            st.Trace,
		Stats:            ComputeStats(st.CallLog, st.Findings, st.ScorecardHistory),
		Duration:         st.FinishedAt.Sub(st.StartedAt),
		Terminated:       t,
	}
}

// ReasoningTrace returns the step transitions and scorecards of the run.
func (r *Result) ReasoningTrace() ReasoningTrace {
	return ReasoningTrace{Steps: r.Trace, Scorecards: r.ScorecardHistory}
}

// ToolUsage returns aggregate source usage statistics.
func (r *Result) ToolUsage() UsageStats {
	return r.Stats
}

// FinalConfidence is the confidence of the last scorecard, or 0.
func (r *Result) FinalConfidence() float64 {
	if n := len(r.ScorecardHistory); n > 0 {
		return r.ScorecardHistory[n-1].Confidence
	}
	return 0
}
