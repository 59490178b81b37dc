package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/medagent/internal/reasoning"
	"github.com/fyrsmithlabs/medagent/internal/sources"
)

// Each step decodes the completion into its own payload type and converts it
// into state values. Conversion validates shape; anything unusable is an
// ErrMalformedPayload and the step falls back.

type analysisPayload struct {
	DrugTargets       []string `json:"drug_targets"`
	Diseases          []string `json:"diseases"`
	Compounds         []string `json:"compounds"`
	QueryType         string   `json:"query_type"`
	KeyConstraints    []string `json:"key_constraints"`
	ExtractedKeywords []string `json:"extracted_keywords"`
	Confidence        *float64 `json:"confidence"`
}

func (p analysisPayload) profile() (*QueryProfile, error) {
	qt := strings.TrimSpace(strings.ToLower(p.QueryType))
	if qt == "" {
		return nil, fmt.Errorf("%w: missing query_type", ErrMalformedPayload)
	}
	if !queryTypes[qt] {
		qt = QueryGeneral
	}
	confidence := 0.5
	if p.Confidence != nil {
		confidence = clamp01(*p.Confidence)
	}
	return &QueryProfile{
		Targets:     cleanList(p.DrugTargets),
		Diseases:    cleanList(p.Diseases),
		Compounds:   cleanList(p.Compounds),
		QueryType:   qt,
		Constraints: cleanList(p.KeyConstraints),
		Keywords:    cleanList(p.ExtractedKeywords),
		Confidence:  confidence,
	}, nil
}

type plannedTool struct {
	Tool           string `json:"tool"`
	Priority       *int   `json:"priority"`
	Rationale      string `json:"rationale"`
	ExpectedOutput string `json:"expected_output"`
}

type planPayload struct {
	ResearchStrategy    string        `json:"research_strategy"`
	ToolsToUse          []plannedTool `json:"tools_to_use"`
	Reasoning           string        `json:"reasoning"`
	EstimatedComplexity string        `json:"estimated_complexity"`
}

// plan keeps tools for which known returns true, ordered by priority.
// Unknown and duplicate tools are returned as dropped.
func (p planPayload) plan(known func(string) bool) (*Plan, []string, error) {
	tools := make([]plannedTool, len(p.ToolsToUse))
	copy(tools, p.ToolsToUse)
	sort.SliceStable(tools, func(i, j int) bool {
		return priorityOf(tools[i]) < priorityOf(tools[j])
	})

	plan := &Plan{Strategy: strings.TrimSpace(p.ResearchStrategy)}
	var dropped []string
	seen := make(map[string]bool)
	for _, t := range tools {
		name := strings.TrimSpace(strings.ToLower(t.Tool))
		if !known(name) || seen[name] {
			dropped = append(dropped, t.Tool)
			continue
		}
		seen[name] = true
		plan.Sources = append(plan.Sources, PlannedSource{
			Source:    name,
			Priority:  len(plan.Sources) + 1,
			Rationale: strings.TrimSpace(t.Rationale),
		})
	}
	if len(plan.Sources) == 0 {
		return nil, dropped, fmt.Errorf("%w: plan selects no known source", ErrMalformedPayload)
	}
	return plan, dropped, nil
}

func priorityOf(t plannedTool) int {
	if t.Priority == nil {
		return 999
	}
	return *t.Priority
}

type toolParamsPayload struct {
	Tool            string         `json:"tool"`
	Parameters      map[string]any `json:"parameters"`
	SearchRationale string         `json:"search_rationale"`
}

// params returns the source parameters, filling query from fallback when the
// model left it empty.
func (p toolParamsPayload) params(fallback string) (sources.Params, error) {
	if p.Parameters == nil {
		return nil, fmt.Errorf("%w: missing parameters", ErrMalformedPayload)
	}
	params := sources.Params(p.Parameters).Clone()
	if strings.TrimSpace(params.Text("query", "")) == "" {
		params["query"] = fallback
	}
	return params, nil
}

type citationRef struct {
	Source string `json:"source"`
	ID     string `json:"id"`
}

type findingPayload struct {
	Finding          string        `json:"finding"`
	Citations        []citationRef `json:"citations"`
	EvidenceStrength string        `json:"evidence_strength"`
}

type synthesisPayload struct {
	KeyFindings    []findingPayload `json:"key_findings"`
	IdentifiedGaps []string         `json:"identified_gaps"`
	OverallSummary string           `json:"overall_summary"`
	Confidence     *float64         `json:"confidence_in_synthesis"`
}

// findings resolves every citation against the state's records. Citations
// that do not resolve are dropped, then findings left without citations.
func (p synthesisPayload) findings(st *State) (kept []Finding, droppedCitations, droppedFindings int) {
	for _, f := range p.KeyFindings {
		statement := strings.TrimSpace(f.Finding)
		if statement == "" {
			droppedFindings++
			continue
		}

		var cites []Citation
		seen := make(map[string]bool)
		for _, ref := range f.Citations {
			source := strings.TrimSpace(strings.ToLower(ref.Source))
			id := strings.TrimSpace(ref.ID)
			rec, ok := st.lookup(source, id)
			if !ok {
				droppedCitations++
				continue
			}
			key := source + "/" + id
			if seen[key] {
				continue
			}
			seen[key] = true
			cites = append(cites, citationFor(rec))
		}
		if len(cites) == 0 {
			droppedFindings++
			continue
		}

		kept = append(kept, Finding{
			Statement:        statement,
			Citations:        cites,
			EvidenceStrength: normalizeStrength(f.EvidenceStrength),
		})
	}
	return kept, droppedCitations, droppedFindings
}

type nextSteps struct {
	ToolsToCall []string `json:"tools_to_call"`
	NewQueries  []string `json:"new_queries"`
	Rationale   string   `json:"rationale"`
}

type verificationPayload struct {
	QueryCoverageScore   *float64   `json:"query_coverage_score"`
	EvidenceQualityScore *float64   `json:"evidence_quality_score"`
	CompletenessScore    *float64   `json:"completeness_score"`
	OverallConfidence    *float64   `json:"overall_confidence"`
	NeedsMoreResearch    *bool      `json:"needs_more_research"`
	Reasoning            string     `json:"reasoning"`
	IdentifiedGaps       []string   `json:"identified_gaps"`
	NextSteps            *nextSteps `json:"next_steps"`
	StopReason           *string    `json:"stop_reason"`
}

func (p verificationPayload) scorecard(known func(string) bool) (*Scorecard, error) {
	if p.NeedsMoreResearch == nil || p.OverallConfidence == nil {
		return nil, fmt.Errorf("%w: missing needs_more_research or overall_confidence", ErrMalformedPayload)
	}
	sc := &Scorecard{
		Coverage:        clamp01(deref(p.QueryCoverageScore)),
		EvidenceQuality: clamp01(deref(p.EvidenceQualityScore)),
		Completeness:    clamp01(deref(p.CompletenessScore)),
		Confidence:      clamp01(*p.OverallConfidence),
		Stop:            !*p.NeedsMoreResearch,
		Gaps:            cleanList(p.IdentifiedGaps),
		Reasoning:       strings.TrimSpace(p.Reasoning),
	}
	if p.StopReason != nil {
		sc.StopReason = strings.TrimSpace(*p.StopReason)
	}
	if p.NextSteps != nil {
		for _, name := range p.NextSteps.ToolsToCall {
			name = strings.TrimSpace(strings.ToLower(name))
			if known(name) && !contains(sc.NextSources, name) {
				sc.NextSources = append(sc.NextSources, name)
			}
		}
		sc.NewQueries = cleanList(p.NextSteps.NewQueries)
	}
	return sc, nil
}

// decode parses a completion into a payload of type T.
func decode[T any](text string) (T, error) {
	var v T
	if err := reasoning.DecodeJSON(text, &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return v, nil
}

func citationFor(r sources.Record) Citation {
	return Citation{Source: r.Source, ID: r.ID, Title: r.Title, URL: r.URL}
}

func normalizeStrength(s string) string {
	switch s = strings.TrimSpace(strings.ToLower(s)); s {
	case "strong", "moderate", "weak":
		return s
	default:
		return "weak"
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" && !contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
