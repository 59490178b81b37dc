package orchestrator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/medagent/internal/sources"
)

func TestReferences_CitedFirstThenCapped(t *testing.T) {
	st := NewState("q", 1)
	var many []sources.Record
	for i := 0; i < 25; i++ {
		many = append(many, sources.Record{Source: sources.PubMed, ID: fmt.Sprintf("%08d", i), Title: "paper"})
	}
	st.addResults(sources.PubMed, many)
	st.addResults(sources.ChEMBL, chemblRecords)
	st.Findings = []Finding{{
		Statement: "s",
		Citations: []Citation{citationFor(chemblRecords[1]), citationFor(many[24])},
	}}

	refs := References(st)
	require.NotEmpty(t, refs)
	assert.Equal(t, "CHEMBL939", refs[0].ID)
	assert.Equal(t, "00000024", refs[1].ID)
	// 2 cited + 1 uncited chembl + 20 uncited pubmed.
	assert.Len(t, refs, 23)
}

func TestRenderFallbackReport(t *testing.T) {
	st := NewState("EGFR inhibitors", 2)
	st.IterationCount = 1
	st.addResults(sources.PubMed, pubmedRecords)
	st.Findings = []Finding{{
		Statement:        "EGFR TKIs are standard of care.",
		Citations:        []Citation{citationFor(pubmedRecords[0])},
		EvidenceStrength: "moderate",
	}}
	st.Gaps = []string{"survival data"}
	st.Scorecard = &Scorecard{Confidence: 0.7}
	st.CallLog = []CallRecord{{Source: sources.ChEMBL, Success: false, Iteration: 1}}

	report := renderFallbackReport(st)
	for _, want := range []string{
		"# Research Report: EGFR inhibitors",
		"## Executive Summary",
		"Self-assessed confidence: 0.70.",
		"1. EGFR TKIs are standard of care. [1] (moderate evidence)",
		"### PubMed (2 records)",
		"- survival data",
		"1 source call(s) failed",
		"[1] PubMed 11111111: EGFR tyrosine kinase inhibitors in NSCLC. https://pubmed.ncbi.nlm.nih.gov/11111111/",
	} {
		assert.Contains(t, report, want)
	}
}

func TestRenderFallbackReport_Empty(t *testing.T) {
	report := renderFallbackReport(NewState("anything", 1))
	assert.Contains(t, report, "No findings grounded in retrieved records")
	assert.Contains(t, report, "- None reported.")
	assert.True(t, strings.HasSuffix(report, "(none)\n"))
}

func TestStripMarkdownFence(t *testing.T) {
	assert.Equal(t, "# Report", stripMarkdownFence("```markdown\n# Report\n```"))
	assert.Equal(t, "# Report", stripMarkdownFence("  # Report  "))
	assert.Equal(t, "", stripMarkdownFence("```"))
}

func TestComputeStats(t *testing.T) {
	log := []CallRecord{
		{Source: sources.PubMed, Operation: sources.OpSearch, Params: sources.Params{"query": "egfr", "max_results": 10}, Success: true, ResultCount: 10},
		{Source: sources.PubMed, Operation: sources.OpSearch, Params: sources.Params{"max_results": 10, "query": "egfr"}, Success: true, ResultCount: 10, Cached: true},
		{Source: sources.ChEMBL, Operation: sources.OpSearch, Params: sources.Params{"query": "egfr"}, Success: false},
		{Source: sources.PubMed, Operation: sources.OpSearch, Params: sources.Params{"query": "osimertinib"}, Success: true, ResultCount: 4},
	}
	findings := []Finding{
		{Statement: "a", Citations: []Citation{{Source: sources.PubMed, ID: "1"}}},
		{Statement: "b"},
	}

	scorecards := []Scorecard{{Iteration: 1}, {Iteration: 2, Stop: true}}

	stats := ComputeStats(log, findings, scorecards)
	assert.Equal(t, 4, stats.TotalCalls)
	assert.Equal(t, 3, stats.SuccessfulCalls)
	assert.Equal(t, 1, stats.FailedCalls)
	assert.Equal(t, 1, stats.CacheHits)
	assert.Equal(t, 0.25, stats.CacheHitRatio)
	assert.Equal(t, 0.25, stats.RedundancyRate)
	assert.Equal(t, 0.5, stats.CitationCoverage)
	assert.Equal(t, 0.5, stats.ToolPrecision, "chembl was called but never cited")
	assert.Equal(t, 0.5, stats.SelfCorrection)
	assert.Equal(t, SourceUsage{Calls: 3, Successes: 3, CacheHits: 1, Results: 24}, stats.PerSource[sources.PubMed])
	assert.Equal(t, SourceUsage{Calls: 1, Failures: 1}, stats.PerSource[sources.ChEMBL])

	empty := ComputeStats(nil, nil, nil)
	assert.Zero(t, empty.RedundancyRate)
	assert.Zero(t, empty.CitationCoverage)
	assert.Zero(t, empty.ToolPrecision)
	assert.Zero(t, empty.SelfCorrection)
}

func TestComputeStats_SelfCorrection(t *testing.T) {
	tests := []struct {
		name       string
		scorecards []Scorecard
		want       float64
	}{
		{"single pass", []Scorecard{{Stop: true}}, 0},
		{"two loops", []Scorecard{{}, {}, {Stop: true}}, 2.0 / 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := ComputeStats(nil, nil, tt.scorecards)
			assert.InDelta(t, tt.want, stats.SelfCorrection, 1e-9)
		})
	}
}

func TestShouldContinue_Ceiling(t *testing.T) {
	always := StopPolicyFunc(func(*State) bool { return true })
	st := NewState("q", 2)

	st.IterationCount = 1
	assert.True(t, shouldContinue(always, st))
	st.IterationCount = 2
	assert.False(t, shouldContinue(always, st))

	st.IterationCount = 1
	assert.False(t, shouldContinue(ScorecardPolicy{}, st), "no scorecard")
	st.Scorecard = &Scorecard{Stop: false, Confidence: 0.9}
	assert.True(t, shouldContinue(ScorecardPolicy{}, st))
	assert.False(t, shouldContinue(ConfidencePolicy{MinConfidence: 0.8}, st))

	st.IterationCount = 2
	st.Scorecard = &Scorecard{Stop: true, LimitReached: true}
	assert.False(t, shouldContinue(ScorecardPolicy{}, st))
	assert.True(t, ScorecardPolicy{}.ShouldContinue(st), "a forced stop still wants more research")
}
