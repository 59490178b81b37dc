package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/medagent/internal/gateway"
	"github.com/fyrsmithlabs/medagent/internal/ratelimit"
	"github.com/fyrsmithlabs/medagent/internal/retry"
	"github.com/fyrsmithlabs/medagent/internal/sources"
)

var (
	pubmedRecords = []sources.Record{
		{Source: sources.PubMed, ID: "11111111", Title: "EGFR tyrosine kinase inhibitors in NSCLC", Year: 2023, URL: "https://pubmed.ncbi.nlm.nih.gov/11111111/"},
		{Source: sources.PubMed, ID: "22222222", Title: "Mechanisms of osimertinib resistance", Year: 2022, URL: "https://pubmed.ncbi.nlm.nih.gov/22222222/"},
	}
	chemblRecords = []sources.Record{
		{Source: sources.ChEMBL, ID: "CHEMBL3353410", Title: "OSIMERTINIB", Attributes: map[string]any{"max_phase": 4}},
		{Source: sources.ChEMBL, ID: "CHEMBL939", Title: "GEFITINIB", Attributes: map[string]any{"max_phase": 4}},
	}
	trialRecords = []sources.Record{
		{Source: sources.ClinicalTrials, ID: "NCT01234567", Title: "Osimertinib in EGFR-mutant NSCLC", Year: 2021},
	}
)

// staticSource returns fixed records without touching the network.
type staticSource struct {
	name    string
	records []sources.Record
	calls   atomic.Int64
}

func (s *staticSource) Name() string         { return s.name }
func (s *staticSource) Operations() []string { return []string{sources.OpSearch} }

func (s *staticSource) Search(_ context.Context, _ sources.Fetcher, _ string, _ sources.Params) ([]sources.Record, error) {
	s.calls.Add(1)
	return s.records, nil
}

// httpSource fetches from an upstream server and never parses a body.
type httpSource struct {
	name string
	url  string
}

func (s *httpSource) Name() string         { return s.name }
func (s *httpSource) Operations() []string { return []string{sources.OpSearch} }

func (s *httpSource) Search(ctx context.Context, f sources.Fetcher, _ string, _ sources.Params) ([]sources.Record, error) {
	if _, err := f.Get(ctx, s.url+"/search", nil); err != nil {
		return nil, err
	}
	return nil, nil
}

// blockingSource waits until its context is done.
type blockingSource struct{ name string }

func (s *blockingSource) Name() string         { return s.name }
func (s *blockingSource) Operations() []string { return []string{sources.OpSearch} }

func (s *blockingSource) Search(ctx context.Context, _ sources.Fetcher, _ string, _ sources.Params) ([]sources.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// unavailableServer answers every request with 503 and counts hits.
func unavailableServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

const testMaxRetries = 2

func newTestGateway(t *testing.T, srcs ...sources.Source) *gateway.Gateway {
	t.Helper()
	g, err := gateway.New(srcs, gateway.Options{
		Limiter: ratelimit.NewRegistry(ratelimit.Limit{RatePerSecond: 1000}, nil),
		Retry: retry.NewExecutor(retry.Config{
			MaxRetries: testMaxRetries,
			Base:       2,
			Unit:       time.Millisecond,
			MaxBackoff: 5 * time.Millisecond,
		}, nil),
		DefaultTimeout: 2 * time.Second,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	return g
}

func defaultSources() (*staticSource, *staticSource, *staticSource) {
	return &staticSource{name: sources.PubMed, records: pubmedRecords},
		&staticSource{name: sources.ClinicalTrials, records: trialRecords},
		&staticSource{name: sources.ChEMBL, records: chemblRecords}
}

// scriptedLLM answers each prompt with a scripted sequence of responses.
// The last response of a sequence repeats. It is safe for concurrent use.
type scriptedLLM struct {
	mu        sync.Mutex
	responses map[Step][]string
	params    string
	errs      map[Step]error
	calls     map[Step]int
	fields    map[Step][]map[string]any
}

// paramsStep keys tool parameter generation, which happens inside Execute.
const paramsStep Step = "params"

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		responses: make(map[Step][]string),
		params:    `{"tool": "any", "parameters": {"query": "EGFR inhibitors", "max_results": 10}}`,
		errs:      make(map[Step]error),
		calls:     make(map[Step]int),
		fields:    make(map[Step][]map[string]any),
	}
}

func (l *scriptedLLM) on(step Step, responses ...string) *scriptedLLM {
	l.responses[step] = responses
	return l
}

func (l *scriptedLLM) fail(step Step, err error) *scriptedLLM {
	l.errs[step] = err
	return l
}

func (l *scriptedLLM) Complete(_ context.Context, tmpl string, fields map[string]any) (string, error) {
	step := promptStep(tmpl)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.calls[step]
	l.calls[step]++
	l.fields[step] = append(l.fields[step], fields)

	if err := l.errs[step]; err != nil {
		return "", err
	}
	if step == paramsStep {
		return l.params, nil
	}
	rs := l.responses[step]
	if len(rs) == 0 {
		return "", errors.New("no scripted response for " + string(step))
	}
	if n >= len(rs) {
		n = len(rs) - 1
	}
	return rs[n], nil
}

func (l *scriptedLLM) callCount(step Step) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[step]
}

func (l *scriptedLLM) fieldsOf(step Step) []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]map[string]any(nil), l.fields[step]...)
}

func promptStep(tmpl string) Step {
	switch tmpl {
	case analyzePrompt:
		return StepAnalyze
	case planPrompt:
		return StepPlan
	case toolParamsPrompt:
		return paramsStep
	case synthesizePrompt:
		return StepSynthesize
	case verifyPrompt:
		return StepVerify
	case reportPrompt:
		return StepReport
	default:
		return "unknown"
	}
}

const (
	egfrAnalysis = `{
  "drug_targets": ["EGFR"],
  "diseases": ["non-small cell lung cancer"],
  "compounds": [],
  "query_type": "drug_target_search",
  "key_constraints": [],
  "extracted_keywords": ["EGFR", "inhibitors"],
  "confidence": 0.9
}`

	egfrPlan = "```json\n" + `{
  "research_strategy": "Find EGFR compounds, then literature.",
  "tools_to_use": [
    {"tool": "pubmed", "priority": 2, "rationale": "literature"},
    {"tool": "chembl", "priority": 1, "rationale": "compounds"}
  ]
}` + "\n```"

	pubmedOnlyPlan = `{"research_strategy": "literature first", "tools_to_use": [{"tool": "pubmed", "priority": 1}]}`

	egfrSynthesis = `Here is the synthesis:
{
  "key_findings": [
    {
      "finding": "Osimertinib is an approved EGFR inhibitor.",
      "citations": [{"source": "chembl", "id": "CHEMBL3353410"}],
      "evidence_strength": "strong"
    },
    {
      "finding": "EGFR TKIs are standard of care in EGFR-mutant NSCLC.",
      "citations": [{"source": "pubmed", "id": "11111111"}],
      "evidence_strength": "moderate"
    }
  ],
  "identified_gaps": ["Long-term survival data"],
  "overall_summary": "EGFR inhibitors such as osimertinib are approved for NSCLC.",
  "confidence_in_synthesis": 0.8
}`

	continueVerification = `{
  "query_coverage_score": 0.5,
  "evidence_quality_score": 0.6,
  "completeness_score": 0.4,
  "overall_confidence": 0.6,
  "needs_more_research": true,
  "reasoning": "Compound data missing.",
  "identified_gaps": ["compound data"],
  "next_steps": {"tools_to_call": ["chembl", "uniprot"], "new_queries": ["osimertinib"], "rationale": "compounds"}
}`

	stopVerification = `{
  "query_coverage_score": 0.9,
  "evidence_quality_score": 0.8,
  "completeness_score": 0.85,
  "overall_confidence": 0.85,
  "needs_more_research": false,
  "reasoning": "Question answered.",
  "stop_reason": "sufficient evidence"
}`

	lowConfidenceStop = `{"overall_confidence": 0.4, "needs_more_research": false}`

	egfrReport = "# Research Report\n\n## Executive Summary\n\nOsimertinib is an approved EGFR inhibitor [1].\n\n## References\n\n[1] ChEMBL CHEMBL3353410"
)
