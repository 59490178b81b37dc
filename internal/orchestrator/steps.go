package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/medagent/internal/gateway"
	"github.com/fyrsmithlabs/medagent/internal/reasoning"
	"github.com/fyrsmithlabs/medagent/internal/sources"
)

// Gateway is the data source access used by the execute step.
type Gateway interface {
	Call(ctx context.Context, source, operation string, params sources.Params) gateway.ToolResult
	Sources() []gateway.SourceInfo
}

// defaultPriority orders sources in fallback plans. Unlisted sources follow
// in name order.
var defaultPriority = map[string]int{
	sources.PubMed:         1,
	sources.ClinicalTrials: 2,
	sources.ChEMBL:         3,
}

const (
	defaultMaxResults  = 20
	synthesisSampleLen = 10
	sampleSummaryLen   = 400
)

// Steps implements the six reasoning steps. Every step is total: failures of
// the completer or malformed payloads fall back to conservative defaults and
// are appended to State.Errors.
type Steps struct {
	completer   reasoning.Completer
	gateway     Gateway
	logger      *zap.Logger
	maxParallel int
	order       []string
	known       map[string]bool
}

// NewSteps creates the step set over gw's registered sources.
func NewSteps(completer reasoning.Completer, gw Gateway, logger *zap.Logger, maxParallel int) *Steps {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxParallel < 1 {
		maxParallel = 3
	}

	known := make(map[string]bool)
	var order []string
	for _, info := range gw.Sources() {
		known[info.Name] = true
		order = append(order, info.Name)
	}
	sort.SliceStable(order, func(i, j int) bool {
		pi, iok := defaultPriority[order[i]]
		pj, jok := defaultPriority[order[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		default:
			return order[i] < order[j]
		}
	})

	return &Steps{
		completer:   completer,
		gateway:     gw,
		logger:      logger,
		maxParallel: maxParallel,
		order:       order,
		known:       known,
	}
}

func (s *Steps) isKnown(name string) bool { return s.known[name] }

// Analyze derives the query profile.
func (s *Steps) Analyze(ctx context.Context, st *State) {
	profile, err := func() (*QueryProfile, error) {
		text, err := s.completer.Complete(ctx, analyzePrompt, map[string]any{"query": st.Query})
		if err != nil {
			return nil, err
		}
		p, err := decode[analysisPayload](text)
		if err != nil {
			return nil, err
		}
		return p.profile()
	}()
	if err != nil {
		st.addError(StepAnalyze, "query analysis failed, using keyword profile: %v", err)
		st.Profile = fallbackProfile(st.Query)
		st.trace(StepAnalyze, "⚠ Query analysis failed; falling back to %d keyword(s)", len(st.Profile.Keywords))
		s.logger.Warn("query analysis fell back", zap.String("run_id", st.RunID), zap.Error(err))
		return
	}

	if len(profile.Keywords) == 0 {
		profile.Keywords = queryWords(st.Query)
	}
	st.Profile = profile
	st.trace(StepAnalyze, "Query analysis: type=%s targets=%v diseases=%v compounds=%v confidence=%.2f",
		profile.QueryType, profile.Targets, profile.Diseases, profile.Compounds, profile.Confidence)
}

// Plan selects the sources for the first iteration.
func (s *Steps) Plan(ctx context.Context, st *State) {
	plan, err := func() (*Plan, error) {
		text, err := s.completer.Complete(ctx, planPrompt, map[string]any{
			"query":     st.Query,
			"profile":   jsonString(st.Profile),
			"sources":   s.order,
			"retrieved": jsonString(recordCounts(st)),
		})
		if err != nil {
			return nil, err
		}
		p, err := decode[planPayload](text)
		if err != nil {
			return nil, err
		}
		plan, dropped, err := p.plan(s.isKnown)
		if len(dropped) > 0 {
			st.addError(StepPlan, "ignored unknown or duplicate sources %v", dropped)
		}
		return plan, err
	}()
	if err != nil {
		st.addError(StepPlan, "planning failed, querying all sources: %v", err)
		st.Plan = s.defaultPlan()
		st.trace(StepPlan, "⚠ Planning failed; using all sources: %s", strings.Join(st.Plan.SourceNames(), ", "))
		s.logger.Warn("planning fell back", zap.String("run_id", st.RunID), zap.Error(err))
		return
	}

	st.Plan = plan
	st.trace(StepPlan, "Research plan: %s (sources: %s)", orNone(plan.Strategy), strings.Join(plan.SourceNames(), ", "))
}

type callOutcome struct {
	params   sources.Params
	result   gateway.ToolResult
	paramErr error
	at       time.Time
}

// Execute calls every planned source with bounded parallelism and merges the
// results in plan order. A failing source does not affect the others.
func (s *Steps) Execute(ctx context.Context, st *State) {
	st.IterationCount++
	iteration := st.IterationCount

	if st.Plan == nil || len(st.Plan.Sources) == 0 {
		st.Plan = s.defaultPlan()
	}
	planned := st.Plan.Sources

	// Inputs shared by the workers are rendered before fan-out so workers
	// never read the state.
	fields := map[string]any{
		"query":   st.Query,
		"profile": jsonString(st.Profile),
		"plan":    jsonString(st.Plan),
	}
	var newQueries []string
	if st.Scorecard != nil {
		newQueries = st.Scorecard.NewQueries
	}
	fields["new_queries"] = newQueries
	fallback := fallbackQuery(st, newQueries)

	outcomes := make([]callOutcome, len(planned))
	sem := make(chan struct{}, s.maxParallel)
	var wg sync.WaitGroup

	for i, ps := range planned {
		wg.Add(1)
		go func(i int, source string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = callOutcome{
					params: sources.Params{"query": fallback},
					result: gateway.ToolResult{Source: source, Operation: sources.OpSearch, Error: ctx.Err().Error()},
					at:     time.Now(),
				}
				return
			}

			params, err := s.toolParams(ctx, source, fields, fallback)
			outcomes[i] = callOutcome{
				params:   params,
				paramErr: err,
				result:   s.gateway.Call(ctx, source, sources.OpSearch, params),
				at:       time.Now(),
			}
		}(i, ps.Source)
	}
	wg.Wait()

	for _, o := range outcomes {
		r := o.result
		if o.paramErr != nil {
			st.addError(StepExecute, "%s parameter generation failed, using fallback query: %v", r.Source, o.paramErr)
		}

		st.CallLog = append(st.CallLog, CallRecord{
			Source:      r.Source,
			Operation:   r.Operation,
			Params:      o.params,
			Success:     r.Success,
			LatencyMs:   r.LatencyMs,
			Cached:      r.Cached,
			ResultCount: len(r.Data),
			Error:       r.Error,
			Iteration:   iteration,
			Timestamp:   o.at,
		})

		if !r.Success {
			st.addError(StepExecute, "%s call failed: %s", r.Source, r.Error)
			st.trace(StepExecute, "✗ %s: failed - %s", r.Source, r.Error)
			continue
		}
		added := st.addResults(r.Source, r.Data)
		if _, ok := st.SourceResults[r.Source]; !ok {
			st.SourceResults[r.Source] = []sources.Record{}
		}
		st.trace(StepExecute, "✓ %s: found %d result(s) for %q (%d new%s)",
			r.Source, len(r.Data), o.params.Text("query", ""), added, cachedSuffix(r.Cached))
	}

	if err := ctx.Err(); err != nil {
		st.addError(StepExecute, "execution interrupted: %v", err)
	}

	s.logger.Info("iteration executed",
		zap.String("run_id", st.RunID),
		zap.Int("iteration", iteration),
		zap.Int("sources", len(planned)),
		zap.Int("records", st.RecordCount()))
}

func (s *Steps) toolParams(ctx context.Context, source string, shared map[string]any, fallback string) (sources.Params, error) {
	defaults := sources.Params{"query": fallback, "max_results": defaultMaxResults}

	fields := make(map[string]any, len(shared)+1)
	for k, v := range shared {
		fields[k] = v
	}
	fields["source"] = source

	text, err := s.completer.Complete(ctx, toolParamsPrompt, fields)
	if err != nil {
		return defaults, err
	}
	p, err := decode[toolParamsPayload](text)
	if err != nil {
		return defaults, err
	}
	params, err := p.params(fallback)
	if err != nil {
		return defaults, err
	}
	return params, nil
}

type sampleRecord struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Summary string         `json:"summary,omitempty"`
	Year    int            `json:"year,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Synthesize turns accumulated records into cited findings.
func (s *Steps) Synthesize(ctx context.Context, st *State) {
	if st.RecordCount() == 0 {
		st.Findings = nil
		st.Summary = ""
		st.Gaps = []string{"No records were retrieved from any source."}
		st.trace(StepSynthesize, "⚠ Synthesis skipped: no records retrieved")
		return
	}

	payload, err := func() (synthesisPayload, error) {
		text, err := s.completer.Complete(ctx, synthesizePrompt, map[string]any{
			"query":   st.Query,
			"records": jsonString(sampleRecords(st)),
		})
		if err != nil {
			return synthesisPayload{}, err
		}
		return decode[synthesisPayload](text)
	}()
	if err != nil {
		st.addError(StepSynthesize, "synthesis failed, summarizing records per source: %v", err)
		st.Findings = fallbackFindings(st)
		st.Summary = ""
		st.trace(StepSynthesize, "⚠ Synthesis failed; %d per-source finding(s) built from records", len(st.Findings))
		return
	}

	findings, droppedCitations, droppedFindings := payload.findings(st)
	if droppedCitations > 0 || droppedFindings > 0 {
		st.addError(StepSynthesize, "dropped %d unresolvable citation(s) and %d uncited finding(s)",
			droppedCitations, droppedFindings)
	}
	if len(findings) == 0 {
		st.addError(StepSynthesize, "no grounded findings, summarizing records per source")
		findings = fallbackFindings(st)
	}

	st.Findings = findings
	st.Summary = strings.TrimSpace(payload.OverallSummary)
	st.Gaps = cleanList(payload.IdentifiedGaps)
	st.trace(StepSynthesize, "Synthesis: %d finding(s), %d gap(s)", len(st.Findings), len(st.Gaps))
}

// Verify scores the research and decides whether to stop. Stop is forced
// once the iteration ceiling is reached.
func (s *Steps) Verify(ctx context.Context, st *State) {
	sc, err := func() (*Scorecard, error) {
		text, err := s.completer.Complete(ctx, verifyPrompt, map[string]any{
			"query":          st.Query,
			"summary":        orNone(st.Summary),
			"findings":       jsonString(st.Findings),
			"retrieved":      jsonString(recordCounts(st)),
			"gaps":           jsonString(st.Gaps),
			"iteration":      st.IterationCount,
			"max_iterations": st.MaxIterations,
		})
		if err != nil {
			return nil, err
		}
		p, err := decode[verificationPayload](text)
		if err != nil {
			return nil, err
		}
		return p.scorecard(s.isKnown)
	}()
	if err != nil {
		st.addError(StepVerify, "verification failed, stopping: %v", err)
		sc = &Scorecard{Confidence: 0, Stop: true, StopReason: "verification failed"}
	}

	sc.Iteration = st.IterationCount
	if !sc.Stop && st.IterationCount >= st.MaxIterations {
		sc.Stop = true
		sc.StopReason = "iteration limit reached"
		sc.LimitReached = true
	}

	st.Scorecard = sc
	st.ScorecardHistory = append(st.ScorecardHistory, *sc)

	if sc.Stop {
		st.trace(StepVerify, "✓ Self-review: ready to report (confidence %.2f, coverage %.2f): %s",
			sc.Confidence, sc.Coverage, orDefault(sc.StopReason, "research complete"))
		return
	}

	if len(sc.NextSources) > 0 {
		next := &Plan{Strategy: sc.Reasoning}
		for i, name := range sc.NextSources {
			next.Sources = append(next.Sources, PlannedSource{Source: name, Priority: i + 1, Rationale: "requested by self-review"})
		}
		st.Plan = next
	}
	st.trace(StepVerify, "⟳ Self-review: more research needed (confidence %.2f, coverage %.2f); next: %s",
		sc.Confidence, sc.Coverage, strings.Join(st.Plan.SourceNames(), ", "))
}

// Report renders the final report. The result is never empty.
func (s *Steps) Report(ctx context.Context, st *State) {
	refs := References(st)

	text, err := s.completer.Complete(ctx, reportPrompt, map[string]any{
		"query":      st.Query,
		"summary":    orNone(st.Summary),
		"findings":   jsonString(st.Findings),
		"gaps":       jsonString(st.Gaps),
		"references": formatReferences(refs),
	})
	report := stripMarkdownFence(text)
	switch {
	case err != nil:
		st.addError(StepReport, "report generation failed, rendering from findings: %v", err)
		report = renderFallbackReport(st)
	case report == "":
		st.addError(StepReport, "empty report, rendering from findings")
		report = renderFallbackReport(st)
	case len(refs) > 0 && !strings.Contains(report, "## References"):
		report += "\n\n## References\n\n" + formatReferences(refs) + "\n"
	}

	st.Report = report
	st.trace(StepReport, "✓ Report generated: %d characters, %d reference(s)", len(report), len(refs))
}

func (s *Steps) defaultPlan() *Plan {
	plan := &Plan{Strategy: "query every available source"}
	for i, name := range s.order {
		plan.Sources = append(plan.Sources, PlannedSource{Source: name, Priority: i + 1, Rationale: "default plan"})
	}
	return plan
}

func fallbackProfile(query string) *QueryProfile {
	return &QueryProfile{
		Targets:     []string{},
		Diseases:    []string{},
		Compounds:   []string{},
		QueryType:   QueryGeneral,
		Constraints: []string{},
		Keywords:    queryWords(query),
		Confidence:  0.3,
	}
}

// fallbackQuery is the search text used when parameter generation fails.
func fallbackQuery(st *State, newQueries []string) string {
	if len(newQueries) > 0 {
		return newQueries[0]
	}
	if p := st.Profile; p != nil {
		var terms []string
		terms = append(terms, p.Targets...)
		terms = append(terms, p.Diseases...)
		terms = append(terms, p.Compounds...)
		if len(terms) == 0 {
			terms = p.Keywords
		}
		if len(terms) > 0 {
			return strings.Join(terms, " ")
		}
	}
	return st.Query
}

// fallbackFindings lists the top records of each source as one finding.
func fallbackFindings(st *State) []Finding {
	var out []Finding
	for _, name := range sortedSources(st.SourceResults) {
		recs := st.SourceResults[name]
		if len(recs) == 0 {
			continue
		}
		top := recs
		if len(top) > 3 {
			top = top[:3]
		}
		titles := make([]string, 0, len(top))
		cites := make([]Citation, 0, len(top))
		for _, r := range top {
			titles = append(titles, orDefault(r.Title, r.ID))
			cites = append(cites, citationFor(r))
		}
		out = append(out, Finding{
			Statement:        fmt.Sprintf("%s returned %d record(s), including: %s", sourceLabel(name), len(recs), strings.Join(titles, "; ")),
			Citations:        cites,
			EvidenceStrength: "weak",
		})
	}
	return out
}

func sampleRecords(st *State) map[string][]sampleRecord {
	out := make(map[string][]sampleRecord, len(st.SourceResults))
	for name, recs := range st.SourceResults {
		if len(recs) > synthesisSampleLen {
			recs = recs[:synthesisSampleLen]
		}
		sample := make([]sampleRecord, 0, len(recs))
		for _, r := range recs {
			summary := truncate(r.Summary, sampleSummaryLen)
			if summary != r.Summary {
				summary += "..."
			}
			sample = append(sample, sampleRecord{ID: r.ID, Title: r.Title, Summary: summary, Year: r.Year, Details: r.Attributes})
		}
		out[name] = sample
	}
	return out
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func recordCounts(st *State) map[string]int {
	counts := make(map[string]int, len(st.SourceResults))
	for name, recs := range st.SourceResults {
		counts[name] = len(recs)
	}
	return counts
}

func queryWords(query string) []string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	return cleanList(words)
}

func jsonString(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "null"
	}
	return string(b)
}

func cachedSuffix(cached bool) string {
	if cached {
		return ", cached"
	}
	return ""
}

func orNone(s string) string { return orDefault(s, "(none)") }

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
