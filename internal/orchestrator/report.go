package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/medagent/internal/sources"
)

// maxReferencesPerSource caps uncited records listed in the references.
const maxReferencesPerSource = 20

var sourceLabels = map[string]string{
	sources.PubMed:         "PubMed",
	sources.ClinicalTrials: "ClinicalTrials.gov",
	sources.ChEMBL:         "ChEMBL",
}

func sourceLabel(name string) string {
	if l, ok := sourceLabels[name]; ok {
		return l
	}
	return name
}

// References lists cited records in first-cited order, followed by the
// first uncited records of each source.
func References(st *State) []Citation {
	var refs []Citation
	seen := make(map[string]bool)
	add := func(c Citation) {
		key := c.Source + "/" + c.ID
		if seen[key] {
			return
		}
		seen[key] = true
		refs = append(refs, c)
	}

	for _, f := range st.Findings {
		for _, c := range f.Citations {
			add(c)
		}
	}
	for _, name := range sortedSources(st.SourceResults) {
		recs := st.SourceResults[name]
		if len(recs) > maxReferencesPerSource {
			recs = recs[:maxReferencesPerSource]
		}
		for _, r := range recs {
			if r.ID != "" {
				add(citationFor(r))
			}
		}
	}
	return refs
}

func referenceIndex(refs []Citation) map[string]int {
	idx := make(map[string]int, len(refs))
	for i, c := range refs {
		idx[c.Source+"/"+c.ID] = i + 1
	}
	return idx
}

func formatReferences(refs []Citation) string {
	if len(refs) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, c := range refs {
		fmt.Fprintf(&b, "[%d] %s %s", i+1, sourceLabel(c.Source), c.ID)
		if c.Title != "" {
			fmt.Fprintf(&b, ": %s", c.Title)
		}
		if c.URL != "" {
			fmt.Fprintf(&b, ". %s", c.URL)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderFallbackReport builds the report from state alone.
func renderFallbackReport(st *State) string {
	refs := References(st)
	idx := referenceIndex(refs)

	var b strings.Builder
	fmt.Fprintf(&b, "# Research Report: %s\n\n", st.Query)

	b.WriteString("## Executive Summary\n\n")
	fmt.Fprintf(&b, "Research ran %d iteration(s) across %d source(s) and retrieved %d record(s).",
		st.IterationCount, len(st.SourceResults), st.RecordCount())
	if st.Scorecard != nil {
		fmt.Fprintf(&b, " Self-assessed confidence: %.2f.", st.Scorecard.Confidence)
	}
	if st.Summary != "" {
		b.WriteString(" ")
		b.WriteString(st.Summary)
	}
	b.WriteString("\n\n")

	b.WriteString("## Key Findings\n\n")
	if len(st.Findings) == 0 {
		b.WriteString("No findings grounded in retrieved records were produced.\n")
	}
	for i, f := range st.Findings {
		fmt.Fprintf(&b, "%d. %s", i+1, f.Statement)
		for _, c := range f.Citations {
			if n, ok := idx[c.Source+"/"+c.ID]; ok {
				fmt.Fprintf(&b, " [%d]", n)
			}
		}
		fmt.Fprintf(&b, " (%s evidence)\n", f.EvidenceStrength)
	}
	b.WriteString("\n")

	if len(st.SourceResults) > 0 {
		b.WriteString("## Evidence by Source\n\n")
		for _, name := range sortedSources(st.SourceResults) {
			recs := st.SourceResults[name]
			fmt.Fprintf(&b, "### %s (%d records)\n\n", sourceLabel(name), len(recs))
			for i, r := range recs {
				if i == 5 {
					fmt.Fprintf(&b, "- ... %d more\n", len(recs)-5)
					break
				}
				fmt.Fprintf(&b, "- %s", r.Title)
				if r.Year > 0 {
					fmt.Fprintf(&b, " (%d)", r.Year)
				}
				if n, ok := idx[r.Source+"/"+r.ID]; ok {
					fmt.Fprintf(&b, " [%d]", n)
				}
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("## Knowledge Gaps & Limitations\n\n")
	gaps := st.Gaps
	if st.Scorecard != nil && len(st.Scorecard.Gaps) > 0 {
		gaps = st.Scorecard.Gaps
	}
	for _, g := range gaps {
		fmt.Fprintf(&b, "- %s\n", g)
	}
	if failed := failedCalls(st.CallLog); failed > 0 {
		fmt.Fprintf(&b, "- %d source call(s) failed; their evidence is missing.\n", failed)
	}
	if len(st.Errors) > 0 {
		fmt.Fprintf(&b, "- %d non-fatal error(s) occurred during the run.\n", len(st.Errors))
	}
	if len(gaps) == 0 && len(st.Errors) == 0 && failedCalls(st.CallLog) == 0 {
		b.WriteString("- None reported.\n")
	}
	b.WriteString("\n")

	b.WriteString("## References\n\n")
	b.WriteString(formatReferences(refs))
	b.WriteString("\n")

	return b.String()
}

// stripMarkdownFence removes a code fence wrapping the whole text.
func stripMarkdownFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		return ""
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func failedCalls(log []CallRecord) int {
	n := 0
	for _, c := range log {
		if !c.Success {
			n++
		}
	}
	return n
}

func sortedSources(m map[string][]sources.Record) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
