package orchestrator

// Prompt templates use Go template syntax. Every step except report expects
// a single JSON object back.

const analyzePrompt = `You are the query analysis component of a biomedical research assistant.

Extract structured information from the research question below.

QUESTION:
{{.query}}

Rules:
- Only extract what the question states explicitly. Use empty lists otherwise.
- query_type must be one of: drug_target_search, disease_treatment_search,
  compound_information, clinical_trial_search, literature_review, general_research.

Return ONLY this JSON object:
{
  "drug_targets": ["..."],
  "diseases": ["..."],
  "compounds": ["..."],
  "query_type": "...",
  "key_constraints": ["..."],
  "extracted_keywords": ["..."],
  "confidence": 0.0
}`

const planPrompt = `You are the planning component of a biomedical research assistant.

QUESTION:
{{.query}}

QUERY PROFILE:
{{.profile}}

AVAILABLE SOURCES:
{{range .sources}}- {{.}}
{{end}}
RECORDS ALREADY RETRIEVED PER SOURCE:
{{.retrieved}}

Guidance:
- pubmed: literature, mechanisms, background.
- clinical_trials: trial status, phases, efficacy.
- chembl: compounds, targets, development phase.
- Drug target questions usually start with chembl. Disease questions with clinical_trials.
  Literature reviews need only pubmed.
- Select one to three sources ordered by priority.

Return ONLY this JSON object:
{
  "research_strategy": "one or two sentences",
  "tools_to_use": [
    {"tool": "source name", "priority": 1, "rationale": "...", "expected_output": "..."}
  ],
  "reasoning": "...",
  "estimated_complexity": "simple|moderate|complex"
}`

const toolParamsPrompt = `You are the query generation component of a biomedical research assistant.

Convert the research question into search parameters for one source.

QUESTION:
{{.query}}

SOURCE:
{{.source}}

QUERY PROFILE:
{{.profile}}

PLAN:
{{.plan}}
{{if .new_queries}}
FOLLOW-UP QUERIES REQUESTED BY THE LAST REVIEW:
{{range .new_queries}}- {{.}}
{{end}}{{end}}
Parameters per source:
- pubmed: query (MeSH terms and AND/OR allowed), max_results (10-50), years_back.
- clinical_trials: query, max_results (10-50), status (RECRUITING, COMPLETED, ...), phase, condition, intervention.
- chembl: query, query_type (target, disease or compound), max_results (10-50).

Return ONLY this JSON object:
{
  "tool": "{{.source}}",
  "parameters": {"query": "...", "max_results": 20},
  "search_rationale": "..."
}`

const synthesizePrompt = `You are the synthesis component of a biomedical research assistant.

QUESTION:
{{.query}}

RETRIEVED RECORDS (JSON, grouped by source):
{{.records}}

Rules:
- State only facts present in the records above. Add no outside knowledge.
- Every finding must cite at least one record by its source and id exactly as listed.
- Flag gaps: what the question asks that the records do not answer.

Return ONLY this JSON object:
{
  "key_findings": [
    {
      "finding": "a specific fact from the records",
      "citations": [{"source": "pubmed", "id": "12345678"}],
      "evidence_strength": "strong|moderate|weak"
    }
  ],
  "identified_gaps": ["..."],
  "overall_summary": "two or three sentences",
  "confidence_in_synthesis": 0.0
}`

const verifyPrompt = `You are the verification component of a biomedical research assistant.
Evaluate the research so far and decide whether another iteration is needed.

QUESTION:
{{.query}}

SUMMARY:
{{.summary}}

FINDINGS:
{{.findings}}

RECORDS PER SOURCE:
{{.retrieved}}

KNOWN GAPS:
{{.gaps}}

ITERATION {{.iteration}} OF {{.max_iterations}}

Continue when coverage is below 0.7, major gaps remain or confidence is below 0.6,
and iterations remain. Stop when coverage is at least 0.8 or confidence is at least 0.7.

Return ONLY this JSON object:
{
  "query_coverage_score": 0.0,
  "evidence_quality_score": 0.0,
  "completeness_score": 0.0,
  "overall_confidence": 0.0,
  "needs_more_research": false,
  "reasoning": "...",
  "identified_gaps": ["..."],
  "next_steps": {"tools_to_call": ["..."], "new_queries": ["..."], "rationale": "..."},
  "stop_reason": "..."
}`

const reportPrompt = `You are the report writer of a biomedical research assistant.

Write a markdown research report answering the question. Use only the findings
and references below. Cite references inline by number, e.g. [1].

QUESTION:
{{.query}}

SUMMARY:
{{.summary}}

FINDINGS:
{{.findings}}

KNOWN GAPS:
{{.gaps}}

REFERENCES:
{{.references}}

Structure: "# Research Report", "## Executive Summary", "## Key Findings",
"## Knowledge Gaps & Limitations", "## References".`
