package orchestrator

import (
	"github.com/fyrsmithlabs/medagent/internal/cache"
)

// SourceUsage aggregates the calls made to one source.
type SourceUsage struct {
	Calls     int `json:"calls"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	CacheHits int `json:"cache_hits"`
	Results   int `json:"results"`
}

// UsageStats summarizes source usage and evidence quality of a run.
type UsageStats struct {
	TotalCalls       int                    `json:"total_calls"`
	SuccessfulCalls  int                    `json:"successful_calls"`
	FailedCalls      int                    `json:"failed_calls"`
	CacheHits        int                    `json:"cache_hits"`
	CacheHitRatio    float64                `json:"cache_hit_ratio"`
	RedundancyRate   float64                `json:"redundancy_rate"`
	CitationCoverage float64                `json:"citation_coverage"`
	ToolPrecision    float64                `json:"tool_precision"`
	SelfCorrection   float64                `json:"self_correction_rate"`
	PerSource        map[string]SourceUsage `json:"per_source"`
}

// ComputeStats derives usage statistics from a call log, the findings and
// the scorecard history.
//
// RedundancyRate is the share of calls repeating an earlier call with the
// same source and parameters. CitationCoverage is the share of findings with
// at least one citation. ToolPrecision is the share of called sources that
// at least one finding cites. SelfCorrection is the share of Verify passes
// that sent the run back for another iteration.
func ComputeStats(log []CallRecord, findings []Finding, scorecards []Scorecard) UsageStats {
	stats := UsageStats{PerSource: make(map[string]SourceUsage)}

	seen := make(map[string]bool, len(log))
	duplicates := 0
	for _, c := range log {
		u := stats.PerSource[c.Source]
		u.Calls++
		stats.TotalCalls++
		if c.Success {
			u.Successes++
			u.Results += c.ResultCount
			stats.SuccessfulCalls++
		} else {
			u.Failures++
			stats.FailedCalls++
		}
		if c.Cached {
			u.CacheHits++
			stats.CacheHits++
		}
		stats.PerSource[c.Source] = u

		key := cache.Key(c.Source+"."+c.Operation, c.Params)
		if seen[key] {
			duplicates++
		}
		seen[key] = true
	}

	if stats.TotalCalls > 0 {
		stats.CacheHitRatio = float64(stats.CacheHits) / float64(stats.TotalCalls)
		stats.RedundancyRate = float64(duplicates) / float64(stats.TotalCalls)
	}

	if len(findings) > 0 {
		cited := 0
		for _, f := range findings {
			if len(f.Citations) > 0 {
				cited++
			}
		}
		stats.CitationCoverage = float64(cited) / float64(len(findings))
	}

	if len(stats.PerSource) > 0 {
		citedSources := make(map[string]bool)
		for _, f := range findings {
			for _, c := range f.Citations {
				citedSources[c.Source] = true
			}
		}
		relevant := 0
		for name := range stats.PerSource {
			if citedSources[name] {
				relevant++
			}
		}
		stats.ToolPrecision = float64(relevant) / float64(len(stats.PerSource))
	}

	// Every scorecard after the first exists because its predecessor looped.
	if n := len(scorecards); n > 0 {
		stats.SelfCorrection = float64(n-1) / float64(n)
	}

	return stats
}
