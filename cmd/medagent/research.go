package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/medagent/internal/orchestrator"
	"github.com/fyrsmithlabs/medagent/internal/sanitize"
	"github.com/fyrsmithlabs/medagent/internal/services"
)

type researchOptions struct {
	maxIterations int
	deadline      time.Duration
	output        string
	trace         bool
	stats         bool
	progress      bool
}

func newResearchCmd() *cobra.Command {
	var opts researchOptions

	cmd := &cobra.Command{
		Use:   "research <question>",
		Short: "Research a biomedical question",
		Long: `Run the research loop for a question and print the report.

Examples:
  # Markdown report
  medagent research "What are the EGFR inhibitors approved for lung cancer?"

  # Full result as JSON with at most two iterations
  medagent research --max-iterations 2 --output json "BRCA1 PARP inhibitor trials"

  # Show the reasoning trace and tool usage
  medagent research --trace --stats "osimertinib resistance mechanisms"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := sanitize.Query(strings.Join(args, " "))
			if err != nil {
				return printError("Invalid question", err.Error(), nil)
			}
			return runResearch(cmd, question, opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.maxIterations, "max-iterations", 0, "iteration ceiling (default research.max_iterations)")
	f.DurationVar(&opts.deadline, "deadline", 0, "run deadline (default research.deadline)")
	f.StringVarP(&opts.output, "output", "o", "markdown", "output format: markdown, json or yaml")
	f.BoolVar(&opts.trace, "trace", false, "print the reasoning trace to stderr")
	f.BoolVar(&opts.stats, "stats", false, "print tool usage statistics to stderr")
	f.BoolVar(&opts.progress, "progress", false, "stream step progress to stderr")
	return cmd
}

func runResearch(cmd *cobra.Command, question string, opts researchOptions) error {
	switch opts.output {
	case "markdown", "json", "yaml":
	default:
		return printError("Invalid output format",
			fmt.Sprintf("--output must be markdown, json or yaml, got %q", opts.output), nil)
	}

	ctx := cmd.Context()
	reg, err := buildServices(ctx, services.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close(context.WithoutCancel(ctx)) }()

	research := reg.Config().Research
	if opts.maxIterations == 0 {
		opts.maxIterations = research.MaxIterations
	}
	if opts.deadline == 0 {
		opts.deadline = research.Deadline.Duration()
	}

	stderr := cmd.ErrOrStderr()
	if opts.progress {
		reg.Orchestrator().OnProgress(func(ev orchestrator.StepEvent) {
			writeProgress(stderr, ev)
		})
	}

	result, err := reg.Orchestrator().Run(ctx, question, opts.maxIterations, opts.deadline)
	if err != nil {
		return printError("Research failed", err.Error(), nil)
	}

	if opts.trace {
		writeTrace(stderr, result.ReasoningTrace())
	}
	if opts.stats {
		writeStats(stderr, result.ToolUsage())
	}
	writeSummary(stderr, result)

	return writeResult(cmd.OutOrStdout(), result, opts.output)
}

// writeResult renders result in format.
func writeResult(w io.Writer, result *orchestrator.Result, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml":
		// Round-trip through JSON so keys match the JSON field names.
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		_, err := fmt.Fprintln(w, strings.TrimRight(result.Report, "\n"))
		return err
	}
}

func writeProgress(w io.Writer, ev orchestrator.StepEvent) {
	if ev.Status == orchestrator.StepStarted {
		faint.Fprintf(w, "… %s (iteration %d)\n", ev.Step, ev.Iteration)
		return
	}
	if ev.Message != "" {
		cyan.Fprintf(w, "%s: %s\n", ev.Step, ev.Message)
	}
}

func writeTrace(w io.Writer, trace orchestrator.ReasoningTrace) {
	cyan.Fprintln(w, "Reasoning trace")
	for _, e := range trace.Steps {
		fmt.Fprintf(w, "  [%d] %-10s %s\n", e.Iteration, e.Step, e.Message)
	}
	for i, sc := range trace.Scorecards {
		fmt.Fprintf(w, "  scorecard %d: coverage=%.2f quality=%.2f completeness=%.2f confidence=%.2f stop=%t\n",
			i+1, sc.Coverage, sc.EvidenceQuality, sc.Completeness, sc.Confidence, sc.Stop)
	}
	fmt.Fprintln(w)
}

func writeStats(w io.Writer, stats orchestrator.UsageStats) {
	cyan.Fprintln(w, "Tool usage")
	fmt.Fprintf(w, "  calls: %d (%d ok, %d failed, %d cached)\n",
		stats.TotalCalls, stats.SuccessfulCalls, stats.FailedCalls, stats.CacheHits)
	fmt.Fprintf(w, "  cache hit ratio: %.2f  redundancy: %.2f  citation coverage: %.2f\n",
		stats.CacheHitRatio, stats.RedundancyRate, stats.CitationCoverage)
	fmt.Fprintf(w, "  tool precision: %.2f  self-correction: %.2f\n",
		stats.ToolPrecision, stats.SelfCorrection)

	names := make([]string, 0, len(stats.PerSource))
	for name := range stats.PerSource {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u := stats.PerSource[name]
		fmt.Fprintf(w, "  %-16s calls=%d ok=%d failed=%d cached=%d results=%d\n",
			name, u.Calls, u.Successes, u.Failures, u.CacheHits, u.Results)
	}
	fmt.Fprintln(w)
}

func writeSummary(w io.Writer, result *orchestrator.Result) {
	switch result.Terminated {
	case orchestrator.TerminationDeadline, orchestrator.TerminationCancelled:
		warning(w, "Research stopped early (%s) after %d iteration(s)", result.Terminated, result.IterationCount)
	default:
		success(w, "Research finished (%s) after %d iteration(s) in %s",
			result.Terminated, result.IterationCount, result.Duration.Round(time.Millisecond))
	}
	if n := len(result.Errors); n > 0 {
		warning(w, "%d non-fatal error(s); rerun with --trace for details", n)
	}
}
