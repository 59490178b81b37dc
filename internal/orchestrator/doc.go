// Package orchestrator runs biomedical research as a bounded state machine.
//
// # Overview
//
// A run moves through six steps:
//
//	Analyze → Plan → Execute → Synthesize → Verify → [Execute | Report]
//
// Only Execute touches data sources, through the gateway. The other steps
// ask the reasoning Completer for a JSON payload, validate it, and fall back
// to conservative defaults when it is unusable. No step returns an error;
// degradations are collected in State.Errors.
//
// # Termination
//
// After Verify the StopPolicy decides whether another iteration runs. The
// iteration ceiling always wins over the policy. The run deadline and caller
// cancellation skip straight to Report, which then runs on a detached
// context bounded by the report timeout. Every run that returns without error
// carries a non-empty report.
//
// # Grounding
//
// Synthesize accepts a finding only if it cites at least one record that is
// present in State.SourceResults. Unresolvable citations are dropped, then
// findings left without citations.
//
// # Usage
//
//	orch, err := orchestrator.New(orchestrator.Deps{
//	    Completer: completer,
//	    Gateway:   gw,
//	    Logger:    logger,
//	}, orchestrator.WithMaxParallel(3))
//	if err != nil {
//	    return err
//	}
//	result, err := orch.Run(ctx, "EGFR inhibitors for lung cancer", 3, 5*time.Minute)
package orchestrator
