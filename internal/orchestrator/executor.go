package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/medagent/internal/logging"
	"github.com/fyrsmithlabs/medagent/internal/reasoning"
)

const instrumentationName = "github.com/fyrsmithlabs/medagent/internal/orchestrator"

// ErrMissingDependency indicates New was called without a required dependency.
var ErrMissingDependency = errors.New("missing orchestrator dependency")

// StepStatus is the state of a step in a progress event.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
)

// StepEvent reports progress during a run.
type StepEvent struct {
	RunID     string     `json:"run_id"`
	Step      Step       `json:"step"`
	Status    StepStatus `json:"status"`
	Iteration int        `json:"iteration"`
	Message   string     `json:"message,omitempty"`
	At        time.Time  `json:"at"`
}

// ProgressCallback receives progress events. It runs on the run's goroutine.
type ProgressCallback func(StepEvent)

// CompletionHook is called with every finished run.
type CompletionHook func(ctx context.Context, result *Result)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Completer reasoning.Completer
	Gateway   Gateway
	Logger    *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStopPolicy replaces the default ScorecardPolicy.
func WithStopPolicy(p StopPolicy) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithMaxParallel bounds concurrent source calls within one iteration.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) { o.maxParallel = n }
}

// WithReportTimeout bounds report generation after a deadline or cancellation.
func WithReportTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.reportTimeout = d
		}
	}
}

// WithCompletionHook registers a hook called after every run.
func WithCompletionHook(h CompletionHook) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.hooks = append(o.hooks, h)
		}
	}
}

// Orchestrator drives research runs through
// Analyze → Plan → Execute → Synthesize → Verify → [Execute | Report].
// It is safe for concurrent runs; each run owns its State.
type Orchestrator struct {
	steps         *Steps
	logger        *logging.Logger
	policy        StopPolicy
	maxParallel   int
	reportTimeout time.Duration
	hooks         []CompletionHook
	progress      ProgressCallback
	tracer        trace.Tracer
}

// New creates an orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Completer == nil {
		return nil, fmt.Errorf("%w: completer", ErrMissingDependency)
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("%w: gateway", ErrMissingDependency)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}

	o := &Orchestrator{
		logger:        deps.Logger,
		policy:        ScorecardPolicy{},
		maxParallel:   3,
		reportTimeout: 30 * time.Second,
		tracer:        otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.steps = NewSteps(deps.Completer, deps.Gateway, deps.Logger.Underlying(), o.maxParallel)
	return o, nil
}

// OnProgress sets the progress callback. Set it before starting runs.
func (o *Orchestrator) OnProgress(callback ProgressCallback) {
	o.progress = callback
}

// Run researches query. It fails only on invalid input or an invariant
// violation; source and reasoning failures are reported in Result.Errors.
// A deadline <= 0 means no run deadline beyond ctx.
func (o *Orchestrator) Run(ctx context.Context, query string, maxIterations int, deadline time.Duration) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if maxIterations < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidIterations, maxIterations)
	}

	st := NewState(query, maxIterations)

	runCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	runCtx = logging.WithRunID(runCtx, st.RunID)
	runCtx, span := o.tracer.Start(runCtx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("run.id", st.RunID),
			attribute.Int("run.max_iterations", maxIterations),
		))
	defer span.End()

	o.logger.Info(runCtx, "research run started",
		zap.String("query", query),
		zap.Int("max_iterations", maxIterations),
		zap.Duration("deadline", deadline))

	termination := o.loop(runCtx, st)

	reportCtx := runCtx
	if runCtx.Err() != nil {
		var cancel context.CancelFunc
		reportCtx, cancel = context.WithTimeout(context.WithoutCancel(runCtx), o.reportTimeout)
		defer cancel()
	}
	o.runStep(reportCtx, st, StepReport, o.steps.Report)
	st.FinishedAt = time.Now()

	if err := st.checkInvariants(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error(runCtx, "research run violated an invariant", zap.Error(err))
		return nil, err
	}

	result := newResult(st, termination)
	span.SetAttributes(
		attribute.Int("run.iterations", result.IterationCount),
		attribute.String("run.terminated", string(termination)),
		attribute.Int("run.errors", len(result.Errors)),
	)
	recordRun(runCtx, result)

	o.logger.Info(runCtx, "research run finished",
		zap.String("terminated", string(termination)),
		zap.Int("iterations", result.IterationCount),
		zap.Int("findings", len(result.Findings)),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", result.Duration))

	hookCtx := context.WithoutCancel(runCtx)
	for _, h := range o.hooks {
		h(hookCtx, result)
	}

	return result, nil
}

// loop runs every step before Report and returns why it stopped.
func (o *Orchestrator) loop(ctx context.Context, st *State) Termination {
	o.runStep(ctx, st, StepAnalyze, o.steps.Analyze)
	if t, done := interrupted(ctx); done {
		return t
	}
	o.runStep(ctx, st, StepPlan, o.steps.Plan)

	for {
		if t, done := interrupted(ctx); done {
			return t
		}
		o.runStep(ctx, st, StepExecute, o.steps.Execute)
		if t, done := interrupted(ctx); done {
			return t
		}
		o.runStep(ctx, st, StepSynthesize, o.steps.Synthesize)
		if t, done := interrupted(ctx); done {
			return t
		}
		o.runStep(ctx, st, StepVerify, o.steps.Verify)

		if !shouldContinue(o.policy, st) {
			// The ceiling only explains the stop if the policy wanted more.
			if st.IterationCount >= st.MaxIterations && o.policy.ShouldContinue(st) {
				return TerminationIterationLimit
			}
			return TerminationConverged
		}
	}
}

func (o *Orchestrator) runStep(ctx context.Context, st *State, step Step, fn func(context.Context, *State)) {
	ctx = logging.WithStep(ctx, string(step))
	ctx, span := o.tracer.Start(ctx, "orchestrator."+string(step),
		trace.WithAttributes(attribute.Int("iteration", st.IterationCount)))
	defer span.End()

	o.report(StepEvent{RunID: st.RunID, Step: step, Status: StepStarted, Iteration: st.IterationCount, At: time.Now()})

	start := time.Now()
	errorsBefore := len(st.Errors)
	traceBefore := len(st.Trace)
	fn(ctx, st)

	if n := len(st.Errors) - errorsBefore; n > 0 {
		span.SetAttributes(attribute.Int("step.errors", n))
		for _, e := range st.Errors[errorsBefore:] {
			o.logger.Warn(ctx, "step degraded", zap.String("error", e))
		}
	}
	recordStep(ctx, step, time.Since(start))

	var message string
	if len(st.Trace) > traceBefore {
		message = st.Trace[len(st.Trace)-1].Message
	}
	o.logger.Debug(ctx, "step completed",
		zap.Int("iteration", st.IterationCount),
		zap.Duration("duration", time.Since(start)),
		zap.String("message", message))

	o.report(StepEvent{RunID: st.RunID, Step: step, Status: StepCompleted, Iteration: st.IterationCount, Message: message, At: time.Now()})
}

func (o *Orchestrator) report(ev StepEvent) {
	if o.progress != nil {
		o.progress(ev)
	}
}

// interrupted maps a done context to its termination reason.
func interrupted(ctx context.Context) (Termination, bool) {
	switch err := ctx.Err(); {
	case err == nil:
		return "", false
	case errors.Is(err, context.DeadlineExceeded):
		return TerminationDeadline, true
	default:
		return TerminationCancelled, true
	}
}
