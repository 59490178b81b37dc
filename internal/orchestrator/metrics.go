package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce   sync.Once
	runCounter    metric.Int64Counter
	runDuration   metric.Float64Histogram
	runIterations metric.Int64Histogram
	stepDuration  metric.Float64Histogram
)

// initMetrics creates the run instruments on the global meter.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	runCounter, err = meter.Int64Counter(
		"medagent.orchestrator.runs",
		metric.WithDescription("Total number of research runs by termination reason"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run counter: %v", err))
	}

	runDuration, err = meter.Float64Histogram(
		"medagent.orchestrator.run.duration",
		metric.WithDescription("Duration of research runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run duration: %v", err))
	}

	runIterations, err = meter.Int64Histogram(
		"medagent.orchestrator.run.iterations",
		metric.WithDescription("Iterations executed per research run"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run iterations: %v", err))
	}

	stepDuration, err = meter.Float64Histogram(
		"medagent.orchestrator.step.duration",
		metric.WithDescription("Duration of reasoning steps"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create step duration: %v", err))
	}
}

func recordRun(ctx context.Context, r *Result) {
	metricsOnce.Do(initMetrics)
	attrs := metric.WithAttributes(attribute.String("terminated", string(r.Terminated)))
	runCounter.Add(ctx, 1, attrs)
	runDuration.Record(ctx, r.Duration.Seconds(), attrs)
	runIterations.Record(ctx, int64(r.IterationCount), attrs)
}

func recordStep(ctx context.Context, step Step, d time.Duration) {
	metricsOnce.Do(initMetrics)
	stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("step", string(step))))
}
