package reasoning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/medagent/internal/reasoning"

var (
	metricsOnce        sync.Once
	completionCounter  metric.Int64Counter
	completionErrors   metric.Int64Counter
	completionDuration metric.Float64Histogram
)

// initMetrics creates the completion instruments on the global meter.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	completionCounter, err = meter.Int64Counter(
		"medagent.reasoning.completions",
		metric.WithDescription("Total number of model completions"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create completion counter: %v", err))
	}

	completionErrors, err = meter.Int64Counter(
		"medagent.reasoning.completion.errors",
		metric.WithDescription("Number of failed model completions"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create completion error counter: %v", err))
	}

	completionDuration, err = meter.Float64Histogram(
		"medagent.reasoning.completion.duration",
		metric.WithDescription("Duration of model completions including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create completion duration: %v", err))
	}
}

func recordCompletion(ctx context.Context, provider string, d time.Duration, err error) {
	metricsOnce.Do(initMetrics)

	attrs := metric.WithAttributes(attribute.String("provider", provider))
	completionCounter.Add(ctx, 1, attrs)
	completionDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		completionErrors.Add(ctx, 1, attrs)
	}
}
