package http

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/medagent/internal/http"

// Research outcomes recorded besides the orchestrator's termination reasons.
const (
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

// apiMetrics instruments the API. Route-level instruments cover every
// request; research instruments describe runs started through the API.
type apiMetrics struct {
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	runs       metric.Int64Counter
	iterations metric.Int64Histogram
	deadlines  metric.Float64Histogram
}

// newAPIMetrics builds the instruments on meter, or on the global meter
// provider when meter is nil. Instruments that fail to build stay nil and
// are skipped.
func newAPIMetrics(meter metric.Meter, logger *zap.Logger) *apiMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &apiMetrics{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	m.requests, err = meter.Int64Counter("medagent.http.requests",
		metric.WithDescription("API requests by route and status class"),
		metric.WithUnit("{request}"))
	collect(err)
	m.latency, err = meter.Float64Histogram("medagent.http.request.duration",
		metric.WithDescription("API request latency by route; research requests include the whole run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600))
	collect(err)
	m.inFlight, err = meter.Int64UpDownCounter("medagent.http.requests.in_flight",
		metric.WithDescription("API requests being served"),
		metric.WithUnit("{request}"))
	collect(err)
	m.runs, err = meter.Int64Counter("medagent.http.research.runs",
		metric.WithDescription("Research requests by outcome: a termination reason, rejected or failed"),
		metric.WithUnit("{run}"))
	collect(err)
	m.iterations, err = meter.Int64Histogram("medagent.http.research.iterations",
		metric.WithDescription("Iterations used by research runs started through the API"),
		metric.WithUnit("{iteration}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 10))
	collect(err)
	m.deadlines, err = meter.Float64Histogram("medagent.http.research.deadline",
		metric.WithDescription("Effective deadline applied to research runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(30, 60, 120, 300, 600, 1800))
	collect(err)

	if err := errors.Join(errs...); err != nil {
		logger.Warn("some http instruments are unavailable", zap.Error(err))
	}
	return m
}

// middleware records route-level metrics. Routes are echo patterns, so
// label cardinality is bounded by the route table.
func (m *apiMetrics) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		start := time.Now()
		if m.inFlight != nil {
			m.inFlight.Add(ctx, 1)
			defer m.inFlight.Add(ctx, -1)
		}

		err := next(c)

		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request().Method),
			attribute.String("route", route),
			attribute.String("status_class", statusClass(c.Response().Status)),
		)
		if m.requests != nil {
			m.requests.Add(ctx, 1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		return err
	}
}

// recordRun records one research request. iterations is ignored for
// rejected and failed requests.
func (m *apiMetrics) recordRun(ctx context.Context, outcome string, iterations int, deadline time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if outcome == outcomeRejected || outcome == outcomeFailed {
		return
	}
	if m.iterations != nil {
		m.iterations.Record(ctx, int64(iterations), attrs)
	}
	if m.deadlines != nil {
		m.deadlines.Record(ctx, deadline.Seconds(), attrs)
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
