package http

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/medagent/internal/orchestrator"
)

func meteredServer(t *testing.T, researcher Researcher) (*Server, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	server, err := NewServer(researcher, fakeCatalog{}, zap.NewNop(), &Config{
		DefaultDeadline: time.Minute,
		MaxDeadline:     10 * time.Minute,
		Meter:           mp.Meter(instrumentationName),
	})
	require.NoError(t, err)
	return server, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumByAttr(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestAPIMetrics_Routes(t *testing.T) {
	server, reader := meteredServer(t, &fakeResearcher{})

	serve(server, http.MethodGet, "/health", "")
	serve(server, http.MethodGet, "/health", "")
	serve(server, http.MethodGet, "/no/such/route", "")
	serve(server, http.MethodPost, "/api/v1/research", `{}`)

	metrics := collectMetrics(t, reader)
	require.Contains(t, metrics, "medagent.http.requests")
	byRoute := sumByAttr(t, metrics["medagent.http.requests"], "route")
	assert.Equal(t, int64(2), byRoute["/health"])
	assert.Equal(t, int64(1), byRoute["/api/v1/research"])
	assert.Len(t, byRoute, 3, "unmatched paths share one label")

	byClass := sumByAttr(t, metrics["medagent.http.requests"], "status_class")
	assert.Equal(t, int64(2), byClass["2xx"])
	assert.Equal(t, int64(2), byClass["4xx"])

	hist, ok := metrics["medagent.http.request.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(4), count)

	inFlight := sumByAttr(t, metrics["medagent.http.requests.in_flight"], "route")
	for _, v := range inFlight {
		assert.Zero(t, v)
	}
}

func TestAPIMetrics_ResearchOutcomes(t *testing.T) {
	researcher := &fakeResearcher{}
	server, reader := meteredServer(t, researcher)

	serve(server, http.MethodPost, "/api/v1/research", `{"query":"EGFR","max_iterations":2,"deadline_seconds":120}`)
	serve(server, http.MethodPost, "/api/v1/research", `{"query":""}`)
	researcher.err = errors.New("boom")
	serve(server, http.MethodPost, "/api/v1/research", `{"query":"EGFR"}`)

	metrics := collectMetrics(t, reader)
	runs := sumByAttr(t, metrics["medagent.http.research.runs"], "outcome")
	assert.Len(t, runs, 3)
	assert.Equal(t, int64(1), runs[string(orchestrator.TerminationConverged)])
	assert.Equal(t, int64(1), runs[outcomeRejected])
	assert.Equal(t, int64(1), runs[outcomeFailed])

	iters, ok := metrics["medagent.http.research.iterations"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, iters.DataPoints, 1)
	assert.Equal(t, uint64(1), iters.DataPoints[0].Count)
	assert.Equal(t, int64(2), iters.DataPoints[0].Sum)

	deadlines, ok := metrics["medagent.http.research.deadline"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, deadlines.DataPoints, 1)
	assert.InDelta(t, 120.0, deadlines.DataPoints[0].Sum, 1e-9)
}

func TestAPIMetrics_NilInstruments(t *testing.T) {
	m := &apiMetrics{}
	assert.NotPanics(t, func() {
		m.recordRun(context.Background(), "converged", 1, time.Minute)
	})
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{http.StatusOK, "2xx"},
		{http.StatusNoContent, "2xx"},
		{http.StatusBadRequest, "4xx"},
		{http.StatusInternalServerError, "5xx"},
		{0, "unknown"},
		{700, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.code), "code %d", tt.code)
	}
}
