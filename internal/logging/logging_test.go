package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/medagent/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger.Underlying())
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"console", func(c *Config) { c.Format = "console" }, false},
		{"bad format", func(c *Config) { c.Format = "text" }, true},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }, true},
		{"otel only", func(c *Config) { c.Output = OutputConfig{OTEL: true} }, false},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, true},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, true},
		{"empty field value", func(c *Config) { c.Fields["env"] = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "debug", Format: "console", Fields: map[string]string{"env": "test"}})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, "test", cfg.Fields["env"])
	assert.Equal(t, "medagent", cfg.Fields["service"])
	assert.False(t, cfg.Sampling.Enabled)

	_, err = FromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStep(ctx, "execute")
	ctx = WithRequestID(ctx, "req-9")

	got := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		got[f.Key] = true
	}
	for _, key := range []string{"trace_id", "span_id", "run_id", "step", "request_id"} {
		assert.True(t, got[key], "missing %s", key)
	}
}

func TestLogger_InjectsContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithStep(WithRunID(context.Background(), "run-42"), "verify")

	tl.Info(ctx, "step completed", zap.Int("iteration", 2))
	tl.Warn(ctx, "step degraded")
	tl.Debug(ctx, "details")
	tl.Error(ctx, "boom", zap.Error(errors.New("x")))

	tl.AssertLogged(t, zapcore.InfoLevel, "step completed")
	tl.AssertLogged(t, zapcore.WarnLevel, "degraded")
	tl.AssertField(t, "step completed", "run_id", "run-42")
	tl.AssertField(t, "step completed", "step", "verify")
	assert.Len(t, tl.All(), 4)
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("gateway").With(zap.String("source", "pubmed"))
	child.Info(context.Background(), "call")

	entries := tl.FilterMessage("call").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "gateway", entries[0].LoggerName)
	assert.Equal(t, "pubmed", entries[0].ContextMap()["source"])
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "from context")
	tl.AssertLogged(t, zapcore.InfoLevel, "from context")
}

func newBufferLogger(t *testing.T, cfg *Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	core, err := newDualCore(cfg, zapcore.AddSync(&buf), nil)
	require.NoError(t, err)
	return newFromCore(core, cfg), &buf
}

func TestRedaction(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	logger, buf := newBufferLogger(t, cfg)

	ctx := context.Background()
	logger.Info(ctx, "fetching",
		zap.String("url", "https://eutils.ncbi.nlm.nih.gov/esearch.fcgi?term=egfr&api_key=abc123"),
		zap.String("api_key", "abc123"),
		Secret("llm_key", config.Secret("sk-verysecretvalue1234")),
	)
	logger.Warn(ctx, "auth failed with Bearer xyz789")

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "xyz789")
	assert.NotContains(t, out, "verysecret")
	assert.Contains(t, out, "term=egfr")
	assert.Contains(t, out, "[REDACTED:22]")
}

func TestRedaction_Disabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Redaction.Enabled = false
	logger, buf := newBufferLogger(t, cfg)

	logger.Info(context.Background(), "x", zap.String("api_key", "visible"))
	assert.Contains(t, buf.String(), "visible")
}

func TestSampling_ErrorsNeverSampled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sampling = SamplingConfig{Enabled: true, Tick: config.Duration(time.Minute), Initial: 2, Thereafter: 0}
	cfg.Fields = nil
	logger, buf := newBufferLogger(t, cfg)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		logger.Info(ctx, "repeated info")
		logger.Error(ctx, "repeated error")
	}

	out := buf.String()
	assert.Equal(t, 2, bytes.Count([]byte(out), []byte("repeated info")))
	assert.Equal(t, 10, bytes.Count([]byte(out), []byte("repeated error")))
}
