// Package gateway is the single entry point for data source calls.
//
// A call is answered from the result cache when possible. On a miss the
// source runs with a rate limited, retrying HTTP fetcher and its records are
// cached. Call never returns an error: every failure, including panics in a
// source, is reported as a failed ToolResult.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/medagent/internal/cache"
	"github.com/fyrsmithlabs/medagent/internal/ratelimit"
	"github.com/fyrsmithlabs/medagent/internal/retry"
	"github.com/fyrsmithlabs/medagent/internal/sources"
)

const instrumentationName = "github.com/fyrsmithlabs/medagent/internal/gateway"

// ErrUnknownSource indicates a call to a source that is not registered.
var ErrUnknownSource = errors.New("unknown source")

// ToolResult is the outcome of one gateway call.
type ToolResult struct {
	Source    string           `json:"source"`
	Operation string           `json:"operation"`
	Success   bool             `json:"success"`
	Data      []sources.Record `json:"data"`
	LatencyMs int64            `json:"latency_ms"`
	Cached    bool             `json:"cached"`
	Error     string           `json:"error,omitempty"`
}

// SourceInfo describes a registered source.
type SourceInfo struct {
	Name       string   `json:"name"`
	Operations []string `json:"operations"`
}

// Options configures a Gateway. Zero values fall back to defaults.
type Options struct {
	Limiter    *ratelimit.Registry
	Cache      *cache.Cache
	Retry      *retry.Executor
	HTTPClient *http.Client

	// CacheTTL applies to every source. Default: 1 hour.
	CacheTTL time.Duration

	// DefaultTimeout bounds one HTTP attempt. Default: 30 seconds.
	DefaultTimeout time.Duration

	// Timeouts overrides DefaultTimeout per source.
	Timeouts map[string]time.Duration

	UserAgent string
	Logger    *zap.Logger
}

// Gateway unifies rate limiting, retry and caching for every source.
// It is safe for concurrent use.
type Gateway struct {
	sources  map[string]sources.Source
	fetchers map[string]*httpFetcher
	cache    *cache.Cache
	ttl      time.Duration
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
}

// New creates a gateway over srcs.
func New(srcs []sources.Source, opts Options) (*Gateway, error) {
	if len(srcs) == 0 {
		return nil, fmt.Errorf("gateway requires at least one source")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewRegistry(ratelimit.Limit{RatePerSecond: 10}, nil)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.NewMemoryStore(), opts.CacheTTL, opts.Logger)
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewExecutor(retry.DefaultConfig(), opts.Logger)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "medagent/1.0"
	}

	g := &Gateway{
		sources:  make(map[string]sources.Source, len(srcs)),
		fetchers: make(map[string]*httpFetcher, len(srcs)),
		cache:    opts.Cache,
		ttl:      opts.CacheTTL,
		logger:   opts.Logger,
		metrics:  NewMetrics(),
		tracer:   otel.Tracer(instrumentationName),
	}

	for _, src := range srcs {
		name := src.Name()
		if _, dup := g.sources[name]; dup {
			return nil, fmt.Errorf("duplicate source %q", name)
		}
		timeout := opts.DefaultTimeout
		if t, ok := opts.Timeouts[name]; ok && t > 0 {
			timeout = t
		}
		g.sources[name] = src
		g.fetchers[name] = &httpFetcher{
			source:    name,
			client:    opts.HTTPClient,
			limiter:   opts.Limiter,
			retry:     opts.Retry,
			timeout:   timeout,
			userAgent: opts.UserAgent,
		}
	}

	return g, nil
}

// Call runs operation on source with params.
func (g *Gateway) Call(ctx context.Context, source, operation string, params sources.Params) (result ToolResult) {
	start := time.Now()
	result = ToolResult{Source: source, Operation: operation}

	ctx, span := g.tracer.Start(ctx, "gateway.call",
		trace.WithAttributes(
			attribute.String("source", source),
			attribute.String("operation", operation),
		))

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Data = nil
			result.Error = fmt.Sprintf("source panicked: %v", r)
			g.logger.Error("source panicked",
				zap.String("source", source),
				zap.String("operation", operation),
				zap.Any("panic", r))
		}
		result.LatencyMs = time.Since(start).Milliseconds()
		g.observe(span, result)
		span.End()
	}()

	src, ok := g.sources[source]
	if !ok {
		result.Error = fmt.Errorf("%w: %q", ErrUnknownSource, source).Error()
		return result
	}
	fetcher := g.fetchers[source]

	key := cache.Key(source+"."+operation, params)
	raw, cached, err := g.cache.GetOrCompute(ctx, key, g.ttl, func(ctx context.Context) ([]byte, error) {
		records, err := src.Search(ctx, fetcher, operation, params)
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = []sources.Record{}
		}
		return json.Marshal(records)
	})
	if err != nil {
		result.Error = err.Error()
		g.logger.Warn("source call failed",
			zap.String("source", source),
			zap.String("operation", operation),
			zap.String("class", retry.Classify(err).String()),
			zap.Error(err))
		return result
	}

	var records []sources.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		result.Error = (&retry.ParseError{What: "cached records", Err: err}).Error()
		return result
	}
	if records == nil {
		records = []sources.Record{}
	}

	result.Success = true
	result.Cached = cached
	result.Data = records

	g.logger.Debug("source call succeeded",
		zap.String("source", source),
		zap.String("operation", operation),
		zap.Int("results", len(records)),
		zap.Bool("cached", cached))

	return result
}

func (g *Gateway) observe(span trace.Span, r ToolResult) {
	outcome := "success"
	switch {
	case !r.Success:
		outcome = "failure"
		span.SetStatus(codes.Error, r.Error)
	case r.Cached:
		outcome = "cached"
	}
	span.SetAttributes(
		attribute.Bool("success", r.Success),
		attribute.Bool("cached", r.Cached),
		attribute.Int("results", len(r.Data)),
	)
	g.metrics.Record(r.Source, r.Operation, outcome, float64(r.LatencyMs)/1000)
}

// Has reports whether source is registered.
func (g *Gateway) Has(source string) bool {
	_, ok := g.sources[source]
	return ok
}

// Sources lists registered sources sorted by name.
func (g *Gateway) Sources() []SourceInfo {
	out := make([]SourceInfo, 0, len(g.sources))
	for name, src := range g.sources {
		out = append(out, SourceInfo{Name: name, Operations: src.Operations()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CacheStats returns the result cache statistics.
func (g *Gateway) CacheStats(ctx context.Context) cache.Stats {
	return g.cache.Stats(ctx)
}
