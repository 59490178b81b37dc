package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/medagent/internal/cache"
	"github.com/fyrsmithlabs/medagent/internal/config"
	"github.com/fyrsmithlabs/medagent/internal/events"
	"github.com/fyrsmithlabs/medagent/internal/gateway"
	"github.com/fyrsmithlabs/medagent/internal/logging"
	"github.com/fyrsmithlabs/medagent/internal/orchestrator"
	"github.com/fyrsmithlabs/medagent/internal/ratelimit"
	"github.com/fyrsmithlabs/medagent/internal/reasoning"
	"github.com/fyrsmithlabs/medagent/internal/retry"
	"github.com/fyrsmithlabs/medagent/internal/sources"
	"github.com/fyrsmithlabs/medagent/internal/telemetry"
)

// Registry provides access to the wired services.
type Registry interface {
	Config() *config.Config
	Logger() *logging.Logger
	Telemetry() *telemetry.Telemetry
	Gateway() *gateway.Gateway
	Orchestrator() *orchestrator.Orchestrator
	Events() *events.Publisher

	// Close releases connections and flushes telemetry.
	Close(ctx context.Context) error
}

// Options overrides parts of the wiring.
type Options struct {
	// Completer replaces the langchaingo completer built from cfg.LLM.
	Completer reasoning.Completer

	// HTTPClient is used for every source request.
	HTTPClient *http.Client

	// Logger replaces the logger built from cfg.Logging.
	Logger *logging.Logger
}

type registry struct {
	config       *config.Config
	logger       *logging.Logger
	telemetry    *telemetry.Telemetry
	gateway      *gateway.Gateway
	orchestrator *orchestrator.Orchestrator
	events       *events.Publisher
	closers      []func() error
}

func (r *registry) Config() *config.Config                   { return r.config }
func (r *registry) Logger() *logging.Logger                  { return r.logger }
func (r *registry) Telemetry() *telemetry.Telemetry          { return r.telemetry }
func (r *registry) Gateway() *gateway.Gateway                { return r.gateway }
func (r *registry) Orchestrator() *orchestrator.Orchestrator { return r.orchestrator }
func (r *registry) Events() *events.Publisher                { return r.events }

func (r *registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = r.logger.Sync()
	return errors.Join(errs...)
}

// Build wires every service from cfg. On error, anything already opened is
// closed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ Registry, err error) {
	r := &registry{config: cfg}
	defer func() {
		if err != nil {
			for i := len(r.closers) - 1; i >= 0; i-- {
				_ = r.closers[i]()
			}
			_ = r.telemetry.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	if r.logger = opts.Logger; r.logger == nil {
		logCfg, err := logging.FromSettings(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		if r.logger, err = logging.NewLogger(logCfg, global.GetLoggerProvider()); err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
	}
	zl := r.logger.Underlying()

	if r.telemetry, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry), zl); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	limiter := newLimiter(cfg)
	executor := retry.NewExecutor(retryConfig(cfg.Retry), zl)

	c, closeCache, err := newCache(ctx, cfg.Cache, zl)
	if err != nil {
		return nil, err
	}
	if closeCache != nil {
		r.closers = append(r.closers, closeCache)
	}

	gwOpts := gateway.Options{
		Limiter:        limiter,
		Cache:          c,
		Retry:          executor,
		HTTPClient:     opts.HTTPClient,
		CacheTTL:       cfg.Cache.TTL.Duration(),
		DefaultTimeout: 30 * time.Second,
		Timeouts:       make(map[string]time.Duration),
		UserAgent:      cfg.Sources.UserAgent,
		Logger:         zl.Named("gateway"),
	}
	for name, sc := range cfg.Sources.ByName() {
		if sc.Enabled && sc.Timeout > 0 {
			gwOpts.Timeouts[name] = sc.Timeout.Duration()
		}
	}
	if r.gateway, err = gateway.New(newSources(cfg.Sources), gwOpts); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	completer := opts.Completer
	if completer == nil {
		llmCfg := reasoningConfig(cfg.LLM)
		model, err := reasoning.NewModel(llmCfg)
		if err != nil {
			return nil, fmt.Errorf("reasoning: %w", err)
		}
		completer = reasoning.NewLangChainCompleter(model, llmCfg, limiter, executor, zl.Named("reasoning"))
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithMaxParallel(cfg.Research.MaxParallel),
		orchestrator.WithReportTimeout(cfg.Research.ReportTimeout.Duration()),
		orchestrator.WithStopPolicy(stopPolicy(cfg.Research)),
	}

	if cfg.Events.Enabled {
		pub, err := events.Connect(cfg.Events.URL, cfg.Events.Subject, zl.Named("events"))
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		r.events = pub
		r.closers = append(r.closers, pub.Close)
		orchOpts = append(orchOpts, orchestrator.WithCompletionHook(pub.Hook()))
	}

	r.orchestrator, err = orchestrator.New(orchestrator.Deps{
		Completer: completer,
		Gateway:   r.gateway,
		Logger:    r.logger.Named("orchestrator"),
	}, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	r.logger.Info(ctx, "services ready",
		zap.Strings("sources", sourceNames(r.gateway)),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Bool("events", cfg.Events.Enabled),
		logging.Secret("llm_api_key", cfg.LLM.APIKey))

	return r, nil
}

func newLimiter(cfg *config.Config) *ratelimit.Registry {
	perKey := map[string]ratelimit.Limit{
		reasoning.LimiterKey: {RatePerSecond: cfg.LLM.RatePerSecond, Capacity: cfg.LLM.Capacity},
	}
	for name, sc := range cfg.Sources.ByName() {
		perKey[name] = ratelimit.Limit{RatePerSecond: sc.RatePerSecond, Capacity: sc.Capacity}
	}
	return ratelimit.NewRegistry(ratelimit.Limit{RatePerSecond: 10}, perKey)
}

func retryConfig(c config.RetryConfig) retry.Config {
	rc := retry.Config{
		MaxRetries: c.MaxRetries,
		Base:       c.Base,
		MaxBackoff: c.MaxBackoff.Duration(),
		Unit:       c.Unit.Duration(),
		Jitter:     c.Jitter,
	}
	rc.ApplyDefaults()
	return rc
}

func newCache(ctx context.Context, c config.CacheConfig, logger *zap.Logger) (*cache.Cache, func() error, error) {
	if c.Backend != "redis" {
		return cache.New(cache.NewMemoryStore(), c.TTL.Duration(), logger.Named("cache")), nil, nil
	}

	store := cache.NewRedisStore(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password.Value(),
		DB:       c.Redis.DB,
	}, c.Redis.Prefix)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("cache: redis at %s: %w", c.Redis.Addr, err)
	}
	return cache.New(store, c.TTL.Duration(), logger.Named("cache")), store.Close, nil
}

func newSources(c config.SourcesConfig) []sources.Source {
	var out []sources.Source
	if c.PubMed.Enabled {
		out = append(out, sources.NewPubMed(sources.PubMedConfig{
			BaseURL: c.PubMed.BaseURL,
			APIKey:  c.PubMed.APIKey.Value(),
			Email:   c.PubMed.Email,
		}))
	}
	if c.ClinicalTrials.Enabled {
		out = append(out, sources.NewClinicalTrials(sources.ClinicalTrialsConfig{
			BaseURL:  c.ClinicalTrials.BaseURL,
			PageSize: c.ClinicalTrials.PageSize,
		}))
	}
	if c.ChEMBL.Enabled {
		out = append(out, sources.NewChEMBL(sources.ChEMBLConfig{BaseURL: c.ChEMBL.BaseURL}))
	}
	return out
}

func reasoningConfig(c config.LLMConfig) reasoning.Config {
	return reasoning.Config{
		Provider:    c.Provider,
		Model:       c.Model,
		APIKey:      c.APIKey.Value(),
		BaseURL:     c.BaseURL,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		Timeout:     c.Timeout.Duration(),
	}
}

func stopPolicy(c config.ResearchConfig) orchestrator.StopPolicy {
	if c.StopPolicy == "confidence" {
		return orchestrator.ConfidencePolicy{MinConfidence: c.MinConfidence}
	}
	return orchestrator.ScorecardPolicy{}
}

func sourceNames(g *gateway.Gateway) []string {
	infos := g.Sources()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}
