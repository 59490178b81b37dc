// Package config provides configuration loading for medagent.
//
// Configuration is read from a YAML or TOML file, then overridden by
// MEDAGENT_ environment variables. Every section has defaults, so an empty
// file (or none at all) yields a working configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete medagent configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	LLM       LLMConfig       `koanf:"llm"`
	Sources   SourcesConfig   `koanf:"sources"`
	Retry     RetryConfig     `koanf:"retry"`
	Cache     CacheConfig     `koanf:"cache"`
	Research  ResearchConfig  `koanf:"research"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Events    EventsConfig    `koanf:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig selects and tunes the reasoning model.
type LLMConfig struct {
	Provider      string   `koanf:"provider"` // openai, anthropic or ollama
	Model         string   `koanf:"model"`
	APIKey        Secret   `koanf:"api_key"`
	BaseURL       string   `koanf:"base_url"`
	Temperature   float64  `koanf:"temperature"`
	MaxTokens     int      `koanf:"max_tokens"`
	Timeout       Duration `koanf:"timeout"`
	RatePerSecond float64  `koanf:"rate_per_second"`
	Capacity      int      `koanf:"capacity"`
}

// SourceConfig configures one upstream data source.
type SourceConfig struct {
	Enabled       bool     `koanf:"enabled"`
	BaseURL       string   `koanf:"base_url"`
	RatePerSecond float64  `koanf:"rate_per_second"`
	Capacity      int      `koanf:"capacity"`
	Timeout       Duration `koanf:"timeout"`
	PageSize      int      `koanf:"page_size"`
	APIKey        Secret   `koanf:"api_key"`
	Email         string   `koanf:"email"`
}

// SourcesConfig holds per-source settings.
type SourcesConfig struct {
	UserAgent      string       `koanf:"user_agent"`
	PubMed         SourceConfig `koanf:"pubmed"`
	ClinicalTrials SourceConfig `koanf:"clinical_trials"`
	ChEMBL         SourceConfig `koanf:"chembl"`
}

// ByName returns the sources keyed by their registered names.
func (s *SourcesConfig) ByName() map[string]*SourceConfig {
	return map[string]*SourceConfig{
		"pubmed":          &s.PubMed,
		"clinical_trials": &s.ClinicalTrials,
		"chembl":          &s.ChEMBL,
	}
}

// RetryConfig configures exponential backoff for source and LLM calls.
type RetryConfig struct {
	MaxRetries int      `koanf:"max_retries"`
	Base       float64  `koanf:"base"`
	MaxBackoff Duration `koanf:"max_backoff"`
	Unit       Duration `koanf:"unit"`
	Jitter     bool     `koanf:"jitter"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Backend string      `koanf:"backend"` // memory or redis
	TTL     Duration    `koanf:"ttl"`
	Redis   RedisConfig `koanf:"redis"`
}

// RedisConfig configures the redis cache backend.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// ResearchConfig bounds research runs.
type ResearchConfig struct {
	MaxIterations int      `koanf:"max_iterations"`
	Deadline      Duration `koanf:"deadline"`
	MaxParallel   int      `koanf:"max_parallel"`
	ReportTimeout Duration `koanf:"report_timeout"`
	StopPolicy    string   `koanf:"stop_policy"` // scorecard or confidence
	MinConfidence float64  `koanf:"min_confidence"`
}

// LoggingConfig holds log settings. The logging package turns it into a
// logger configuration.
type LoggingConfig struct {
	Level    string            `koanf:"level"`
	Format   string            `koanf:"format"`
	OTEL     bool              `koanf:"otel"`
	Quiet    bool              `koanf:"quiet"`
	Sampling bool              `koanf:"sampling"`
	Fields   map[string]string `koanf:"fields"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// EventsConfig configures run-completed notifications.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		LLM: LLMConfig{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			Temperature:   0.1,
			MaxTokens:     4096,
			Timeout:       Duration(60 * time.Second),
			RatePerSecond: 5,
		},
		Sources: SourcesConfig{
			UserAgent: "medagent/1.0",
			PubMed: SourceConfig{
				Enabled:       true,
				BaseURL:       "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/",
				RatePerSecond: 3,
				Timeout:       Duration(30 * time.Second),
			},
			ClinicalTrials: SourceConfig{
				Enabled:       true,
				BaseURL:       "https://clinicaltrials.gov/api/v2/",
				RatePerSecond: 10,
				Timeout:       Duration(30 * time.Second),
				PageSize:      20,
			},
			ChEMBL: SourceConfig{
				Enabled:       true,
				BaseURL:       "https://www.ebi.ac.uk/chembl/api/data/",
				RatePerSecond: 10,
				Timeout:       Duration(30 * time.Second),
			},
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Base:       2,
			MaxBackoff: Duration(60 * time.Second),
			Unit:       Duration(time.Second),
			Jitter:     true,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     Duration(time.Hour),
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "medagent:cache:",
			},
		},
		Research: ResearchConfig{
			MaxIterations: 3,
			Deadline:      Duration(5 * time.Minute),
			MaxParallel:   3,
			ReportTimeout: Duration(30 * time.Second),
			StopPolicy:    "scorecard",
			MinConfidence: 0.7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "medagent",
			ServiceVersion: "0.1.0",
			SampleRate:     1.0,
			ExportInterval: Duration(15 * time.Second),
		},
		Events: EventsConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "medagent.runs.completed",
		},
	}
}

// applyDefaults fills zero values left by an explicit empty setting.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = def.LLM.Timeout
	}
	if cfg.LLM.RatePerSecond == 0 {
		cfg.LLM.RatePerSecond = def.LLM.RatePerSecond
	}

	if cfg.Sources.UserAgent == "" {
		cfg.Sources.UserAgent = def.Sources.UserAgent
	}
	defSources := def.Sources.ByName()
	for name, sc := range cfg.Sources.ByName() {
		d := defSources[name]
		if sc.BaseURL == "" {
			sc.BaseURL = d.BaseURL
		}
		if sc.RatePerSecond == 0 {
			sc.RatePerSecond = d.RatePerSecond
		}
		if sc.Timeout == 0 {
			sc.Timeout = d.Timeout
		}
		if sc.PageSize == 0 {
			sc.PageSize = d.PageSize
		}
	}

	if cfg.Retry.Base == 0 {
		cfg.Retry.Base = def.Retry.Base
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = def.Retry.MaxBackoff
	}
	if cfg.Retry.Unit == 0 {
		cfg.Retry.Unit = def.Retry.Unit
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = def.Cache.Backend
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = def.Cache.TTL
	}
	if cfg.Cache.Redis.Prefix == "" {
		cfg.Cache.Redis.Prefix = def.Cache.Redis.Prefix
	}

	if cfg.Research.MaxIterations == 0 {
		cfg.Research.MaxIterations = def.Research.MaxIterations
	}
	if cfg.Research.Deadline == 0 {
		cfg.Research.Deadline = def.Research.Deadline
	}
	if cfg.Research.MaxParallel == 0 {
		cfg.Research.MaxParallel = def.Research.MaxParallel
	}
	if cfg.Research.ReportTimeout == 0 {
		cfg.Research.ReportTimeout = def.Research.ReportTimeout
	}
	if cfg.Research.StopPolicy == "" {
		cfg.Research.StopPolicy = def.Research.StopPolicy
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = def.Telemetry.ServiceVersion
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = def.Telemetry.Protocol
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = def.Telemetry.ExportInterval
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = def.Events.Subject
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port must be 1-65535, got %d", c.Server.Port)
	}

	switch c.LLM.Provider {
	case "openai", "anthropic", "ollama":
	default:
		fail("llm.provider must be openai, anthropic or ollama, got %q", c.LLM.Provider)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		fail("llm.temperature must be between 0 and 2, got %v", c.LLM.Temperature)
	}
	if c.LLM.RatePerSecond < 0 {
		fail("llm.rate_per_second cannot be negative")
	}

	enabled := 0
	for name, sc := range c.Sources.ByName() {
		if !sc.Enabled {
			continue
		}
		enabled++
		if _, err := url.ParseRequestURI(sc.BaseURL); err != nil {
			fail("sources.%s.base_url is not a valid URL: %q", name, sc.BaseURL)
		}
		if sc.RatePerSecond <= 0 {
			fail("sources.%s.rate_per_second must be positive", name)
		}
		if sc.Capacity < 0 {
			fail("sources.%s.capacity cannot be negative", name)
		}
	}
	if enabled == 0 {
		fail("at least one source must be enabled")
	}

	if c.Retry.MaxRetries < 0 {
		fail("retry.max_retries cannot be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Base < 1 {
		fail("retry.base must be >= 1, got %v", c.Retry.Base)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			fail("cache.redis.addr is required for the redis backend")
		}
	default:
		fail("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}

	if c.Research.MaxIterations < 1 {
		fail("research.max_iterations must be >= 1, got %d", c.Research.MaxIterations)
	}
	if c.Research.MaxParallel < 1 {
		fail("research.max_parallel must be >= 1, got %d", c.Research.MaxParallel)
	}
	switch c.Research.StopPolicy {
	case "scorecard":
	case "confidence":
		if c.Research.MinConfidence <= 0 || c.Research.MinConfidence > 1 {
			fail("research.min_confidence must be in (0, 1], got %v", c.Research.MinConfidence)
		}
	default:
		fail("research.stop_policy must be scorecard or confidence, got %q", c.Research.StopPolicy)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			fail("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			fail("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
		}
	}

	if c.Events.Enabled && c.Events.URL == "" {
		fail("events.url is required when events are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
