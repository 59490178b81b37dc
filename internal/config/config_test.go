package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil, "")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Research.MaxIterations)
	assert.Equal(t, 5*time.Minute, cfg.Research.Deadline.Duration())
	assert.Equal(t, 3.0, cfg.Sources.PubMed.RatePerSecond)
	assert.Equal(t, 10.0, cfg.Sources.ClinicalTrials.RatePerSecond)
	assert.Equal(t, 10.0, cfg.Sources.ChEMBL.RatePerSecond)
	assert.Equal(t, 30*time.Second, cfg.Sources.PubMed.Timeout.Duration())
	assert.Equal(t, time.Hour, cfg.Cache.TTL.Duration())
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2.0, cfg.Retry.Base)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxBackoff.Duration())
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, "medagent.runs.completed", cfg.Events.Subject)
}

func TestParse_YAML(t *testing.T) {
	content := []byte(`
server:
  port: 9191
llm:
  provider: anthropic
  model: claude-test
  api_key: sk-ant-secret
research:
  max_iterations: 5
  deadline: 90s
sources:
  pubmed:
    rate_per_second: 10
    api_key: ncbi-key
  chembl:
    enabled: false
cache:
  backend: redis
  redis:
    addr: redis:6379
`)
	cfg, err := Parse(content, "yaml")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "sk-ant-secret", cfg.LLM.APIKey.Value())
	assert.Equal(t, 5, cfg.Research.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Research.Deadline.Duration())
	assert.Equal(t, 10.0, cfg.Sources.PubMed.RatePerSecond)
	assert.Equal(t, "ncbi-key", cfg.Sources.PubMed.APIKey.Value())
	assert.False(t, cfg.Sources.ChEMBL.Enabled)
	assert.True(t, cfg.Sources.ClinicalTrials.Enabled)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, "medagent:cache:", cfg.Cache.Redis.Prefix)
}

func TestParse_TOML(t *testing.T) {
	content := []byte(`
[llm]
provider = "ollama"
model = "llama3"

[research]
max_iterations = 2
stop_policy = "confidence"
min_confidence = 0.8

[sources.clinical_trials]
page_size = 50
`)
	cfg, err := Parse(content, "toml")
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, 2, cfg.Research.MaxIterations)
	assert.Equal(t, "confidence", cfg.Research.StopPolicy)
	assert.Equal(t, 0.8, cfg.Research.MinConfidence)
	assert.Equal(t, 50, cfg.Sources.ClinicalTrials.PageSize)
}

func TestParse_UnsupportedFormat(t *testing.T) {
	_, err := Parse([]byte("a=1"), "ini")
	require.Error(t, err)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("MEDAGENT_RESEARCH_MAX_ITERATIONS", "7")
	t.Setenv("MEDAGENT_LLM_API_KEY", "sk-from-env")
	t.Setenv("MEDAGENT_SOURCES_CLINICAL_TRIALS_PAGE_SIZE", "40")
	t.Setenv("MEDAGENT_SOURCES_PUBMED_TIMEOUT", "12s")
	t.Setenv("MEDAGENT_CACHE_REDIS_PREFIX", "test:")
	t.Setenv("MEDAGENT_EVENTS_ENABLED", "true")

	cfg, err := Parse([]byte("research:\n  max_iterations: 2\n"), "yaml")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Research.MaxIterations)
	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey.Value())
	assert.Equal(t, 40, cfg.Sources.ClinicalTrials.PageSize)
	assert.Equal(t, 12*time.Second, cfg.Sources.PubMed.Timeout.Duration())
	assert.Equal(t, "test:", cfg.Cache.Redis.Prefix)
	assert.True(t, cfg.Events.Enabled)
}

func TestParse_ZeroMaxRetriesKept(t *testing.T) {
	cfg, err := Parse([]byte("retry:\n  max_retries: 0\n"), "yaml")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Retry.MaxRetries)

	t.Setenv("MEDAGENT_RETRY_MAX_RETRIES", "0")
	cfg, err = Parse(nil, "yaml")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Retry.MaxRetries)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"MEDAGENT_LLM_API_KEY":                       "llm.api_key",
		"MEDAGENT_SERVER_PORT":                       "server.port",
		"MEDAGENT_SOURCES_PUBMED_RATE_PER_SECOND":    "sources.pubmed.rate_per_second",
		"MEDAGENT_SOURCES_CLINICAL_TRIALS_PAGE_SIZE": "sources.clinical_trials.page_size",
		"MEDAGENT_SOURCES_USER_AGENT":                "sources.user_agent",
		"MEDAGENT_CACHE_REDIS_ADDR":                  "cache.redis.addr",
		"MEDAGENT_CACHE_TTL":                         "cache.ttl",
		"MEDAGENT_DEBUG":                             "debug",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, envKey(in))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad provider", func(c *Config) { c.LLM.Provider = "bard" }, "llm.provider"},
		{"bad temperature", func(c *Config) { c.LLM.Temperature = 3 }, "llm.temperature"},
		{"bad base url", func(c *Config) { c.Sources.PubMed.BaseURL = "not a url" }, "sources.pubmed.base_url"},
		{"no sources", func(c *Config) {
			c.Sources.PubMed.Enabled = false
			c.Sources.ClinicalTrials.Enabled = false
			c.Sources.ChEMBL.Enabled = false
		}, "at least one source"},
		{"bad retry base", func(c *Config) { c.Retry.Base = 0.5 }, "retry.base"},
		{"negative max retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"bad backend", func(c *Config) { c.Cache.Backend = "disk" }, "cache.backend"},
		{"redis without addr", func(c *Config) {
			c.Cache.Backend = "redis"
			c.Cache.Redis.Addr = ""
		}, "cache.redis.addr"},
		{"zero iterations", func(c *Config) { c.Research.MaxIterations = 0 }, "research.max_iterations"},
		{"bad policy", func(c *Config) { c.Research.StopPolicy = "never" }, "research.stop_policy"},
		{"bad min confidence", func(c *Config) {
			c.Research.StopPolicy = "confidence"
			c.Research.MinConfidence = 0
		}, "research.min_confidence"},
		{"telemetry sample rate", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.SampleRate = 2
		}, "telemetry.sample_rate"},
		{"events without url", func(c *Config) {
			c.Events.Enabled = true
			c.Events.URL = ""
		}, "events.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyDefaults_FillsZeroes(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 3, cfg.Research.MaxIterations)
	assert.Equal(t, "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/", cfg.Sources.PubMed.BaseURL)
	assert.Equal(t, 20, cfg.Sources.ClinicalTrials.PageSize)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "medagent.toml")
	require.NoError(t, os.WriteFile(path, []byte("[research]\nmax_iterations = 4\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Research.MaxIterations)
}

func TestLoad_InsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "medagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("research:\n  max_iterations: 4\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_OutsideAllowedDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))

	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_DefaultPathAbsent(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Research.MaxIterations)
}

func TestSecret(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "sk-live-123", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())

	out, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-live")
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
