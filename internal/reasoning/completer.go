// Package reasoning provides the text-completion capability used by the
// research steps.
//
// A Completer renders a prompt template with context fields and returns the
// model's raw text. Callers are expected to treat the text as untrusted and
// decode it with DecodeJSON, falling back to defaults when that fails.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/prompts"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/medagent/internal/ratelimit"
	"github.com/fyrsmithlabs/medagent/internal/retry"
)

// Supported providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// LimiterKey is the ratelimit resource key for model calls.
const LimiterKey = "llm"

// ErrInvalidConfig indicates an unusable reasoning configuration.
var ErrInvalidConfig = errors.New("invalid reasoning configuration")

// Completer turns a prompt template plus context fields into model text.
type Completer interface {
	Complete(ctx context.Context, promptTemplate string, fields map[string]any) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, promptTemplate string, fields map[string]any) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, promptTemplate string, fields map[string]any) (string, error) {
	return f(ctx, promptTemplate, fields)
}

// Config configures a LangChainCompleter.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderAnthropic:
		if c.APIKey == "" {
			return fmt.Errorf("%w: %s requires an API key", ErrInvalidConfig, c.Provider)
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0, 2]", ErrInvalidConfig)
	}
	return nil
}

// NewModel creates the langchaingo model for cfg.
func NewModel(cfg Config) (llms.Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case ProviderAnthropic:
		return anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	default:
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	}
}

// LangChainCompleter calls a langchaingo model with rate limiting and retry.
type LangChainCompleter struct {
	model       llms.Model
	provider    string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	limiter     *ratelimit.Registry
	retry       *retry.Executor
	logger      *zap.Logger
}

// NewLangChainCompleter wraps model. limiter and exec may be nil.
func NewLangChainCompleter(model llms.Model, cfg Config, limiter *ratelimit.Registry, exec *retry.Executor, logger *zap.Logger) *LangChainCompleter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = ratelimit.NewRegistry(ratelimit.Limit{RatePerSecond: 5}, nil)
	}
	if exec == nil {
		exec = retry.NewExecutor(retry.DefaultConfig(), logger)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &LangChainCompleter{
		model:       model,
		provider:    cfg.Provider,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		limiter:     limiter,
		retry:       exec,
		logger:      logger,
	}
}

// Complete renders promptTemplate with fields and asks the model.
func (c *LangChainCompleter) Complete(ctx context.Context, promptTemplate string, fields map[string]any) (string, error) {
	prompt, err := Render(promptTemplate, fields)
	if err != nil {
		return "", err
	}

	start := time.Now()
	text, err := retry.Do(ctx, c.retry, "llm completion", func(ctx context.Context) (string, error) {
		if err := c.limiter.Acquire(ctx, LimiterKey); err != nil {
			return "", retry.MarkTerminal(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out, err := llms.GenerateFromSinglePrompt(callCtx, c.model, prompt,
			llms.WithTemperature(c.temperature),
			llms.WithMaxTokens(c.maxTokens),
		)
		if err != nil {
			if isTransient(err) {
				return "", retry.MarkRetryable(err)
			}
			return "", err
		}
		return out, nil
	})

	recordCompletion(ctx, c.provider, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}

	c.logger.Debug("completion finished",
		zap.String("provider", c.provider),
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("response_chars", len(text)),
		zap.Duration("duration", time.Since(start)))

	return text, nil
}

// isTransient recognizes provider failures worth retrying. langchaingo does
// not expose status codes uniformly, so this matches on the message.
func isTransient(err error) bool {
	if retry.Classify(err) == retry.Retryable {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "overloaded", "500", "502", "503", "504", "timeout", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Render formats a Go template prompt with fields.
func Render(promptTemplate string, fields map[string]any) (string, error) {
	vars := make([]string, 0, len(fields))
	for k := range fields {
		vars = append(vars, k)
	}
	sort.Strings(vars)

	tmpl := prompts.PromptTemplate{
		Template:       promptTemplate,
		InputVariables: vars,
		TemplateFormat: prompts.TemplateFormatGoTemplate,
	}
	out, err := tmpl.Format(fields)
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return out, nil
}
