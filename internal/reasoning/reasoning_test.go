package reasoning

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/medagent/internal/ratelimit"
	"github.com/fyrsmithlabs/medagent/internal/retry"
)

// fakeModel replays responses in order; a non-nil error entry fails that call.
type fakeModel struct {
	calls     atomic.Int32
	responses []string
	errs      []error
	prompts   []string
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	i := int(m.calls.Add(1)) - 1
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				m.prompts = append(m.prompts, text.Text)
			}
		}
	}
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	out := ""
	if i < len(m.responses) {
		out = m.responses[i]
	} else if len(m.responses) > 0 {
		out = m.responses[len(m.responses)-1]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: out}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func fastRetry() *retry.Executor {
	return retry.NewExecutor(retry.Config{
		MaxRetries: 2,
		Base:       2,
		MaxBackoff: time.Millisecond,
		Unit:       time.Microsecond,
	}, zap.NewNop())
}

func newTestCompleter(m *fakeModel) *LangChainCompleter {
	return NewLangChainCompleter(m, Config{Provider: ProviderOllama, Model: "test"},
		ratelimit.NewRegistry(ratelimit.Limit{RatePerSecond: 1000}, nil), fastRetry(), zap.NewNop())
}

func TestLangChainCompleter_Complete(t *testing.T) {
	m := &fakeModel{responses: []string{`{"ok": true}`}}
	c := newTestCompleter(m)

	out, err := c.Complete(context.Background(), "Question: {{.query}}", map[string]any{"query": "EGFR inhibitors"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, out)
	require.Len(t, m.prompts, 1)
	assert.Equal(t, "Question: EGFR inhibitors", m.prompts[0])
}

func TestLangChainCompleter_RetriesTransient(t *testing.T) {
	m := &fakeModel{
		errs:      []error{errors.New("API returned unexpected status code: 429"), errors.New("server overloaded")},
		responses: []string{"", "", "done"},
	}
	c := newTestCompleter(m)

	out, err := c.Complete(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, int32(3), m.calls.Load())
}

func TestLangChainCompleter_TerminalFailure(t *testing.T) {
	m := &fakeModel{errs: []error{errors.New("invalid api key")}}
	c := newTestCompleter(m)

	_, err := c.Complete(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), m.calls.Load())
}

func TestLangChainCompleter_BadTemplate(t *testing.T) {
	m := &fakeModel{}
	c := newTestCompleter(m)

	_, err := c.Complete(context.Background(), "{{.query", map[string]any{"query": "x"})
	require.Error(t, err)
	assert.Equal(t, int32(0), m.calls.Load())
}

func TestCompleterFunc(t *testing.T) {
	var c Completer = CompleterFunc(func(_ context.Context, tmpl string, fields map[string]any) (string, error) {
		return Render(tmpl, fields)
	})
	out, err := c.Complete(context.Background(), "{{.a}}-{{.b}}", map[string]any{"a": 1, "b": "two"})
	require.NoError(t, err)
	assert.Equal(t, "1-two", out)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"openai ok", Config{Provider: ProviderOpenAI, Model: "gpt-4o", APIKey: "k"}, false},
		{"openai no key", Config{Provider: ProviderOpenAI, Model: "gpt-4o"}, true},
		{"anthropic no key", Config{Provider: ProviderAnthropic, Model: "claude"}, true},
		{"ollama no key", Config{Provider: ProviderOllama, Model: "llama3"}, false},
		{"unknown provider", Config{Provider: "bard", Model: "x"}, true},
		{"no model", Config{Provider: ProviderOllama}, true},
		{"bad temperature", Config{Provider: ProviderOllama, Model: "x", Temperature: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"fence without tag", "```\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose around", `Sure! Here it is: {"a":{"b":2}} Hope that helps.`, `{"a":{"b":2}}`, false},
		{"brace in string", `{"a":"}{"}`, `{"a":"}{"}`, false},
		{"escaped quote", `{"a":"say \"}\""}`, `{"a":"say \"}\""}`, false},
		{"first of two", `{"a":1} {"b":2}`, `{"a":1}`, false},
		{"unbalanced then balanced", `{ oops {"a":1}`, `{"a":1}`, false},
		{"none", "no json here", "", true},
		{"unterminated", `{"a":1`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		QueryType string   `json:"query_type"`
		Targets   []string `json:"targets"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"query_type\":\"drug_discovery\",\"targets\":[\"EGFR\"]}\n```", &v))
	assert.Equal(t, "drug_discovery", v.QueryType)
	assert.Equal(t, []string{"EGFR"}, v.Targets)

	err := DecodeJSON(`{"targets": "not a list"}`, &v)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoJSON)
}

func TestNewModel_RejectsInvalid(t *testing.T) {
	_, err := NewModel(Config{Provider: "nope", Model: "x"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
