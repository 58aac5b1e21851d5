package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// DefaultOpenAIBaseURL is the public OpenAI endpoint. Any server speaking the
// chat completions protocol can be configured instead.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a provider. SDK-level retries are disabled;
// Client owns the retry policy.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultOpenAIBaseURL
	}
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithBaseURL(base + "/"),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "openai provider requires a model")
	}

	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", model)
	span.SetData("gen_ai.request.max_tokens", req.MaxTokens)
	span.SetData("gen_ai.system", "openai")
	ctx = span.Context()
	defer span.Finish()

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(req.System, req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	out, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.Response != nil {
			if wait := parseRetryAfter(apiErr.Response.Header, time.Now()); wait > 0 {
				return nil, &hintedError{error: err, wait: wait}
			}
		}
		return nil, err
	}
	if len(out.Choices) == 0 {
		span.Status = sentry.SpanStatusInternalError
		return nil, core.ErrProvider(http.StatusOK, "chat response has no choices")
	}

	span.SetData("gen_ai.usage.input_tokens", out.Usage.PromptTokens)
	span.SetData("gen_ai.usage.output_tokens", out.Usage.CompletionTokens)
	span.Status = sentry.SpanStatusOK

	return &Response{
		Text:         out.Choices[0].Message.Content,
		Model:        out.Model,
		StopReason:   out.Choices[0].FinishReason,
		InputTokens:  int(out.Usage.PromptTokens),
		OutputTokens: int(out.Usage.CompletionTokens),
	}, nil
}

func toOpenAIMessages(system string, msgs []core.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		if m.Role == core.RoleAssistant {
			out = append(out, openai.AssistantMessage(m.Content))
		} else {
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func openaiStatus(err error) (int, bool) {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}

// NewProvider builds a provider by name.
func NewProvider(name, apiKey, baseURL, model string) (Provider, error) {
	switch strings.ToLower(name) {
	case "", "anthropic":
		return NewAnthropicProvider(AnthropicConfig{APIKey: apiKey, BaseURL: baseURL, Model: model}), nil
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{APIKey: apiKey, BaseURL: baseURL, Model: model}), nil
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("unknown llm provider %q", name))
	}
}
