package llm

import (
	"context"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// Request is a provider-agnostic completion request. Messages must already
// be normalized: user/assistant turns only, starting with user.
type Request struct {
	System      string
	Messages    []core.Message
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response is the text produced by a provider.
type Response struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider performs a single completion attempt against a model service.
// Retries, rate limiting and timeouts belong to Client.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}
