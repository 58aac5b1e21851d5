package core

import "context"

// =============================================================================
// Generation Port
// =============================================================================

// Generator produces text from a conversation.
type Generator interface {
	Complete(ctx context.Context, msgs []Message, opts ...CompleteOption) (string, error)
}

// CompleteOptions configures a single generation call.
type CompleteOptions struct {
	// Actor is the speaker the conversation is rendered for. Turns named
	// after other actors are demoted to user turns.
	Actor string
	// Heavy selects the longer pre-call jitter window.
	Heavy bool
	// Operation labels the call in logs and metrics.
	Operation   string
	MaxTokens   int
	Temperature *float64
}

// CompleteOption mutates CompleteOptions.
type CompleteOption func(*CompleteOptions)

// WithActor sets the current actor.
func WithActor(name string) CompleteOption {
	return func(o *CompleteOptions) { o.Actor = name }
}

// WithHeavy marks the call as heavy.
func WithHeavy() CompleteOption {
	return func(o *CompleteOptions) { o.Heavy = true }
}

// WithOperation labels the call.
func WithOperation(op string) CompleteOption {
	return func(o *CompleteOptions) { o.Operation = op }
}

// WithMaxTokens overrides the output token budget.
func WithMaxTokens(n int) CompleteOption {
	return func(o *CompleteOptions) { o.MaxTokens = n }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) CompleteOption {
	return func(o *CompleteOptions) { o.Temperature = &t }
}

// ApplyCompleteOptions folds opts into a CompleteOptions value.
func ApplyCompleteOptions(opts ...CompleteOption) CompleteOptions {
	var o CompleteOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// =============================================================================
// Retrieval Port
// =============================================================================

// Retriever queries an external knowledge source. Search returns the raw
// decoded payload so callers can detect unexpected shapes.
type Retriever interface {
	Name() string
	Search(ctx context.Context, query string) (any, error)
}

// =============================================================================
// Checkpoint Store Port
// =============================================================================

// CheckpointStore persists checkpoints keyed by graph and thread.
type CheckpointStore interface {
	// Load returns the latest checkpoint, or nil without error when absent.
	Load(ctx context.Context, graph string, thread ThreadID) (*Checkpoint, error)

	// Save atomically replaces the checkpoint for its graph and thread.
	Save(ctx context.Context, cp *Checkpoint) error

	// List returns summaries for every thread of a graph, newest first.
	List(ctx context.Context, graph string) ([]ThreadSummary, error)

	// Delete removes a thread. Deleting an absent thread is not an error.
	Delete(ctx context.Context, graph string, thread ThreadID) error

	Close() error
}
