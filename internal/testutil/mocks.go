package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// GenerateCall records one call to a ScriptedGenerator.
type GenerateCall struct {
	Messages  []core.Message
	Options   core.CompleteOptions
	Timestamp time.Time
}

// System returns the content of the first system turn, or "".
func (c GenerateCall) System() string {
	for _, m := range c.Messages {
		if m.Role == core.RoleSystem {
			return m.Content
		}
	}
	return ""
}

// LastUser returns the content of the last user turn, or "".
func (c GenerateCall) LastUser() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == core.RoleUser {
			return c.Messages[i].Content
		}
	}
	return ""
}

// Reply is one queued answer.
type Reply struct {
	Text string
	Err  error
}

// ScriptedGenerator implements core.Generator from per-operation scripts.
// Queued replies are consumed first, then the operation's handler, then a
// canned default.
type ScriptedGenerator struct {
	mu       sync.Mutex
	queued   map[string][]Reply
	handlers map[string]func(GenerateCall) (string, error)
	calls    []GenerateCall
	delay    time.Duration
}

// NewScriptedGenerator creates an empty script.
func NewScriptedGenerator() *ScriptedGenerator {
	return &ScriptedGenerator{
		queued:   make(map[string][]Reply),
		handlers: make(map[string]func(GenerateCall) (string, error)),
	}
}

// On answers every call labelled op with fn.
func (g *ScriptedGenerator) On(op string, fn func(GenerateCall) (string, error)) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[op] = fn
	return g
}

// OnText answers every call labelled op with text.
func (g *ScriptedGenerator) OnText(op, text string) *ScriptedGenerator {
	return g.On(op, func(GenerateCall) (string, error) { return text, nil })
}

// Queue appends one-shot replies for op.
func (g *ScriptedGenerator) Queue(op string, replies ...Reply) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued[op] = append(g.queued[op], replies...)
	return g
}

// WithDelay makes every call take at least d.
func (g *ScriptedGenerator) WithDelay(d time.Duration) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
	return g
}

// Complete implements core.Generator.
func (g *ScriptedGenerator) Complete(ctx context.Context, msgs []core.Message, opts ...core.CompleteOption) (string, error) {
	call := GenerateCall{
		Messages:  core.CloneMessages(msgs),
		Options:   core.ApplyCompleteOptions(opts...),
		Timestamp: time.Now(),
	}
	op := call.Options.Operation

	g.mu.Lock()
	g.calls = append(g.calls, call)
	delay := g.delay
	var reply *Reply
	if q := g.queued[op]; len(q) > 0 {
		reply = &q[0]
		g.queued[op] = q[1:]
	}
	handler := g.handlers[op]
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch {
	case reply != nil:
		return reply.Text, reply.Err
	case handler != nil:
		return handler(call)
	default:
		return fmt.Sprintf("scripted reply for %s", op), nil
	}
}

// Calls returns every recorded call in order.
func (g *ScriptedGenerator) Calls() []GenerateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GenerateCall(nil), g.calls...)
}

// CallsFor returns the recorded calls labelled op.
func (g *ScriptedGenerator) CallsFor(op string) []GenerateCall {
	var out []GenerateCall
	for _, c := range g.Calls() {
		if c.Options.Operation == op {
			out = append(out, c)
		}
	}
	return out
}

// FakeRetriever implements core.Retriever with a search function.
type FakeRetriever struct {
	name   string
	search func(query string) (any, error)

	mu      sync.Mutex
	queries []string
}

// NewFakeRetriever returns a retriever named name answering with fn.
func NewFakeRetriever(name string, fn func(query string) (any, error)) *FakeRetriever {
	return &FakeRetriever{name: name, search: fn}
}

// StaticRetriever answers every query with the same payload.
func StaticRetriever(name string, payload any) *FakeRetriever {
	return NewFakeRetriever(name, func(string) (any, error) { return payload, nil })
}

// Name implements core.Retriever.
func (r *FakeRetriever) Name() string { return r.name }

// Search implements core.Retriever.
func (r *FakeRetriever) Search(ctx context.Context, query string) (any, error) {
	r.mu.Lock()
	r.queries = append(r.queries, query)
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.search(query)
}

// Queries returns the queries received so far.
func (r *FakeRetriever) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}
