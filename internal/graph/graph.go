// Package graph runs checkpointed state machines. A graph is a set of named
// nodes joined by static edges, join barriers and conditional routers.
// Execution proceeds in supersteps: every scheduled node runs concurrently
// against a snapshot of the state, the resulting updates are applied in
// schedule order, and the new state is persisted before the next step.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

// Reserved node names.
const (
	Start = "__start__"
	End   = "__end__"
)

// Update is the delta a node applies to the shared state. Fields that
// accumulate (lists fed by several writers) must be appended, not replaced.
type Update[S any] func(*S)

// NodeFunc is the body of a node. It receives a private copy of the state.
type NodeFunc[S any] func(ctx context.Context, state S) (Update[S], error)

// Router picks the successors of a node from the state it left behind.
type Router[S any] func(state S) Route

// Send schedules one invocation of Node with its own input.
type Send struct {
	Node  string
	Input any
}

// Route is the outcome of a Router: plain node names, dynamic sends, or both.
type Route struct {
	Nodes []string
	Sends []Send
}

// Goto routes to the named nodes.
func Goto(nodes ...string) Route {
	return Route{Nodes: nodes}
}

// Scatter routes to one task per send.
func Scatter(sends ...Send) Route {
	return Route{Sends: sends}
}

// NodeOption configures a node.
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	retry   *service.RetryPolicy
	timeout time.Duration
}

// WithRetry wraps every execution of the node in the given policy.
func WithRetry(p *service.RetryPolicy) NodeOption {
	return func(o *nodeOptions) {
		o.retry = p
	}
}

// WithTimeout bounds each attempt of the node.
func WithTimeout(d time.Duration) NodeOption {
	return func(o *nodeOptions) {
		o.timeout = d
	}
}

type taskFunc[S any] func(ctx context.Context, state S, task core.PendingTask) (Update[S], error)

type node[S any] struct {
	name         string
	run          taskFunc[S]
	acceptsInput bool
	opts         nodeOptions
}

type join struct {
	from []string
	to   string
}

// Graph is a mutable graph definition. Build it, then Compile it.
type Graph[S any] struct {
	name    string
	nodes   map[string]*node[S]
	order   []string
	edges   map[string][]string
	joins   []join
	routers map[string]Router[S]
	errs    []string
}

// New creates an empty graph. The name scopes its checkpoints.
func New[S any](name string) *Graph[S] {
	return &Graph[S]{
		name:    name,
		nodes:   make(map[string]*node[S]),
		edges:   make(map[string][]string),
		routers: make(map[string]Router[S]),
	}
}

// Name returns the graph name.
func (g *Graph[S]) Name() string {
	return g.name
}

// AddNode registers a node.
func (g *Graph[S]) AddNode(name string, fn NodeFunc[S], opts ...NodeOption) *Graph[S] {
	g.addNode(name, func(ctx context.Context, state S, _ core.PendingTask) (Update[S], error) {
		return fn(ctx, state)
	}, false, opts)
	return g
}

// AddSendNode registers a node that is only reached through a Send. Each
// invocation receives its send input decoded as I.
func AddSendNode[S, I any](g *Graph[S], name string, fn func(ctx context.Context, state S, input I) (Update[S], error), opts ...NodeOption) {
	g.addNode(name, func(ctx context.Context, state S, task core.PendingTask) (Update[S], error) {
		var input I
		if len(task.Input) > 0 {
			if err := json.Unmarshal(task.Input, &input); err != nil {
				return nil, core.ErrState(core.CodeStateCorrupted,
					fmt.Sprintf("decoding input of %s[%d]", name, task.Index)).WithCause(err)
			}
		}
		return fn(ctx, state, input)
	}, true, opts)
}

func (g *Graph[S]) addNode(name string, run taskFunc[S], acceptsInput bool, opts []NodeOption) {
	if name == "" || name == Start || name == End {
		g.errs = append(g.errs, fmt.Sprintf("invalid node name %q", name))
		return
	}
	if _, dup := g.nodes[name]; dup {
		g.errs = append(g.errs, fmt.Sprintf("node %q defined twice", name))
		return
	}
	n := &node[S]{name: name, run: run, acceptsInput: acceptsInput}
	for _, opt := range opts {
		opt(&n.opts)
	}
	g.nodes[name] = n
	g.order = append(g.order, name)
}

// AddEdge schedules to after from. Several edges out of one node fan out.
func (g *Graph[S]) AddEdge(from, to string) *Graph[S] {
	g.edges[from] = append(g.edges[from], to)
	return g
}

// AddJoin schedules to once every node in from has completed. Arrivals are
// remembered across supersteps until the barrier fires.
func (g *Graph[S]) AddJoin(from []string, to string) *Graph[S] {
	g.joins = append(g.joins, join{from: slices.Clone(from), to: to})
	return g
}

// AddConditionalEdges routes out of from by evaluating r on the state.
func (g *Graph[S]) AddConditionalEdges(from string, r Router[S]) *Graph[S] {
	if _, dup := g.routers[from]; dup {
		g.errs = append(g.errs, fmt.Sprintf("node %q has two routers", from))
	}
	g.routers[from] = r
	return g
}

func (g *Graph[S]) known(name string) bool {
	if name == Start || name == End {
		return true
	}
	_, ok := g.nodes[name]
	return ok
}

func (g *Graph[S]) validate(interrupts []string) error {
	errs := slices.Clone(g.errs)
	if len(g.edges[Start]) == 0 && g.routers[Start] == nil {
		errs = append(errs, "no entry edge from start")
	}
	for from, tos := range g.edges {
		if !g.known(from) || from == End {
			errs = append(errs, fmt.Sprintf("edge from unknown node %q", from))
		}
		for _, to := range tos {
			if !g.known(to) || to == Start {
				errs = append(errs, fmt.Sprintf("edge %q -> unknown node %q", from, to))
			}
		}
	}
	for _, j := range g.joins {
		if !g.known(j.to) || j.to == Start {
			errs = append(errs, fmt.Sprintf("join into unknown node %q", j.to))
		}
		for _, from := range j.from {
			if !g.known(from) || from == End {
				errs = append(errs, fmt.Sprintf("join from unknown node %q", from))
			}
		}
	}
	for from := range g.routers {
		if !g.known(from) || from == End {
			errs = append(errs, fmt.Sprintf("router on unknown node %q", from))
		}
	}
	for _, n := range interrupts {
		if _, ok := g.nodes[n]; !ok {
			errs = append(errs, fmt.Sprintf("interrupt on unknown node %q", n))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	slices.Sort(errs)
	return core.ErrValidation(core.CodeGraphInvalid,
		fmt.Sprintf("graph %s: %v", g.name, errs))
}
