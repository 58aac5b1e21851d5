package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

// CompileOption configures a compiled graph.
type CompileOption func(*compileConfig)

type compileConfig struct {
	interrupts []string
	retry      *service.RetryPolicy
	observer   func(NodeEvent)
	logger     *logging.Logger
	clock      clockwork.Clock
}

// InterruptBefore pauses the run whenever one of the nodes is about to run.
func InterruptBefore(nodes ...string) CompileOption {
	return func(c *compileConfig) {
		c.interrupts = append(c.interrupts, nodes...)
	}
}

// WithNodeRetry sets the retry policy for nodes that have none of their own.
func WithNodeRetry(p *service.RetryPolicy) CompileOption {
	return func(c *compileConfig) {
		c.retry = p
	}
}

// WithObserver receives node and run lifecycle events. It is called from
// concurrently running nodes and must be safe for that.
func WithObserver(fn func(NodeEvent)) CompileOption {
	return func(c *compileConfig) {
		c.observer = fn
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) CompileOption {
	return func(c *compileConfig) {
		c.logger = l
	}
}

// WithClock sets the clock for durations and checkpoint timestamps.
func WithClock(clock clockwork.Clock) CompileOption {
	return func(c *compileConfig) {
		c.clock = clock
	}
}

// Snapshot is the decoded view of a thread's latest checkpoint.
type Snapshot[S any] struct {
	Thread core.ThreadID
	State  S
	Next   []string
	Status core.RunStatus
	Step   int
	Error  string
}

// Compiled is an executable graph bound to a checkpoint store.
type Compiled[S any] struct {
	g          *Graph[S]
	cfg        compileConfig
	checkpoint *service.CheckpointManager
	interrupts map[string]bool

	mu   sync.Mutex
	busy map[core.ThreadID]bool
}

// Compile validates the graph and binds it to store.
func (g *Graph[S]) Compile(store core.CheckpointStore, opts ...CompileOption) (*Compiled[S], error) {
	cfg := compileConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.NewNop()
	}
	if cfg.clock == nil {
		cfg.clock = clockwork.NewRealClock()
	}
	if store == nil {
		return nil, core.ErrValidation(core.CodeGraphInvalid, "checkpoint store is required")
	}
	if err := g.validate(cfg.interrupts); err != nil {
		return nil, err
	}

	interrupts := make(map[string]bool, len(cfg.interrupts))
	for _, n := range cfg.interrupts {
		interrupts[n] = true
	}
	return &Compiled[S]{
		g:   g,
		cfg: cfg,
		checkpoint: service.NewCheckpointManager(store, cfg.logger,
			service.WithCheckpointClock(cfg.clock)),
		interrupts: interrupts,
		busy:       make(map[core.ThreadID]bool),
	}, nil
}

// Name returns the graph name used to scope checkpoints.
func (c *Compiled[S]) Name() string {
	return c.g.name
}

// Invoke starts a run on thread when initial is non-nil, or resumes the
// thread's stored run when it is nil. It returns when the run completes,
// pauses at an interrupt, or fails. A failed run keeps its last committed
// state and pending nodes, so invoking it again re-attempts them.
func (c *Compiled[S]) Invoke(ctx context.Context, thread core.ThreadID, initial *S) (*Snapshot[S], error) {
	release, err := c.acquire(thread)
	if err != nil {
		return nil, err
	}
	defer release()

	cp, err := c.checkpoint.Load(ctx, c.g.name, thread)
	if err != nil {
		return nil, err
	}

	var state S
	resume := c.checkpoint.GetResumePoint(cp)
	switch {
	case initial != nil:
		if cp != nil {
			return nil, core.ErrConflict(core.CodeInvalidState,
				fmt.Sprintf("thread %s already exists", thread))
		}
		state = *initial
		cp = &core.Checkpoint{ThreadID: thread, Graph: c.g.name, Status: core.RunStatusRunning}
		next, barriers, err := c.schedule([]core.PendingTask{{Node: Start}}, state, nil)
		if err != nil {
			return nil, err
		}
		if err := c.commit(ctx, cp, state, next, barriers); err != nil {
			return nil, err
		}
	case cp == nil:
		return nil, core.ErrNotFound("thread", string(thread))
	case resume.Done:
		return c.snapshot(cp)
	default:
		if err := json.Unmarshal(cp.State, &state); err != nil {
			return nil, core.ErrState(core.CodeStateCorrupted, "decoding checkpoint state").WithCause(err)
		}
		cp.Status = core.RunStatusRunning
		cp.Error = ""
	}
	return c.run(ctx, cp, state)
}

// UpdateState applies update to the thread's state as though asNode had
// produced it, then reschedules from asNode's outgoing edges and router.
// The run stays paused until the next Invoke. Repeated updates overwrite
// the schedule of the previous one.
func (c *Compiled[S]) UpdateState(ctx context.Context, thread core.ThreadID, update Update[S], asNode string) (*Snapshot[S], error) {
	release, err := c.acquire(thread)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, ok := c.g.nodes[asNode]; !ok {
		return nil, core.ErrValidation(core.CodeUnknownNode, fmt.Sprintf("unknown node %q", asNode))
	}
	cp, err := c.checkpoint.Load(ctx, c.g.name, thread)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, core.ErrNotFound("thread", string(thread))
	}
	if cp.Status == core.RunStatusCompleted {
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("thread %s already completed", thread))
	}

	var state S
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "decoding checkpoint state").WithCause(err)
	}
	if update != nil {
		update(&state)
	}
	next, barriers, err := c.schedule([]core.PendingTask{{Node: asNode}}, state, cp.Barriers)
	if err != nil {
		return nil, err
	}
	cp.Status = core.RunStatusInterrupted
	cp.InterruptedAt = ""
	cp.Error = ""
	if err := c.commit(ctx, cp, state, next, barriers); err != nil {
		return nil, err
	}
	return c.snapshot(cp)
}

// GetState returns the thread's latest snapshot.
func (c *Compiled[S]) GetState(ctx context.Context, thread core.ThreadID) (*Snapshot[S], error) {
	cp, err := c.checkpoint.Load(ctx, c.g.name, thread)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, core.ErrNotFound("thread", string(thread))
	}
	return c.snapshot(cp)
}

// List summarizes every stored thread of this graph.
func (c *Compiled[S]) List(ctx context.Context) ([]core.ThreadSummary, error) {
	return c.checkpoint.List(ctx, c.g.name)
}

func (c *Compiled[S]) run(ctx context.Context, cp *core.Checkpoint, state S) (*Snapshot[S], error) {
	for len(cp.Pending) > 0 {
		if n := c.interruptAt(cp); n != "" {
			cp.Status = core.RunStatusInterrupted
			cp.InterruptedAt = n
			if err := c.checkpoint.Save(ctx, cp); err != nil {
				return nil, err
			}
			c.emit(NodeEvent{Type: EventInterrupt, Graph: c.g.name, Thread: cp.ThreadID, Node: n, Step: cp.Step})
			return c.snapshot(cp)
		}
		cp.InterruptedAt = ""

		updates, err := c.superstep(ctx, cp, state)
		if err == nil {
			for _, u := range updates {
				if u != nil {
					u(&state)
				}
			}
			var (
				next     []core.PendingTask
				barriers map[string][]string
			)
			next, barriers, err = c.schedule(cp.Pending, state, cp.Barriers)
			if err == nil {
				err = c.commit(ctx, cp, state, next, barriers)
			}
		}
		if err != nil {
			return c.fail(ctx, cp, err)
		}
	}

	cp.Status = core.RunStatusCompleted
	cp.Next = nil
	if err := c.checkpoint.Save(ctx, cp); err != nil {
		return nil, err
	}
	c.emit(NodeEvent{Type: EventRunEnd, Graph: c.g.name, Thread: cp.ThreadID, Step: cp.Step})
	return c.snapshot(cp)
}

// interruptAt returns the first pending node that must pause the run. The
// node the run last paused in front of is let through.
func (c *Compiled[S]) interruptAt(cp *core.Checkpoint) string {
	for _, t := range cp.Pending {
		if c.interrupts[t.Node] && t.Node != cp.InterruptedAt {
			return t.Node
		}
	}
	return ""
}

func (c *Compiled[S]) superstep(ctx context.Context, cp *core.Checkpoint, state S) ([]Update[S], error) {
	tasks := cp.Pending
	updates := make([]Update[S], len(tasks))

	eg, egctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		eg.Go(func() error {
			snap, err := cloneState(state)
			if err != nil {
				return core.ErrWorkflowFatal(task.Node, err)
			}
			u, err := c.runTask(egctx, cp, task, snap)
			if err != nil {
				return core.ErrWorkflowFatal(task.Node, err)
			}
			updates[i] = u
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Compiled[S]) runTask(ctx context.Context, cp *core.Checkpoint, task core.PendingTask, state S) (Update[S], error) {
	n, ok := c.g.nodes[task.Node]
	if !ok {
		return nil, core.ErrValidation(core.CodeUnknownNode, fmt.Sprintf("unknown node %q", task.Node))
	}
	policy := n.opts.retry
	if policy == nil {
		policy = c.cfg.retry
	}
	if policy == nil {
		policy = service.NewRetryPolicy(service.WithMaxAttempts(1))
	}

	info := TaskInfo{Graph: c.g.name, Thread: cp.ThreadID, Node: task.Node, Index: task.Index, Step: cp.Step}
	ctx = withTask(ctx, info)
	base := NodeEvent{Graph: c.g.name, Thread: cp.ThreadID, Node: task.Node, Index: task.Index, Step: cp.Step}

	start := c.cfg.clock.Now()
	c.emit(base.with(EventNodeStart))

	var (
		update   Update[S]
		attempts int
	)
	err := policy.ExecuteWithNotify(ctx, func(ctx context.Context) error {
		attempts++
		if n.opts.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, n.opts.timeout)
			defer cancel()
		}
		u, err := n.run(ctx, state, task)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !core.IsCategory(err, core.ErrCatTimeout) {
				err = core.ErrTimeout(fmt.Sprintf("node %s timed out", task.Node)).WithCause(err)
			}
			return err
		}
		update = u
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		ev := base.with(EventNodeRetry)
		ev.Attempt = attempt
		ev.Err = err
		ev.Duration = delay
		c.emit(ev)
	})

	ev := base.with(EventNodeEnd)
	ev.Attempt = attempts
	ev.Duration = c.cfg.clock.Since(start)
	if err != nil {
		ev.Type = EventNodeError
		ev.Err = err
	}
	c.emit(ev)
	return update, err
}

// schedule computes the tasks that follow the completed ones and the
// barrier arrivals still waiting.
func (c *Compiled[S]) schedule(done []core.PendingTask, state S, barriers map[string][]string) ([]core.PendingTask, map[string][]string, error) {
	out := make(map[string][]string, len(barriers))
	for k, v := range barriers {
		out[k] = slices.Clone(v)
	}

	var next []core.PendingTask
	queued := make(map[string]bool)
	sendIndex := make(map[string]int)
	add := func(name string) error {
		if name == End {
			return nil
		}
		if _, ok := c.g.nodes[name]; !ok {
			return core.ErrValidation(core.CodeUnknownNode, fmt.Sprintf("route to unknown node %q", name))
		}
		if queued[name] {
			return nil
		}
		queued[name] = true
		next = append(next, core.PendingTask{Node: name})
		return nil
	}

	var froms []string
	for _, t := range done {
		if !slices.Contains(froms, t.Node) {
			froms = append(froms, t.Node)
		}
	}

	for _, from := range froms {
		for _, to := range c.g.edges[from] {
			if err := add(to); err != nil {
				return nil, nil, err
			}
		}
		for _, j := range c.g.joins {
			if !slices.Contains(j.from, from) {
				continue
			}
			if !slices.Contains(out[j.to], from) {
				out[j.to] = append(out[j.to], from)
			}
			if len(out[j.to]) == len(j.from) {
				delete(out, j.to)
				if err := add(j.to); err != nil {
					return nil, nil, err
				}
			}
		}
		r, ok := c.g.routers[from]
		if !ok {
			continue
		}
		route := r(state)
		for _, name := range route.Nodes {
			if err := add(name); err != nil {
				return nil, nil, err
			}
		}
		for _, s := range route.Sends {
			target, ok := c.g.nodes[s.Node]
			if !ok {
				return nil, nil, core.ErrValidation(core.CodeUnknownNode, fmt.Sprintf("send to unknown node %q", s.Node))
			}
			if !target.acceptsInput {
				return nil, nil, core.ErrValidation(core.CodeGraphInvalid, fmt.Sprintf("node %q does not accept sends", s.Node))
			}
			raw, err := json.Marshal(s.Input)
			if err != nil {
				return nil, nil, fmt.Errorf("encoding send input for %s: %w", s.Node, err)
			}
			next = append(next, core.PendingTask{Node: s.Node, Index: sendIndex[s.Node], Input: raw})
			sendIndex[s.Node]++
		}
	}
	if len(out) == 0 {
		out = nil
	}
	return next, out, nil
}

// commit persists state and the next schedule as a new step.
func (c *Compiled[S]) commit(ctx context.Context, cp *core.Checkpoint, state S, next []core.PendingTask, barriers map[string][]string) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	cp.State = raw
	cp.Step++
	cp.Pending = next
	cp.Barriers = barriers
	cp.Next = make([]string, 0, len(next))
	for _, t := range next {
		if !slices.Contains(cp.Next, t.Node) {
			cp.Next = append(cp.Next, t.Node)
		}
	}
	return c.checkpoint.Save(ctx, cp)
}

// fail records the error on the checkpoint without touching the committed
// state or schedule.
func (c *Compiled[S]) fail(ctx context.Context, cp *core.Checkpoint, err error) (*Snapshot[S], error) {
	cp.Status = core.RunStatusFailed
	cp.Error = c.cfg.logger.Sanitize(core.TruncateMessage(err.Error(), core.MaxFatalMessageLength))
	if saveErr := c.checkpoint.Save(context.WithoutCancel(ctx), cp); saveErr != nil {
		c.cfg.logger.Error("recording run failure", "thread_id", string(cp.ThreadID), "error", saveErr)
	}
	c.emit(NodeEvent{Type: EventRunFailed, Graph: c.g.name, Thread: cp.ThreadID, Step: cp.Step, Err: err})

	var fatal *core.WorkflowFatalError
	if !errors.As(err, &fatal) {
		err = core.ErrWorkflowFatal(c.g.name, err)
	}
	return nil, err
}

func (c *Compiled[S]) snapshot(cp *core.Checkpoint) (*Snapshot[S], error) {
	snap := &Snapshot[S]{
		Thread: cp.ThreadID,
		Next:   slices.Clone(cp.Next),
		Status: cp.Status,
		Step:   cp.Step,
		Error:  cp.Error,
	}
	if len(cp.State) > 0 {
		if err := json.Unmarshal(cp.State, &snap.State); err != nil {
			return nil, core.ErrState(core.CodeStateCorrupted, "decoding checkpoint state").WithCause(err)
		}
	}
	return snap, nil
}

func (c *Compiled[S]) acquire(thread core.ThreadID) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[thread] {
		return nil, core.ErrConflict(core.CodeInvalidState, fmt.Sprintf("thread %s is busy", thread))
	}
	c.busy[thread] = true
	return func() {
		c.mu.Lock()
		delete(c.busy, thread)
		c.mu.Unlock()
	}, nil
}

func (c *Compiled[S]) emit(ev NodeEvent) {
	if c.cfg.observer == nil {
		return
	}
	ev.Time = c.cfg.clock.Now()
	c.cfg.observer(ev)
}

// cloneState gives each node a private copy so concurrent nodes never
// share slices or maps.
func cloneState[S any](s S) (S, error) {
	var out S
	raw, err := json.Marshal(s)
	if err != nil {
		return out, fmt.Errorf("copying state: %w", err)
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
