// Package research implements the analyst panel workflow and the interview
// sub-workflow it fans out to, on top of the checkpointed graph engine.
package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/events"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/graph"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/metrics"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

// DefaultContextLimit bounds the retrieved context handed to one
// generation call, in characters.
const DefaultContextLimit = 20000

// Config tunes both workflows.
type Config struct {
	MaxTurns        int
	ContextLimit    int
	NodeMaxAttempts int
	NodeBaseDelay   time.Duration
	NodeMaxDelay    time.Duration
	NodeTimeout     time.Duration
}

// DefaultConfig returns the built-in workflow settings.
func DefaultConfig() Config {
	return Config{
		MaxTurns:        core.DefaultMaxTurns,
		ContextLimit:    DefaultContextLimit,
		NodeMaxAttempts: 3,
		NodeBaseDelay:   2 * time.Second,
		NodeMaxDelay:    30 * time.Second,
		NodeTimeout:     10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = d.ContextLimit
	}
	if c.NodeMaxAttempts <= 0 {
		c.NodeMaxAttempts = d.NodeMaxAttempts
	}
	if c.NodeBaseDelay <= 0 {
		c.NodeBaseDelay = d.NodeBaseDelay
	}
	if c.NodeMaxDelay <= 0 {
		c.NodeMaxDelay = d.NodeMaxDelay
	}
	return c
}

// nodeRetry retries transient failures that survived the client's own
// retries.
func (c Config) nodeRetry(clock clockwork.Clock) *service.RetryPolicy {
	return service.TransientRetryPolicy(
		service.WithMaxAttempts(c.NodeMaxAttempts),
		service.WithBaseDelay(c.NodeBaseDelay),
		service.WithMaxDelay(c.NodeMaxDelay),
		service.WithClock(clock),
	)
}

// panelRetry also retries parse failures, since a fresh generation may
// produce a well-formed panel.
func (c Config) panelRetry(clock clockwork.Clock) *service.RetryPolicy {
	return service.NewRetryPolicy(
		service.WithMaxAttempts(c.NodeMaxAttempts),
		service.WithBaseDelay(c.NodeBaseDelay),
		service.WithMaxDelay(c.NodeMaxDelay),
		service.WithClock(clock),
		service.WithRetryIf(func(err error) bool {
			return core.IsTransient(err) || core.IsCategory(err, core.ErrCatParse)
		}),
	)
}

// Deps are the collaborators of an Agent. Generator and Store are
// required; a missing retriever degrades its search step to placeholders.
type Deps struct {
	Generator core.Generator
	Web       core.Retriever
	Reference core.Retriever
	Store     core.CheckpointStore
	Prompts   *PromptRenderer
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Events    *events.EventBus
	Clock     clockwork.Clock
}

// StartRequest opens a research run.
type StartRequest struct {
	Topic       string `json:"topic"`
	MaxAnalysts int    `json:"max_analysts"`
	// Template is the report style guide. Empty selects the built-in one.
	Template string `json:"template,omitempty"`
	// ThreadID names the run. Empty generates a new one.
	ThreadID core.ThreadID `json:"thread_id,omitempty"`
}

// Validate checks the request bounds.
func (r StartRequest) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return core.ErrValidation(core.CodeEmptyTopic, "topic must not be empty")
	}
	if r.MaxAnalysts < core.MinAnalysts || r.MaxAnalysts > core.MaxAnalysts {
		return core.ErrValidation(core.CodeInvalidMaxAnalysts,
			fmt.Sprintf("max_analysts must be between %d and %d, got %d", core.MinAnalysts, core.MaxAnalysts, r.MaxAnalysts))
	}
	return nil
}

// Run is the caller-facing view of a research thread.
type Run struct {
	ThreadID         core.ThreadID  `json:"thread_id"`
	Topic            string         `json:"topic"`
	MaxAnalysts      int            `json:"max_analysts"`
	Status           core.RunStatus `json:"status"`
	Step             int            `json:"step"`
	Next             []string       `json:"next,omitempty"`
	AwaitingFeedback bool           `json:"awaiting_feedback"`
	Analysts         []core.Analyst `json:"analysts,omitempty"`
	Sections         int            `json:"sections"`
	FinalReport      string         `json:"final_report,omitempty"`
	Error            string         `json:"error,omitempty"`
}

func runFromSnapshot(snap *graph.Snapshot[core.PanelState]) *Run {
	r := &Run{
		ThreadID:    snap.Thread,
		Topic:       snap.State.Topic,
		MaxAnalysts: snap.State.MaxAnalysts,
		Status:      snap.Status,
		Step:        snap.Step,
		Next:        snap.Next,
		Analysts:    snap.State.Analysts,
		Sections:    len(snap.State.Sections),
		Error:       snap.Error,
	}
	r.AwaitingFeedback = snap.Status == core.RunStatusInterrupted && containsNode(snap.Next, NodeHumanFeedback)
	// Partial assemblies never leave the agent as a report.
	if snap.Status == core.RunStatusCompleted {
		r.FinalReport = snap.State.FinalReport
	}
	return r
}

func containsNode(nodes []string, name string) bool {
	for _, n := range nodes {
		if n == name {
			return true
		}
	}
	return false
}

// Agent drives research runs: start, review the panel, resume, read.
type Agent struct {
	panel     *graph.Compiled[core.PanelState]
	interview *graph.Compiled[core.InterviewState]
	logger    *logging.Logger
	metrics   *metrics.Metrics
	bus       *events.EventBus
	clock     clockwork.Clock
}

// New compiles both workflows against deps.Store.
func New(deps Deps, cfg Config) (*Agent, error) {
	if deps.Generator == nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "generator is required")
	}
	if deps.Store == nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "checkpoint store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Prompts == nil {
		p, err := NewPromptRenderer(nil)
		if err != nil {
			return nil, err
		}
		deps.Prompts = p
	}
	cfg = cfg.withDefaults()

	obs := &observer{logger: deps.Logger, metrics: deps.Metrics, bus: deps.Events}
	common := []graph.CompileOption{
		graph.WithNodeRetry(cfg.nodeRetry(deps.Clock)),
		graph.WithObserver(obs.observe),
		graph.WithLogger(deps.Logger),
		graph.WithClock(deps.Clock),
	}

	iv := &interviewer{
		gen:       deps.Generator,
		web:       deps.Web,
		reference: deps.Reference,
		prompts:   deps.Prompts,
		cfg:       cfg,
		logger:    deps.Logger.With("graph", core.GraphInterview),
		metrics:   deps.Metrics,
	}
	interview, err := iv.build().Compile(deps.Store, common...)
	if err != nil {
		return nil, fmt.Errorf("compiling interview graph: %w", err)
	}

	pn := &panel{
		gen:          deps.Generator,
		prompts:      deps.Prompts,
		cfg:          cfg,
		analystRetry: cfg.panelRetry(deps.Clock),
		logger:       deps.Logger.With("graph", core.GraphResearch),
	}
	panelGraph, err := pn.build(interview).Compile(deps.Store,
		append(common, graph.InterruptBefore(NodeHumanFeedback))...)
	if err != nil {
		return nil, fmt.Errorf("compiling research graph: %w", err)
	}

	return &Agent{
		panel:     panelGraph,
		interview: interview,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		bus:       deps.Events,
		clock:     deps.Clock,
	}, nil
}

// Start creates the analyst panel for a new run and pauses for review.
func (a *Agent) Start(ctx context.Context, req StartRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	thread := req.ThreadID
	if thread == "" {
		thread = core.ThreadID(uuid.NewString())
	}
	initial := &core.PanelState{
		Topic:          strings.TrimSpace(req.Topic),
		MaxAnalysts:    req.MaxAnalysts,
		ReportTemplate: req.Template,
	}

	a.logger.Info("starting research", "thread_id", string(thread), "topic", initial.Topic, "max_analysts", req.MaxAnalysts)
	a.bus.Publish(events.NewRunStartedEvent(string(thread), initial.Topic, req.MaxAnalysts))
	return a.invoke(ctx, thread, initial)
}

// Feedback regenerates the panel with the editor's text folded into the
// instruction, then pauses for review again. Empty text proceeds.
func (a *Agent) Feedback(ctx context.Context, thread core.ThreadID, text string) (*Run, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return a.Proceed(ctx, thread)
	}
	return a.resumeFromReview(ctx, thread, &text)
}

// Proceed accepts the current panel and runs the interviews and the
// report to completion.
func (a *Agent) Proceed(ctx context.Context, thread core.ThreadID) (*Run, error) {
	return a.resumeFromReview(ctx, thread, nil)
}

func (a *Agent) resumeFromReview(ctx context.Context, thread core.ThreadID, feedback *string) (*Run, error) {
	snap, err := a.panel.GetState(ctx, thread)
	if err != nil {
		return nil, err
	}
	if snap.Status != core.RunStatusInterrupted || !containsNode(snap.Next, NodeHumanFeedback) {
		return nil, core.ErrState(core.CodeNotInterrupted,
			fmt.Sprintf("thread %s is not awaiting feedback (status %s)", thread, snap.Status))
	}

	if _, err := a.panel.UpdateState(ctx, thread, func(s *core.PanelState) {
		s.HumanFeedback = feedback
	}, NodeHumanFeedback); err != nil {
		return nil, err
	}

	var text string
	if feedback != nil {
		text = *feedback
	}
	a.logger.Info("resuming research", "thread_id", string(thread), "with_feedback", feedback != nil)
	a.bus.Publish(events.NewRunResumedEvent(string(thread), text))
	return a.invoke(ctx, thread, nil)
}

// Resume re-attempts a failed run from its last committed step.
func (a *Agent) Resume(ctx context.Context, thread core.ThreadID) (*Run, error) {
	snap, err := a.panel.GetState(ctx, thread)
	if err != nil {
		return nil, err
	}
	switch snap.Status {
	case core.RunStatusCompleted:
		return runFromSnapshot(snap), nil
	case core.RunStatusInterrupted:
		if containsNode(snap.Next, NodeHumanFeedback) {
			return nil, core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("thread %s is awaiting feedback; proceed or send feedback", thread))
		}
	}
	a.bus.Publish(events.NewRunResumedEvent(string(thread), ""))
	return a.invoke(ctx, thread, nil)
}

// Get returns the current view of a run.
func (a *Agent) Get(ctx context.Context, thread core.ThreadID) (*Run, error) {
	snap, err := a.panel.GetState(ctx, thread)
	if err != nil {
		return nil, err
	}
	return runFromSnapshot(snap), nil
}

// List summarizes every stored research run, newest first.
func (a *Agent) List(ctx context.Context) ([]core.ThreadSummary, error) {
	return a.panel.List(ctx)
}

// Interview returns the checkpointed state of one analyst's interview.
func (a *Agent) Interview(ctx context.Context, thread core.ThreadID, index int) (*core.InterviewState, error) {
	snap, err := a.interview.GetState(ctx, graph.ChildThread(thread, NodeConductInterview, index))
	if err != nil {
		return nil, err
	}
	return &snap.State, nil
}

func (a *Agent) invoke(ctx context.Context, thread core.ThreadID, initial *core.PanelState) (*Run, error) {
	start := a.clock.Now()
	snap, err := a.panel.Invoke(ctx, thread, initial)
	if err != nil {
		a.recordFailure(ctx, thread, err)
		return nil, err
	}

	run := runFromSnapshot(snap)
	switch run.Status {
	case core.RunStatusCompleted:
		a.metrics.IncRun(string(core.RunStatusCompleted))
		a.logger.Info("research completed", "thread_id", string(thread), "sections", run.Sections)
		a.bus.PublishPriority(events.NewRunCompletedEvent(string(thread), a.clock.Since(start), run.Sections, len(run.FinalReport)))
	case core.RunStatusInterrupted:
		a.metrics.IncRun(string(core.RunStatusInterrupted))
		roles := make([]string, 0, len(run.Analysts))
		for _, an := range run.Analysts {
			roles = append(roles, an.Role)
		}
		a.bus.Publish(events.NewRunAwaitingInputEvent(string(thread), NodeHumanFeedback, roles))
	}
	return run, nil
}

func (a *Agent) recordFailure(ctx context.Context, thread core.ThreadID, err error) {
	if !core.IsCategory(err, core.ErrCatFatal) {
		return
	}
	a.metrics.IncRun(string(core.RunStatusFailed))

	var node, text string
	if snap, gerr := a.panel.GetState(context.WithoutCancel(ctx), thread); gerr == nil {
		text = snap.Error
		if len(snap.Next) > 0 {
			node = strings.Join(snap.Next, ",")
		}
	}
	if text == "" {
		text = a.logger.Sanitize(core.TruncateMessage(err.Error(), core.MaxFatalMessageLength))
	}
	a.logger.Error("research failed", "thread_id", string(thread), "node", node, "error", text)
	a.bus.PublishPriority(events.NewRunFailedEvent(string(thread), node, text))
}
