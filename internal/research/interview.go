package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/graph"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/llm"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/metrics"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/retrieval"
)

// Interview node names.
const (
	NodeAskQuestion     = "ask_question"
	NodeSearchWeb       = "search_web"
	NodeSearchReference = "search_reference"
	NodeAnswerQuestion  = "answer_question"
	NodeSaveInterview   = "save_interview"
	NodeWriteSection    = "write_section"
)

// opSearchQuery labels the query-writing call inside both search nodes.
const opSearchQuery = "search_query"

// ClosingPhrase ends an interview early when the analyst says it.
const ClosingPhrase = "Thank you so much for your help"

// TruncationMarker is appended to context cut at the size limit.
const TruncationMarker = "\n\n[... context truncated ...]"

// OpeningMessage is the first turn of every interview.
func OpeningMessage(topic string) core.Message {
	return core.UserMessage(fmt.Sprintf("So you said you were writing an article on %s?", topic))
}

// RouteMessages decides whether the interview continues. It ends once the
// expert has answered maxTurns times, or when the analyst's latest turn
// carries the closing phrase.
func RouteMessages(msgs []core.Message, maxTurns int) string {
	if maxTurns <= 0 {
		maxTurns = core.DefaultMaxTurns
	}
	if core.CountByName(msgs, core.ActorExpert) >= maxTurns {
		return NodeSaveInterview
	}
	if last, ok := core.LastByName(msgs, core.ActorAnalyst); ok && strings.Contains(last.Content, ClosingPhrase) {
		return NodeSaveInterview
	}
	return NodeAskQuestion
}

// TruncateContext cuts s to limit characters and appends TruncationMarker
// when anything was dropped. A non-positive limit disables truncation.
func TruncateContext(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + TruncationMarker
}

// searchQuery is the structured output of the query-writing step.
type searchQuery struct {
	SearchQuery *string `json:"search_query"`
}

type interviewer struct {
	gen       core.Generator
	web       core.Retriever
	reference core.Retriever
	prompts   *PromptRenderer
	cfg       Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

func (iv *interviewer) build() *graph.Graph[core.InterviewState] {
	g := graph.New[core.InterviewState](core.GraphInterview)
	timeout := graph.WithTimeout(iv.cfg.NodeTimeout)

	g.AddNode(NodeAskQuestion, iv.askQuestion, timeout)
	g.AddNode(NodeSearchWeb, iv.search(iv.web, retrieval.KindWeb), timeout)
	g.AddNode(NodeSearchReference, iv.search(iv.reference, retrieval.KindReference), timeout)
	g.AddNode(NodeAnswerQuestion, iv.answerQuestion, timeout)
	g.AddNode(NodeSaveInterview, saveInterview)
	g.AddNode(NodeWriteSection, iv.writeSection, timeout)

	g.AddEdge(graph.Start, NodeAskQuestion)
	g.AddEdge(NodeAskQuestion, NodeSearchWeb)
	g.AddEdge(NodeAskQuestion, NodeSearchReference)
	g.AddJoin([]string{NodeSearchWeb, NodeSearchReference}, NodeAnswerQuestion)
	g.AddConditionalEdges(NodeAnswerQuestion, func(s core.InterviewState) graph.Route {
		return graph.Goto(RouteMessages(s.Messages, s.MaxTurns))
	})
	g.AddEdge(NodeSaveInterview, NodeWriteSection)
	g.AddEdge(NodeWriteSection, graph.End)
	return g
}

func (iv *interviewer) askQuestion(ctx context.Context, s core.InterviewState) (graph.Update[core.InterviewState], error) {
	sys, err := iv.prompts.RenderQuestion(PersonaParams{Persona: s.Analyst.Persona()})
	if err != nil {
		return nil, err
	}
	msgs := append([]core.Message{core.SystemMessage(sys)}, s.Messages...)
	question, err := iv.gen.Complete(ctx, msgs,
		core.WithActor(core.ActorAnalyst), core.WithOperation(NodeAskQuestion))
	if err != nil {
		return nil, err
	}
	return func(st *core.InterviewState) {
		st.Messages = append(st.Messages, core.AssistantMessage(core.ActorAnalyst, question))
	}, nil
}

// search derives a query from the conversation, asks r, and appends one
// context block. Anything short of a generation failure degrades to a
// placeholder block.
func (iv *interviewer) search(r core.Retriever, kind retrieval.Kind) graph.NodeFunc[core.InterviewState] {
	return func(ctx context.Context, s core.InterviewState) (graph.Update[core.InterviewState], error) {
		query, err := iv.searchQuery(ctx, s.Messages)
		if err != nil {
			return nil, err
		}
		block, err := iv.retrieve(ctx, r, kind, query)
		if err != nil {
			return nil, err
		}
		return func(st *core.InterviewState) {
			st.Context = append(st.Context, block)
		}, nil
	}
}

func (iv *interviewer) searchQuery(ctx context.Context, history []core.Message) (string, error) {
	sys, err := iv.prompts.RenderSearch()
	if err != nil {
		return "", err
	}
	msgs := append([]core.Message{core.SystemMessage(sys)}, history...)
	example := searchQuery{SearchQuery: core.StringPtr("precise search terms")}

	out, strategy, err := llm.StructuredComplete(ctx, iv.gen, msgs, example,
		core.WithActor(core.ActorSearcher), core.WithOperation(opSearchQuery))
	switch {
	case core.IsCategory(err, core.ErrCatParse):
		iv.logger.Warn("search query unparseable, continuing without results", "error", err)
		return "", nil
	case err != nil:
		return "", err
	}
	if strategy != llm.StrategyStrict {
		iv.logger.Debug("search query recovered", "strategy", string(strategy))
	}
	if out.SearchQuery == nil {
		return "", nil
	}
	return strings.TrimSpace(*out.SearchQuery), nil
}

func (iv *interviewer) retrieve(ctx context.Context, r core.Retriever, kind retrieval.Kind, query string) (string, error) {
	source := string(kind)
	if r != nil {
		source = r.Name()
	}
	placeholder := func(reason string) (string, error) {
		iv.metrics.IncRetrieval(source, metrics.OutcomePlaceholder)
		return retrieval.Placeholder(source, reason), nil
	}

	switch {
	case r == nil:
		return placeholder("source not configured")
	case query == "":
		return placeholder("no search query could be derived")
	}

	raw, err := r.Search(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		iv.logger.Warn("retrieval failed", "source", source, "error", iv.logger.Sanitize(err.Error()))
		iv.metrics.IncRetrieval(source, metrics.OutcomeError)
		return retrieval.Placeholder(source, "lookup failed"), nil
	}
	docs, err := retrieval.Decode(raw, source)
	if err != nil {
		iv.logger.Warn("malformed retrieval result", "source", source, "error", err)
		return placeholder("unexpected result format")
	}
	if len(docs) == 0 {
		return placeholder("no documents matched the query")
	}
	iv.metrics.IncRetrieval(source, metrics.OutcomeOK)
	return retrieval.FormatDocuments(docs, kind), nil
}

func (iv *interviewer) answerQuestion(ctx context.Context, s core.InterviewState) (graph.Update[core.InterviewState], error) {
	joined := strings.Join(s.Context, retrieval.DocumentSeparator)
	sys, err := iv.prompts.RenderAnswer(AnswerParams{
		Persona: s.Analyst.Persona(),
		Context: TruncateContext(joined, iv.cfg.ContextLimit),
	})
	if err != nil {
		return nil, err
	}
	msgs := append([]core.Message{core.SystemMessage(sys)}, s.Messages...)
	answer, err := iv.gen.Complete(ctx, msgs,
		core.WithActor(core.ActorExpert), core.WithOperation(NodeAnswerQuestion))
	if err != nil {
		return nil, err
	}
	return func(st *core.InterviewState) {
		st.Messages = append(st.Messages, core.AssistantMessage(core.ActorExpert, answer))
	}, nil
}

func saveInterview(_ context.Context, s core.InterviewState) (graph.Update[core.InterviewState], error) {
	transcript := core.BufferString(s.Messages)
	return func(st *core.InterviewState) { st.Interview = transcript }, nil
}

func (iv *interviewer) writeSection(ctx context.Context, s core.InterviewState) (graph.Update[core.InterviewState], error) {
	sys, err := iv.prompts.RenderSection(SectionParams{Focus: s.Analyst.Description})
	if err != nil {
		return nil, err
	}
	source := TruncateContext(strings.Join(s.Context, retrieval.DocumentSeparator), iv.cfg.ContextLimit)
	section, err := iv.gen.Complete(ctx, []core.Message{
		core.SystemMessage(sys),
		core.UserMessage("Use this source to write your section: " + source),
	}, core.WithActor(core.ActorEditor), core.WithOperation(NodeWriteSection))
	if err != nil {
		return nil, err
	}
	return func(st *core.InterviewState) { st.Sections = []string{section} }, nil
}
