package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/graph"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/llm"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

// Panel node names.
const (
	NodeCreateAnalysts    = "create_analysts"
	NodeHumanFeedback     = "human_feedback"
	NodeConductInterview  = "conduct_interview"
	NodeWriteReport       = "write_report"
	NodeWriteIntroduction = "write_introduction"
	NodeWriteConclusion   = "write_conclusion"
	NodeFinalizeReport    = "finalize_report"
)

// Report assembly markers.
const (
	SourcesMarker   = "\n## Sources\n"
	ReportSeparator = "\n\n---\n\n"
)

const (
	reportRequest     = "Write a report based upon these memos."
	introRequest      = "Write the report introduction"
	conclusionRequest = "Write the report conclusion"
)

// perspectives is the structured output of panel creation.
type perspectives struct {
	Analysts []core.Analyst `json:"analysts"`
}

// SplitSources separates a trailing sources block from a report body.
// When the marker occurs more than once the last occurrence wins, so
// sources quoted inside the body stay in the body.
func SplitSources(body string) (content, sources string, ok bool) {
	i := strings.LastIndex(body, SourcesMarker)
	if i < 0 {
		return body, "", false
	}
	return body[:i], body[i+len(SourcesMarker):], true
}

// FinalizeReport assembles the final markdown document. Bodies that open
// with the insights heading are kept as written.
func FinalizeReport(introduction, body, conclusion string) string {
	content, sources, ok := SplitSources(body)

	var b strings.Builder
	b.WriteString(introduction)
	b.WriteString(ReportSeparator)
	b.WriteString(content)
	b.WriteString(ReportSeparator)
	b.WriteString(conclusion)
	if ok {
		b.WriteString("\n")
		b.WriteString(SourcesMarker)
		b.WriteString(sources)
	}
	return b.String()
}

// PickAnalysts enforces the panel size: extras are dropped, a short panel
// is a parse error.
func PickAnalysts(got []core.Analyst, want int) ([]core.Analyst, error) {
	var kept []core.Analyst
	for _, a := range got {
		if strings.TrimSpace(a.Role) == "" {
			continue
		}
		kept = append(kept, a)
	}
	if len(kept) < want {
		return nil, core.ErrParse(fmt.Sprintf("expected %d analysts, model returned %d", want, len(kept))).
			WithDetail("expected", want).
			WithDetail("got", len(kept))
	}
	return kept[:want], nil
}

type panel struct {
	gen          core.Generator
	prompts      *PromptRenderer
	cfg          Config
	analystRetry *service.RetryPolicy
	logger       *logging.Logger
}

func (p *panel) build(interview *graph.Compiled[core.InterviewState]) *graph.Graph[core.PanelState] {
	g := graph.New[core.PanelState](core.GraphResearch)
	timeout := graph.WithTimeout(p.cfg.NodeTimeout)

	g.AddNode(NodeCreateAnalysts, p.createAnalysts, timeout, graph.WithRetry(p.analystRetry))
	g.AddNode(NodeHumanFeedback, func(context.Context, core.PanelState) (graph.Update[core.PanelState], error) {
		return nil, nil
	})
	graph.AddSubgraph(g, NodeConductInterview, interview, func(s core.InterviewState) graph.Update[core.PanelState] {
		return func(st *core.PanelState) { st.Sections = append(st.Sections, s.Sections...) }
	})
	g.AddNode(NodeWriteReport, p.writeReport, timeout)
	g.AddNode(NodeWriteIntroduction, p.writeFraming(NodeWriteIntroduction, introRequest, func(st *core.PanelState, text string) {
		st.Introduction = text
	}), timeout)
	g.AddNode(NodeWriteConclusion, p.writeFraming(NodeWriteConclusion, conclusionRequest, func(st *core.PanelState, text string) {
		st.Conclusion = text
	}), timeout)
	g.AddNode(NodeFinalizeReport, finalizeReport)

	g.AddEdge(graph.Start, NodeCreateAnalysts)
	g.AddEdge(NodeCreateAnalysts, NodeHumanFeedback)
	g.AddConditionalEdges(NodeHumanFeedback, p.initiateInterviews)
	g.AddEdge(NodeConductInterview, NodeWriteReport)
	g.AddEdge(NodeConductInterview, NodeWriteIntroduction)
	g.AddEdge(NodeConductInterview, NodeWriteConclusion)
	g.AddJoin([]string{NodeWriteReport, NodeWriteIntroduction, NodeWriteConclusion}, NodeFinalizeReport)
	g.AddEdge(NodeFinalizeReport, graph.End)
	return g
}

func (p *panel) createAnalysts(ctx context.Context, s core.PanelState) (graph.Update[core.PanelState], error) {
	sys, err := p.prompts.RenderAnalysts(AnalystsParams{
		Topic:       s.Topic,
		MaxAnalysts: s.MaxAnalysts,
		Feedback:    s.Feedback(),
	})
	if err != nil {
		return nil, err
	}
	msgs := []core.Message{
		core.SystemMessage(sys),
		core.UserMessage(fmt.Sprintf("Generate the set of analysts. Make sure to generate exactly %d analysts.", s.MaxAnalysts)),
	}
	example := perspectives{Analysts: []core.Analyst{{Role: "role title", Description: "focus, concerns and motives"}}}

	out, _, err := llm.StructuredComplete(ctx, p.gen, msgs, example,
		core.WithHeavy(), core.WithOperation(NodeCreateAnalysts))
	if err != nil {
		return nil, err
	}
	analysts, err := PickAnalysts(out.Analysts, s.MaxAnalysts)
	if err != nil {
		return nil, err
	}
	if len(out.Analysts) > len(analysts) {
		p.logger.Debug("dropped surplus analysts", "requested", s.MaxAnalysts, "returned", len(out.Analysts))
	}
	return func(st *core.PanelState) { st.Analysts = analysts }, nil
}

// initiateInterviews loops back to panel creation while feedback is
// pending, otherwise starts one interview per analyst.
func (p *panel) initiateInterviews(s core.PanelState) graph.Route {
	if s.Feedback() != "" {
		return graph.Goto(NodeCreateAnalysts)
	}
	sends := make([]graph.Send, 0, len(s.Analysts))
	for _, a := range s.Analysts {
		sends = append(sends, graph.Send{Node: NodeConductInterview, Input: core.InterviewState{
			Topic:    s.Topic,
			Analyst:  a,
			Messages: []core.Message{OpeningMessage(s.Topic)},
			MaxTurns: p.cfg.MaxTurns,
		}})
	}
	return graph.Scatter(sends...)
}

func (p *panel) writeReport(ctx context.Context, s core.PanelState) (graph.Update[core.PanelState], error) {
	tmpl := s.ReportTemplate
	if strings.TrimSpace(tmpl) == "" {
		var err error
		if tmpl, err = p.prompts.DefaultReportTemplate(); err != nil {
			return nil, err
		}
	}
	sys, err := p.prompts.RenderReport(ReportParams{
		Topic:    s.Topic,
		Context:  s.JoinedSections(),
		Template: tmpl,
	})
	if err != nil {
		return nil, err
	}
	body, err := p.gen.Complete(ctx, []core.Message{core.SystemMessage(sys), core.UserMessage(reportRequest)},
		core.WithHeavy(), core.WithActor(core.ActorEditor), core.WithOperation(NodeWriteReport))
	if err != nil {
		return nil, err
	}
	return func(st *core.PanelState) { st.Body = body }, nil
}

func (p *panel) writeFraming(op, request string, set func(*core.PanelState, string)) graph.NodeFunc[core.PanelState] {
	return func(ctx context.Context, s core.PanelState) (graph.Update[core.PanelState], error) {
		sys, err := p.prompts.RenderIntroConclusion(IntroConclusionParams{
			Topic:    s.Topic,
			Sections: s.JoinedSections(),
		})
		if err != nil {
			return nil, err
		}
		text, err := p.gen.Complete(ctx, []core.Message{core.SystemMessage(sys), core.UserMessage(request)},
			core.WithActor(core.ActorEditor), core.WithOperation(op))
		if err != nil {
			return nil, err
		}
		return func(st *core.PanelState) { set(st, text) }, nil
	}
}

func finalizeReport(_ context.Context, s core.PanelState) (graph.Update[core.PanelState], error) {
	if s.Introduction == "" && s.Body == "" && s.Conclusion == "" {
		return nil, core.ErrState(core.CodeInvalidState, "no report parts to assemble")
	}
	report := FinalizeReport(s.Introduction, s.Body, s.Conclusion)
	return func(st *core.PanelState) { st.FinalReport = report }, nil
}
