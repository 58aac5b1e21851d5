package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
)

// RenderPanel lists the analysts awaiting review.
func RenderPanel(topic string, analysts []core.Analyst, width int) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Analyst panel: %s", topic)))
	b.WriteString("\n")

	cardWidth := width - 4
	if cardWidth < 20 {
		cardWidth = 20
	}
	for i, a := range analysts {
		card := RoleStyle.Render(fmt.Sprintf("%d. %s", i+1, a.Role)) + "\n" +
			lipgloss.NewStyle().Width(cardWidth).Render(a.Description)
		b.WriteString(AnalystCardStyle.Render(card))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderRun summarizes a run on a few lines.
func RenderRun(run *research.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", SubtleStyle.Render("thread:"), run.ThreadID)
	fmt.Fprintf(&b, "%s %s\n", SubtleStyle.Render("topic: "), run.Topic)
	fmt.Fprintf(&b, "%s %s", SubtleStyle.Render("status:"), StatusStyle(run.Status).Render(string(run.Status)))
	if run.AwaitingFeedback {
		b.WriteString(WarnStyle.Render(" (awaiting panel review)"))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %d/%d analysts, %d sections\n", SubtleStyle.Render("panel: "),
		len(run.Analysts), run.MaxAnalysts, run.Sections)
	if len(run.Next) > 0 {
		fmt.Fprintf(&b, "%s %s\n", SubtleStyle.Render("next:  "), strings.Join(run.Next, ", "))
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "%s %s\n", SubtleStyle.Render("error: "), ErrorStyle.Render(run.Error))
	}
	return b.String()
}

// RenderList renders thread summaries as a table.
func RenderList(threads []core.ThreadSummary) string {
	if len(threads) == 0 {
		return SubtleStyle.Render("no research runs yet") + "\n"
	}
	rows := make([][]string, 0, len(threads))
	for _, t := range threads {
		rows = append(rows, []string{
			string(t.ThreadID),
			string(t.Status),
			core.TruncateMessage(t.Topic, 48),
			t.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
		Headers("THREAD", "STATUS", "TOPIC", "UPDATED").
		Rows(rows...)
	return tbl.String() + "\n"
}

// RenderReport renders markdown for the terminal. Without color the
// report is word-wrapped but otherwise unstyled.
func RenderReport(markdown string, width int, color bool) (string, error) {
	style := glamour.WithStandardStyle("notty")
	if color {
		style = glamour.WithStandardStyle("dark")
	}
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return "", fmt.Errorf("creating markdown renderer: %w", err)
	}
	out, err := r.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("rendering report: %w", err)
	}
	return out, nil
}
