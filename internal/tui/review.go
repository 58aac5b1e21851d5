package tui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// Action is the reviewer's choice at the panel checkpoint.
type Action int

const (
	// ActionApprove continues to the interviews.
	ActionApprove Action = iota
	// ActionFeedback regenerates the panel with Decision.Feedback.
	ActionFeedback
	// ActionQuit leaves the run paused.
	ActionQuit
)

// Decision is the outcome of a panel review.
type Decision struct {
	Action   Action
	Feedback string
}

// DecisionFor maps reviewer input to a decision: blank input approves.
func DecisionFor(input string) Decision {
	text := strings.TrimSpace(input)
	if text == "" {
		return Decision{Action: ActionApprove}
	}
	return Decision{Action: ActionFeedback, Feedback: text}
}

// Review is the bubbletea model of the panel checkpoint.
type Review struct {
	topic    string
	analysts []core.Analyst
	input    textarea.Model
	width    int
	decision *Decision
}

// NewReview creates a review prompt for the given panel.
func NewReview(topic string, analysts []core.Analyst) Review {
	ta := textarea.New()
	ta.Placeholder = "Feedback to reshape the panel, or leave empty to start the interviews"
	ta.Focus()
	ta.Prompt = ""
	ta.CharLimit = 2000
	ta.SetWidth(76)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.KeyMap.InsertNewline.SetEnabled(false)

	return Review{
		topic:    topic,
		analysts: analysts,
		input:    ta,
		width:    80,
	}
}

// Decision returns the reviewer's decision, or ActionQuit when the prompt
// closed without one.
func (m Review) Decision() Decision {
	if m.decision == nil {
		return Decision{Action: ActionQuit}
	}
	return *m.decision
}

// Init starts the cursor blink.
func (m Review) Init() tea.Cmd {
	return textarea.Blink
}

// Update handles key presses and resizes.
func (m Review) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if msg.Width > 8 {
			m.input.SetWidth(msg.Width - 4)
		}
		return m, nil
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			d := Decision{Action: ActionQuit}
			m.decision = &d
			return m, tea.Quit
		case tea.KeyEnter:
			d := DecisionFor(m.input.Value())
			m.decision = &d
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the panel and the feedback box.
func (m Review) View() string {
	if m.decision != nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(RenderPanel(m.topic, m.analysts, m.width))
	b.WriteString(InputBoxStyle.Render(m.input.View()))
	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("enter: submit (empty approves) | esc: leave paused"))
	b.WriteString("\n")
	return b.String()
}

// RunReview shows the review prompt and returns the decision.
func RunReview(ctx context.Context, topic string, analysts []core.Analyst, in io.Reader, out io.Writer) (Decision, error) {
	p := tea.NewProgram(NewReview(topic, analysts),
		tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return Decision{}, fmt.Errorf("running review: %w", err)
	}
	return final.(Review).Decision(), nil
}

// PromptReview is the line-based review for non-interactive terminals.
// End of input leaves the run paused.
func PromptReview(topic string, analysts []core.Analyst, in io.Reader, out io.Writer) (Decision, error) {
	fmt.Fprint(out, RenderPanel(topic, analysts, 80))
	fmt.Fprint(out, "Feedback (empty line approves): ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return Decision{}, fmt.Errorf("reading feedback: %w", err)
	}
	if errors.Is(err, io.EOF) && line == "" {
		return Decision{Action: ActionQuit}, nil
	}
	return DecisionFor(line), nil
}
