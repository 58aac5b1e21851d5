package tui

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/events"
)

// NodeLabel names a node for display. Interview nodes carry the analyst
// number taken from the child thread.
func NodeLabel(ev events.NodeEvent) string {
	if ev.Graph != core.GraphInterview {
		return ev.Node
	}
	if i := strings.LastIndexByte(ev.Thread, '/'); i >= 0 {
		if n, err := strconv.Atoi(ev.Thread[i+1:]); err == nil {
			return fmt.Sprintf("analyst %d: %s", n+1, ev.Node)
		}
	}
	return "interview: " + ev.Node
}

// FormatEvent renders one bus event as a single line. Node starts are
// skipped since the completion line follows.
func FormatEvent(ev events.Event) (string, bool) {
	switch e := ev.(type) {
	case events.RunStartedEvent:
		return fmt.Sprintf("research started: %s (%d analysts)", e.Topic, e.MaxAnalysts), true
	case events.RunAwaitingInputEvent:
		return fmt.Sprintf("panel ready for review: %s", strings.Join(e.Analysts, ", ")), true
	case events.RunResumedEvent:
		if e.Feedback != "" {
			return "regenerating panel with feedback", true
		}
		return "resumed", true
	case events.RunCompletedEvent:
		return fmt.Sprintf("report assembled from %d sections in %s", e.Sections, e.Duration.Round(time.Second)), true
	case events.RunFailedEvent:
		return fmt.Sprintf("run failed at %s: %s", e.Node, e.Error), true
	case events.NodeEvent:
		switch e.Type {
		case events.TypeNodeCompleted:
			return fmt.Sprintf("  done %s (%s)", NodeLabel(e), e.Duration.Round(time.Millisecond)), true
		case events.TypeNodeRetrying:
			return fmt.Sprintf("  retry %s after attempt %d: %s", NodeLabel(e), e.Attempt, e.Error), true
		case events.TypeNodeFailed:
			return fmt.Sprintf("  failed %s: %s", NodeLabel(e), e.Error), true
		}
	}
	return "", false
}

// PrintEvents writes formatted events to w until ch closes or ctx ends.
func PrintEvents(ctx context.Context, w io.Writer, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			// Flush what was published before cancellation.
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					if line, ok := FormatEvent(ev); ok {
						fmt.Fprintln(w, line)
					}
				default:
					return
				}
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if line, ok := FormatEvent(ev); ok {
				fmt.Fprintln(w, line)
			}
		}
	}
}

type eventMsg struct{ ev events.Event }

type workDoneMsg struct{ err error }

// Progress shows a spinner over the active nodes while work runs, and
// keeps a log of finished steps.
type Progress struct {
	title   string
	spinner spinner.Model
	events  <-chan events.Event
	work    func() error

	active map[string]string
	lines  []string
	err    error
	done   bool
}

// NewProgress creates a progress view. work runs in the background; the
// program quits when it returns.
func NewProgress(title string, ch <-chan events.Event, work func() error) Progress {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = RunningStyle
	return Progress{
		title:   title,
		spinner: sp,
		events:  ch,
		work:    work,
		active:  make(map[string]string),
	}
}

// Err returns the error of the background work.
func (m Progress) Err() error { return m.err }

// Init starts the spinner, the work and the event listener.
func (m Progress) Init() tea.Cmd {
	work := m.work
	return tea.Batch(m.spinner.Tick, m.listen(), func() tea.Msg {
		return workDoneMsg{err: work()}
	})
}

func (m Progress) listen() tea.Cmd {
	ch := m.events
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg{ev: ev}
	}
}

// Update handles events, ticks and the end of the work.
func (m Progress) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.err = context.Canceled
			m.done = true
			return m, tea.Quit
		}
	case workDoneMsg:
		m.err = msg.err
		m.done = true
		return m, tea.Quit
	case eventMsg:
		if ne, ok := msg.ev.(events.NodeEvent); ok {
			key := ne.Thread + "|" + ne.Node
			if ne.Type == events.TypeNodeStarted {
				m.active[key] = NodeLabel(ne)
			} else if ne.Type != events.TypeNodeRetrying {
				delete(m.active, key)
			}
		}
		if line, ok := FormatEvent(msg.ev); ok {
			m.lines = append(m.lines, line)
		}
		return m, m.listen()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// maxLogLines bounds the finished-step log shown under the spinner.
const maxLogLines = 12

// View renders the progress view.
func (m Progress) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(m.title))
	b.WriteString("\n")

	lines := m.lines
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	for _, l := range lines {
		b.WriteString(SubtleStyle.Render(l))
		b.WriteString("\n")
	}
	if m.done {
		return b.String()
	}

	labels := make([]string, 0, len(m.active))
	for _, l := range m.active {
		labels = append(labels, l)
	}
	slices.Sort(labels)
	if len(labels) == 0 {
		labels = []string{"waiting"}
	}
	fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), strings.Join(labels, ", "))
	b.WriteString(HelpStyle.Render("ctrl+c to stop watching; the run keeps its last checkpoint"))
	b.WriteString("\n")
	return b.String()
}

// RunProgress runs work under a Progress view on out.
func RunProgress(ctx context.Context, title string, ch <-chan events.Event, in io.Reader, out io.Writer, work func() error) error {
	p := tea.NewProgram(NewProgress(title, ch, work),
		tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("running progress view: %w", err)
	}
	return final.(Progress).Err()
}
