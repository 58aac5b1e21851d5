package core

import (
	"fmt"
	"strings"
)

// Analyst is a synthesized research persona. Identity is positional.
type Analyst struct {
	Role        string `json:"role"`
	Description string `json:"description"`
}

// Persona renders the analyst for prompt interpolation.
func (a Analyst) Persona() string {
	return fmt.Sprintf("Role: %s\nDescription: %s\n", a.Role, a.Description)
}

// Document is a single retrieved item with its provenance.
type Document struct {
	Content string `json:"content"`
	URL     string `json:"url,omitempty"`
	Source  string `json:"source,omitempty"`
	Page    string `json:"page,omitempty"`
}

// PanelState is the persisted state of a research run.
type PanelState struct {
	Topic          string    `json:"topic"`
	MaxAnalysts    int       `json:"max_analysts"`
	HumanFeedback  *string   `json:"human_feedback,omitempty"`
	Analysts       []Analyst `json:"analysts,omitempty"`
	Sections       []string  `json:"sections,omitempty"`
	Introduction   string    `json:"introduction,omitempty"`
	Body           string    `json:"content,omitempty"`
	Conclusion     string    `json:"conclusion,omitempty"`
	FinalReport    string    `json:"final_report,omitempty"`
	ReportTemplate string    `json:"report_template,omitempty"`
}

// Feedback returns the trimmed human feedback, or "" when absent.
func (s *PanelState) Feedback() string {
	if s.HumanFeedback == nil {
		return ""
	}
	return strings.TrimSpace(*s.HumanFeedback)
}

// JoinedSections returns all sections separated by blank lines.
func (s *PanelState) JoinedSections() string {
	return strings.Join(s.Sections, "\n\n")
}

// InterviewState is the persisted state of one analyst's interview.
type InterviewState struct {
	Topic     string    `json:"topic,omitempty"`
	Analyst   Analyst   `json:"analyst"`
	Messages  []Message `json:"messages"`
	Context   []string  `json:"context,omitempty"`
	MaxTurns  int       `json:"max_num_turns"`
	Interview string    `json:"interview,omitempty"`
	Sections  []string  `json:"sections,omitempty"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
