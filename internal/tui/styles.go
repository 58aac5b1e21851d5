// Package tui renders research runs in the terminal: the analyst panel,
// live progress, the review prompt and the final report.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// Palette.
var (
	ColorPrimary = lipgloss.Color("#7C3AED")
	ColorAccent  = lipgloss.Color("#06B6D4")
	ColorGood    = lipgloss.Color("#10B981")
	ColorWarn    = lipgloss.Color("#F59E0B")
	ColorBad     = lipgloss.Color("#EF4444")
	ColorText    = lipgloss.Color("#E5E7EB")
	ColorMuted   = lipgloss.Color("#9CA3AF")
	ColorBorder  = lipgloss.Color("#374151")
)

var (
	TitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary).MarginBottom(1)
	RoleStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorText)
	SubtleStyle = lipgloss.NewStyle().Foreground(ColorMuted)
	HelpStyle   = SubtleStyle.Italic(true)

	ErrorStyle     = lipgloss.NewStyle().Bold(true).Foreground(ColorBad)
	WarnStyle      = lipgloss.NewStyle().Foreground(ColorWarn)
	RunningStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	CompletedStyle = lipgloss.NewStyle().Foreground(ColorGood)

	// AnalystCardStyle frames one analyst of the panel with a left rule.
	AnalystCardStyle = lipgloss.NewStyle().
				BorderLeft(true).
				BorderStyle(lipgloss.ThickBorder()).
				BorderForeground(ColorAccent).
				Padding(0, 1).
				MarginBottom(1)

	InputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorPrimary).
			Padding(0, 1)
)

var statusStyles = map[core.RunStatus]lipgloss.Style{
	core.RunStatusRunning:     RunningStyle,
	core.RunStatusInterrupted: WarnStyle,
	core.RunStatusCompleted:   CompletedStyle,
	core.RunStatusFailed:      ErrorStyle,
}

// StatusStyle returns the style a run status is printed in.
func StatusStyle(status core.RunStatus) lipgloss.Style {
	if st, ok := statusStyles[status]; ok {
		return st
	}
	return SubtleStyle
}
