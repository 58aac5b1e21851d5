package tui

import (
	"os"

	"golang.org/x/term"
)

// OutputMode represents the output mode.
type OutputMode int

const (
	// ModeTUI uses bubbletea.
	ModeTUI OutputMode = iota
	// ModePlain prints one line per event.
	ModePlain
	// ModeJSON prints machine-readable output.
	ModeJSON
)

// String returns the string representation of the output mode.
func (m OutputMode) String() string {
	switch m {
	case ModeTUI:
		return "tui"
	case ModePlain:
		return "plain"
	case ModeJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseOutputMode parses an output mode from string. Unknown values yield
// ok == false.
func ParseOutputMode(s string) (OutputMode, bool) {
	switch s {
	case "tui":
		return ModeTUI, true
	case "plain", "text":
		return ModePlain, true
	case "json":
		return ModeJSON, true
	default:
		return ModePlain, false
	}
}

// Detector determines the appropriate output mode.
type Detector struct {
	forceMode *OutputMode
	noColor   bool
	getenv    func(string) string
	isTTY     func() bool
}

// NewDetector creates a detector for stdout.
func NewDetector() *Detector {
	return &Detector{
		getenv: os.Getenv,
		isTTY:  func() bool { return term.IsTerminal(int(os.Stdout.Fd())) },
	}
}

// ForceMode forces a specific output mode.
func (d *Detector) ForceMode(mode OutputMode) *Detector {
	d.forceMode = &mode
	return d
}

// NoColor disables color output.
func (d *Detector) NoColor(disable bool) *Detector {
	d.noColor = disable
	return d
}

// Detect determines the appropriate output mode.
func (d *Detector) Detect() OutputMode {
	if d.forceMode != nil {
		return *d.forceMode
	}
	if mode, ok := ParseOutputMode(d.getenv("DEEPRESEARCH_OUTPUT")); ok {
		return mode
	}
	if d.getenv("CI") != "" || !d.isTTY() {
		return ModePlain
	}
	return ModeTUI
}

// ShouldUseColor determines if color should be used.
func (d *Detector) ShouldUseColor() bool {
	if d.noColor || d.getenv("NO_COLOR") != "" || d.getenv("TERM") == "dumb" {
		return false
	}
	return d.isTTY()
}

// TerminalWidth returns the stdout width, or 80 when unknown.
func TerminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}
