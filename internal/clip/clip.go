// Package clip copies text to the clipboard, falling back to the terminal
// and finally to a temp file.
package clip

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	atotto "github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
	"golang.org/x/term"
)

// Method represents the mechanism used to make content copyable.
type Method string

const (
	MethodNative Method = "native" // OS clipboard
	MethodOSC52  Method = "osc52"  // terminal clipboard escape sequence
	MethodFile   Method = "file"   // temp file; nothing reached a clipboard
)

// Result tells the caller where the text ended up.
type Result struct {
	Method   Method
	FilePath string // only set when Method == MethodFile
}

// Describe is a one-line message for the user.
func (r Result) Describe() string {
	switch r.Method {
	case MethodNative:
		return "copied to clipboard"
	case MethodOSC52:
		return "copied to clipboard via terminal"
	default:
		return "clipboard unavailable, saved to " + r.FilePath
	}
}

// OSC52Limit bounds the payload sent through the terminal. Reports larger
// than this go to a file.
const OSC52Limit = 100_000

// Copier tries each method in turn.
type Copier struct {
	native   func(string) error
	terminal io.Writer
	isTTY    func() bool
	getenv   func(string) string
	tempDir  string
}

// New returns a Copier using the system clipboard and stderr.
func New() *Copier {
	c := &Copier{
		native:   atotto.WriteAll,
		terminal: os.Stderr,
		isTTY:    func() bool { return term.IsTerminal(int(os.Stderr.Fd())) },
		getenv:   os.Getenv,
	}
	if atotto.Unsupported {
		c.native = nil
	}
	return c
}

// WriteAll copies text with the default Copier.
func WriteAll(text string) (Result, error) {
	return New().Copy(text)
}

// Copy tries the native clipboard, then OSC52, then a temp file.
func (c *Copier) Copy(text string) (Result, error) {
	if c.native != nil {
		if err := c.native(text); err == nil {
			return Result{Method: MethodNative}, nil
		}
	}

	if err := c.writeOSC52(text); err == nil {
		return Result{Method: MethodOSC52}, nil
	}

	path, err := c.writeTempFile(text)
	if err != nil {
		return Result{}, fmt.Errorf("saving clipboard fallback: %w", err)
	}
	return Result{Method: MethodFile, FilePath: path}, nil
}

func (c *Copier) writeOSC52(text string) error {
	switch {
	case text == "":
		return errors.New("empty clipboard text")
	case c.terminal == nil || c.isTTY == nil || !c.isTTY():
		return errors.New("no terminal attached")
	case len(text) > OSC52Limit:
		return fmt.Errorf("text too large for OSC52 (%d bytes > %d)", len(text), OSC52Limit)
	}

	seq := osc52.New(text).Limit(OSC52Limit)
	if c.getenv("TMUX") != "" {
		seq = seq.Tmux()
	} else if c.getenv("STY") != "" {
		seq = seq.Screen()
	}
	// stderr keeps the sequence away from the bubbletea renderer on stdout.
	_, err := seq.WriteTo(c.terminal)
	return err
}

func (c *Copier) writeTempFile(text string) (string, error) {
	f, err := os.CreateTemp(c.tempDir, "deepresearch-report-*.md")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return filepath.Clean(path), nil
}
