package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/tui"
)

var outputFormat string

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "",
		"output mode (tui, plain, json; default: detected)")
}

func outputMode() tui.OutputMode {
	d := tui.NewDetector().NoColor(noColor)
	if mode, ok := tui.ParseOutputMode(outputFormat); ok {
		d.ForceMode(mode)
	}
	return d.Detect()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRun(w io.Writer, run *research.Run) error {
	if outputMode() == tui.ModeJSON {
		return printJSON(w, run)
	}
	fmt.Fprint(w, tui.RenderRun(run))
	switch {
	case run.AwaitingFeedback:
		fmt.Fprint(w, tui.RenderPanel(run.Topic, run.Analysts, tui.TerminalWidth()))
		fmt.Fprintf(w, "Review the panel, then run:\n  deepresearch proceed %s\n  deepresearch feedback %s \"...\"\n",
			run.ThreadID, run.ThreadID)
	case run.Status == core.RunStatusFailed:
		fmt.Fprintf(w, "Continue from the last checkpoint with:\n  deepresearch resume %s\n", run.ThreadID)
	case run.Status == core.RunStatusCompleted:
		fmt.Fprintf(w, "Read the report with:\n  deepresearch report %s\n", run.ThreadID)
	}
	return nil
}

// watch runs fn while showing the thread's events: a spinner on a
// terminal, plain lines otherwise, nothing with --quiet or JSON output.
func (a *app) watch(ctx context.Context, cmd *cobra.Command, thread core.ThreadID, title string,
	fn func(context.Context) (*research.Run, error)) (*research.Run, error) {
	if crash != nil {
		crash.SetThread(string(thread))
	}
	mode := outputMode()
	if quiet || mode == tui.ModeJSON {
		return fn(ctx)
	}

	ch := a.bus.SubscribeForThread(string(thread))
	defer a.bus.Unsubscribe(ch)

	var run *research.Run
	work := func() error {
		var err error
		run, err = fn(ctx)
		return err
	}

	if mode == tui.ModeTUI {
		err := tui.RunProgress(ctx, title, ch, os.Stdin, cmd.ErrOrStderr(), work)
		return run, err
	}

	printCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tui.PrintEvents(printCtx, cmd.ErrOrStderr(), ch)
	}()
	err := work()
	stop()
	wg.Wait()
	return run, err
}
