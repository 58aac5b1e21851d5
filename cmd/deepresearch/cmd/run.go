package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/tui"
)

var runCmd = &cobra.Command{
	Use:   "run <topic>",
	Short: "Research a topic end to end, reviewing the panel interactively",
	Long: `Run a full research session in one process: build the analyst panel,
review it (type feedback to regenerate it, or press enter to accept), run
the interviews and print the report.

Leaving the review keeps the run paused; continue later with 'proceed',
'feedback' or 'run --thread <id>'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var runApprove bool

func init() {
	rootCmd.AddCommand(runCmd)
	addStartFlags(runCmd)
	runCmd.Flags().BoolVarP(&runApprove, "yes", "y", false, "accept the first panel without review")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	req, err := startRequest(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.agent.Get(ctx, req.ThreadID)
	switch {
	case core.IsCategory(err, core.ErrCatNotFound):
		run, err = a.watch(ctx, cmd, req.ThreadID, "Building the analyst panel", func(ctx context.Context) (*research.Run, error) {
			return a.agent.Start(ctx, req)
		})
	case err == nil && run.Status != core.RunStatusCompleted && !run.AwaitingFeedback:
		run, err = a.watch(ctx, cmd, req.ThreadID, "Resuming from the last checkpoint", func(ctx context.Context) (*research.Run, error) {
			return a.agent.Resume(ctx, req.ThreadID)
		})
	}
	if err != nil {
		return err
	}

	thread := req.ThreadID
	in := bufio.NewReader(cmd.InOrStdin())
	for run.AwaitingFeedback {
		decision := tui.Decision{Action: tui.ActionApprove}
		if !runApprove {
			if decision, err = review(ctx, cmd, in, run); err != nil {
				return err
			}
		}

		switch decision.Action {
		case tui.ActionQuit:
			return printRun(cmd.OutOrStdout(), run)
		case tui.ActionFeedback:
			run, err = a.watch(ctx, cmd, thread, "Regenerating the analyst panel", func(ctx context.Context) (*research.Run, error) {
				return a.agent.Feedback(ctx, thread, decision.Feedback)
			})
		default:
			run, err = a.watch(ctx, cmd, thread, "Interviewing experts and writing the report", func(ctx context.Context) (*research.Run, error) {
				return a.agent.Proceed(ctx, thread)
			})
		}
		if err != nil {
			return err
		}
	}

	if run.Status != core.RunStatusCompleted {
		return printRun(cmd.OutOrStdout(), run)
	}
	if outputMode() == tui.ModeJSON {
		return printJSON(cmd.OutOrStdout(), run)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "thread %s completed\n", run.ThreadID)
	return printMarkdown(cmd, run.FinalReport)
}

// review asks for a decision on the panel. in is shared across rounds so
// buffered lines are not lost.
func review(ctx context.Context, cmd *cobra.Command, in *bufio.Reader, run *research.Run) (tui.Decision, error) {
	if outputMode() == tui.ModeTUI {
		return tui.RunReview(ctx, run.Topic, run.Analysts, os.Stdin, cmd.ErrOrStderr())
	}
	return tui.PromptReview(run.Topic, run.Analysts, in, cmd.ErrOrStderr())
}
