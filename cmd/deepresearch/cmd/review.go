package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <thread> <text>",
	Short: "Regenerate a paused panel with your feedback",
	Long: `Send feedback on the analyst panel. The panel is regenerated with the
feedback folded into the instruction and the run pauses for review again.
Empty feedback is the same as 'proceed'.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runFeedback,
}

var proceedCmd = &cobra.Command{
	Use:   "proceed <thread>",
	Short: "Accept the panel and run the interviews and the report",
	Args:  cobra.ExactArgs(1),
	RunE:  runProceed,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <thread>",
	Short: "Continue a failed or interrupted run from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(proceedCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runFeedback(cmd *cobra.Command, args []string) error {
	text := strings.Join(args[1:], " ")
	return continueRun(cmd, args, "Regenerating the analyst panel", func(ctx context.Context, a *app, thread core.ThreadID) (*research.Run, error) {
		return a.agent.Feedback(ctx, thread, text)
	})
}

func runProceed(cmd *cobra.Command, args []string) error {
	return continueRun(cmd, args, "Interviewing experts and writing the report", func(ctx context.Context, a *app, thread core.ThreadID) (*research.Run, error) {
		return a.agent.Proceed(ctx, thread)
	})
}

func runResume(cmd *cobra.Command, args []string) error {
	return continueRun(cmd, args, "Resuming from the last checkpoint", func(ctx context.Context, a *app, thread core.ThreadID) (*research.Run, error) {
		return a.agent.Resume(ctx, thread)
	})
}

func continueRun(cmd *cobra.Command, args []string, title string,
	fn func(context.Context, *app, core.ThreadID) (*research.Run, error)) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	thread, err := threadArg(args)
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.watch(ctx, cmd, thread, title, func(ctx context.Context) (*research.Run, error) {
		return fn(ctx, a, thread)
	})
	if err != nil {
		return a.suggestThread(context.WithoutCancel(ctx), thread, err)
	}
	return printRun(cmd.OutOrStdout(), run)
}
