package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/clip"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/config"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/tui"
)

var reportCmd = &cobra.Command{
	Use:   "report <thread>",
	Short: "Print the final report of a completed run",
	Long: `Print the final report. On a terminal the markdown is rendered; use --raw
for the markdown itself. --interview prints one analyst's interview
transcript instead (0-based, in panel order).

Examples:
  deepresearch report agents --raw > report.md
  deepresearch report agents --copy
  deepresearch report agents --interview 1`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

var (
	reportRaw       bool
	reportCopy      bool
	reportFile      string
	reportInterview int
)

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().BoolVar(&reportRaw, "raw", false, "print markdown without rendering")
	reportCmd.Flags().BoolVar(&reportCopy, "copy", false, "copy the report to the clipboard")
	reportCmd.Flags().StringVarP(&reportFile, "file", "f", "", "write the report to a file")
	reportCmd.Flags().IntVar(&reportInterview, "interview", -1, "print the interview transcript of analyst N")
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	thread, err := threadArg(args)
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var text string
	if reportInterview >= 0 {
		iv, err := a.agent.Interview(ctx, thread, reportInterview)
		if err != nil {
			return a.suggestThread(ctx, thread, err)
		}
		if iv.Interview == "" {
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("interview %d of %s has not finished", reportInterview, thread))
		}
		text = fmt.Sprintf("# Interview: %s\n\n%s\n", iv.Analyst.Role, iv.Interview)
	} else {
		run, err := a.agent.Get(ctx, thread)
		if err != nil {
			return a.suggestThread(ctx, thread, err)
		}
		if run.Status != core.RunStatusCompleted {
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("report for %s is not ready (status %s)", thread, run.Status))
		}
		text = run.FinalReport
	}

	if reportFile != "" {
		if err := config.AtomicWrite(reportFile, []byte(text)); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", reportFile)
	}
	if reportCopy {
		res, err := clip.WriteAll(text)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), res.Describe())
	}
	if reportFile != "" || reportCopy {
		return nil
	}
	return printMarkdown(cmd, text)
}

func printMarkdown(cmd *cobra.Command, text string) error {
	out := cmd.OutOrStdout()
	if reportRaw || outputMode() != tui.ModeTUI {
		_, err := fmt.Fprint(out, text)
		return err
	}
	rendered, err := tui.RenderReport(text, tui.TerminalWidth(), !noColor)
	if err != nil {
		// Fall back to the markdown itself.
		_, werr := fmt.Fprint(out, text)
		return werr
	}
	_, err = fmt.Fprint(out, rendered)
	return err
}

