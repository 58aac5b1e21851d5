package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status <thread>",
	Short: "Show the state of a research run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List research runs, newest first",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	thread, err := threadArg(args)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.agent.Get(cmd.Context(), thread)
	if err != nil {
		return a.suggestThread(cmd.Context(), thread, err)
	}
	return printRun(cmd.OutOrStdout(), run)
}

func runList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	threads, err := a.agent.List(cmd.Context())
	if err != nil {
		return err
	}
	if outputMode() == tui.ModeJSON {
		return printJSON(cmd.OutOrStdout(), threads)
	}
	_, err = cmd.OutOrStdout().Write([]byte(tui.RenderList(threads)))
	return err
}
