package cmd

import (
	"context"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/research"
)

var startCmd = &cobra.Command{
	Use:   "start <topic>",
	Short: "Create the analyst panel for a topic and pause for review",
	Long: `Start a research run. The analyst panel is generated and the run pauses
so you can review it with 'proceed' or 'feedback'.

Examples:
  deepresearch start "The benefits of adopting LangGraph as an agent framework"
  deepresearch start --analysts 4 --thread agents "AI agents in 2025"`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var (
	startAnalysts     int
	startThread       string
	startTemplateFile string
)

func init() {
	rootCmd.AddCommand(startCmd)
	addStartFlags(startCmd)
}

func addStartFlags(c *cobra.Command) {
	c.Flags().IntVarP(&startAnalysts, "analysts", "n", 0,
		"number of analysts (default: research.max_analysts)")
	c.Flags().StringVar(&startThread, "thread", "",
		"thread id for the run (default: generated)")
	c.Flags().StringVar(&startTemplateFile, "template-file", "",
		"markdown style guide for the report (default: research.report_template_file)")
}

func startRequest(topic string) (research.StartRequest, error) {
	tmpl, err := reportTemplate(startTemplateFile)
	if err != nil {
		return research.StartRequest{}, err
	}
	n := startAnalysts
	if n == 0 {
		n = cfg.Research.MaxAnalysts
	}
	thread := core.ThreadID(startThread)
	if thread == "" {
		thread = core.ThreadID(uuid.NewString())
	}
	req := research.StartRequest{Topic: topic, MaxAnalysts: n, Template: tmpl, ThreadID: thread}
	return req, req.Validate()
}

func runStart(cmd *cobra.Command, args []string) error {
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

	run, err := a.watch(ctx, cmd, req.ThreadID, "Building the analyst panel", func(ctx context.Context) (*research.Run, error) {
		return a.agent.Start(ctx, req)
	})
	if err != nil {
		return err
	}
	return printRun(cmd.OutOrStdout(), run)
}
