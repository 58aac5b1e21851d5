package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/config"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/tui"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, credentials and the state store",
	Long: `Verify that a research run can start. The configuration must be valid,
a model API key must be set and the checkpoint store must open. Retrieval
sources are reported as configured or missing. Host resources and the
most recent crash dump are reported as well.`,
	// Reports invalid configuration instead of failing on it.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// Check outcomes.
const (
	checkOK       = "ok"
	checkFailed   = "failed"
	checkOptional = "optional"
	checkWarning  = "warning"
)

type doctorCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type doctorReport struct {
	Checks    []doctorCheck                `json:"checks"`
	Resources diagnostics.ResourceSnapshot `json:"resources"`
	LastCrash *diagnostics.CrashDump       `json:"last_crash,omitempty"`
}

func (r *doctorReport) add(name, status, detail string) {
	r.Checks = append(r.Checks, doctorCheck{Name: name, Status: status, Detail: detail})
}

func (r *doctorReport) failed() bool {
	for _, c := range r.Checks {
		if c.Status == checkFailed {
			return true
		}
	}
	return false
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	report := diagnose(cmd.Context())

	out := cmd.OutOrStdout()
	if outputMode() == tui.ModeJSON {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		printDoctor(out, report)
	}
	if report.failed() {
		return errors.New("doctor found problems")
	}
	return nil
}

func diagnose(ctx context.Context) *doctorReport {
	report := &doctorReport{Resources: diagnostics.TakeSnapshot()}

	loader := config.NewLoader()
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	c, err := loader.Load()
	if err != nil {
		report.add("configuration", checkFailed, err.Error())
		return report
	}
	source := loader.ConfigFile()
	if source == "" {
		source = "built-in defaults"
	}
	var verrs config.ValidationErrors
	switch err := config.ValidateConfig(c); {
	case errors.As(err, &verrs):
		for _, e := range verrs {
			report.add("configuration", checkFailed, e.Error())
		}
		return report
	case err != nil:
		report.add("configuration", checkFailed, err.Error())
		return report
	default:
		report.add("configuration", checkOK, source)
	}

	if c.LLM.APIKey != "" || c.LLM.BaseURL != "" {
		report.add("model", checkOK, fmt.Sprintf("%s %s", c.LLM.Provider, c.LLM.Model))
	} else {
		report.add("model", checkFailed, fmt.Sprintf("no API key for %s", c.LLM.Provider))
	}

	if c.LLM.BaseURL != "" && diagnostics.IsLocalEndpoint(c.LLM.BaseURL) {
		if gpus := diagnostics.GPUs(); len(gpus) > 0 {
			report.add("local model host", checkOK, strings.Join(gpus, ", "))
		} else {
			report.add("local model host", checkWarning, "no GPU detected; local generation may be slow")
		}
	}

	t := c.Retrieval.Tavily
	switch {
	case !t.Enabled:
		report.add("web search", checkOptional, "disabled")
	case t.APIKey == "":
		report.add("web search", checkOptional, "no Tavily API key; interviews get placeholders")
	default:
		report.add("web search", checkOK, "tavily")
	}
	if c.Retrieval.Wikipedia.Enabled {
		report.add("reference search", checkOK, "wikipedia ("+c.Retrieval.Wikipedia.Language+")")
	} else {
		report.add("reference search", checkOptional, "disabled")
	}

	if _, err := newPrompts(c.Research); err != nil {
		report.add("prompts", checkFailed, err.Error())
	} else {
		report.add("prompts", checkOK, "")
	}

	report.add(checkStore(ctx, c.State))

	for _, w := range report.Resources.Warnings() {
		report.add("host", checkWarning, w)
	}

	if c.Diagnostics.CrashDumps {
		dump, path, err := diagnostics.LoadLatestCrashDump(c.Diagnostics.CrashDir)
		switch {
		case errors.Is(err, diagnostics.ErrNoCrashDumps):
		case err != nil:
			report.add("crash dumps", checkWarning, err.Error())
		default:
			report.LastCrash = dump
			report.add("crash dumps", checkWarning, fmt.Sprintf("last crash %s: %s (%s)",
				dump.Timestamp.Format("2006-01-02 15:04:05"), dump.PanicValue, path))
		}
	}
	return report
}

func checkStore(ctx context.Context, c config.StateConfig) (name, status, detail string) {
	store, err := state.NewCheckpointStore(ctx, stateOptions(c), logging.NewNop())
	if err != nil {
		return "state store", checkFailed, err.Error()
	}
	defer store.Close()

	threads, err := store.List(ctx, core.GraphResearch)
	if err != nil {
		return "state store", checkFailed, err.Error()
	}
	return "state store", checkOK, fmt.Sprintf("%s, %d checkpointed threads", c.Backend, len(threads))
}

func printDoctor(w io.Writer, r *doctorReport) {
	icons := map[string]string{checkOK: "✓", checkFailed: "✗", checkOptional: "○", checkWarning: "⚠"}
	for _, c := range r.Checks {
		line := fmt.Sprintf("  %s %s", icons[c.Status], c.Name)
		if c.Detail != "" {
			line += ": " + c.Detail
		}
		fmt.Fprintln(w, line)
	}

	s := r.Resources
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  host: %d cores, load %.2f, memory %.0f%% used of %.0f MB\n",
		s.CPUCores, s.Load1, s.MemUsedPercent, s.MemTotalMB)
	fmt.Fprintf(w, "  process: %d goroutines, heap %.1f MB, rss %.1f MB\n",
		s.Goroutines, s.HeapAllocMB, s.RSSMB)
	fmt.Fprintln(w)

	if r.failed() {
		fmt.Fprintln(w, "Fix the failed checks before starting a run.")
	} else {
		fmt.Fprintln(w, "Ready to research.")
	}
}
