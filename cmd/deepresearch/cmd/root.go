package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/config"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	noColor   bool
	quiet     bool

	// Loaded by PersistentPreRunE.
	cfg       *config.Config
	cfgLoader *config.Loader
	crash     *diagnostics.CrashDumpWriter

	// Version info - set via SetVersion()
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "deepresearch",
	Short: "Multi-analyst research reports with human review",
	Long: `deepresearch turns a topic into a sourced markdown report.

A panel of analyst personas is generated for the topic and paused for your
review. Each analyst then interviews a retrieval-backed expert, and the
interviews are folded into a report with an introduction, a body, a
conclusion and sources.

Runs are checkpointed after every step, so a paused or failed run can be
continued from another process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initConfig(cmd)
	},
}

// Execute runs the root command. A panic becomes an error, with a crash
// dump when diagnostics.crash_dumps is on.
func Execute() (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if crash == nil {
			err = fmt.Errorf("command panicked: %v", r)
			return
		}
		err = crash.Recover(r)
	}()
	return rootCmd.Execute()
}

// SetVersion injects build information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// GetVersion returns the application version string.
func GetVersion() string {
	return appVersion
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .deepresearch.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (auto, text, json, pretty)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"suppress progress output")
}

func initConfig(cmd *cobra.Command) error {
	v := viper.New()
	flags := cmd.Root().PersistentFlags()
	// Errors are nil when the flag exists. Unchanged flags fall back to the
	// config, since their defaults are empty.
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	loader := config.NewLoaderWithViper(v)
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	loaded, err := loader.Load()
	if err != nil {
		return err
	}
	if err := config.ValidateConfig(loaded); err != nil {
		return err
	}
	cfg, cfgLoader = loaded, loader
	crash = newCrashWriter(loaded, cmd)
	return nil
}

func newCrashWriter(c *config.Config, cmd *cobra.Command) *diagnostics.CrashDumpWriter {
	d := c.Diagnostics
	if !d.CrashDumps {
		return nil
	}
	opts := []diagnostics.CrashDumpOption{diagnostics.WithMaxDumps(d.MaxDumps), diagnostics.WithVersion(appVersion)}
	if d.IncludeEnv {
		opts = append(opts, diagnostics.WithEnvironment())
	}
	w := diagnostics.NewCrashDumpWriter(d.CrashDir, opts...)
	w.SetCommand(cmd.CommandPath(), cmd.Flags().Args())
	return w
}

// newLogger builds the process logger. Logs go to stderr, or to log.file
// when configured, so stdout stays clean for reports.
func newLogger(c *config.Config) (*logging.Logger, func(), error) {
	out := io.Writer(os.Stderr)
	closeFn := func() {}
	if c.Log.File != "" {
		f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}
	return logging.New(logging.Config{
		Level:   c.Log.Level,
		Format:  c.Log.Format,
		Output:  out,
		NoColor: noColor,
		Redact:  c.Log.Redact,
	}), closeFn, nil
}
