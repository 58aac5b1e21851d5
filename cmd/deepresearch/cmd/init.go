package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default .deepresearch.yaml",
	Long: `Write a commented default configuration to .deepresearch.yaml in the
current directory, or to the user config directory with --global.`,
	Args: cobra.NoArgs,
	// The config being created may not load yet.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runInit,
}

var (
	initForce  bool
	initGlobal bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing configuration")
	initCmd.Flags().BoolVar(&initGlobal, "global", false, "write to ~/.config/deepresearch instead")
}

func runInit(cmd *cobra.Command, _ []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}
	if initGlobal {
		if dir, err = config.UserConfigDir(); err != nil {
			return err
		}
	}

	path := filepath.Join(dir, ".deepresearch.yaml")
	if cfgFile != "" {
		path = cfgFile
	}
	if err := config.WriteDefault(path, initForce); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration written to", path)
	fmt.Fprintln(out, "Set ANTHROPIC_API_KEY (and TAVILY_API_KEY for web search), then run:")
	fmt.Fprintln(out, `  deepresearch run "your topic"`)
	return nil
}
