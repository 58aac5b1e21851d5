package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/snapshot"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/tui"
)

var exportCmd = &cobra.Command{
	Use:   "export [thread...]",
	Short: "Archive research runs with their interviews",
	Long: `Write research threads, and the interview threads under them, to a
gzipped tar archive. With no thread arguments every run is exported.

Examples:
  deepresearch export --out runs.tar.gz
  deepresearch export agents-2025 --out agents.tar.gz`,
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <archive>",
	Short: "Restore research runs from an export archive",
	Long: `Load the checkpoints in an archive into the configured state store.
Threads that already exist are skipped unless --on-conflict says otherwise.
Imported runs can be inspected, reviewed and resumed like local ones.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var (
	exportOut      string
	importConflict string
	importDryRun   bool
)

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	exportCmd.Flags().StringVar(&exportOut, "out", "", "archive path (default: stdout)")
	importCmd.Flags().StringVar(&importConflict, "on-conflict", "skip", "existing threads: skip, overwrite or fail")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "report what would change without writing")
}

func openStore(cmd *cobra.Command) (core.CheckpointStore, func(), error) {
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := state.NewCheckpointStore(cmd.Context(), stateOptions(cfg.State), logger)
	if err != nil {
		closeLog()
		return nil, nil, fmt.Errorf("opening state store: %w", err)
	}
	return store, func() {
		_ = store.Close()
		closeLog()
	}, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	threads := make([]core.ThreadID, 0, len(args))
	for i := range args {
		thread, err := threadArg(args[i:])
		if err != nil {
			return err
		}
		threads = append(threads, thread)
	}

	store, closeStore, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := snapshot.ExportOptions{Threads: threads, AppVersion: appVersion}
	if exportOut == "" {
		_, err := snapshot.Export(cmd.Context(), store, cmd.OutOrStdout(), opts)
		return err
	}

	pending, err := renameio.NewPendingFile(exportOut, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("creating %s: %w", exportOut, err)
	}
	defer func() { _ = pending.Cleanup() }()

	manifest, err := snapshot.Export(cmd.Context(), store, pending, opts)
	if err != nil {
		return err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("writing %s: %w", exportOut, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "exported %d runs (%d checkpoints) to %s\n",
		len(manifest.Threads), len(manifest.Files), exportOut)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	policy, err := snapshot.ParseConflictPolicy(importConflict)
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	store, closeStore, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	report, err := snapshot.Import(cmd.Context(), store, f, snapshot.ImportOptions{
		ConflictPolicy: policy,
		DryRun:         importDryRun,
	})
	if report != nil {
		if perr := printImport(cmd.OutOrStdout(), report); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func printImport(w io.Writer, r *snapshot.ImportReport) error {
	if outputMode() == tui.ModeJSON {
		return printJSON(w, r)
	}
	for _, t := range r.Threads {
		line := fmt.Sprintf("  %-11s %s/%s", t.Action, t.Graph, t.ThreadID)
		if t.Reason != "" {
			line += " (" + t.Reason + ")"
		}
		fmt.Fprintln(w, line)
	}
	prefix := ""
	if r.DryRun {
		prefix = "dry run: "
	}
	fmt.Fprintf(w, "%s%d created, %d overwritten, %d skipped\n", prefix,
		r.Count(snapshot.ActionCreated), r.Count(snapshot.ActionOverwritten), r.Count(snapshot.ActionSkipped))
	return nil
}
