package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/adapters/state"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply checkpoint schema migrations (sqlite and postgres backends)",
	Long: `Bring the checkpoint schema up to date. Stores migrate themselves when
opened; this command lets you migrate ahead of a deploy or inspect the
applied versions with --status.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

var migrateStatus bool

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "show applied migrations instead of migrating")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	db, dialect, err := state.OpenMigrationDB(stateOptions(cfg.State))
	if err != nil {
		return err
	}
	defer db.Close()

	if migrateStatus {
		return state.MigrationStatus(ctx, db, dialect, logger)
	}
	if err := state.Migrate(ctx, db, dialect, logger); err != nil {
		return err
	}
	version, err := state.SchemaVersion(ctx, db, dialect)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", dialect, version)
	return nil
}
