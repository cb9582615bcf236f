package commands

import (
	"github.com/spf13/cobra"

	"github.com/mySupply/phoss-smp/internal/platform/config"
	"github.com/mySupply/phoss-smp/internal/platform/postgres"
)

var migrateDSN string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the SMP and audit tables in PostgreSQL",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDSN, "dsn", "", "PostgreSQL DSN (defaults to the configured one)")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg := config.Default()
	if migrateDSN == "" {
		loaded, err := config.Load()
		if err != nil {
			return failure(cmd.ErrOrStderr(), "invalid configuration", err)
		}
		cfg = loaded
	} else {
		cfg.Postgres.DSN = migrateDSN
	}

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return failure(cmd.ErrOrStderr(), "cannot connect to postgres", err)
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		return failure(cmd.ErrOrStderr(), "migration failed", err)
	}
	success(out, "schema is up to date")
	return nil
}
