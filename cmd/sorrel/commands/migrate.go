package commands

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/sorrel/pkg/database"
)

func newMigrateCommand(rt *runtime) *cobra.Command {
	var (
		version uint
		force   int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Example: `  # Migrate to the latest version
  sorrel migrate

  # Clear a dirty flag left at version 1, then migrate to version 1
  sorrel migrate --force 1 --version 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			migration := rt.cfg.Migration()
			if cmd.Flags().Changed("version") {
				migration.Version = version
			}
			if cmd.Flags().Changed("force") {
				migration.Force = force
			}

			db, err := database.Open(cmd.Context(), rt.cfg.Database(), rt.logger)
			if err != nil {
				return err
			}
			defer db.SQL().Close()

			return database.NewMigrationService(rt.logger, migration).MigratePostgres(db.SQL(), rt.cfg.DatabaseName)
		},
	}

	cmd.Flags().UintVar(&version, "version", 0, "target migration version (default latest)")
	cmd.Flags().IntVar(&force, "force", 0, "force the recorded version before migrating")

	return cmd
}
