package cmd

import (
	"example.com/receiptops/config"
	"example.com/receiptops/internal/database"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Apply the schema migrations and exit`,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Error().Err(err).Msg("Failed to close database connection")
		}
	}()

	if err := database.Migrate(db); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}

	log.Info().Msg("Migrations applied successfully")
	return nil
}
