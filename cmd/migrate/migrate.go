// Package migrate provides the migrate command for FetalScan
package migrate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/datastore"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// Command creates the migrate command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long:  "Migrate opens the configured datastore, applies the schema and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(settings)
		},
	}
}

func runMigrate(settings *conf.Settings) error {
	store, err := datastore.New(settings, logger.Global().Module("datastore"))
	if err != nil {
		return err
	}
	// Open runs the schema migration for every backend
	if err := store.Open(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("failed to close datastore: %w", err)
	}

	fmt.Printf("Schema for %s datastore is up to date\n", settings.Datastore.Type)
	return nil
}
