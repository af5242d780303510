package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/variantz/internal/config"
	"github.com/matt-riley/variantz/internal/storage"
)

func newMigrateCommand() *cobra.Command {
	var driver, dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage migrations",
		Long: "Apply the SQL migrations for a SQLite or PostgreSQL store. " +
			"--driver and --dsn default to STORAGE_DRIVER and STORAGE_DSN.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if driver == "" {
				driver = envOrEmpty("STORAGE_DRIVER")
			}
			if dsn == "" {
				dsn = envOrEmpty("STORAGE_DSN")
			}

			driver = strings.ToLower(driver)
			switch driver {
			case config.StorageSQLite, config.StoragePostgres:
			case config.StorageRedis:
				return fmt.Errorf("driver %q has no migrations", driver)
			default:
				return fmt.Errorf("--driver must be %q or %q", config.StorageSQLite, config.StoragePostgres)
			}

			// Open migrates SQL stores before returning them.
			store, err := storage.Open(cmd.Context(), driver, dsn)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", driver, err)
			}
			defer store.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "%s store is up to date\n", driver)
			return nil
		},
	}

	cmd.Flags().StringVar(&driver, "driver", "", "storage driver: sqlite or postgres")
	cmd.Flags().StringVar(&dsn, "dsn", "", "storage DSN")
	return cmd
}

func envOrEmpty(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
