package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  "Create or update the courier database schema.",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Printf("Database %s is up to date.\n", cfg.DBPath)
		return nil
	},
}
