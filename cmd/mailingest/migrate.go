package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onetool-io/mailingest/internal/config"
	"github.com/onetool-io/mailingest/internal/database"
)

var migrateStatusFlag bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := database.Open(ctx, config.Get().Database)
		if err != nil {
			return err
		}
		defer db.Close()

		current, err := database.CurrentVersion(ctx, db)
		if err != nil {
			return err
		}
		if migrateStatusFlag {
			fmt.Printf("schema version %d of %d\n", current, database.LatestVersion())
			return nil
		}

		applied, err := database.Migrate(ctx, db)
		if err != nil {
			return err
		}
		fmt.Printf("applied %d migration(s), schema version %d\n", applied, current+applied)
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateStatusFlag, "status", false, "Print the schema version without migrating")
}
