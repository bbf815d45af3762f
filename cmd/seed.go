package cmd

import (
	"fmt"
	"github.com/arcward/plugboard/plugboard"
	"github.com/spf13/cobra"
)

var (
	seedCount int
	seedClear bool
)

var seedCmd = &cobra.Command{
	Use:   "seed [flags]",
	Short: "Creates the database and fills the plugin catalog with sample plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if seedCount < 0 {
			return fmt.Errorf("invalid count: %d", seedCount)
		}
		if err := cfg.ResolveDatabase(); err != nil {
			return err
		}

		db, err := plugboard.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		dbi := plugboard.NewDatabase(db, nil, cfg.DatabaseType != plugboard.DefaultDatabaseType)
		n, err := plugboard.Seed(ctx, dbi, seedCount, seedClear)
		if err != nil {
			return err
		}
		cmd.Printf("Seeded %d plugins\n", n)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 10, "Number of sample plugins to create")
	seedCmd.Flags().BoolVar(&seedClear, "clear", false, "Delete existing plugins first")
	rootCmd.AddCommand(seedCmd)
}
