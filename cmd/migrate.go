package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arefed/slackmigrate/internal/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [channel...]",
	Short: "Download then upload in one run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSource(); err != nil {
			return err
		}

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		limit, _ := cmd.Flags().GetInt("limit")
		force, _ := cmd.Flags().GetBool("force")

		m, cleanup, err := newMigrator(true)
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := m.Migrate(cmd.Context(), migrate.MigrateOptions{
			Channels: args,
			DryRun:   dryRun,
			Limit:    limit,
			Force:    force,
		})
		if err != nil {
			return err
		}

		printUploadStats(stats)

		if stats.ChannelsFailed > 0 {
			return fmt.Errorf("%d channel(s) failed to migrate", stats.ChannelsFailed)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	addUploadFlags(migrateCmd.Flags())
}
