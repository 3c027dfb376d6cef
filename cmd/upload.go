package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arefed/slackmigrate/internal/migrate"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [channel...]",
	Short: "Post downloaded channels into the destination workspace",
	Long: `Upload posts the archived messages of the selected channels (all downloaded
channels when none are named) into the destination workspace, recreating
threads, attachment references, and reactions.

The upload ledger makes re-runs safe: messages already recorded as posted are
skipped, so a channel that failed midway resumes where it stopped. --force
ignores the ledger and WILL duplicate messages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		limit, _ := cmd.Flags().GetInt("limit")
		force, _ := cmd.Flags().GetBool("force")

		m, cleanup, err := newMigrator(true)
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := m.UploadWorkspace(cmd.Context(), migrate.UploadOptions{
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
			return fmt.Errorf("%d channel(s) failed to upload", stats.ChannelsFailed)
		}

		return nil
	},
}

func printUploadStats(stats *migrate.UploadStats) {
	fmt.Printf("upload finished: %d channel(s), %d message(s) posted\n", stats.ChannelsDone, stats.Posted)

	if stats.ChannelsSkipped > 0 {
		fmt.Printf("  %d channel(s) skipped\n", stats.ChannelsSkipped)
	}

	if stats.AlreadyUploaded > 0 {
		fmt.Printf("  %d message(s) already posted by an earlier run\n", stats.AlreadyUploaded)
	}

	if stats.SkippedMessages > 0 {
		fmt.Printf("  %d message(s) skipped (empty or join/leave)\n", stats.SkippedMessages)
	}

	if stats.DroppedOrphans > 0 {
		fmt.Printf("  %d reply(ies) dropped, parent never posted\n", stats.DroppedOrphans)
	}

	if stats.ReactionFailures > 0 {
		fmt.Printf("  %d reaction(s) not applied\n", stats.ReactionFailures)
	}
}

// addUploadFlags registers the flags shared by upload and migrate.
func addUploadFlags(fs *pflag.FlagSet) {
	fs.Bool("dry-run", false, "render messages without posting")
	fs.Int("limit", 0, "cap the number of messages taken per channel")
	fs.BoolP("force", "f", false, "re-post messages already in the ledger (duplicates them)")
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	addUploadFlags(uploadCmd.Flags())
}
