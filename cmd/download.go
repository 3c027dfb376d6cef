package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arefed/slackmigrate/internal/migrate"
)

var downloadCmd = &cobra.Command{
	Use:   "download [channel...]",
	Short: "Download workspace history into the local archive",
	Long: `Download captures workspace metadata, the user list, and every selected
channel's messages, thread replies, and attachments into the output directory.

Downloads are incremental: a channel interrupted mid-way resumes from the
newest message already on disk, and a completed channel is skipped unless
--force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSource(); err != nil {
			return err
		}

		force, _ := cmd.Flags().GetBool("force")
		listFile, _ := cmd.Flags().GetString("channels-file")

		channels := args

		if listFile != "" {
			fromFile, err := readChannelList(listFile)
			if err != nil {
				return err
			}

			channels = append(channels, fromFile...)
		}

		m, cleanup, err := newMigrator(false)
		if err != nil {
			return err
		}
		defer cleanup()

		summary, err := m.DownloadWorkspace(cmd.Context(), migrate.DownloadOptions{
			Channels: channels,
			Force:    force,
		})
		if err != nil {
			return err
		}

		fmt.Printf("download finished: %d completed, %d skipped, %d failed\n",
			summary.Completed, summary.Skipped, summary.Failed)

		if summary.Failed > 0 {
			return fmt.Errorf("%d channel(s) failed; re-run download to retry", summary.Failed)
		}

		return nil
	},
}

// readChannelList reads one channel name per line, ignoring blanks and
// #-comments.
func readChannelList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading channel list: %w", err)
	}
	defer func() { _ = f.Close() }()

	var names []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		names = append(names, line)
	}

	return names, scanner.Err()
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().BoolP("force", "f", false, "re-download channels already marked completed")
	downloadCmd.Flags().String("channels-file", "", "file with one channel name per line")
}
