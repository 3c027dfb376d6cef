package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count archived messages, threads, and files per channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		arch, err := openArchive()
		if err != nil {
			return err
		}

		records, err := arch.ListChannelData()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tMESSAGES\tTHREADS\tFILES")

		var totalMessages, totalThreads, totalFiles int

		for _, data := range records {
			threads := 0

			for _, msg := range data.Messages {
				if msg.ReplyCount > 0 {
					threads++
				}
			}

			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n",
				data.ChannelInfo.Name, len(data.Messages), threads, data.FileCount())

			totalMessages += len(data.Messages)
			totalThreads += threads
			totalFiles += data.FileCount()
		}

		fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\n", totalMessages, totalThreads, totalFiles)

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(countCmd)
}
