package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arefed/slackmigrate/internal/download"
	"github.com/arefed/slackmigrate/internal/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the download state of every archived channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		arch, err := openArchive()
		if err != nil {
			return err
		}

		records, err := arch.ListChannelData()
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("no channels downloaded yet")
			return nil
		}

		// Upload progress is only shown once a ledger exists; status itself
		// never creates one.
		var lg ledger.Store

		ledgerPath := filepath.Join(cfg.OutputDir, "upload_ledger.db")
		if _, err := os.Stat(ledgerPath); err == nil {
			if lg, err = ledger.Open(ledgerPath); err != nil {
				return err
			}

			defer func() { _ = lg.Close() }()
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tSTATE\tMESSAGES\tUPLOADED\tFILES\tLAST UPDATE\tERROR")

		for _, data := range records {
			lastUpdate := ""
			if !data.LastUpdate.IsZero() {
				lastUpdate = data.LastUpdate.Format("2006-01-02 15:04:05")
			}

			uploaded := "-"

			if lg != nil {
				n, err := lg.CountUploads(data.ChannelInfo.ID)
				if err != nil {
					return err
				}

				uploaded = fmt.Sprintf("%d", n)
			}

			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
				data.ChannelInfo.Name,
				download.StateOf(data),
				len(data.Messages),
				uploaded,
				data.FileCount(),
				lastUpdate,
				data.Error)
		}

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
