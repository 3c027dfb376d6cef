package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <channel>",
	Short: "Probe why a source channel cannot be downloaded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSource(); err != nil {
			return err
		}

		m, cleanup, err := newMigrator(false)
		if err != nil {
			return err
		}
		defer cleanup()

		diag, err := m.DiagnoseChannel(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if diag.Identity != "" {
			fmt.Printf("authenticated as %s\n", diag.Identity)
		}

		fmt.Printf("channel %s (%s): private=%v archived=%v member=%v\n",
			diag.Channel.Name, diag.Channel.ID,
			diag.Channel.IsPrivate, diag.Channel.IsArchived, diag.Channel.IsMember)

		if diag.Accessible() {
			fmt.Println("no blocking conditions found")
			return nil
		}

		for _, finding := range diag.Findings {
			fmt.Printf("  - %s\n", finding)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)
}
