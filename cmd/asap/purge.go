package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ilsys/asap/internal/filemgr"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge tracked-file rows that reached the NULL state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := filemgr.PurgeNullFiles(ctx, a.pool); err != nil {
			return err
		}
		fmt.Println(okStyle.Render("✓") + " purged NULL file rows")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}
