package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ilsys/asap/internal/ports"
)

var transmitDate string

var transmitCmd = &cobra.Command{
	Use:   "transmit <carrier>",
	Short: "Run the index and transmit stages for one carrier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		clock := ports.Clock(ports.SystemClock{})
		if transmitDate != "" {
			t, err := parseWhen(transmitDate, time.Now())
			if err != nil {
				return err
			}
			clock = fixedClock{t: t}
		}

		a, err := newAppWithClock(ctx, clock)
		if err != nil {
			return err
		}
		defer a.Close()

		contact, err := a.contactByID(ctx, args[0])
		if err != nil {
			return err
		}
		lock, err := acquireRunLock()
		if err != nil {
			return err
		}
		defer lock.Unlock()

		summary, err := a.sched.RunContact(ctx, contact.ContactID)
		if err != nil {
			return err
		}
		a.metrics.RecordRun(ctx, summary.Exported, summary.Indexed, summary.Staged,
			len(summary.Errors), summary.Duration)
		fmt.Print(renderRunSummary(summary))
		return nil
	},
}

func init() {
	transmitCmd.Flags().StringVar(&transmitDate, "date", "",
		"Pin the pipeline clock (YYYY-MM-DD, -1d, or a phrase like \"yesterday\")")
	rootCmd.AddCommand(transmitCmd)
}
