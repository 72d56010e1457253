package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ilsys/asap/internal/recon"
	"github.com/ilsys/asap/internal/types"
)

var reconCmd = &cobra.Command{
	Use:   "recon <carrier> [date]",
	Short: "Run a carrier's reconciliation pass",
	Long: `Parses the feed files waiting in the carrier's recon inbox, records
a reconcile for every confirmed document, then reports (or restages)
documents transmitted before the cutoff date with no confirmation. The
cutoff defaults to the carrier profile's lookback, or the previous
business day.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		contact, err := a.contactByID(ctx, args[0])
		if err != nil {
			return err
		}
		var cutoff time.Time
		if len(args) == 2 {
			cutoff, err = parseWhen(args[1], time.Now())
			if err != nil {
				return err
			}
		}
		summary, err := runRecon(ctx, a, contact, cutoff)
		if err != nil {
			return err
		}
		fmt.Print(renderReconSummary(contact, summary))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconCmd)
}

// runRecon executes one reconciliation pass using the contact's profile
// recon settings. A zero cutoff defers to the profile lookback, and
// past that to the previous business day.
func runRecon(ctx context.Context, a *app, contact *types.Contact, cutoff time.Time) (*recon.Summary, error) {
	profile := a.registry.ProfileFor(contact)
	if profile == nil || profile.Recon.Format == "" {
		return nil, fmt.Errorf("contact %s has no reconciliation feed configured", contact.ContactID)
	}
	rc := profile.Recon
	if cutoff.IsZero() && rc.LookbackDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -rc.LookbackDays)
	}
	summary, err := a.recon.Run(ctx, recon.Options{
		Contact:            contact,
		Format:             recon.Format(rc.Format),
		Pattern:            rc.Pattern,
		ContactIDs:         rc.ContactIDs,
		Cutoff:             cutoff,
		PushApprovedStatus: rc.PushApproved,
		AutoRestage:        rc.AutoRestage,
		EmailTo:            rc.EmailTo,
	})
	if err != nil {
		return nil, err
	}
	a.metrics.RecordRecon(ctx, contact.ContactID, summary.ReconciledDocs,
		len(summary.Unmatched), len(summary.Restaged))
	return summary, nil
}
