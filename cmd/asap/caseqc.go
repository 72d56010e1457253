package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ilsys/asap/internal/types"
)

var caseqcCmd = &cobra.Command{
	Use:   "caseqc",
	Short: "Case QC maintenance operations",
}

var caseqcCancelCmd = &cobra.Command{
	Use:   "cancel <sid>",
	Short: "Cancel the QC case for a sample",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		qc, err := liveCaseQC(ctx, a, args[0])
		if err != nil {
			return err
		}
		if err := a.caseqc.CancelCase(ctx, qc); err != nil {
			return err
		}
		fmt.Printf("%s cancelled case %s (%s)\n", okStyle.Render("✓"), qc.TrackingID, qc.Sid)
		return nil
	},
}

var caseqcUncancelCmd = &cobra.Command{
	Use:   "uncancel <sid>",
	Short: "Reinstate a cancelled QC case from its ACORD order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		sid := strings.ToUpper(strings.TrimSpace(args[0]))
		qcs, err := a.caseqc.FromSid(ctx, sid)
		if err != nil {
			return err
		}
		var cancelled *types.CaseQC
		for _, qc := range qcs {
			if qc.Cancelled() {
				cancelled = qc
				break
			}
		}
		if cancelled == nil {
			return fmt.Errorf("no cancelled QC case for sid %s", sid)
		}
		orders, err := a.acord.OrdersForSid(ctx, sid)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return fmt.Errorf("no ACORD order for sid %s to reinstate from", sid)
		}
		if err := a.caseqc.UncancelCase(ctx, cancelled, orders[0]); err != nil {
			return err
		}
		fmt.Printf("%s reinstated case %s (%s)\n", okStyle.Render("✓"), cancelled.TrackingID, sid)
		return nil
	},
}

var caseqcStateCmd = &cobra.Command{
	Use:   "set-state <sid> <new|pending|released>",
	Short: "Move the QC case to a review state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var state types.CaseQCState
		switch strings.ToLower(args[1]) {
		case "new":
			state = types.CaseStateNew
		case "pending":
			state = types.CaseStatePending
		case "released":
			state = types.CaseStateReleased
		default:
			return fmt.Errorf("unknown state %q (new, pending, released)", args[1])
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		qc, err := liveCaseQC(ctx, a, args[0])
		if err != nil {
			return err
		}
		if err := a.caseqc.SetCaseState(ctx, qc, state); err != nil {
			return err
		}
		fmt.Printf("%s case %s is now %s\n", okStyle.Render("✓"), qc.TrackingID, state)
		return nil
	},
}

var caseqcAddCmd = &cobra.Command{
	Use:   "add <trackingid>",
	Short: "Create the QC case for an ACORD order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		trackingID := strings.ToUpper(strings.TrimSpace(args[0]))
		order, err := a.acord.OrderByTrackingID(ctx, trackingID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("no ACORD order with tracking id %s", trackingID)
		}
		if err := a.caseqc.AddNewCaseFromOrder(ctx, order); err != nil {
			return err
		}
		fmt.Printf("%s created QC case for %s (%s)\n", okStyle.Render("✓"), trackingID, order.Sid)
		return nil
	},
}

// liveCaseQC returns the sample's non-cancelled QC case.
func liveCaseQC(ctx context.Context, a *app, sidArg string) (*types.CaseQC, error) {
	sid := strings.ToUpper(strings.TrimSpace(sidArg))
	qcs, err := a.caseqc.FromSid(ctx, sid)
	if err != nil {
		return nil, err
	}
	for _, qc := range qcs {
		if !qc.Cancelled() {
			return qc, nil
		}
	}
	return nil, fmt.Errorf("no live QC case for sid %s", sid)
}

func init() {
	caseqcCmd.AddCommand(caseqcCancelCmd, caseqcUncancelCmd, caseqcStateCmd, caseqcAddCmd)
	rootCmd.AddCommand(caseqcCmd)
}
