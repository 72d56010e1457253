package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ilsys/asap/internal/types"
	"github.com/ilsys/asap/internal/viable"
)

var (
	caseKind    string
	caseRestage bool
)

var identifierKinds = map[string]types.IdentifierKind{
	"sid":        types.IdentSid,
	"trackingid": types.IdentTrackingID,
	"policy":     types.IdentPolicyNumber,
	"refid":      types.IdentRefID,
	"docid":      types.IdentDocumentID,
}

var caseCmd = &cobra.Command{
	Use:   "case <identifier>",
	Short: "Analyze how far a case got through the pipeline",
	Long: `Resolves the case across LIMS, Delta, case QC, ACORD and the transmit
history, reports its pipeline status and any discrepancies, and with
--restage puts an eligible transmitted case back on the wire.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		kind, ok := identifierKinds[strings.ToLower(caseKind)]
		if !ok {
			return fmt.Errorf("unknown identifier kind %q (sid, trackingid, policy, refid, docid)", caseKind)
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		vc, err := a.resolver.FromIdentifier(ctx, kind, strings.ToUpper(strings.TrimSpace(args[0])))
		if err != nil {
			return err
		}
		var restager viable.Restager
		if caseRestage {
			restager = a.restager
		}
		status, err := a.resolver.AnalyzeCase(ctx, vc, restager)
		if err != nil {
			return err
		}
		fmt.Print(renderCaseAnalysis(vc, status))
		return nil
	},
}

func init() {
	caseCmd.Flags().StringVar(&caseKind, "kind", "sid",
		"Identifier kind: sid, trackingid, policy, refid, docid")
	caseCmd.Flags().BoolVar(&caseRestage, "restage", false,
		"Restage the case when it is eligible for retransmission")
	rootCmd.AddCommand(caseCmd)
}
