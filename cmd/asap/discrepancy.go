package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ilsys/asap/internal/discrepancy"
)

var discrepancyCmd = &cobra.Command{
	Use:     "discrepancy",
	Aliases: []string{"disc"},
	Short:   "Review and resolve order/sample discrepancies",
}

var discrepancyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open discrepancies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var all []*discrepancy.Discrepancy
		for _, typeID := range []int{
			discrepancy.TypeOrderNoSample,
			discrepancy.TypeOrderSampleNoDocs,
			discrepancy.TypeOrderNoDocs,
		} {
			rows, err := a.discrep.Open(ctx, typeID)
			if err != nil {
				return err
			}
			all = append(all, rows...)
		}
		if len(all) == 0 {
			fmt.Println(okStyle.Render("no open discrepancies"))
			return nil
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("%-8s %-12s %-14s %-10s %s",
			"TYPE", "SID", "TRACKING", "DATE", "DESCRIPTION")))
		for _, d := range all {
			fmt.Printf("%-8d %-12s %-14s %-10s %s\n",
				d.TypeID, d.Sid, d.TrackingID, d.Date.Format("2006-01-02"), d.TypeDesc)
		}
		return nil
	},
}

var (
	discSid        string
	discTrackingID string
	discType       int
	discUser       string
	discComment    string
)

var discrepancyResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a discrepancy with a comment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if discSid == "" && discTrackingID == "" {
			return fmt.Errorf("at least one of --sid and --trackingid is required")
		}
		user := discUser
		if user == "" {
			user = os.Getenv("USER")
		}
		if user == "" {
			return fmt.Errorf("no resolving user; pass --user")
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		typeIDs := []int{discType}
		if discType == 0 {
			typeIDs = []int{
				discrepancy.TypeOrderNoSample,
				discrepancy.TypeOrderSampleNoDocs,
				discrepancy.TypeOrderNoDocs,
			}
		}
		var rows []*discrepancy.Discrepancy
		for _, typeID := range typeIDs {
			matched, err := a.discrep.ForKeys(ctx, strings.ToUpper(discSid),
				strings.ToUpper(discTrackingID), typeID)
			if err != nil {
				return err
			}
			rows = append(rows, matched...)
		}
		resolved := 0
		for _, d := range rows {
			if d.Resolved() || d.Closed() {
				continue
			}
			ok, err := a.discrep.Resolve(ctx, d, user, discComment)
			if err != nil {
				return err
			}
			if ok {
				resolved++
			}
		}
		if resolved == 0 {
			fmt.Println(warnStyle.Render("no open discrepancy matched"))
			return nil
		}
		fmt.Printf("%s resolved %d discrepanc%s\n",
			okStyle.Render("✓"), resolved, pluralY(resolved))
		return nil
	},
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func init() {
	discrepancyResolveCmd.Flags().StringVar(&discSid, "sid", "", "Sample id")
	discrepancyResolveCmd.Flags().StringVar(&discTrackingID, "trackingid", "", "ACORD tracking id")
	discrepancyResolveCmd.Flags().IntVar(&discType, "type", 0, "Discrepancy type id (0 = any)")
	discrepancyResolveCmd.Flags().StringVar(&discUser, "user", "", "Resolving user (default: $USER)")
	discrepancyResolveCmd.Flags().StringVar(&discComment, "comment", "", "Resolution comment")
	discrepancyCmd.AddCommand(discrepancyListCmd, discrepancyResolveCmd)
	rootCmd.AddCommand(discrepancyCmd)
}
