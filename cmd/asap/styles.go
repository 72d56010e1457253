package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ilsys/asap/internal/recon"
	"github.com/ilsys/asap/internal/scheduler"
	"github.com/ilsys/asap/internal/types"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func renderRunSummary(s *scheduler.RunSummary) string {
	var b strings.Builder
	status := okStyle.Render("ok")
	if s.Failed() {
		status = errStyle.Render(fmt.Sprintf("%d error(s)", len(s.Errors)))
	}
	b.WriteString(headerStyle.Render("run summary") + "  " + status + "\n")
	fmt.Fprintf(&b, "  contacts %d  exported %d  indexed %d  staged %d  in %s\n",
		s.Contacts, s.Exported, s.Indexed, s.Staged, s.Duration.Round(10*time.Millisecond))
	for _, msg := range s.Errors {
		b.WriteString("  " + errStyle.Render("✗") + " " + msg + "\n")
	}
	return b.String()
}

func renderReconSummary(contact *types.Contact, s *recon.Summary) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("reconciliation "+contact.ContactID) + "\n")
	fmt.Fprintf(&b, "  feeds %d  entries %d  reconciled %d  policy numbers %d\n",
		s.FeedFiles, s.Entries, s.ReconciledDocs, s.PolicyNumbers)
	if s.Malformed > 0 {
		fmt.Fprintf(&b, "  %s %d malformed feed row(s)\n", warnStyle.Render("!"), s.Malformed)
	}
	for _, u := range s.Unmatched {
		b.WriteString("  " + warnStyle.Render("unmatched") + " " + u + "\n")
	}
	if len(s.Candidates) > 0 {
		fmt.Fprintf(&b, "  %s %d document(s) transmitted without confirmation\n",
			warnStyle.Render("!"), len(s.Candidates))
		for _, c := range s.Candidates {
			fmt.Fprintf(&b, "    sid %s doc %d sent %s\n",
				c.Sid, c.DocumentID, c.TransmitDate.Format("2006-01-02"))
		}
	}
	for _, sid := range s.Restaged {
		b.WriteString("  " + okStyle.Render("restaged") + " " + sid + "\n")
	}
	if len(s.Candidates) == 0 && len(s.Unmatched) == 0 {
		b.WriteString("  " + okStyle.Render("no discrepancies") + "\n")
	}
	return b.String()
}

func renderCaseAnalysis(vc *types.ViableCase, status string) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("case analysis") + "\n")
	b.WriteString("  " + status + "\n")
	if vc == nil {
		return b.String()
	}
	if vc.Sample != nil {
		fmt.Fprintf(&b, "  sample   %s  client %s/%s\n",
			vc.Sample.Sid, vc.Sample.ClientID, vc.Sample.RegionID)
	}
	if vc.Order != nil {
		fmt.Fprintf(&b, "  order    %s  %s %s  naic %s\n",
			vc.Order.TrackingID, vc.Order.FirstName, vc.Order.LastName, vc.Order.NAIC)
	}
	if vc.CaseQC != nil {
		fmt.Fprintf(&b, "  case qc  %s  state %s\n", vc.CaseQC.TrackingID, vc.CaseQC.State)
	}
	if vc.Acord103 != nil {
		fmt.Fprintf(&b, "  acord103 %s  policy %s\n",
			vc.Acord103.TrackingID103, vc.Acord103.PolicyNumber)
	}
	if vc.Contact != nil {
		fmt.Fprintf(&b, "  contact  %s\n", vc.Contact.ContactID)
	}
	if vc.DocGroup != nil {
		fmt.Fprintf(&b, "  documents %d\n", len(vc.DocGroup.Documents))
	}
	for flag, desc := range types.CaseErrorDescriptions {
		if !vc.HasError(flag) {
			continue
		}
		b.WriteString("  " + warnStyle.Render("!") + " " + desc + "\n")
		for _, detail := range vc.ErrorDetails[flag] {
			b.WriteString("    " + dimStyle.Render(detail) + "\n")
		}
	}
	for kind, links := range vc.Siblings {
		for _, link := range links {
			fmt.Fprintf(&b, "  %s sibling via %s: %s → %s\n",
				dimStyle.Render("·"), kind, link.From, link.To)
		}
	}
	return b.String()
}
