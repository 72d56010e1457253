package viable

import (
	"context"
	"fmt"

	"github.com/ilsys/asap/internal/types"
)

// resultsDependentClients are the LIMS clients whose carriers require lab
// results before transmit; their samples hold until a transmit date is
// stamped.
var resultsDependentClients = map[string]string{
	"AGI": "American General",
	"MNM": "Minnesota Life",
	"TRO": "Transamerica",
	"PIC": "Prudential",
	"UST": "American General",
}

// Restager restages a previously transmitted case. AnalyzeCase uses it
// for the final eligibility probe; a nil Restager reports eligibility
// without acting.
type Restager interface {
	ReStageSid(ctx context.Context, sid string) (bool, error)
}

// AnalyzeCase summarizes how far along the transmit pipeline the case is
// and what, if anything, is holding it. When every gate passes it asks
// the restager to put the case back on the wire.
func (r *Resolver) AnalyzeCase(ctx context.Context, vc *types.ViableCase, restager Restager) (string, error) {
	out, err := r.analyze(ctx, vc, restager)
	if err != nil {
		return "", err
	}
	if vc != nil && vc.Sample != nil && vc.Sample.Sid != "" {
		out += fmt.Sprintf(", sid = %s", vc.Sample.Sid)
	}
	return out, nil
}

func (r *Resolver) analyze(ctx context.Context, vc *types.ViableCase, restager Restager) (string, error) {
	switch {
	case vc == nil || (vc.Sample == nil && vc.Order == nil && vc.CaseQC == nil && vc.DocGroup == nil):
		return "This case could not be located in CRL's system", nil
	case vc.Order != nil && vc.Order.Cancelled():
		return "This case has been cancelled", nil
	case vc.CaseQC == nil:
		return "There is no case record for APPS to review at this time", nil
	case vc.Sample == nil:
		return "CRL has not received a lab sample", nil
	case !vc.CaseQC.Released():
		return "The case images have not been released by APPS at this time", nil
	}
	if vc.Sample.TransmitDate == nil {
		if carrier, ok := resultsDependentClients[vc.Sample.ClientID]; ok {
			return fmt.Sprintf("Lab results are not yet ready for this case (required for %s)", carrier), nil
		}
	}
	switch {
	case vc.Sample.ClientID == "ORP":
		return "Sample is coded to ORP in CRL's system", nil
	case vc.Contact == nil:
		return fmt.Sprintf("No ASAP contact found for CLI/REG/EXAMINER %s/%s/%s",
			vc.Sample.ClientID, vc.Sample.RegionID, vc.Sample.Examiner), nil
	case vc.Contact.Paths.Acord103Dir != "" && vc.Acord103 == nil:
		return "CRL has not received an ACORD 103 XML file from APPS at this time", nil
	case vc.Sample.TransmitDate != nil:
		return fmt.Sprintf("Case has previously transmitted to carrier, transmit date = %s",
			vc.Sample.TransmitDate.Format("2006-01-02 15:04:05")), nil
	}
	if restager == nil {
		return "Case has previously transmitted to carrier", nil
	}
	restaged, err := restager.ReStageSid(ctx, vc.Sample.Sid)
	if err != nil {
		return "", err
	}
	if !restaged {
		return "Case has previously transmitted to carrier", nil
	}
	return "Case has been restaged to transmit to carrier", nil
}
