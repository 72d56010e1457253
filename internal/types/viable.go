package types

// IdentifierKind names the identifier a viable-case search consumed or a
// sibling link was discovered through.
type IdentifierKind string

const (
	IdentSid          IdentifierKind = "sid"
	IdentTrackingID   IdentifierKind = "trackingId"
	IdentPolicyNumber IdentifierKind = "policyNumber"
	IdentRefID        IdentifierKind = "refId"
	IdentDocumentID   IdentifierKind = "documentId"
)

// CaseSource names one of the backing systems a viable case draws from.
type CaseSource string

const (
	SourceLIMS     CaseSource = "LIMS"
	SourceDeltaQC  CaseSource = "Delta QC"
	SourceAcord121 CaseSource = "ACORD 121"
	SourceCaseQC   CaseSource = "Case QC"
	SourceAcord103 CaseSource = "ACORD 103"
	SourceASAPXmit CaseSource = "ASAP Xmit"
)

// CaseError is a bitfield of non-fatal discrepancies discovered while
// resolving a viable case.
type CaseError uint32

const (
	ErrNone                    CaseError = 0
	ErrMultipleOrdersOneSample CaseError = 1 << 0
	ErrCaseExistsForOrder      CaseError = 1 << 1
	ErrNonASAPSample           CaseError = 1 << 2
	ErrCarrierMismatch         CaseError = 1 << 3
	ErrNoSampleExists          CaseError = 1 << 4
	ErrMissingConsent          CaseError = 1 << 5
	ErrMultipleSelQOrders      CaseError = 1 << 6
)

// CaseErrorDescriptions maps each discrepancy flag to its report text.
var CaseErrorDescriptions = map[CaseError]string{
	ErrMultipleOrdersOneSample: "The LIMS sample is matched to more than one ACORD ASAP order.",
	ErrCaseExistsForOrder:      "A case QC record already exists for the ACORD order(s).",
	ErrNonASAPSample:           "The LIMS sample is not associated with an ASAP imaging contact:",
	ErrCarrierMismatch:         "The ACORD order carrier does not match the LIMS sample:",
	ErrNoSampleExists:          "No sample exists in LIMS for this case.",
	ErrMissingConsent:          "Consent/labslip document is missing for this case.",
	ErrMultipleSelQOrders:      "There are one or more unmatched SelectQuote orders that match this case:",
}

// Case status strings reported by the analyze step.
const (
	StatOrderReceived    = "Order received."
	StatKitPending       = "Labkit is pending."
	StatDocsPending      = "Documents are pending."
	StatKitDocsPending   = "Labkit and documents are pending."
	StatKitReceived      = "Labkit received."
	StatDocsReceived     = "Documents received."
	StatKitDocsReceived  = "Labkit and documents received."
	StatKitOrderMatch    = "Labkit and order are matched."
	StatCaseAvailable    = "Case is available for QC review."
	StatCaseReview       = "Case is under QC review."
	StatCaseReleased     = "Case images are QC released."
	Stat103Pending       = "ACORD 103 transaction is pending."
	Stat103Received      = "ACORD 103 transaction received."
	StatCaseTransmitted  = "Case transmitted to client."
	StatCaseReconciled   = "Transmission confirmed by client."
	StatCaseCancelled    = "Case was cancelled."
	StatCaseNotFound     = "No case information was found."
	StatResultsPending   = "Lab results are pending for a results-dependent carrier."
	StatOrphanedSample   = "Sample is ORP-coded (orphaned)."
	StatNoContact        = "No ASAP contact is configured for this case."
	StatRestageRequested = "Case has been set to restage."
)

// SiblingLink records how a related viable case was discovered: the
// source that held the shared identifier and the source it led to.
type SiblingLink struct {
	From CaseSource
	To   CaseSource
	Case *ViableCase
}

// ViableCase is the cross-joined projection of one case across the five
// backing stores, plus sibling cases discovered along the way and any
// discrepancy flags raised while linking.
type ViableCase struct {
	Sample   *Sample
	Order    *Order
	DocGroup *DocGroup
	CaseQC   *CaseQC
	Acord103 *Acord103
	Contact  *Contact

	Errors       CaseError
	ErrorDetails map[CaseError][]string

	// Siblings maps the identifier kind the relation was found under to
	// the linked cases (extra orders on one sample, extra QC rows on one
	// tracking id, unmatched SelectQuote orders).
	Siblings map[IdentifierKind][]SiblingLink
}

// AddError raises a discrepancy flag with optional detail lines.
func (v *ViableCase) AddError(flag CaseError, details ...string) {
	v.Errors |= flag
	if len(details) == 0 {
		return
	}
	if v.ErrorDetails == nil {
		v.ErrorDetails = make(map[CaseError][]string)
	}
	v.ErrorDetails[flag] = append(v.ErrorDetails[flag], details...)
}

// HasError reports whether the given discrepancy flag is raised.
func (v *ViableCase) HasError(flag CaseError) bool {
	return v.Errors&flag != 0
}

// AddSibling links a related case discovered under the given identifier.
func (v *ViableCase) AddSibling(kind IdentifierKind, from, to CaseSource, c *ViableCase) {
	if v.Siblings == nil {
		v.Siblings = make(map[IdentifierKind][]SiblingLink)
	}
	v.Siblings[kind] = append(v.Siblings[kind], SiblingLink{From: from, To: to, Case: c})
}
