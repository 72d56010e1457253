package types

import "time"

// CaseQCState is the review state of a case in the QC system. Only
// released cases are eligible to transmit.
type CaseQCState string

const (
	CaseStateNew      CaseQCState = "New"
	CaseStatePending  CaseQCState = "Pending"
	CaseStateReleased CaseQCState = "Released"
)

// Case-QC history actions, mirroring the casehistory action column.
const (
	QCActionCreate   = "Create"
	QCActionAdd      = "Add"
	QCActionInsert   = "Insert"
	QCActionDelete   = "Delete"
	QCActionPend     = "Pend"
	QCActionUpdate   = "Update"
	QCActionReleased = "Released"
)

// CaseQC is the casemaster row for a case plus its review history.
type CaseQC struct {
	CaseID       int64
	Sid          string
	TrackingID   string
	SourceCode   string
	NAIC         string
	CarrierDesc  string
	State        CaseQCState
	FirstName    string
	LastName     string
	SSN          string
	PolicyNumber string
	CreatedBy    string
	CreatedDate  time.Time
	DateReceived time.Time
	History      []CaseQCHistoryItem
}

// Cancelled reports whether the case was cancelled in QC.
func (q *CaseQC) Cancelled() bool {
	return q.SourceCode == "CANCEL"
}

// Released reports whether the case has reached the released state.
func (q *CaseQC) Released() bool {
	return q.State == CaseStateReleased
}

// LastAction returns the most recent history action, if any.
func (q *CaseQC) LastAction() (CaseQCHistoryItem, bool) {
	if len(q.History) == 0 {
		return CaseQCHistoryItem{}, false
	}
	return q.History[len(q.History)-1], true
}

// CaseQCHistoryItem is one casehistory row ordered by creation date.
type CaseQCHistoryItem struct {
	Action         string
	Comment        string
	DocumentID     int
	DocumentTypeID int
	DocumentType   string
	PageID         int
	CreatedBy      string
	CreatedDate    time.Time
}
