// Package types defines the core data structures of the ASAP document
// transmission pipeline: contacts, cases, documents, and the read-only
// projections of the upstream LIMS, ACORD, Delta and Case-QC systems.
package types

import (
	"strings"
	"time"
)

// HistoryAction is a document lifecycle transition recorded in the
// document-history log.
type HistoryAction string

const (
	ActionRelease   HistoryAction = "release"
	ActionInvoice   HistoryAction = "invoice"
	ActionTransmit  HistoryAction = "transmit"
	ActionReconcile HistoryAction = "reconcile"
)

// StageExceptionPolicy decides what happens to a case whose staging step
// failed: put it back through the release flow on the next run, or leave
// it where it is for manual review.
type StageExceptionPolicy string

const (
	StageExceptionRestage StageExceptionPolicy = "restage"
	StageExceptionLeave   StageExceptionPolicy = "leave"
)

// ContactPaths is the per-contact staging directory layout. All paths are
// absolute; subdirectories (processed, error, build, zip, sent, retrans,
// review, pgp) hang off DocumentDir and XmitDir by convention.
type ContactPaths struct {
	DocumentDir string
	IndexDir    string
	XmitDir     string
	Acord103Dir string // empty when the carrier takes no 103
}

// Contact is one downstream destination: a (client, region, examiner)
// triple with its index schema, directory layout and carrier bindings.
type Contact struct {
	ContactID  string
	ClientID   string
	RegionID   string
	Examiner   string
	SourceCode string

	Paths ContactPaths

	// Index is the contact's index schema. Field values are reset and
	// refilled once per case during index builds.
	Index *Index

	// DocTypeNameMap maps a Delta doc-type name to the client-facing
	// document name; DocTypeBillingMap maps it to a billing code.
	DocTypeNameMap    map[string]string
	DocTypeBillingMap map[string]string

	// HookID selects the carrier specialization in the registry. Empty
	// means the generic profile-driven hooks.
	HookID string

	// CarrierNames are the ACORD carrier aliases accepted for this
	// contact when matching orders to samples.
	CarrierNames []string

	NoBillCode       string
	NoBillNoSendCode string

	OnStageException StageExceptionPolicy
}

// StagingRoot is the directory the contact's relative paths are tracked
// against: the parent of the document directory.
func (c *Contact) StagingRoot() string {
	dir := c.Paths.DocumentDir
	if i := strings.LastIndexByte(dir, '/'); i > 0 {
		return dir[:i]
	}
	return dir
}

// Document is one imaged document attached to a case. FileName is the 8.3
// image name whose stem is the first page id, zero-padded to eight digits.
type Document struct {
	DocumentID  int
	docTypeName string
	PageCount   int
	FileName    string
	DateCreated time.Time

	// Billing flags are derived from the contact's billing map when the
	// document is added to a case.
	Bill bool
	Send bool
}

// SetDocTypeName normalizes and stores the Delta doc-type name.
func (d *Document) SetDocTypeName(name string) {
	d.docTypeName = strings.ToUpper(strings.TrimSpace(name))
}

// DocTypeName returns the normalized doc-type name.
func (d *Document) DocTypeName() string {
	return d.docTypeName
}

// FileStem returns the file name without its extension.
func (d *Document) FileStem() string {
	if i := strings.IndexByte(d.FileName, '.'); i >= 0 {
		return d.FileName[:i]
	}
	return d.FileName
}

// Case is one insurance-application case owned by a single contact for
// the duration of a run.
type Case struct {
	Sid        string
	TrackingID string
	SourceCode string
	Contact    *Contact

	documents map[int]*Document
}

// AddDocument applies the billing rules and attaches the document.
//
// A false return with Bill and Send cleared means the document's billing
// code is the no-bill-no-send code and the document must be ignored. A
// false return with the flags still set means the doc type has no billing
// code at all, which callers treat as a case-level error.
func (c *Case) AddDocument(doc *Document) bool {
	doc.Bill = true
	doc.Send = true
	if c.Contact == nil {
		return false
	}
	code, ok := c.Contact.DocTypeBillingMap[doc.DocTypeName()]
	if ok && code == c.Contact.NoBillNoSendCode {
		doc.Bill = false
		doc.Send = false
		return false
	}
	if !ok || code == "" {
		return false
	}
	if c.documents == nil {
		c.documents = make(map[int]*Document)
	}
	c.documents[doc.DocumentID] = doc
	if code == c.Contact.NoBillCode {
		doc.Bill = false
	}
	return true
}

// Document returns the attached document with the given id, if any.
func (c *Case) Document(docID int) (*Document, bool) {
	d, ok := c.documents[docID]
	return d, ok
}

// Documents returns the attached documents keyed by document id.
func (c *Case) Documents() map[int]*Document {
	if c.documents == nil {
		c.documents = make(map[int]*Document)
	}
	return c.documents
}

// DocumentList returns the attached documents ordered by document id.
func (c *Case) DocumentList() []*Document {
	docs := make([]*Document, 0, len(c.documents))
	for _, d := range c.documents {
		docs = append(docs, d)
	}
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && docs[j-1].DocumentID > docs[j].DocumentID; j-- {
			docs[j-1], docs[j] = docs[j], docs[j-1]
		}
	}
	return docs
}

// Sample is the read-only projection of a LIMS sample row.
type Sample struct {
	Sid          string
	ClientID     string
	RegionID     string
	Examiner     string
	TransmitDate *time.Time
	HoldFlag     string
	ReceiveDate  *time.Time
	HoldUntil    *time.Time
}

// Order is the read-only projection of an ACORD order (the inbound 121
// transaction).
type Order struct {
	TrackingID    string
	Sid           string
	SourceCode    string
	NAIC          string
	PolicyNumber  string
	FirstName     string
	LastName      string
	SSN           string
	CarrierName   string
	RefID         string
	DateReceived  *time.Time
	DateCancelled *time.Time
}

// Cancelled reports whether the order has been cancelled upstream.
func (o *Order) Cancelled() bool {
	return o.DateCancelled != nil
}

// Acord103 is one row of the 103 store: the case's canonical application
// data, keyed by the order tracking id with secondary identifiers from
// the transaction itself.
type Acord103 struct {
	ID            int64
	TrackingID    string
	TrackingID103 string
	TransRefGUID  string
	PolicyNumber  string
	Retrieve      bool
	DateReceived  time.Time
	FileName      string
}

// DocGroup is the Delta-QC view of a sid: the imaged documents grouped
// under one folder set.
type DocGroup struct {
	Sid       string
	Documents []*QCDocument
}

// QCDocument is a Delta document plus its transmit history, used by the
// viable-case resolver and the reconciliation flows.
type QCDocument struct {
	DocumentID  int
	FileName    string
	DocTypeName string
	PageCount   int
	DateCreated time.Time
	Matched     bool
	// TransmitHistory holds (action, actiondate) pairs from the
	// document-history log, newest last.
	TransmitHistory []HistoryEvent
}

// HistoryEvent is one recorded action with its timestamp.
type HistoryEvent struct {
	Action HistoryAction
	Date   time.Time
}

// HistoryItem is one row of the append-only document-history log.
type HistoryItem struct {
	Sid        string
	DocumentID int
	ContactID  string
	Action     HistoryAction
	ActionDate time.Time
}

// FileState is the liveness state of a tracked file. A file with no row
// is live; a MARKED_FOR_DELETION row hides it from globs until the
// physical delete succeeds; NULL_STATE rows are purge-eligible remnants.
type FileState string

const (
	FileStateNull              FileState = "NULL_STATE"
	FileStateMarkedForDeletion FileState = "MARKED_FOR_DELETION"
)

// TrackedFile pairs an on-disk file with its file-manager row.
// RelativePath is the file's directory relative to the contact's staging
// root; it is empty for files outside the staging tree.
type TrackedFile struct {
	ID           int64
	ContactID    string
	RelativePath string
	FileName     string
	State        FileState
}
