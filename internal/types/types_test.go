package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContact() *Contact {
	return &Contact{
		ContactID:        "agimtdapps",
		ClientID:         "AGI",
		RegionID:         "MTD",
		Examiner:         "APPS",
		NoBillCode:       "NOBILL",
		NoBillNoSendCode: "NBNS",
		DocTypeBillingMap: map[string]string{
			"APP":      "STD",
			"LAB SLIP": "NBNS",
			"NONMED":   "NOBILL",
		},
		DocTypeNameMap: map[string]string{
			"APP": "Application",
		},
	}
}

func TestAddDocumentBillable(t *testing.T) {
	c := &Case{Sid: "12345678", TrackingID: "MAT000000001", Contact: testContact()}
	doc := &Document{DocumentID: 42, FileName: "00000042.TIF"}
	doc.SetDocTypeName("  app ")

	require.True(t, c.AddDocument(doc))
	assert.True(t, doc.Bill)
	assert.True(t, doc.Send)

	got, ok := c.Document(42)
	require.True(t, ok)
	assert.Equal(t, "APP", got.DocTypeName())
}

func TestAddDocumentNoBillNoSend(t *testing.T) {
	c := &Case{Contact: testContact()}
	doc := &Document{DocumentID: 7}
	doc.SetDocTypeName("LAB SLIP")

	require.False(t, c.AddDocument(doc))
	assert.False(t, doc.Bill)
	assert.False(t, doc.Send)
	assert.Empty(t, c.Documents())
}

func TestAddDocumentMissingBillingCode(t *testing.T) {
	c := &Case{Contact: testContact()}
	doc := &Document{DocumentID: 9}
	doc.SetDocTypeName("UNKNOWN TYPE")

	require.False(t, c.AddDocument(doc))
	// Flags stay set so the caller can tell "no code" from "no-send".
	assert.True(t, doc.Bill)
	assert.True(t, doc.Send)
}

func TestAddDocumentNoBill(t *testing.T) {
	c := &Case{Contact: testContact()}
	doc := &Document{DocumentID: 11}
	doc.SetDocTypeName("NONMED")

	require.True(t, c.AddDocument(doc))
	assert.False(t, doc.Bill)
	assert.True(t, doc.Send)
}

func TestDocumentList_Ordered(t *testing.T) {
	c := &Case{Contact: testContact()}
	for _, id := range []int{30, 10, 20} {
		d := &Document{DocumentID: id}
		d.SetDocTypeName("APP")
		require.True(t, c.AddDocument(d))
	}
	list := c.DocumentList()
	require.Len(t, list, 3)
	assert.Equal(t, 10, list[0].DocumentID)
	assert.Equal(t, 20, list[1].DocumentID)
	assert.Equal(t, 30, list[2].DocumentID)
}

func TestFileStem(t *testing.T) {
	d := &Document{FileName: "00012345.TIF"}
	assert.Equal(t, "00012345", d.FileStem())
	d = &Document{FileName: "plain"}
	assert.Equal(t, "plain", d.FileStem())
}

func TestStagingRoot(t *testing.T) {
	c := &Contact{Paths: ContactPaths{DocumentDir: "/stage/agi_mtd/imaging/docs"}}
	assert.Equal(t, "/stage/agi_mtd/imaging", c.StagingRoot())
}

func TestViableCaseErrors(t *testing.T) {
	v := &ViableCase{}
	assert.False(t, v.HasError(ErrCarrierMismatch))

	v.AddError(ErrCarrierMismatch, "order carrier BAN, sample client AGI")
	v.AddError(ErrNoSampleExists)

	assert.True(t, v.HasError(ErrCarrierMismatch))
	assert.True(t, v.HasError(ErrNoSampleExists))
	assert.False(t, v.HasError(ErrMissingConsent))
	assert.Equal(t, []string{"order carrier BAN, sample client AGI"}, v.ErrorDetails[ErrCarrierMismatch])
	assert.Empty(t, v.ErrorDetails[ErrNoSampleExists])
}

func TestViableCaseSiblings(t *testing.T) {
	v := &ViableCase{}
	sib := &ViableCase{}
	v.AddSibling(IdentTrackingID, SourceLIMS, SourceAcord121, sib)

	links := v.Siblings[IdentTrackingID]
	require.Len(t, links, 1)
	assert.Same(t, sib, links[0].Case)
	assert.Equal(t, SourceLIMS, links[0].From)
}

func TestCaseQCStates(t *testing.T) {
	q := &CaseQC{State: CaseStateReleased, SourceCode: "ESubmissions-SLQ"}
	assert.True(t, q.Released())
	assert.False(t, q.Cancelled())

	q.SourceCode = "CANCEL"
	assert.True(t, q.Cancelled())

	_, ok := q.LastAction()
	assert.False(t, ok)
	q.History = append(q.History, CaseQCHistoryItem{Action: QCActionReleased})
	last, ok := q.LastAction()
	require.True(t, ok)
	assert.Equal(t, QCActionReleased, last.Action)
}
