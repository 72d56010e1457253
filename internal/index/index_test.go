package index

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilsys/asap/internal/acord"
	"github.com/ilsys/asap/internal/caseqc"
	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/lims"
	"github.com/ilsys/asap/internal/types"
)

const blob121 = `<TXLife>
	<TXLifeRequest>
		<OLifE>
			<Party id="p1">
				<Person><FirstName>Jane</FirstName><LastName>Doe</LastName></Person>
			</Party>
		</OLifE>
	</TXLifeRequest>
</TXLife>`

func openDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	handle, err := sql.Open("sqlite", db.SQLiteConnString(filepath.Join(t.TempDir(), name), false))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	return handle
}

func execAll(t *testing.T, handle *sql.DB, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := handle.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func newBuilder(t *testing.T) *Builder {
	t.Helper()
	xmit := openDB(t, "xmit.db")
	limsDB := openDB(t, "lims.db")
	acordDB := openDB(t, "acord.db")
	caseDB := openDB(t, "caseqc.db")

	execAll(t, xmit,
		`CREATE TABLE asap_settings (setting_name TEXT, setting_value TEXT)`,
		`CREATE TABLE asap_db_settings (db_name TEXT, driver TEXT, dsn TEXT)`,
		`CREATE TABLE asap_contact_settings (
			contact_id TEXT, client_id TEXT, region_id TEXT, examiner TEXT,
			idx_type TEXT, idx_delim TEXT, idx_subdelim TEXT, source_code TEXT,
			on_stage_exception TEXT, enabled INTEGER)`,
		`CREATE TABLE asap_index_fields (field_name TEXT, field_type TEXT, source_name TEXT, field_ref TEXT)`,
		`CREATE TABLE asap_contact_index_map (
			contact_id TEXT, field_name TEXT, contact_field_name TEXT,
			field_order INTEGER, max_length INTEGER, format TEXT, required TEXT)`,
		`CREATE TABLE asap_contact_paths (
			contact_id TEXT, staging_dir TEXT, document_subdir TEXT,
			acord103_subdir TEXT, index_subdir TEXT, xmit_subdir TEXT)`,
		`CREATE TABLE asap_contact_hooks (contact_id TEXT, hook_id TEXT)`,
		`CREATE TABLE asap_contact_carrier_map (contact_id TEXT, acord_carrier_name TEXT)`,
		`CREATE TABLE client_region_reports (client_id TEXT, region_id TEXT, contact_id TEXT, report_id TEXT)`,
		`CREATE TABLE document_service_map (
			contact_id TEXT, document_type_name TEXT, client_document_name TEXT, tp_requested TEXT)`,
		`INSERT INTO asap_settings VALUES
			('crr_report_id', 'ASAPRPT'),
			('processed_subdir', 'processed'),
			('error_subdir', 'error')`,
	)
	execAll(t, limsDB,
		`CREATE TABLE sample (
			sid TEXT, client_id TEXT, region_id TEXT, examiner TEXT,
			transmit_date TIMESTAMP, hold_flag_id TEXT)`,
		`INSERT INTO sample VALUES ('AB123456', 'AGL', '01', '', NULL, ' ')`,
	)
	execAll(t, acordDB,
		`CREATE TABLE rh_blobs (blobid INTEGER, source_code TEXT, trackingid TEXT, content BLOB)`,
	)
	_, err := acordDB.Exec(`INSERT INTO rh_blobs VALUES (1, 'ESubmissions-AGL', 'TRK00001', ?)`, []byte(blob121))
	require.NoError(t, err)
	execAll(t, caseDB,
		`CREATE TABLE casemaster (
			objectid INTEGER, state TEXT, trackingid TEXT, sampleid TEXT,
			created_by TEXT, created_dt TIMESTAMP, first_name TEXT, last_name TEXT,
			ssn TEXT, policy_number TEXT, source_code TEXT, naic TEXT, date_received TIMESTAMP)`,
		`CREATE TABLE casesource (sourcecode TEXT, naic TEXT, carrierdesc TEXT)`,
		`CREATE TABLE casehistory (
			objectid INTEGER, sampleid TEXT, comment TEXT, pageid INTEGER,
			documentid INTEGER, action TEXT, created_by TEXT, created_dt TIMESTAMP,
			documenttypeid INTEGER)`,
		`CREATE TABLE tbldocumenttypes (documenttypeid INTEGER, documenttypename TEXT)`,
		`INSERT INTO casesource VALUES ('ESubmissions-AGL', '60488', 'AG LIFE')`,
		`INSERT INTO casemaster VALUES
			(1, 'Released', 'TRK00001', 'AB123456', 'ESubmissions', '2024-03-01 09:00:00',
			 'Jane', 'Doe', '123456789', 'POL-77', 'ESubmissions-AGL', '60488', '2024-03-01 09:00:00')`,
	)

	pool := db.NewPool(nil)
	pool.Put(db.Xmit, xmit)
	pool.Put(db.SIP, limsDB)
	pool.Put(db.SNIP, limsDB)
	pool.Put(db.Acord, acordDB)
	pool.Put(db.CaseQC, caseDB)

	store := config.NewStore(pool)
	return NewBuilder(store, lims.NewStore(pool), acord.NewStore(pool), caseqc.NewStore(pool))
}

func newContact(t *testing.T, idxType types.IndexType) *types.Contact {
	t.Helper()
	staging := t.TempDir()
	contact := &types.Contact{
		ContactID:  "aglite",
		ClientID:   "AGL",
		RegionID:   "01",
		SourceCode: "ESubmissions-AGL",
		Paths: types.ContactPaths{
			DocumentDir: filepath.Join(staging, "imaging"),
			IndexDir:    filepath.Join(staging, "idx"),
		},
		DocTypeNameMap:    map[string]string{"APPLICATION": "App Part A"},
		DocTypeBillingMap: map[string]string{"APPLICATION": "900"},
		Index:             types.NewIndex(idxType, "\n", "="),
	}
	require.NoError(t, os.MkdirAll(contact.Paths.DocumentDir, 0o755))
	require.NoError(t, os.MkdirAll(contact.Paths.IndexDir, 0o755))

	contact.Index.AddField(types.NewField("SID", types.FieldTypeString, true, 0, "", types.FieldSourceLIMS, "sample.sid"), 1)
	contact.Index.AddField(types.NewField("TRACKING", types.FieldTypeString, true, 0, "", types.FieldSourceDeltaQC, "asapcase.trackingID"), 2)
	contact.Index.AddField(types.NewField("PAGES", types.FieldTypeString, false, 0, "", types.FieldSourceDeltaQC, "asapdocument.pagecount"), 3)
	contact.Index.AddField(types.NewField("DOCNAME", types.FieldTypeString, false, 0, "", types.FieldSourceDeltaQC, "asapdocument.clientdocname"), 4)
	contact.Index.AddField(types.NewField("CARRIER", types.FieldTypeString, false, 0, "", types.FieldSourceConstant, "AGL"), 5)
	contact.Index.AddField(types.NewField("POLICY", types.FieldTypeString, false, 0, "", types.FieldSourceCaseQC, "casemaster.policy_number"), 6)
	contact.Index.AddField(types.NewField("FNAME", types.FieldTypeString, false, 0, "", types.FieldSourceAcord121, "ACORDInsuredParty.Person.FirstName"), 7)
	return contact
}

func newCase(t *testing.T, contact *types.Contact, sid string) *types.Case {
	t.Helper()
	c := &types.Case{Sid: sid, TrackingID: "TRK00001", SourceCode: "ESubmissions-AGL", Contact: contact}
	doc := &types.Document{DocumentID: 42, FileName: "1234.TIF", PageCount: 3}
	doc.SetDocTypeName("Application")
	require.True(t, c.AddDocument(doc))
	require.NoError(t, os.WriteFile(
		filepath.Join(contact.Paths.DocumentDir, doc.FileName), []byte("tif"), 0o644))
	return c
}

func TestBuildCaseIndex(t *testing.T) {
	builder := newBuilder(t)
	contact := newContact(t, types.IndexTypeCase)
	c := newCase(t, contact, "AB123456")

	ok, err := builder.BuildForCase(context.Background(), c, nil)
	require.NoError(t, err)
	require.True(t, ok)

	idxPath := filepath.Join(contact.Paths.IndexDir, "TRK00001.IDX")
	data, err := os.ReadFile(idxPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "SID=AB123456")
	assert.Contains(t, content, "TRACKING=TRK00001")
	assert.Contains(t, content, "PAGES=3")
	assert.Contains(t, content, "DOCNAME=App Part A")
	assert.Contains(t, content, "CARRIER=AGL")
	assert.Contains(t, content, "POLICY=POL-77")
	assert.Contains(t, content, "FNAME=Jane")

	// indexed image moved to the processed subfolder
	assert.FileExists(t, filepath.Join(contact.Paths.DocumentDir, "processed", "1234.TIF"))
	assert.NoFileExists(t, filepath.Join(contact.Paths.DocumentDir, "1234.TIF"))
}

func TestBuildDocumentIndexes(t *testing.T) {
	builder := newBuilder(t)
	contact := newContact(t, types.IndexTypeDocument)
	c := newCase(t, contact, "AB123456")

	doc2 := &types.Document{DocumentID: 43, FileName: "2001.TIF", PageCount: 1}
	doc2.SetDocTypeName("Application")
	require.True(t, c.AddDocument(doc2))
	require.NoError(t, os.WriteFile(
		filepath.Join(contact.Paths.DocumentDir, doc2.FileName), []byte("tif"), 0o644))

	ok, err := builder.BuildForCase(context.Background(), c, nil)
	require.NoError(t, err)
	require.True(t, ok)

	assert.FileExists(t, filepath.Join(contact.Paths.IndexDir, "1234.IDX"))
	assert.FileExists(t, filepath.Join(contact.Paths.IndexDir, "2001.IDX"))
}

func TestBuildFailsWhenSampleMissing(t *testing.T) {
	builder := newBuilder(t)
	contact := newContact(t, types.IndexTypeCase)
	c := newCase(t, contact, "ZZ999999") // not in LIMS

	ok, err := builder.BuildForCase(context.Background(), c, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(contact.Paths.IndexDir, "TRK00001.IDX"))
	// field values were reset; constants reset to their reference
	assert.Empty(t, contact.Index.Value("SID"))
	assert.Equal(t, "AGL", contact.Index.Value("CARRIER"))
}

type decliningHooks struct {
	NopHooks
	preProcess bool
	derived    bool
}

func (h decliningHooks) PreProcess(context.Context, *Build) (bool, error) {
	return h.preProcess, nil
}

func (h decliningHooks) ProcessDerivedFields(context.Context, *Build) (bool, error) {
	return h.derived, nil
}

func TestPreProcessDeclineStopsBuild(t *testing.T) {
	builder := newBuilder(t)
	contact := newContact(t, types.IndexTypeCase)
	c := newCase(t, contact, "AB123456")

	ok, err := builder.BuildForCase(context.Background(), c, decliningHooks{preProcess: false, derived: true})
	require.NoError(t, err)
	assert.False(t, ok)
	// nothing quarantined; the case just waits for the next run
	assert.FileExists(t, filepath.Join(contact.Paths.DocumentDir, "1234.TIF"))
}

func TestDerivedFieldDeclineQuarantinesCase(t *testing.T) {
	builder := newBuilder(t)
	contact := newContact(t, types.IndexTypeCase)
	c := newCase(t, contact, "AB123456")

	ok, err := builder.BuildForCase(context.Background(), c, decliningHooks{preProcess: true, derived: false})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.FileExists(t, filepath.Join(contact.Paths.DocumentDir, "error", "1234.TIF"))
}
