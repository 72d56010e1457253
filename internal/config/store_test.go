package config

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/types"
)

func openFixtureDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	handle, err := sql.Open("sqlite", db.SQLiteConnString(path, false))
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

func newFixtureStore(t *testing.T) *Store {
	t.Helper()
	handle := openFixtureDB(t)
	execAll(t, handle,
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
			('error_subdir', 'error'),
			('no_bill_no_send_code', 'NBNS'),
			('no_bill_code', 'NB')`,

		`INSERT INTO asap_contact_settings VALUES
			('aglite', 'AGL', '01', '', 'case', '<LF>', '=', 'ESubmissions-AGL', 'restage', 1),
			('aglexam', 'AGL', '01', 'SMITH', 'case', '<LF>', '=', 'ESubmissions-AGL', 'leave', 1),
			('retired', 'OLD', '01', '', 'case', '<LF>', '=', 'ESubmissions-OLD', '', 0)`,

		`INSERT INTO asap_index_fields VALUES
			('tracking_id', 'string', 'deltaqc', 'asapcase.trackingID'),
			('last_name', 'string', 'lims', 'sample_person.last_name'),
			('dest', 'string', 'constant', 'NEWBUS')`,

		`INSERT INTO asap_contact_index_map VALUES
			('aglite', 'last_name', 'LastName', 2, 30, '', 'N'),
			('aglite', 'tracking_id', 'TrackingID', 1, 0, '', 'Y'),
			('aglite', 'dest', 'Dest', 3, 0, '', 'N')`,

		`INSERT INTO asap_contact_paths VALUES
			('aglite', '/stage/aglite', 'imaging', 'acord103', 'idx', 'xmit')`,

		`INSERT INTO asap_contact_hooks VALUES ('aglite', 'aglite')`,

		`INSERT INTO asap_contact_carrier_map VALUES
			('aglite', 'AG LIFE'), ('aglite', 'US LIFE')`,

		`INSERT INTO client_region_reports VALUES ('AGL', '01', 'LIMS77', 'ASAPRPT')`,

		`INSERT INTO document_service_map VALUES
			('LIMS77', 'APPLICATION', 'App Part A', '900'),
			('LIMS77', 'LAB REPORT', 'Lab Slip', 'NBNS')`,
	)

	pool := db.NewPool(nil)
	pool.Put(db.Xmit, handle)
	pool.Put(db.SIP, handle)
	return NewStore(pool)
}

func TestStoreSettings(t *testing.T) {
	store := newFixtureStore(t)
	ctx := context.Background()

	got, err := store.Setting(ctx, SettingReportID)
	require.NoError(t, err)
	assert.Equal(t, "ASAPRPT", got)

	missing, err := store.Setting(ctx, "no_such_setting")
	require.NoError(t, err)
	assert.Equal(t, "", missing)
}

func TestStoreContactLookup(t *testing.T) {
	store := newFixtureStore(t)
	ctx := context.Background()

	c, err := store.Contact(ctx, "AGL", "01", "")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "aglite", c.ContactID)
	assert.Equal(t, "ESubmissions-AGL", c.SourceCode)
	assert.Equal(t, types.StageExceptionRestage, c.OnStageException)

	// examiner-specific contact wins when present
	exam, err := store.Contact(ctx, "AGL", "01", "SMITH")
	require.NoError(t, err)
	require.NotNil(t, exam)
	assert.Equal(t, "aglexam", exam.ContactID)
	assert.Equal(t, types.StageExceptionLeave, exam.OnStageException)

	// unknown examiner falls back to the region contact
	fallback, err := store.Contact(ctx, "AGL", "01", "JONES")
	require.NoError(t, err)
	require.NotNil(t, fallback)
	assert.Equal(t, "aglite", fallback.ContactID)

	none, err := store.Contact(ctx, "ZZZ", "01", "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStoreContactDetails(t *testing.T) {
	store := newFixtureStore(t)
	ctx := context.Background()

	c, err := store.Contact(ctx, "AGL", "01", "")
	require.NoError(t, err)
	require.NotNil(t, c)

	// disabled contacts are not loaded
	contacts, err := store.Contacts(ctx)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)

	// index schema ordered by field_order, metadata applied
	require.NotNil(t, c.Index)
	assert.Equal(t, types.IndexTypeCase, c.Index.Type)
	assert.Equal(t, []string{"TrackingID", "LastName", "Dest"}, c.Index.OrderedFieldNames())
	assert.True(t, c.Index.Field("TrackingID").Required())
	assert.Equal(t, types.FieldSourceLIMS, c.Index.Field("LastName").Source())
	assert.Equal(t, "NEWBUS", c.Index.Value("Dest"))

	// paths joined onto the staging dir
	assert.Equal(t, filepath.Join("/stage/aglite", "imaging"), c.Paths.DocumentDir)
	assert.Equal(t, filepath.Join("/stage/aglite", "acord103"), c.Paths.Acord103Dir)
	assert.Equal(t, filepath.Join("/stage/aglite", "idx"), c.Paths.IndexDir)
	assert.Equal(t, filepath.Join("/stage/aglite", "xmit"), c.Paths.XmitDir)

	// doc type maps from LIMS
	assert.Equal(t, "App Part A", c.DocTypeNameMap["APPLICATION"])
	assert.Equal(t, "900", c.DocTypeBillingMap["APPLICATION"])
	assert.Equal(t, "NBNS", c.DocTypeBillingMap["LAB REPORT"])

	// hook and carrier bindings
	assert.Equal(t, "aglite", c.HookID)
	assert.Equal(t, []string{"AG LIFE", "US LIFE"}, c.CarrierNames)

	// billing codes from settings
	assert.Equal(t, "NBNS", c.NoBillNoSendCode)
	assert.Equal(t, "NB", c.NoBillCode)
}

func TestStoreReload(t *testing.T) {
	store := newFixtureStore(t)
	ctx := context.Background()

	_, err := store.Contacts(ctx)
	require.NoError(t, err)

	store.Reload()
	contacts, err := store.Contacts(ctx)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)
}
