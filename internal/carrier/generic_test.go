package carrier

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/filemgr"
	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/history"
	"github.com/ilsys/asap/internal/index"
	"github.com/ilsys/asap/internal/lims"
	"github.com/ilsys/asap/internal/ports"
	"github.com/ilsys/asap/internal/testutil"
	"github.com/ilsys/asap/internal/transmit"
	"github.com/ilsys/asap/internal/types"
)

type carrierFixture struct {
	env      *Env
	files    *filemgr.Manager
	contact  *types.Contact
	pool     *db.Pool
	clock    *testutil.FakeClock
	mailer   *testutil.FakeMailer
	transfer *testutil.FakeTransfer
}

func newCarrierFixture(t *testing.T) *carrierFixture {
	t.Helper()
	handle, err := sql.Open("sqlite", db.SQLiteConnString(filepath.Join(t.TempDir(), "xmit.db"), false))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	for _, stmt := range []string{
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
		`CREATE TABLE asap_file_state (state_id INTEGER, state_value TEXT)`,
		`CREATE TABLE asap_file_manager (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			state_id INTEGER, contact_id TEXT,
			file_name TEXT, contact_path TEXT, file_content TEXT)`,
		`CREATE TABLE asap_document_history (
			sid TEXT, documentid INTEGER, contact_id TEXT,
			actionitem TEXT, actiondate TIMESTAMP)`,
		`INSERT INTO asap_file_state VALUES (1, 'MARKED_FOR_DELETION')`,
		`INSERT INTO asap_settings VALUES ('error_subdir', 'error')`,
		`INSERT INTO asap_settings VALUES ('processed_subdir', 'processed')`,
	} {
		_, err := handle.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	pool := db.NewPool(nil)
	pool.Put(db.Xmit, handle)

	staging := t.TempDir()
	idx := types.NewIndex(types.IndexTypeCase, "<LF>", "=")
	idx.AddField(types.NewField("SID", types.FieldTypeString, true, 0, "", types.FieldSourceLIMS, "sid"), 1)
	idx.AddField(types.NewField("REFNUM", types.FieldTypeString, false, 0, "", types.FieldSourceDeltaQC, "refnum"), 2)
	idx.AddField(types.NewField("FILENAME", types.FieldTypeString, false, 0, "", types.FieldSourceDerived, ""), 3)

	contact := &types.Contact{
		ContactID:         "tro",
		ClientID:          "77",
		RegionID:          "TRO",
		Index:             idx,
		DocTypeBillingMap: map[string]string{"LABRPT": "900"},
		Paths: types.ContactPaths{
			DocumentDir: filepath.Join(staging, "imaging"),
			IndexDir:    filepath.Join(staging, "idx"),
			XmitDir:     filepath.Join(staging, "xmit"),
			Acord103Dir: filepath.Join(staging, "acord103"),
		},
	}
	for _, dir := range []string{
		contact.Paths.DocumentDir,
		filepath.Join(contact.Paths.DocumentDir, "processed"),
		contact.Paths.IndexDir,
		contact.Paths.XmitDir,
		contact.Paths.Acord103Dir,
	} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	store := config.NewStore(pool)
	hist := history.NewStore(pool)
	clock := &testutil.FakeClock{Time: time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)}
	mailer := &testutil.FakeMailer{}
	transfer := &testutil.FakeTransfer{}
	env := &Env{
		Store:     store,
		History:   hist,
		Transmit:  transmit.NewHandler(store, hist, nil),
		LIMS:      lims.NewStore(pool),
		Clock:     clock,
		Mailer:    mailer,
		Encryptor: &testutil.FakeEncryptor{},
		NewTransfer: func(Transport) (ports.FileTransfer, error) {
			return transfer, nil
		},
	}
	return &carrierFixture{
		env:      env,
		files:    filemgr.New(pool, contact),
		contact:  contact,
		pool:     pool,
		clock:    clock,
		mailer:   mailer,
		transfer: transfer,
	}
}

func (f *carrierFixture) cycle() *transmit.Cycle {
	return &transmit.Cycle{Contact: f.contact, Files: f.files}
}

func (f *carrierFixture) newCase(t *testing.T, sid, trackingID, fileName string) *types.Case {
	t.Helper()
	c := &types.Case{Sid: sid, TrackingID: trackingID, Contact: f.contact}
	doc := &types.Document{DocumentID: 42, FileName: fileName, PageCount: 1}
	doc.SetDocTypeName("LABRPT")
	require.True(t, c.AddDocument(doc))
	return c
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPreStageReviewPolicySweepsLeftovers(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	g := NewGeneric(f.env, &Profile{ID: "tro", Leftover: LeftoverReview})
	xmit := f.contact.Paths.XmitDir

	writeFile(t, filepath.Join(xmit, "stale.TIF"), "image")
	writeFile(t, filepath.Join(xmit, "pgp", "old.pgp"), "cipher")
	writeFile(t, filepath.Join(xmit, "zip", "old.zip"), "zip")
	writeFile(t, filepath.Join(xmit, "retrans", "resend.IDX"), "SID=AB123456")

	ok, err := g.PreStage(ctx, f.cycle())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.FileExists(t, filepath.Join(xmit, "review", "stale.TIF"))
	assert.FileExists(t, filepath.Join(xmit, "review", "old.pgp"))
	assert.FileExists(t, filepath.Join(xmit, "review", "old.zip"))
	// the retrans queue rejoins the outbound staging folder
	assert.FileExists(t, filepath.Join(xmit, "resend.IDX"))
	assert.NoFileExists(t, filepath.Join(xmit, "retrans", "resend.IDX"))
}

func TestPreStageRetransPolicyQueuesLeftovers(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	g := NewGeneric(f.env, &Profile{ID: "aglite", Leftover: LeftoverRetrans})
	xmit := f.contact.Paths.XmitDir

	writeFile(t, filepath.Join(xmit, "stale.TIF"), "image")
	writeFile(t, filepath.Join(xmit, "zip", "old.zip"), "zip")

	ok, err := g.PreStage(ctx, f.cycle())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.FileExists(t, filepath.Join(xmit, "retrans", "stale.TIF"))
	// retrans policy leaves archives in place to go out this run
	assert.FileExists(t, filepath.Join(xmit, "zip", "old.zip"))
}

func TestStageIndexedCaseRenamesPairs(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	g := NewGeneric(f.env, &Profile{
		ID:    "tro",
		Stage: Stage{Prefix: "CRL", ImageExt: "tif", IndexExt: "idx", Uppercase: true, Bundle103: Bundle103Never},
	})
	c := f.newCase(t, "AB123456", "TRK00001", "00001234.TIF")
	cy := f.cycle()
	cy.Current = c

	writeFile(t, filepath.Join(f.contact.Paths.DocumentDir, "processed", "00001234.TIF"), "image")
	writeFile(t, filepath.Join(f.contact.Paths.IndexDir, "00001234.IDX"), "SID=AB123456\n")

	ok, err := g.StageIndexedCase(ctx, cy)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.FileExists(t, filepath.Join(f.contact.Paths.XmitDir, "CRL00001234.TIF"))
	assert.FileExists(t, filepath.Join(f.contact.Paths.XmitDir, "CRL00001234.IDX"))
	assert.NoFileExists(t, filepath.Join(f.contact.Paths.DocumentDir, "processed", "00001234.TIF"))
	assert.NoFileExists(t, filepath.Join(f.contact.Paths.IndexDir, "00001234.IDX"))
}

func TestStageIndexedCaseMissingPairFails(t *testing.T) {
	f := newCarrierFixture(t)
	g := NewGeneric(f.env, &Profile{ID: "tro", Stage: Stage{ImageExt: "tif", IndexExt: "idx", Bundle103: Bundle103Never}})
	c := f.newCase(t, "AB123456", "TRK00001", "00001234.TIF")
	cy := f.cycle()
	cy.Current = c

	// image without its index
	writeFile(t, filepath.Join(f.contact.Paths.DocumentDir, "processed", "00001234.TIF"), "image")

	ok, err := g.StageIndexedCase(context.Background(), cy)
	require.NoError(t, err)
	assert.False(t, ok)
	// nothing moved
	assert.FileExists(t, filepath.Join(f.contact.Paths.DocumentDir, "processed", "00001234.TIF"))
}

func TestStageIndexedCaseBundles103(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	g := NewGeneric(f.env, &Profile{
		ID:    "tro",
		Stage: Stage{ImageExt: "tif", IndexExt: "idx", Bundle103: Bundle103Always},
	})
	c := f.newCase(t, "AB123456", "TRK00001", "00001234.TIF")
	cy := f.cycle()
	cy.Current = c

	writeFile(t, filepath.Join(f.contact.Paths.DocumentDir, "processed", "00001234.TIF"), "image")
	writeFile(t, filepath.Join(f.contact.Paths.IndexDir, "00001234.IDX"), "SID=AB123456\n")
	writeFile(t, filepath.Join(f.contact.Paths.Acord103Dir, "TRK00001.XML"), "<TXLife/>")

	ok, err := g.StageIndexedCase(ctx, cy)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.FileExists(t, filepath.Join(f.contact.Paths.XmitDir, "TRK00001.XML"))
}

func TestStageIndexedCaseMissing103Fails(t *testing.T) {
	f := newCarrierFixture(t)
	g := NewGeneric(f.env, &Profile{
		ID:    "tro",
		Stage: Stage{ImageExt: "tif", IndexExt: "idx", Bundle103: Bundle103Always},
	})
	c := f.newCase(t, "AB123456", "TRK00001", "00001234.TIF")
	cy := f.cycle()
	cy.Current = c

	writeFile(t, filepath.Join(f.contact.Paths.DocumentDir, "processed", "00001234.TIF"), "image")
	writeFile(t, filepath.Join(f.contact.Paths.IndexDir, "00001234.IDX"), "SID=AB123456\n")

	ok, err := g.StageIndexedCase(context.Background(), cy)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStageIndexedCaseZipsPerCase(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	g := NewGeneric(f.env, &Profile{
		ID:         "tro",
		ZipPerCase: true,
		ZipName:    "CRL{regionAbbrev}_{trackingId}_{timestamp}.ZIP",
		Stage:      Stage{ImageExt: "tif", IndexExt: "idx", Bundle103: Bundle103Never},
	})
	c := f.newCase(t, "AB123456", "TRK00001", "00001234.TIF")
	cy := f.cycle()
	cy.Current = c

	writeFile(t, filepath.Join(f.contact.Paths.DocumentDir, "processed", "00001234.TIF"), "image")
	writeFile(t, filepath.Join(f.contact.Paths.IndexDir, "00001234.IDX"), "SID=AB123456\n")

	ok, err := g.StageIndexedCase(ctx, cy)
	require.NoError(t, err)
	assert.True(t, ok)

	zipPath := filepath.Join(f.contact.Paths.XmitDir, "zip", "CRLTRO_TRK00001_20260825103000.ZIP")
	require.FileExists(t, zipPath)
	names, err := fileutil.ZipEntryNames(zipPath)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"00001234.tif", "00001234.idx"}, names)
	// the loose staged files were tracked-deleted
	assert.NoFileExists(t, filepath.Join(f.contact.Paths.XmitDir, "00001234.tif"))
}

func TestIndexedCaseReadyHonorsWindow(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	g := NewGeneric(f.env, &Profile{
		ID:      "aglite",
		Windows: []Window{{Days: []string{"tue"}, Start: "03:00", End: "18:30"}},
	})
	cy := f.cycle()
	cy.Current = f.newCase(t, "AB123456", "TRK00001", "00001234.TIF")

	// Tuesday inside the window
	f.clock.Time = time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	ready, err := g.IndexedCaseReady(ctx, cy)
	require.NoError(t, err)
	assert.True(t, ready)

	// Tuesday after hours
	f.clock.Time = time.Date(2026, 8, 25, 19, 0, 0, 0, time.UTC)
	ready, err = g.IndexedCaseReady(ctx, cy)
	require.NoError(t, err)
	assert.False(t, ready)

	// Wednesday
	f.clock.Time = time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)
	ready, err = g.IndexedCaseReady(ctx, cy)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestIndexedCaseReadyRequiresSampleTransmit(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()

	snip, err := sql.Open("sqlite", db.SQLiteConnString(filepath.Join(t.TempDir(), "snip.db"), false))
	require.NoError(t, err)
	t.Cleanup(func() { snip.Close() })
	_, err = snip.Exec(`CREATE TABLE sample (
		sid TEXT, client_id TEXT, region_id TEXT, examiner TEXT,
		transmit_date TIMESTAMP, hold_flag_id TEXT)`)
	require.NoError(t, err)
	_, err = snip.Exec(`INSERT INTO sample VALUES ('AB123456', '77', 'TRO', 'EXM', NULL, ' ')`)
	require.NoError(t, err)
	f.pool.Put(db.SNIP, snip)

	g := NewGeneric(f.env, &Profile{ID: "aglite", RequireSampleTransmit: true})
	cy := f.cycle()
	cy.Current = f.newCase(t, "AB123456", "TRK00001", "00001234.TIF")

	ready, err := g.IndexedCaseReady(ctx, cy)
	require.NoError(t, err)
	assert.False(t, ready)

	_, err = snip.Exec(`UPDATE sample SET transmit_date = '2026-08-24 09:00:00' WHERE sid = 'AB123456'`)
	require.NoError(t, err)
	ready, err = g.IndexedCaseReady(ctx, cy)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestTransmitTransferUploadsAndMovesSent(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	g := NewGeneric(f.env, &Profile{
		ID:        "aglite",
		Transport: Transport{Kind: TransportSFTP, Host: "sftp.example.com", RemoteDir: "/inbound"},
	})
	xmit := f.contact.Paths.XmitDir
	writeFile(t, filepath.Join(xmit, "CRL0001.TIF"), "image")
	writeFile(t, filepath.Join(xmit, "CRL0001.IDX"), "SID=AB123456\n")

	ok, err := g.TransmitStagedCases(ctx, f.cycle())
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.transfer.Puts, 2)
	remotes := []string{f.transfer.Puts[0].RemotePath, f.transfer.Puts[1].RemotePath}
	assert.ElementsMatch(t, []string{"/inbound/CRL0001.TIF", "/inbound/CRL0001.IDX"}, remotes)
	assert.Equal(t, 1, f.transfer.Opens)
	assert.FileExists(t, filepath.Join(xmit, "sent", "CRL0001.TIF"))
	assert.FileExists(t, filepath.Join(xmit, "sent", "CRL0001.IDX"))
}

func TestTransmitTransferFailureLeavesFiles(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	f.transfer.PutErr = assert.AnError
	g := NewGeneric(f.env, &Profile{
		ID:        "aglite",
		Transport: Transport{Kind: TransportFTP, Host: "ftp.example.com"},
	})
	xmit := f.contact.Paths.XmitDir
	writeFile(t, filepath.Join(xmit, "CRL0001.TIF"), "image")

	ok, err := g.TransmitStagedCases(ctx, f.cycle())
	require.NoError(t, err)
	assert.False(t, ok)
	// the original stays put for the next run
	assert.FileExists(t, filepath.Join(xmit, "CRL0001.TIF"))
	assert.NoFileExists(t, filepath.Join(xmit, "sent", "CRL0001.TIF"))
}

func TestTransmitEncryptsBeforeUpload(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	g := NewGeneric(f.env, &Profile{
		ID:        "ple",
		EncryptTo: "carrier-intake",
		Transport: Transport{Kind: TransportSFTP, Host: "sftp.example.com", RemoteDir: "/drop"},
	})
	xmit := f.contact.Paths.XmitDir
	writeFile(t, filepath.Join(xmit, "CRL0001.TIF"), "image")

	ok, err := g.TransmitStagedCases(ctx, f.cycle())
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.transfer.Puts, 1)
	assert.Equal(t, "/drop/CRL0001.TIF.pgp", f.transfer.Puts[0].RemotePath)
	assert.FileExists(t, filepath.Join(xmit, "sent", "CRL0001.TIF.pgp"))
	// the cleartext original is gone
	assert.NoFileExists(t, filepath.Join(xmit, "CRL0001.TIF"))
}

func TestTransmitEmailSendsOneMessage(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	g := NewGeneric(f.env, &Profile{
		ID:        "svb",
		Transport: Transport{Kind: TransportEmail, EmailTo: []string{"intake@example.com"}},
	})
	xmit := f.contact.Paths.XmitDir
	writeFile(t, filepath.Join(xmit, "CRL0001.TIF"), "image")
	writeFile(t, filepath.Join(xmit, "CRL0001.IDX"), "SID=AB123456\n")

	ok, err := g.TransmitStagedCases(ctx, f.cycle())
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.mailer.Messages, 1)
	msg := f.mailer.Messages[0]
	assert.Equal(t, []string{"intake@example.com"}, msg.To)
	assert.Len(t, msg.Attachments, 2)
	assert.FileExists(t, filepath.Join(xmit, "sent", "CRL0001.TIF"))
}

func TestTransmitPickupCopiesWithRename(t *testing.T) {
	f := newCarrierFixture(t)
	ctx := context.Background()
	pickupDir := t.TempDir()
	g := NewGeneric(f.env, &Profile{
		ID:    "moo",
		Stage: Stage{Uppercase: true, ImageExt: "tif", IndexExt: "ndx", Bundle103: Bundle103Never},
		Transport: Transport{
			Kind:      TransportPickup,
			PickupDir: pickupDir,
			Rename:    map[string]string{".ndx": ".INI"},
		},
	})
	xmit := f.contact.Paths.XmitDir
	writeFile(t, filepath.Join(xmit, "crl0001.ndx"), "SID=AB123456\n")

	ok, err := g.TransmitStagedCases(ctx, f.cycle())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.FileExists(t, filepath.Join(pickupDir, "CRL0001.INI"))
	assert.FileExists(t, filepath.Join(xmit, "sent", "crl0001.ndx"))
}

func TestPostProcessSectionHeader(t *testing.T) {
	f := newCarrierFixture(t)
	g := NewGeneric(f.env, &Profile{
		ID:            "moo",
		IndexFormat:   IndexFormatSectionHeader,
		SectionHeader: "[Image Data]",
	})
	idxPath := filepath.Join(f.contact.Paths.IndexDir, "00001234.IDX")
	writeFile(t, idxPath, "SID=AB123456\nREFNUM=REF1\n")

	c := f.newCase(t, "AB123456", "TRK00001", "00001234.TIF")
	b := &index.Build{Case: c, IndexPaths: []string{idxPath}}
	ok, err := g.PostProcess(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(idxPath)
	require.NoError(t, err)
	assert.Equal(t, "[Image Data]\nSID=AB123456\nREFNUM=REF1\n", string(data))
}

func TestPostProcessKeyline(t *testing.T) {
	f := newCarrierFixture(t)
	g := NewGeneric(f.env, &Profile{
		ID:          "mnm",
		IndexFormat: IndexFormatKeyline,
		Keyline:     "XMT|{batch}|{SID}|{REFNUM}|{timestamp}",
	})
	idxPath := filepath.Join(f.contact.Paths.IndexDir, "00001234.IDX")
	writeFile(t, idxPath, "SID=AB123456\nREFNUM=REF1")

	c := f.newCase(t, "AB123456", "TRK00001", "00001234.TIF")
	b := &index.Build{Case: c, IndexPaths: []string{idxPath}}
	ok, err := g.PostProcess(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(idxPath)
	require.NoError(t, err)
	assert.Equal(t, "XMT|00001234|AB123456|REF1|20260825103000\n", string(data))
}

func TestProcessDerivedFields(t *testing.T) {
	f := newCarrierFixture(t)
	g := NewGeneric(f.env, &Profile{
		ID:      "svb",
		Derived: map[string]string{"FILENAME": "{docStem}_{docType}.TIF"},
	})
	c := f.newCase(t, "AB123456", "TRK00001", "00001234.TIF")
	b := &index.Build{Case: c, CurrentDoc: c.DocumentList()[0]}

	ok, err := g.ProcessDerivedFields(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "00001234_LABRPT.TIF", f.contact.Index.Value("FILENAME"))
}
