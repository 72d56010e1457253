package acord103

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/types"
)

func newFixture(t *testing.T) *Store {
	t.Helper()
	handle, err := sql.Open("sqlite", db.SQLiteConnString(filepath.Join(t.TempDir(), "xmit.db"), false))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	_, err = handle.Exec(`CREATE TABLE asap_acord103 (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trackingid TEXT, trackingid103 TEXT, trans_ref_guid TEXT,
		policy_number TEXT, retrieve INTEGER, date_received TIMESTAMP, file_name TEXT)`)
	require.NoError(t, err)

	pool := db.NewPool(nil)
	pool.Put(db.Xmit, handle)
	return NewStore(pool)
}

func TestAddAndLookups(t *testing.T) {
	store := newFixture(t)
	ctx := context.Background()

	rec := &types.Acord103{
		TrackingID:    "TRK00001",
		TrackingID103: "CARR-991",
		TransRefGUID:  "9A3F-0001",
	}
	require.NoError(t, store.Add(ctx, rec))
	assert.NotZero(t, rec.ID)
	assert.Equal(t, "TRK00001.XML", rec.FileName)

	byTrk, err := store.ByTrackingID(ctx, "TRK00001")
	require.NoError(t, err)
	require.Len(t, byTrk, 1)
	assert.Equal(t, "CARR-991", byTrk[0].TrackingID103)

	by103, err := store.ByTrackingID103(ctx, "CARR-991")
	require.NoError(t, err)
	require.Len(t, by103, 1)

	byGUID, err := store.ByTransRefGUID(ctx, "9A3F-0001")
	require.NoError(t, err)
	require.Len(t, byGUID, 1)

	none, err := store.ByPolicyNumber(ctx, "POL-1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSetPolicyNumber(t *testing.T) {
	store := newFixture(t)
	ctx := context.Background()

	rec := &types.Acord103{TrackingID: "TRK00002"}
	require.NoError(t, store.Add(ctx, rec))
	require.NoError(t, store.SetPolicyNumber(ctx, rec, "POL-778"))
	assert.Equal(t, "POL-778", rec.PolicyNumber)

	byPolicy, err := store.ByPolicyNumber(ctx, "POL-778")
	require.NoError(t, err)
	require.Len(t, byPolicy, 1)
	assert.Equal(t, "TRK00002", byPolicy[0].TrackingID)
}

func TestSetToRetrieveRestoresXML(t *testing.T) {
	store := newFixture(t)
	ctx := context.Background()

	staging := t.TempDir()
	contact := &types.Contact{
		ContactID: "aglite",
		Paths:     types.ContactPaths{Acord103Dir: filepath.Join(staging, "acord103")},
	}
	processed := filepath.Join(contact.Paths.Acord103Dir, "processed")
	require.NoError(t, os.MkdirAll(processed, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(processed, "TRK00003.XML"), []byte("<TXLife/>"), 0o644))

	rec := &types.Acord103{TrackingID: "TRK00003"}
	require.NoError(t, store.Add(ctx, rec))
	require.NoError(t, store.MarkRetrieved(ctx, rec))

	require.NoError(t, store.SetToRetrieve(ctx, rec, contact, "processed"))
	assert.True(t, rec.Retrieve)
	assert.FileExists(t, filepath.Join(contact.Paths.Acord103Dir, "TRK00003.XML"))

	recs, err := store.ByTrackingID(ctx, "TRK00003")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Retrieve)
}

func TestSetToRetrieveRequires103Dir(t *testing.T) {
	store := newFixture(t)
	contact := &types.Contact{ContactID: "nolife"}
	err := store.SetToRetrieve(context.Background(), &types.Acord103{TrackingID: "X"}, contact, "processed")
	assert.Error(t, err)
}
