package discrepancy

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilsys/asap/internal/db"
)

func newFixture(t *testing.T) *Store {
	t.Helper()
	handle, err := sql.Open("sqlite", db.SQLiteConnString(filepath.Join(t.TempDir(), "xmit.db"), false))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	for _, stmt := range []string{
		`CREATE TABLE asap_discrepancies (
			discrepancyid INTEGER PRIMARY KEY AUTOINCREMENT,
			sid TEXT, trackingid TEXT, discrepancytypeid INTEGER,
			discrepancydate TIMESTAMP, resolveddate TIMESTAMP,
			resolvedby TEXT, comment TEXT, closeddate TIMESTAMP)`,
		`CREATE TABLE asap_discrepancy_types (
			discrepancytypeid INTEGER, discrepancytype TEXT)`,
		`INSERT INTO asap_discrepancy_types VALUES (1, 'Order without sample')`,
		`INSERT INTO asap_discrepancy_types VALUES (2, 'Order with sample but no documents')`,
		`INSERT INTO asap_discrepancy_types VALUES (3, 'Order without documents')`,
	} {
		_, err := handle.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	pool := db.NewPool(nil)
	pool.Put(db.Xmit, handle)
	return NewStore(pool)
}

func TestAddAndOpen(t *testing.T) {
	store := newFixture(t)
	ctx := context.Background()

	added, err := store.Add(ctx, &Discrepancy{Sid: "AB123456", TrackingID: "TRK00001", TypeID: TypeOrderNoSample})
	require.NoError(t, err)
	require.True(t, added)

	open, err := store.Open(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "AB123456", open[0].Sid)
	assert.Equal(t, "Order without sample", open[0].TypeDesc)
	assert.False(t, open[0].Date.IsZero())
	assert.False(t, open[0].Resolved())
	assert.False(t, open[0].Closed())

	filtered, err := store.Open(ctx, TypeOrderNoDocs)
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestAddSkipsWhenOpen(t *testing.T) {
	store := newFixture(t)
	ctx := context.Background()
	d := &Discrepancy{Sid: "AB123456", TypeID: TypeOrderSampleNoDocs}

	added, err := store.Add(ctx, d)
	require.NoError(t, err)
	require.True(t, added)

	again, err := store.Add(ctx, d)
	require.NoError(t, err)
	assert.False(t, again)

	// a different type for the same sid is a separate condition
	other, err := store.Add(ctx, &Discrepancy{Sid: "AB123456", TypeID: TypeOrderNoDocs})
	require.NoError(t, err)
	assert.True(t, other)
}

func TestAddRequiresTypeAndKey(t *testing.T) {
	store := newFixture(t)
	ctx := context.Background()

	added, err := store.Add(ctx, &Discrepancy{Sid: "AB123456"})
	require.NoError(t, err)
	assert.False(t, added)

	added, err = store.Add(ctx, &Discrepancy{TypeID: TypeOrderNoSample})
	require.NoError(t, err)
	assert.False(t, added)
}

func TestCloseAllowsReAdd(t *testing.T) {
	store := newFixture(t)
	ctx := context.Background()
	d := &Discrepancy{Sid: "AB123456", TypeID: TypeOrderNoSample}

	_, err := store.Add(ctx, d)
	require.NoError(t, err)
	open, err := store.Open(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, store.Close(ctx, open[0]))
	assert.True(t, open[0].Closed())

	stillOpen, err := store.Open(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, stillOpen)

	// the condition came back after the auto-close
	added, err := store.Add(ctx, d)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestResolveBlocksReAdd(t *testing.T) {
	store := newFixture(t)
	ctx := context.Background()
	d := &Discrepancy{TrackingID: "TRK00001", TypeID: TypeOrderNoDocs}

	_, err := store.Add(ctx, d)
	require.NoError(t, err)
	open, err := store.Open(ctx, TypeOrderNoDocs)
	require.NoError(t, err)
	require.Len(t, open, 1)

	ok, err := store.Resolve(ctx, open[0], "jdoe", "order cancelled by carrier")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "jdoe", open[0].ResolvedBy)
	assert.Equal(t, "order cancelled by carrier", open[0].Comment)
	assert.True(t, open[0].Resolved())

	added, err := store.Add(ctx, d)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestResolveFailsWhenClosed(t *testing.T) {
	store := newFixture(t)
	ctx := context.Background()

	_, err := store.Add(ctx, &Discrepancy{Sid: "AB123456", TypeID: TypeOrderNoSample})
	require.NoError(t, err)
	open, err := store.Open(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NoError(t, store.Close(ctx, open[0]))

	ok, err := store.Resolve(ctx, open[0], "jdoe", "late comment")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Resolve(ctx, open[0], "jdoe", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForKeysMatchesEitherKey(t *testing.T) {
	store := newFixture(t)
	ctx := context.Background()

	_, err := store.Add(ctx, &Discrepancy{Sid: "AB123456", TrackingID: "TRK00001", TypeID: TypeOrderNoSample})
	require.NoError(t, err)

	bySid, err := store.ForKeys(ctx, "AB123456", "", TypeOrderNoSample)
	require.NoError(t, err)
	assert.Len(t, bySid, 1)

	byTracking, err := store.ForKeys(ctx, "", "TRK00001", TypeOrderNoSample)
	require.NoError(t, err)
	assert.Len(t, byTracking, 1)

	none, err := store.ForKeys(ctx, "", "", TypeOrderNoSample)
	require.NoError(t, err)
	assert.Empty(t, none)
}
