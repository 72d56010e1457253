package filemgr

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

func newFixture(t *testing.T) (*Manager, *db.Pool, string) {
	t.Helper()
	handle, err := sql.Open("sqlite", db.SQLiteConnString(filepath.Join(t.TempDir(), "xmit.db"), false))
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	for _, stmt := range []string{
		`CREATE TABLE asap_file_state (state_id INTEGER, state_value TEXT)`,
		`CREATE TABLE asap_file_manager (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			state_id INTEGER, contact_id TEXT,
			file_name TEXT, contact_path TEXT, file_content TEXT)`,
		`INSERT INTO asap_file_state VALUES (1, 'MARKED_FOR_DELETION')`,
	} {
		_, err := handle.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	pool := db.NewPool(nil)
	pool.Put(db.Xmit, handle)

	staging := t.TempDir()
	contact := &types.Contact{
		ContactID: "aglite",
		Paths: types.ContactPaths{
			DocumentDir: filepath.Join(staging, "imaging"),
			IndexDir:    filepath.Join(staging, "idx"),
			XmitDir:     filepath.Join(staging, "xmit"),
		},
	}
	for _, dir := range []string{contact.Paths.DocumentDir, contact.Paths.IndexDir, contact.Paths.XmitDir} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	return New(pool, contact), pool, staging
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewFilePathSplit(t *testing.T) {
	m, _, staging := newFixture(t)

	f := m.NewFile(filepath.Join(staging, "xmit", "00001234.TIF"), true)
	assert.Equal(t, "00001234.TIF", f.FileName)
	assert.Equal(t, "xmit", f.RelativePath)
	assert.Equal(t, filepath.Join(staging, "xmit", "00001234.TIF"), m.FullPath(f))

	// a bare name has no resolvable location
	bare := m.NewFile("00001234.TIF", false)
	assert.Equal(t, "", bare.RelativePath)
	assert.Equal(t, "", m.FullPath(bare))

	// paths outside the staging root keep only the name
	out := m.NewFile("/elsewhere/00001234.TIF", true)
	assert.Equal(t, "", out.RelativePath)
}

func TestGlobExcludesMarked(t *testing.T) {
	m, _, staging := newFixture(t)
	ctx := context.Background()

	writeFile(t, filepath.Join(staging, "xmit", "A.IDX"), "a")
	writeFile(t, filepath.Join(staging, "xmit", "B.IDX"), "b")

	marked := m.NewFile(filepath.Join(staging, "xmit", "B.IDX"), true)
	marked.State = types.FileStateMarkedForDeletion
	require.NoError(t, m.AddFile(ctx, marked, false))

	files, err := m.Glob(ctx, filepath.Join(staging, "xmit", "*.IDX"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "A.IDX", files[0].FileName)
}

func TestDeleteFileLifecycle(t *testing.T) {
	m, _, staging := newFixture(t)
	ctx := context.Background()

	path := filepath.Join(staging, "xmit", "GONE.IDX")
	writeFile(t, path, "x")
	f := m.NewFile(path, true)
	require.NoError(t, m.AddFile(ctx, f, false))

	require.NoError(t, m.DeleteFile(ctx, f))
	assert.NoFileExists(t, path)
	assert.Equal(t, types.FileStateNull, f.State)

	// the row reached NULL state and purges away
	require.NoError(t, PurgeNullFiles(ctx, m.pool))
	rows, err := m.FilesByState(ctx, types.FileStateMarkedForDeletion)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// A NULL_STATE row in asap_file_state must not displace the id-0
// sentinel, or deleted rows would dodge the purge.
func TestNullStateRowKeepsIDZero(t *testing.T) {
	m, pool, staging := newFixture(t)
	ctx := context.Background()

	handle, err := pool.Get(db.Xmit)
	require.NoError(t, err)
	_, err = handle.ExecContext(ctx, `INSERT INTO asap_file_state VALUES (7, 'NULL_STATE')`)
	require.NoError(t, err)

	path := filepath.Join(staging, "xmit", "STALE.IDX")
	writeFile(t, path, "x")
	f := m.NewFile(path, true)
	require.NoError(t, m.AddFile(ctx, f, false))
	require.NoError(t, m.DeleteFile(ctx, f))

	require.NoError(t, PurgeNullFiles(ctx, pool))
	var left int
	require.NoError(t, handle.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM asap_file_manager`).Scan(&left))
	assert.Zero(t, left)
}

func TestDeleteFileAlreadyGone(t *testing.T) {
	m, _, staging := newFixture(t)
	ctx := context.Background()

	f := m.NewFile(filepath.Join(staging, "xmit", "NEVER.IDX"), true)
	require.NoError(t, m.AddFile(ctx, f, false))
	require.NoError(t, m.DeleteFile(ctx, f))
	assert.Equal(t, types.FileStateNull, f.State)
}

func TestMoveFile(t *testing.T) {
	m, _, staging := newFixture(t)
	ctx := context.Background()

	src := filepath.Join(staging, "idx", "CASE.IDX")
	writeFile(t, src, "idx body")
	f := m.NewFile(src, true)
	require.NoError(t, m.AddFile(ctx, f, false))

	dst := filepath.Join(staging, "xmit", "CASE.IDX")
	moved, err := m.MoveFile(ctx, f, dst)
	require.NoError(t, err)
	assert.Equal(t, "xmit", moved.RelativePath)
	assert.NoFileExists(t, src)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "idx body", string(data))
}

func TestContentUploadAndRestore(t *testing.T) {
	m, _, staging := newFixture(t)
	ctx := context.Background()

	path := filepath.Join(staging, "xmit", "KEEP.IDX")
	writeFile(t, path, "payload")
	f := m.NewFile(path, true)
	require.NoError(t, m.AddFile(ctx, f, true))

	content, err := m.Content(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))

	require.NoError(t, os.Remove(path))
	require.NoError(t, m.RestoreFile(ctx, f))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
