// Package filemgr layers a persistent liveness state over the contact
// staging directories. Every file the transmit flow touches gets a row in
// asap_file_manager; files marked for deletion stay hidden from globs
// until the physical delete succeeds, which makes reruns after a crash
// safe against double-sending.
package filemgr

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/types"
)

// Manager tracks files for one contact. The state table is shared; the
// contact id partitions it.
type Manager struct {
	pool    *db.Pool
	contact *types.Contact

	mu     sync.Mutex
	states map[types.FileState]int
}

// New returns a manager scoped to the contact.
func New(pool *db.Pool, contact *types.Contact) *Manager {
	return &Manager{pool: pool, contact: contact}
}

// Contact returns the contact this manager is scoped to.
func (m *Manager) Contact() *types.Contact { return m.contact }

// NewFile builds a tracked-file handle for a path. An absolute path under
// the contact staging root is split into relative directory + name; a bare
// name is taken as-is with no directory.
func (m *Manager) NewFile(path string, fullPath bool) *types.TrackedFile {
	f := &types.TrackedFile{
		ContactID: m.contact.ContactID,
		State:     types.FileStateNull,
	}
	if !fullPath {
		f.FileName = path
		return f
	}
	f.FileName = filepath.Base(path)
	root := m.contact.StagingRoot() + string(filepath.Separator)
	dir := filepath.Dir(path)
	if strings.HasPrefix(strings.ToUpper(dir+string(filepath.Separator)), strings.ToUpper(root)) {
		f.RelativePath = dir[len(root):]
	}
	return f
}

// FullPath returns the absolute path of a tracked file, or "" when the
// file lies outside the staging tree.
func (m *Manager) FullPath(f *types.TrackedFile) string {
	if f.RelativePath == "" {
		return ""
	}
	return filepath.Join(m.contact.StagingRoot(), f.RelativePath, f.FileName)
}

func (m *Manager) stateID(ctx context.Context, state types.FileState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		handle, err := m.pool.Get(db.Xmit)
		if err != nil {
			return 0, err
		}
		rows, err := handle.QueryContext(ctx, `SELECT state_id, state_value FROM asap_file_state`)
		if err != nil {
			return 0, fmt.Errorf("loading file states: %w", err)
		}
		defer rows.Close()
		m.states = make(map[types.FileState]int)
		for rows.Next() {
			var id int
			var value string
			if err := rows.Scan(&id, &value); err != nil {
				return 0, err
			}
			m.states[types.FileState(value)] = id
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}
		// NULL is always id 0, even when asap_file_state carries a row
		// for it; PurgeNullFiles keys on state_id 0.
		m.states[types.FileStateNull] = 0
	}
	id, ok := m.states[state]
	if !ok {
		return 0, fmt.Errorf("unknown file state %q", state)
	}
	return id, nil
}

// AddFile inserts a tracking row for the file. With uploadContent set the
// file's bytes are base64-stored alongside for offline recovery.
func (m *Manager) AddFile(ctx context.Context, f *types.TrackedFile, uploadContent bool) error {
	if f.ContactID != m.contact.ContactID {
		return fmt.Errorf("file contact %s does not match manager contact %s", f.ContactID, m.contact.ContactID)
	}
	var content sql.NullString
	if uploadContent {
		if full := m.FullPath(f); full != "" {
			data, err := os.ReadFile(full)
			if err != nil {
				return fmt.Errorf("uploading content of %s: %w", full, err)
			}
			content = sql.NullString{String: base64.StdEncoding.EncodeToString(data), Valid: true}
		}
	}
	stateID, err := m.stateID(ctx, f.State)
	if err != nil {
		return err
	}
	handle, err := m.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	res, err := handle.ExecContext(ctx, `
		INSERT INTO asap_file_manager (state_id, contact_id, file_name, contact_path, file_content)
		VALUES (?, ?, ?, ?, ?)`,
		stateID, f.ContactID, f.FileName, nullable(f.RelativePath), content)
	if err != nil {
		return fmt.Errorf("tracking %s: %w", f.FileName, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		f.ID = id
	}
	return nil
}

// markedForDeletionID finds an existing MARKED_FOR_DELETION row for the
// file, or 0.
func (m *Manager) markedForDeletionID(ctx context.Context, f *types.TrackedFile) (int64, error) {
	handle, err := m.pool.Get(db.Xmit)
	if err != nil {
		return 0, err
	}
	var id int64
	err = handle.QueryRowContext(ctx, `
		SELECT m.id
		FROM asap_file_manager m
		INNER JOIN asap_file_state s ON m.state_id = s.state_id
		WHERE s.state_value = ? AND m.contact_id = ? AND m.contact_path = ? AND m.file_name = ?`,
		string(types.FileStateMarkedForDeletion), m.contact.ContactID, f.RelativePath, f.FileName).
		Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (m *Manager) setState(ctx context.Context, f *types.TrackedFile, state types.FileState) error {
	stateID, err := m.stateID(ctx, state)
	if err != nil {
		return err
	}
	handle, err := m.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	if _, err := handle.ExecContext(ctx,
		`UPDATE asap_file_manager SET state_id = ? WHERE id = ?`, stateID, f.ID); err != nil {
		return err
	}
	f.State = state
	return nil
}

// DeleteFile marks the file for deletion, attempts the physical delete,
// and on success moves the row to NULL state. A failed unlink keeps the
// MARKED_FOR_DELETION row so the next run retries, and keeps the file
// hidden from globs in the meantime.
func (m *Manager) DeleteFile(ctx context.Context, f *types.TrackedFile) error {
	f.State = types.FileStateMarkedForDeletion
	if f.ID == 0 {
		id, err := m.markedForDeletionID(ctx, f)
		if err != nil {
			return err
		}
		f.ID = id
	}
	if f.ID == 0 {
		if err := m.AddFile(ctx, f, false); err != nil {
			return err
		}
	} else if err := m.setState(ctx, f, types.FileStateMarkedForDeletion); err != nil {
		return err
	}
	full := m.FullPath(f)
	if full != "" {
		if _, err := os.Stat(full); err == nil {
			if err := os.Remove(full); err != nil {
				log.WithError(err).WithField("file", full).
					Warn("physical delete failed, retrying next run")
				return nil
			}
		}
	}
	return m.setState(ctx, f, types.FileStateNull)
}

// MoveFile copies the file to dstPath and tracked-deletes the original.
func (m *Manager) MoveFile(ctx context.Context, f *types.TrackedFile, dstPath string) (*types.TrackedFile, error) {
	dst := m.NewFile(dstPath, true)
	if err := fileutil.CopyFileRetry(ctx, m.FullPath(f), dstPath); err != nil {
		return nil, err
	}
	if err := m.DeleteFile(ctx, f); err != nil {
		return nil, err
	}
	return dst, nil
}

// Glob returns the on-disk files matching pattern, excluding any with a
// MARKED_FOR_DELETION row.
func (m *Manager) Glob(ctx context.Context, pattern string) ([]*types.TrackedFile, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad glob pattern %q: %w", pattern, err)
	}
	var files []*types.TrackedFile
	for _, full := range matches {
		f := m.NewFile(full, true)
		id, err := m.markedForDeletionID(ctx, f)
		if err != nil {
			return nil, err
		}
		if id != 0 {
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

// FilesByState returns the tracked rows in the given state for this
// contact.
func (m *Manager) FilesByState(ctx context.Context, state types.FileState) ([]*types.TrackedFile, error) {
	stateID, err := m.stateID(ctx, state)
	if err != nil {
		return nil, err
	}
	handle, err := m.pool.Get(db.Xmit)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, `
		SELECT id, file_name, contact_path
		FROM asap_file_manager
		WHERE state_id = ? AND contact_id = ?`,
		stateID, m.contact.ContactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []*types.TrackedFile
	for rows.Next() {
		var f types.TrackedFile
		var path sql.NullString
		if err := rows.Scan(&f.ID, &f.FileName, &path); err != nil {
			return nil, err
		}
		f.ContactID = m.contact.ContactID
		f.RelativePath = path.String
		f.State = state
		files = append(files, &f)
	}
	return files, rows.Err()
}

// Content returns the base64-stored bytes of a tracked file.
func (m *Manager) Content(ctx context.Context, f *types.TrackedFile) ([]byte, error) {
	handle, err := m.pool.Get(db.Xmit)
	if err != nil {
		return nil, err
	}
	var content sql.NullString
	err = handle.QueryRowContext(ctx,
		`SELECT file_content FROM asap_file_manager WHERE id = ?`, f.ID).
		Scan(&content)
	if err != nil {
		return nil, err
	}
	if !content.Valid || content.String == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(content.String)
}

// RestoreFile writes the stored content of a tracked file back to its
// on-disk location.
func (m *Manager) RestoreFile(ctx context.Context, f *types.TrackedFile) error {
	full := m.FullPath(f)
	if full == "" {
		return fmt.Errorf("file %s has no path inside the staging tree", f.FileName)
	}
	content, err := m.Content(ctx, f)
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return fmt.Errorf("no stored content for %s", f.FileName)
	}
	return fileutil.WriteFileAtomic(full, content)
}

// PurgeNullFiles removes rows that reached NULL state. Contact-independent
// run-start housekeeping.
func PurgeNullFiles(ctx context.Context, pool *db.Pool) error {
	handle, err := pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	res, err := handle.ExecContext(ctx, `DELETE FROM asap_file_manager WHERE state_id = 0`)
	if err != nil {
		return fmt.Errorf("purging null file rows: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.WithField("rows", n).Debug("purged null file manager rows")
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
