// Package delta projects imaged documents out of the Delta QC drawer.
// A document is a set of pages in tblpages; its file name is the first
// page id (8.3, zero-padded on disk, stored stripped). Folders carry the
// sid and the export flag in site-configured index columns, so the store
// takes those column names from the transmit settings.
package delta

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/types"
)

// Export flag values on the folder row.
const (
	ExportedYes = "Y"
	ExportedNo  = "N"
)

// Store reads documents and flips export flags.
type Store struct {
	pool *db.Pool

	// Folder index columns, from the delta_sid_field / delta_export_field
	// / delta_matched_field settings.
	sidField     string
	exportField  string
	matchedField string
}

// NewStore returns a Delta store using the configured folder columns.
func NewStore(pool *db.Pool, sidField, exportField, matchedField string) *Store {
	return &Store{pool: pool, sidField: sidField, exportField: exportField, matchedField: matchedField}
}

const docByIDQuery = `
	SELECT p.pagefilename, d.documentdatecreated, dt.documenttypename
	FROM tblpages p
	INNER JOIN tbldocuments d ON p.documentid = d.documentid
	INNER JOIN tbldocumenttypes dt ON d.documenttypeid = dt.documenttypeid
	WHERE p.documentid = ?
	  AND p.pagesequence = (SELECT MIN(p2.pagesequence) FROM tblpages p2
	                        WHERE p2.documentid = p.documentid)`

// DocumentFromDocID builds a document from its id, or nil when the
// drawer has no such document.
func (s *Store) DocumentFromDocID(ctx context.Context, docID int) (*types.Document, error) {
	handle, err := s.pool.Get(db.DeltaQC)
	if err != nil {
		return nil, err
	}
	var fileName, typeName string
	var created sql.NullTime
	err = handle.QueryRowContext(ctx, docByIDQuery, docID).Scan(&fileName, &created, &typeName)
	if err == sql.ErrNoRows {
		log.WithField("doc", docID).Warn("document not in QC drawer")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading document %d: %w", docID, err)
	}
	doc := &types.Document{DocumentID: docID}
	doc.FileName = strings.TrimLeft(fileName, "0")
	doc.SetDocTypeName(typeName)
	if created.Valid {
		doc.DateCreated = created.Time
	}
	if err := s.fillPageCount(ctx, handle, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// DocumentFromFileName builds a document from its image file name; the
// stem is the first page id.
func (s *Store) DocumentFromFileName(ctx context.Context, fileName string) (*types.Document, error) {
	stem := fileName
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}
	pageID, err := strconv.Atoi(stem)
	if err != nil {
		return nil, fmt.Errorf("file name %q is not a page-id image name", fileName)
	}
	handle, err := s.pool.Get(db.DeltaQC)
	if err != nil {
		return nil, err
	}
	var docID int
	var created sql.NullTime
	var typeName string
	err = handle.QueryRowContext(ctx, `
		SELECT d.documentid, d.documentdatecreated, dt.documenttypename
		FROM tblpages p
		INNER JOIN tbldocuments d ON p.documentid = d.documentid
		INNER JOIN tbldocumenttypes dt ON d.documenttypeid = dt.documenttypeid
		WHERE p.pageid = ?
		  AND p.pagesequence = (SELECT MIN(p2.pagesequence) FROM tblpages p2
		                        WHERE p2.documentid = p.documentid)`,
		pageID).Scan(&docID, &created, &typeName)
	if err == sql.ErrNoRows {
		log.WithField("file", fileName).Warn("no document for image file")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading document for %s: %w", fileName, err)
	}
	doc := &types.Document{DocumentID: docID, FileName: fileName}
	doc.SetDocTypeName(typeName)
	if created.Valid {
		doc.DateCreated = created.Time
	}
	if err := s.fillPageCount(ctx, handle, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) fillPageCount(ctx context.Context, handle *sql.DB, doc *types.Document) error {
	return handle.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tblpages WHERE documentid = ?`, doc.DocumentID).
		Scan(&doc.PageCount)
}

// DocumentsForSid returns every document filed under the sid's folders.
func (s *Store) DocumentsForSid(ctx context.Context, sid string) ([]*types.Document, error) {
	handle, err := s.pool.Get(db.DeltaQC)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT d.documentid
		FROM tbldocuments d
		INNER JOIN tblfolders f ON d.folderid = f.folderid
		WHERE f.%s = ?`, s.sidField)
	rows, err := handle.QueryContext(ctx, query, sid)
	if err != nil {
		return nil, err
	}
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var docs []*types.Document
	for _, id := range ids {
		doc, err := s.DocumentFromDocID(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	if len(docs) == 0 {
		log.WithField("sid", sid).Warn("no documents in Delta for sid")
	}
	return docs, nil
}

// DocumentsForTrackingID resolves the sid through casemaster and returns
// that sid's documents.
func (s *Store) DocumentsForTrackingID(ctx context.Context, trackingID string) ([]*types.Document, error) {
	sid, err := s.sidForTrackingID(ctx, trackingID)
	if err != nil || sid == "" {
		return nil, err
	}
	return s.DocumentsForSid(ctx, sid)
}

func (s *Store) sidForTrackingID(ctx context.Context, trackingID string) (string, error) {
	handle, err := s.pool.Get(db.CaseQC)
	if err != nil {
		return "", err
	}
	var sid string
	err = handle.QueryRowContext(ctx,
		`SELECT sampleid FROM casemaster WHERE trackingid = ?`, trackingID).Scan(&sid)
	if err == sql.ErrNoRows {
		log.WithField("trackingid", trackingID).Warn("no case in casemaster for tracking id")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sid, nil
}

// SidForDocument returns the sid of the folder the document is filed in.
func (s *Store) SidForDocument(ctx context.Context, docID int) (string, error) {
	handle, err := s.pool.Get(db.DeltaQC)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf(`
		SELECT f.%s
		FROM tblfolders f
		INNER JOIN tbldocuments d ON d.folderid = f.folderid
		WHERE d.documentid = ?`, s.sidField)
	var sid sql.NullString
	err = handle.QueryRowContext(ctx, query, docID).Scan(&sid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sid.String), nil
}

// SetExportFlag sets the folder export flag for the document.
func (s *Store) SetExportFlag(ctx context.Context, docID int, flag string) error {
	handle, err := s.pool.Get(db.DeltaQC)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE tblfolders SET %s = ?
		WHERE folderid = (SELECT folderid FROM tbldocuments WHERE documentid = ?)`,
		s.exportField)
	res, err := handle.ExecContext(ctx, query, flag, docID)
	if err != nil {
		return fmt.Errorf("setting export flag on document %d: %w", docID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("export flag update touched %d folders for document %d", n, docID)
	}
	return nil
}

// UnmatchedDocuments returns documents whose folder never matched a case:
// matched flag not 'Y', no sibling folder already exported, and no
// casemaster row for the sid. Feeds the discrepancy report.
func (s *Store) UnmatchedDocuments(ctx context.Context) ([]*types.QCDocument, error) {
	handle, err := s.pool.Get(db.DeltaQC)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT d.documentid, f.%[1]s
		FROM tbldocuments d
		INNER JOIN tblfolders f ON d.folderid = f.folderid
		WHERE (f.%[2]s IS NULL OR f.%[2]s <> 'Y')
		  AND NOT EXISTS (SELECT 1 FROM tblfolders f2
		                  WHERE f2.%[1]s = f.%[1]s AND f2.%[3]s <> 'N')`,
		s.sidField, s.matchedField, s.exportField)
	rows, err := handle.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	type candidate struct {
		docID int
		sid   string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var sid sql.NullString
		if err := rows.Scan(&c.docID, &sid); err != nil {
			return nil, err
		}
		c.sid = strings.TrimSpace(sid.String)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// casemaster lives in the case-QC database, so the original's
	// correlated subquery becomes a second pass here
	var docs []*types.QCDocument
	for _, c := range candidates {
		if c.sid != "" {
			known, err := s.inCasemaster(ctx, c.sid)
			if err != nil {
				return nil, err
			}
			if known {
				continue
			}
		}
		doc, err := s.DocumentFromDocID(ctx, c.docID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		docs = append(docs, &types.QCDocument{
			DocumentID:  doc.DocumentID,
			FileName:    doc.FileName,
			DocTypeName: doc.DocTypeName(),
			PageCount:   doc.PageCount,
			DateCreated: doc.DateCreated,
		})
	}
	return docs, nil
}

func (s *Store) inCasemaster(ctx context.Context, sid string) (bool, error) {
	handle, err := s.pool.Get(db.CaseQC)
	if err != nil {
		return false, err
	}
	var count int
	if err := handle.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM casemaster WHERE sampleid = ?`, sid).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
