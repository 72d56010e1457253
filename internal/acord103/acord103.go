// Package acord103 tracks ACORD 103 submission XML received for a case.
// One row per submission keyed by tracking id, with the secondary
// identifiers carriers quote back in their reconciliation feeds. The XML
// itself lives on disk in the contact's 103 directory; staging moves it
// to the processed snapshot, and SetToRetrieve puts it back when a case
// has to go through a first transmit again.
package acord103

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/types"
)

// Store reads and updates the 103 rows in the transmit database.
type Store struct {
	pool *db.Pool
}

// NewStore returns a 103 store over the transmit database.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

const selectCols = `
	SELECT id, trackingid, trackingid103, trans_ref_guid, policy_number, retrieve, date_received, file_name
	FROM asap_acord103 `

func (s *Store) query(ctx context.Context, where string, args ...any) ([]*types.Acord103, error) {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, selectCols+where+` ORDER BY date_received DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []*types.Acord103
	for rows.Next() {
		var r types.Acord103
		var id103, guid, policy, fileName sql.NullString
		var retrieve int
		if err := rows.Scan(&r.ID, &r.TrackingID, &id103, &guid, &policy, &retrieve, &r.DateReceived, &fileName); err != nil {
			return nil, err
		}
		r.TrackingID103 = id103.String
		r.TransRefGUID = guid.String
		r.PolicyNumber = policy.String
		r.FileName = fileName.String
		r.Retrieve = retrieve != 0
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// ByTrackingID returns the submissions for a case, newest first.
func (s *Store) ByTrackingID(ctx context.Context, trackingID string) ([]*types.Acord103, error) {
	return s.query(ctx, `WHERE trackingid = ?`, trackingID)
}

// ByTrackingID103 looks up by the carrier-side tracking id inside the 103.
func (s *Store) ByTrackingID103(ctx context.Context, trackingID103 string) ([]*types.Acord103, error) {
	return s.query(ctx, `WHERE trackingid103 = ?`, trackingID103)
}

// ByTransRefGUID looks up by the 103 transaction reference GUID.
func (s *Store) ByTransRefGUID(ctx context.Context, guid string) ([]*types.Acord103, error) {
	return s.query(ctx, `WHERE trans_ref_guid = ?`, guid)
}

// ByPolicyNumber looks up by the carrier-assigned policy number.
func (s *Store) ByPolicyNumber(ctx context.Context, policyNumber string) ([]*types.Acord103, error) {
	return s.query(ctx, `WHERE policy_number = ?`, policyNumber)
}

// Add inserts a row for a newly received 103.
func (s *Store) Add(ctx context.Context, r *types.Acord103) error {
	if r.DateReceived.IsZero() {
		r.DateReceived = time.Now()
	}
	if r.FileName == "" {
		r.FileName = r.TrackingID + ".XML"
	}
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	res, err := handle.ExecContext(ctx, `
		INSERT INTO asap_acord103 (trackingid, trackingid103, trans_ref_guid, policy_number, retrieve, date_received, file_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.TrackingID, r.TrackingID103, r.TransRefGUID, r.PolicyNumber, boolToInt(r.Retrieve), r.DateReceived, r.FileName)
	if err != nil {
		return fmt.Errorf("adding 103 for %s: %w", r.TrackingID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// SetPolicyNumber stores the policy number a carrier reported back.
func (s *Store) SetPolicyNumber(ctx context.Context, r *types.Acord103, policyNumber string) error {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	if _, err := handle.ExecContext(ctx,
		`UPDATE asap_acord103 SET policy_number = ? WHERE id = ?`, policyNumber, r.ID); err != nil {
		return fmt.Errorf("setting policy number on 103 %d: %w", r.ID, err)
	}
	r.PolicyNumber = policyNumber
	return nil
}

// MarkRetrieved clears the retrieve flag after staging consumes the XML.
func (s *Store) MarkRetrieved(ctx context.Context, r *types.Acord103) error {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	if _, err := handle.ExecContext(ctx,
		`UPDATE asap_acord103 SET retrieve = 0 WHERE id = ?`, r.ID); err != nil {
		return err
	}
	r.Retrieve = false
	return nil
}

// SetToRetrieve copies the processed XML snapshot back into the contact's
// 103 directory and raises the retrieve flag, so the next first-transmit
// stage bundles the 103 again. Used by the restage flow.
func (s *Store) SetToRetrieve(ctx context.Context, r *types.Acord103, contact *types.Contact, processedSubdir string) error {
	if contact.Paths.Acord103Dir == "" {
		return fmt.Errorf("contact %s takes no 103", contact.ContactID)
	}
	name := r.FileName
	if name == "" {
		name = r.TrackingID + ".XML"
	}
	src := filepath.Join(contact.Paths.Acord103Dir, processedSubdir, name)
	dst := filepath.Join(contact.Paths.Acord103Dir, name)
	if err := fileutil.CopyFileRetry(ctx, src, dst); err != nil {
		return fmt.Errorf("restoring 103 %s: %w", name, err)
	}
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	if _, err := handle.ExecContext(ctx,
		`UPDATE asap_acord103 SET retrieve = 1 WHERE id = ?`, r.ID); err != nil {
		return err
	}
	r.Retrieve = true
	log.WithFields(log.Fields{"trackingid": r.TrackingID, "contact": contact.ContactID}).
		Info("103 set to retrieve")
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
