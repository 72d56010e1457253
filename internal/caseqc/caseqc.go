// Package caseqc reads and maintains the case workflow tables: one
// casemaster row per case joined to its carrier source, plus the
// casehistory trail reviewers append to. New row ids come from the
// esubidentity reserve-then-update allocator the QC schema uses instead
// of auto-increment.
package caseqc

import (
	"context"
	"database/sql"
	"fmt"
	"os/user"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/types"
)

// Identity table names.
const (
	TableCaseMaster  = "tblCaseMaster"
	TableCaseHistory = "tblCaseHistory"
)

// createdBySystem marks rows this pipeline writes.
const createdBySystem = "ESubmissions"

// Store reads and updates the case-QC database.
type Store struct {
	pool *db.Pool
}

// NewStore returns a case-QC store.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

const caseQuery = `
	SELECT c.objectid, c.sampleid, c.trackingid, c.state, c.created_dt,
	       c.first_name, c.last_name, c.ssn, c.policy_number,
	       c.source_code, c.naic, s.carrierdesc, c.date_received
	FROM casemaster c
	INNER JOIN casesource s ON c.source_code = s.sourcecode AND c.naic = s.naic `

func (s *Store) queryCases(ctx context.Context, where string, args ...any) ([]*types.CaseQC, error) {
	handle, err := s.pool.Get(db.CaseQC)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, caseQuery+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cases []*types.CaseQC
	for rows.Next() {
		var c types.CaseQC
		var state string
		var first, last, ssn, policy, carrier sql.NullString
		var created, received sql.NullTime
		if err := rows.Scan(&c.CaseID, &c.Sid, &c.TrackingID, &state, &created,
			&first, &last, &ssn, &policy, &c.SourceCode, &c.NAIC, &carrier, &received); err != nil {
			return nil, err
		}
		c.State = types.CaseQCState(state)
		c.FirstName = first.String
		c.LastName = last.String
		c.SSN = ssn.String
		c.PolicyNumber = policy.String
		c.CarrierDesc = carrier.String
		if created.Valid {
			c.CreatedDate = created.Time
		}
		if received.Valid {
			c.DateReceived = received.Time
		}
		cases = append(cases, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range cases {
		if err := s.loadHistory(ctx, handle, c); err != nil {
			return nil, err
		}
	}
	return cases, nil
}

func (s *Store) loadHistory(ctx context.Context, handle *sql.DB, c *types.CaseQC) error {
	rows, err := handle.QueryContext(ctx, `
		SELECT h.comment, h.action, h.documentid, h.documenttypeid, t.documenttypename,
		       h.pageid, h.created_by, h.created_dt
		FROM casehistory h
		LEFT OUTER JOIN tbldocumenttypes t ON h.documenttypeid = t.documenttypeid
		WHERE h.sampleid = ?
		ORDER BY h.created_dt`, c.Sid)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var item types.CaseQCHistoryItem
		var comment, typeName, createdBy sql.NullString
		var docID, typeID, pageID sql.NullInt64
		var created sql.NullTime
		if err := rows.Scan(&comment, &item.Action, &docID, &typeID, &typeName,
			&pageID, &createdBy, &created); err != nil {
			return err
		}
		item.Comment = comment.String
		item.DocumentID = int(docID.Int64)
		item.DocumentTypeID = int(typeID.Int64)
		item.DocumentType = typeName.String
		item.PageID = int(pageID.Int64)
		item.CreatedBy = createdBy.String
		if created.Valid {
			item.CreatedDate = created.Time
		}
		c.History = append(c.History, item)
	}
	return rows.Err()
}

// FromSid returns the cases filed under a sid, usually one.
func (s *Store) FromSid(ctx context.Context, sid string) ([]*types.CaseQC, error) {
	return s.queryCases(ctx, `WHERE c.sampleid = ?`, sid)
}

// FromTrackingID returns the cases filed under a tracking id.
func (s *Store) FromTrackingID(ctx context.Context, trackingID string) ([]*types.CaseQC, error) {
	return s.queryCases(ctx, `WHERE c.trackingid = ?`, trackingID)
}

// NewIDValue reserves idCount ids for a QC table and returns the last
// one reserved. Callers asking for a range own the returned id and the
// idCount-1 below it.
func (s *Store) NewIDValue(ctx context.Context, table string, idCount int64) (int64, error) {
	if idCount < 1 {
		return 0, fmt.Errorf("id count must be positive")
	}
	handle, err := s.pool.Get(db.CaseQC)
	if err != nil {
		return 0, err
	}
	tx, err := handle.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var oldID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT idvalue FROM esubidentity WHERE tablename = ?`, table).Scan(&oldID); err != nil {
		return 0, fmt.Errorf("reading identity for %s: %w", table, err)
	}
	newID := oldID + idCount
	res, err := tx.ExecContext(ctx,
		`UPDATE esubidentity SET idvalue = ? WHERE tablename = ? AND idvalue = ?`,
		newID, table, oldID)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return 0, fmt.Errorf("identity for %s moved underneath the reservation", table)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newID, nil
}

// AddNewCase inserts a casemaster row for the case. Refused when either
// the sid or the tracking id already has a row.
func (s *Store) AddNewCase(ctx context.Context, c *types.CaseQC) error {
	handle, err := s.pool.Get(db.CaseQC)
	if err != nil {
		return err
	}
	var count int
	if err := handle.QueryRowContext(ctx,
		`SELECT COUNT(objectid) FROM casemaster WHERE sampleid = ? OR trackingid = ?`,
		c.Sid, c.TrackingID).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("case for sid %s / tracking id %s already exists", c.Sid, c.TrackingID)
	}
	id, err := s.NewIDValue(ctx, TableCaseMaster, 1)
	if err != nil {
		return err
	}
	if c.State == "" {
		c.State = types.CaseStateNew
	}
	_, err = handle.ExecContext(ctx, `
		INSERT INTO casemaster (objectid, state, trackingid, sampleid,
			created_by, created_dt, first_name, last_name, ssn,
			policy_number, source_code, naic, date_received)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(c.State), c.TrackingID, c.Sid,
		createdBySystem, time.Now(), c.FirstName, c.LastName, c.SSN,
		c.PolicyNumber, c.SourceCode, c.NAIC, c.DateReceived)
	if err != nil {
		return fmt.Errorf("adding case for sid %s: %w", c.Sid, err)
	}
	c.CaseID = id
	c.CreatedBy = createdBySystem
	log.WithFields(log.Fields{"sid": c.Sid, "trackingid": c.TrackingID}).Info("case added to QC")
	return nil
}

// AddNewCaseFromOrder files a QC case from an ACORD order.
func (s *Store) AddNewCaseFromOrder(ctx context.Context, order *types.Order) error {
	c := &types.CaseQC{
		Sid:          order.Sid,
		TrackingID:   order.TrackingID,
		SourceCode:   order.SourceCode,
		NAIC:         order.NAIC,
		FirstName:    order.FirstName,
		LastName:     order.LastName,
		SSN:          order.SSN,
		PolicyNumber: order.PolicyNumber,
	}
	if order.DateReceived != nil {
		c.DateReceived = *order.DateReceived
	}
	return s.AddNewCase(ctx, c)
}

// AddHistoryItem appends one casehistory row and records it on the case.
func (s *Store) AddHistoryItem(ctx context.Context, c *types.CaseQC, item types.CaseQCHistoryItem) error {
	id, err := s.NewIDValue(ctx, TableCaseHistory, 1)
	if err != nil {
		return err
	}
	handle, err := s.pool.Get(db.CaseQC)
	if err != nil {
		return err
	}
	item.CreatedDate = time.Now()
	_, err = handle.ExecContext(ctx, `
		INSERT INTO casehistory (objectid, sampleid, comment, pageid, documentid,
			action, created_by, created_dt, documenttypeid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.Sid, item.Comment, item.PageID, item.DocumentID,
		item.Action, item.CreatedBy, item.CreatedDate, item.DocumentTypeID)
	if err != nil {
		return fmt.Errorf("adding history for sid %s: %w", c.Sid, err)
	}
	c.History = append(c.History, item)
	return nil
}

// CancelCase marks the case cancelled. The original source code is lost;
// UncancelCase restores it from the order.
func (s *Store) CancelCase(ctx context.Context, c *types.CaseQC) error {
	handle, err := s.pool.Get(db.CaseQC)
	if err != nil {
		return err
	}
	res, err := handle.ExecContext(ctx,
		`UPDATE casemaster SET source_code = 'CANCEL' WHERE sampleid = ?`, c.Sid)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("cancel touched %d rows for sid %s", n, c.Sid)
	}
	c.SourceCode = "CANCEL"
	return nil
}

// UncancelCase restores the source code from the order and records the
// action in history.
func (s *Store) UncancelCase(ctx context.Context, c *types.CaseQC, order *types.Order) error {
	handle, err := s.pool.Get(db.CaseQC)
	if err != nil {
		return err
	}
	res, err := handle.ExecContext(ctx,
		`UPDATE casemaster SET source_code = ? WHERE trackingid = ?`,
		order.SourceCode, c.TrackingID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("uncancel touched %d rows for tracking id %s", n, c.TrackingID)
	}
	c.SourceCode = order.SourceCode
	who := currentUser()
	return s.AddHistoryItem(ctx, c, types.CaseQCHistoryItem{
		Action:    "Uncancel",
		Comment:   "uncancelled by user " + who,
		CreatedBy: who,
	})
}

// SetCaseState moves the case to a valid QC state.
func (s *Store) SetCaseState(ctx context.Context, c *types.CaseQC, state types.CaseQCState) error {
	switch state {
	case types.CaseStateNew, types.CaseStatePending, types.CaseStateReleased:
	default:
		return fmt.Errorf("invalid case state %q", state)
	}
	handle, err := s.pool.Get(db.CaseQC)
	if err != nil {
		return err
	}
	if _, err := handle.ExecContext(ctx,
		`UPDATE casemaster SET state = ? WHERE sampleid = ?`, string(state), c.Sid); err != nil {
		return err
	}
	c.State = state
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}
