// Package discrepancy tracks cases that arrived in an inconsistent
// shape: an order with no matching sample, an order whose sample has no
// documents, and so on. Rows stay open until the pipeline auto-closes
// them (the missing piece showed up) or an operator resolves them with
// a comment.
package discrepancy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ilsys/asap/internal/db"
)

// Discrepancy type ids, mirroring the asap_discrepancy_types table.
const (
	TypeOrderNoSample     = 1
	TypeOrderSampleNoDocs = 2
	TypeOrderNoDocs       = 3
)

// Discrepancy is one row from asap_discrepancies joined with its type
// description. Date is never zero; ResolvedDate and ClosedDate are zero
// while the row is open.
type Discrepancy struct {
	ID           int
	Sid          string
	TrackingID   string
	TypeID       int
	TypeDesc     string
	Date         time.Time
	ResolvedDate time.Time
	ResolvedBy   string
	Comment      string
	ClosedDate   time.Time
}

// Resolved reports whether an operator manually resolved the row.
func (d *Discrepancy) Resolved() bool { return !d.ResolvedDate.IsZero() }

// Closed reports whether the row was auto-closed.
func (d *Discrepancy) Closed() bool { return !d.ClosedDate.IsZero() }

const selectClause = `
	SELECT d.discrepancyid, d.sid, d.trackingid, d.discrepancytypeid,
	       dt.discrepancytype, d.discrepancydate, d.resolveddate,
	       d.resolvedby, d.comment, d.closeddate
	FROM asap_discrepancies d
	INNER JOIN asap_discrepancy_types dt
	        ON d.discrepancytypeid = dt.discrepancytypeid`

// Store reads and writes discrepancy rows in the transmit database.
type Store struct {
	pool *db.Pool
}

// NewStore returns a discrepancy store over the transmit database.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// Open returns every row that is neither resolved nor closed,
// optionally filtered to one discrepancy type (pass 0 for all).
func (s *Store) Open(ctx context.Context, typeID int) ([]*Discrepancy, error) {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return nil, err
	}
	query := selectClause + ` WHERE d.resolveddate IS NULL AND d.closeddate IS NULL`
	var args []any
	if typeID > 0 {
		query += ` AND d.discrepancytypeid = ?`
		args = append(args, typeID)
	}
	query += ` ORDER BY d.discrepancydate`
	return s.query(ctx, handle, query, args...)
}

// ForKeys returns rows of the given type matching the sid and/or
// tracking id. A type and at least one key are required; otherwise the
// result is empty.
func (s *Store) ForKeys(ctx context.Context, sid, trackingID string, typeID int) ([]*Discrepancy, error) {
	if typeID == 0 || (sid == "" && trackingID == "") {
		return nil, nil
	}
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return nil, err
	}
	where := []string{"d.discrepancytypeid = ?"}
	args := []any{typeID}
	if sid != "" {
		where = append(where, "d.sid = ?")
		args = append(args, sid)
	}
	if trackingID != "" {
		where = append(where, "d.trackingid = ?")
		args = append(args, trackingID)
	}
	query := selectClause + ` WHERE ` + strings.Join(where, " AND ")
	return s.query(ctx, handle, query, args...)
}

// Add inserts a new discrepancy row for the keys and type of d, unless
// one already exists that is still open or was manually resolved. A row
// that was auto-closed does not block a new one: the condition came
// back. Returns whether a row was inserted.
func (s *Store) Add(ctx context.Context, d *Discrepancy) (bool, error) {
	if d.TypeID == 0 || (d.Sid == "" && d.TrackingID == "") {
		return false, nil
	}
	existing, err := s.ForKeys(ctx, d.Sid, d.TrackingID, d.TypeID)
	if err != nil {
		return false, err
	}
	for _, prior := range existing {
		if !prior.Closed() || prior.Resolved() {
			return false, nil
		}
	}
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return false, err
	}
	_, err = handle.ExecContext(ctx, `
		INSERT INTO asap_discrepancies (sid, trackingid, discrepancytypeid, discrepancydate)
		VALUES (?, ?, ?, ?)`,
		d.Sid, d.TrackingID, d.TypeID, time.Now())
	if err != nil {
		return false, fmt.Errorf("adding discrepancy for sid %q tracking %q: %w", d.Sid, d.TrackingID, err)
	}
	return true, nil
}

// Close auto-closes an open row. Only for discrepancies the pipeline
// observed to have cleared on their own; operator action goes through
// Resolve. The struct is refreshed from the table.
func (s *Store) Close(ctx context.Context, d *Discrepancy) error {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	_, err = handle.ExecContext(ctx, `
		UPDATE asap_discrepancies SET closeddate = ?
		WHERE discrepancyid = ? AND closeddate IS NULL`,
		time.Now(), d.ID)
	if err != nil {
		return fmt.Errorf("closing discrepancy %d: %w", d.ID, err)
	}
	return s.refresh(ctx, handle, d)
}

// Resolve records a manual resolution with the resolving user and a
// required comment. Returns false when the row was already auto-closed
// or the comment is empty.
func (s *Store) Resolve(ctx context.Context, d *Discrepancy, user, comment string) (bool, error) {
	if comment == "" {
		return false, nil
	}
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return false, err
	}
	_, err = handle.ExecContext(ctx, `
		UPDATE asap_discrepancies SET resolveddate = ?, resolvedby = ?, comment = ?
		WHERE discrepancyid = ? AND closeddate IS NULL`,
		time.Now(), user, comment, d.ID)
	if err != nil {
		return false, fmt.Errorf("resolving discrepancy %d: %w", d.ID, err)
	}
	if err := s.refresh(ctx, handle, d); err != nil {
		return false, err
	}
	return !d.Closed(), nil
}

func (s *Store) refresh(ctx context.Context, handle *sql.DB, d *Discrepancy) error {
	rows, err := s.query(ctx, handle, selectClause+` WHERE d.discrepancyid = ?`, d.ID)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		*d = *rows[0]
	}
	return nil
}

func (s *Store) query(ctx context.Context, handle *sql.DB, query string, args ...any) ([]*Discrepancy, error) {
	rows, err := handle.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Discrepancy
	for rows.Next() {
		var d Discrepancy
		var sid, trackingID, resolvedBy, comment sql.NullString
		var resolved, closed sql.NullTime
		if err := rows.Scan(&d.ID, &sid, &trackingID, &d.TypeID, &d.TypeDesc,
			&d.Date, &resolved, &resolvedBy, &comment, &closed); err != nil {
			return nil, err
		}
		d.Sid = sid.String
		d.TrackingID = trackingID.String
		d.ResolvedBy = resolvedBy.String
		d.Comment = comment.String
		if resolved.Valid {
			d.ResolvedDate = resolved.Time
		}
		if closed.Valid {
			d.ClosedDate = closed.Time
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
