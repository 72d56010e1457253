// Package history is the append-only document-history log. Every
// lifecycle transition of a document at a contact (release, invoice,
// transmit, reconcile) gets a timestamped row; the rest of the pipeline
// makes its idempotency decisions by comparing the latest dates of those
// actions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/types"
)

const (
	insertAttempts = 5
	insertBackoff  = 100 * time.Millisecond
)

// Store reads and appends document-history rows.
type Store struct {
	pool *db.Pool
}

// NewStore returns a history store over the transmit database.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// TrackDocument appends one action row stamped with the current time.
// The insert retries a few times with a short constant delay; history
// rows gate retransmits, so losing one silently is worse than failing
// the whole case.
func (s *Store) TrackDocument(ctx context.Context, sid string, documentID int, contactID string, action types.HistoryAction) error {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	insert := func() error {
		_, err := handle.ExecContext(ctx, `
			INSERT INTO asap_document_history (sid, documentid, contact_id, actionitem, actiondate)
			VALUES (?, ?, ?, ?, ?)`,
			sid, documentID, contactID, string(action), time.Now())
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"sid": sid, "doc": documentID, "action": action,
			}).Warn("history insert failed, retrying")
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(insertBackoff), insertAttempts-1), ctx)
	if err := backoff.Retry(insert, policy); err != nil {
		return fmt.Errorf("tracking %s for sid %s doc %d: %w", action, sid, documentID, err)
	}
	return nil
}

// DateTracked returns the most recent date the action was recorded for
// the document at the contact, or a zero time when it never was.
func (s *Store) DateTracked(ctx context.Context, sid string, documentID int, contactID string, action types.HistoryAction) (time.Time, error) {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return time.Time{}, err
	}
	var when sql.NullTime
	err = handle.QueryRowContext(ctx, `
		SELECT MAX(actiondate) FROM asap_document_history
		WHERE sid = ? AND documentid = ? AND contact_id = ? AND actionitem = ?`,
		sid, documentID, contactID, string(action)).Scan(&when)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, err
	}
	if !when.Valid {
		return time.Time{}, nil
	}
	return when.Time, nil
}

// TrackedDocIDs returns the document ids of the case that have the action
// recorded at the contact.
func (s *Store) TrackedDocIDs(ctx context.Context, sid, contactID string, action types.HistoryAction) ([]int, error) {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, `
		SELECT DISTINCT documentid FROM asap_document_history
		WHERE sid = ? AND contact_id = ? AND actionitem = ?`,
		sid, contactID, string(action))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EventsForDocument returns the full action trail for one document at the
// contact, oldest first.
func (s *Store) EventsForDocument(ctx context.Context, sid string, documentID int, contactID string) ([]types.HistoryEvent, error) {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, `
		SELECT actionitem, actiondate FROM asap_document_history
		WHERE sid = ? AND documentid = ? AND contact_id = ?
		ORDER BY actiondate`,
		sid, documentID, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []types.HistoryEvent
	for rows.Next() {
		var action string
		var date time.Time
		if err := rows.Scan(&action, &date); err != nil {
			return nil, err
		}
		events = append(events, types.HistoryEvent{Action: types.HistoryAction(action), Date: date})
	}
	return events, rows.Err()
}

// ReleasedSids returns sids with a release row at the contact that has no
// transmit row dated after it. These are the cases a run picks up.
func (s *Store) ReleasedSids(ctx context.Context, contactID string) ([]string, error) {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, `
		SELECT DISTINCT r.sid
		FROM asap_document_history r
		WHERE r.contact_id = ? AND r.actionitem = ?
		  AND NOT EXISTS (
			SELECT 1 FROM asap_document_history t
			WHERE t.sid = r.sid AND t.documentid = r.documentid
			  AND t.contact_id = r.contact_id AND t.actionitem = ?
			  AND t.actiondate > r.actiondate)`,
		contactID, string(types.ActionRelease), string(types.ActionTransmit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sids []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		sids = append(sids, sid)
	}
	return sids, rows.Err()
}

// UntransmittedReleases returns one row per (contact, document) where
// the sid has a release with no transmit dated at or after it, earliest
// release first. Feed for the restage flow.
func (s *Store) UntransmittedReleases(ctx context.Context, sid string) ([]types.HistoryItem, error) {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, `
		SELECT r.contact_id, r.documentid, MIN(r.actiondate)
		FROM asap_document_history r
		WHERE r.sid = ? AND r.actionitem = ?
		  AND NOT EXISTS (
			SELECT 1 FROM asap_document_history t
			WHERE t.sid = r.sid AND t.contact_id = r.contact_id
			  AND t.documentid = r.documentid AND t.actionitem = ?
			  AND t.actiondate >= r.actiondate)
		GROUP BY r.contact_id, r.documentid
		ORDER BY r.contact_id, MIN(r.actiondate)`,
		sid, string(types.ActionRelease), string(types.ActionTransmit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []types.HistoryItem
	for rows.Next() {
		item := types.HistoryItem{Sid: sid, Action: types.ActionRelease}
		if err := rows.Scan(&item.ContactID, &item.DocumentID, &item.ActionDate); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RetransmitRow is one transmitted document that never reconciled.
type RetransmitRow struct {
	Sid          string
	DocumentID   int
	ContactID    string
	TransmitDate time.Time
}

// RetransmitCandidates returns documents transmitted before the cutoff
// with no reconcile row dated after the transmit. Feed for the
// retransmit-analysis report.
func (s *Store) RetransmitCandidates(ctx context.Context, cutoff time.Time, contactIDs []string) ([]RetransmitRow, error) {
	handle, err := s.pool.Get(db.Xmit)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT t.sid, t.documentid, t.contact_id, MAX(t.actiondate)
		FROM asap_document_history t
		WHERE t.actionitem = ?
		  AND NOT EXISTS (
			SELECT 1 FROM asap_document_history r
			WHERE r.sid = t.sid AND r.documentid = t.documentid
			  AND r.contact_id = t.contact_id AND r.actionitem = ?
			  AND r.actiondate >= t.actiondate)`
	args := []any{string(types.ActionTransmit), string(types.ActionReconcile)}
	if len(contactIDs) > 0 {
		query += ` AND t.contact_id IN (?` + strings.Repeat(",?", len(contactIDs)-1) + `)`
		for _, id := range contactIDs {
			args = append(args, id)
		}
	}
	query += ` GROUP BY t.sid, t.documentid, t.contact_id HAVING MAX(t.actiondate) < ? ORDER BY t.contact_id, t.sid`
	args = append(args, cutoff)

	rows, err := handle.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RetransmitRow
	for rows.Next() {
		var r RetransmitRow
		if err := rows.Scan(&r.Sid, &r.DocumentID, &r.ContactID, &r.TransmitDate); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reconciled reports whether the document's latest reconcile is at or
// after its latest transmit.
func Reconciled(events []types.HistoryEvent) bool {
	var transmit, reconcile time.Time
	for _, e := range events {
		switch e.Action {
		case types.ActionTransmit:
			if e.Date.After(transmit) {
				transmit = e.Date
			}
		case types.ActionReconcile:
			if e.Date.After(reconcile) {
				reconcile = e.Date
			}
		}
	}
	return !transmit.IsZero() && !reconcile.Before(transmit)
}
