// Package acord projects orders out of the ACORD gateway database and
// pushes status updates back. Orders arrive as 121 transactions; the
// gateway keeps the raw XML in a blob table and the parsed order plus
// the insured party in relational rows. ASAP-owned orders carry an
// `ESubmissions-` source-code prefix.
package acord

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/types"
)

// Gateway status values pushed after transmit events.
const (
	StatusApproved     = 5
	StatusSentToClient = 9
)

// ASAPSourcePrefix marks orders that came in through this pipeline.
const ASAPSourcePrefix = "ESubmissions-"

// Store reads orders and writes status and request rows.
type Store struct {
	pool *db.Pool
}

// NewStore returns an ACORD store over the gateway database.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

const orderQuery = `
	SELECT o.trackingid, o.sampleid, o.source_code, o.naic, o.policy_number,
	       o.refid, o.carrier_name, o.date_received, o.date_cancelled,
	       p.first_name, p.last_name, p.ssn
	FROM acord_order o
	LEFT JOIN acord_party p ON p.acord_order_id = o.acord_order_id AND p.party_role = 'insured' `

func (s *Store) queryOrders(ctx context.Context, where string, args ...any) ([]*types.Order, error) {
	handle, err := s.pool.Get(db.Acord)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, orderQuery+where+` ORDER BY o.date_received`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []*types.Order
	for rows.Next() {
		var o types.Order
		var naic, policy, refID, carrier, first, last, ssn sql.NullString
		var received, cancelled sql.NullTime
		if err := rows.Scan(&o.TrackingID, &o.Sid, &o.SourceCode, &naic, &policy,
			&refID, &carrier, &received, &cancelled, &first, &last, &ssn); err != nil {
			return nil, err
		}
		o.NAIC = naic.String
		o.PolicyNumber = policy.String
		o.RefID = refID.String
		o.CarrierName = carrier.String
		o.FirstName = strings.TrimSpace(first.String)
		o.LastName = strings.TrimSpace(last.String)
		o.SSN = ssn.String
		if received.Valid {
			t := received.Time
			o.DateReceived = &t
		}
		if cancelled.Valid {
			t := cancelled.Time
			o.DateCancelled = &t
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// OrdersForSid returns every order placed for the sample, oldest first.
func (s *Store) OrdersForSid(ctx context.Context, sid string) ([]*types.Order, error) {
	return s.queryOrders(ctx, `WHERE o.sampleid = ?`, sid)
}

// OrderByTrackingID returns the order for a tracking id, or nil.
func (s *Store) OrderByTrackingID(ctx context.Context, trackingID string) (*types.Order, error) {
	orders, err := s.queryOrders(ctx, `WHERE o.trackingid = ?`, trackingID)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return orders[0], nil
}

// OrdersByRefID returns the orders sharing an external reference id.
// SelectQuote places several orders under one reference.
func (s *Store) OrdersByRefID(ctx context.Context, refID string) ([]*types.Order, error) {
	return s.queryOrders(ctx, `WHERE o.refid = ?`, refID)
}

// TrackingIDForSid returns the tracking id of the first ASAP order for
// the sample, or "".
func (s *Store) TrackingIDForSid(ctx context.Context, sid string) (string, error) {
	orders, err := s.OrdersForSid(ctx, sid)
	if err != nil {
		return "", err
	}
	asap, _ := SplitASAP(orders)
	if len(asap) == 0 {
		return "", nil
	}
	return asap[0].TrackingID, nil
}

// CarrierCodeForCase returns the NAIC code of the case's order.
func (s *Store) CarrierCodeForCase(ctx context.Context, trackingID string) (string, error) {
	order, err := s.OrderByTrackingID(ctx, trackingID)
	if err != nil || order == nil {
		return "", err
	}
	return order.NAIC, nil
}

// SplitASAP partitions orders into ASAP-sourced and foreign.
func SplitASAP(orders []*types.Order) (asap, other []*types.Order) {
	for _, o := range orders {
		if strings.HasPrefix(o.SourceCode, ASAPSourcePrefix) {
			asap = append(asap, o)
		} else {
			other = append(other, o)
		}
	}
	return asap, other
}

// Blob121 returns the raw XML of the latest 121 received for the order.
func (s *Store) Blob121(ctx context.Context, sourceCode, trackingID string) ([]byte, error) {
	handle, err := s.pool.Get(db.Acord)
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = handle.QueryRowContext(ctx, `
		SELECT content FROM rh_blobs
		WHERE source_code = ? AND trackingid = ?
		  AND blobid = (SELECT MAX(blobid) FROM rh_blobs
		                WHERE source_code = ? AND trackingid = ?)`,
		sourceCode, trackingID, sourceCode, trackingID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading 121 blob for %s: %w", trackingID, err)
	}
	return blob, nil
}

// PushStatus sets the gateway status on the order and its requirement
// row and clears the pending push marker, so the gateway forwards the
// status to the carrier on its next poll.
func (s *Store) PushStatus(ctx context.Context, trackingID, sourceCode string, status int) error {
	handle, err := s.pool.Get(db.Acord)
	if err != nil {
		return err
	}
	if _, err := handle.ExecContext(ctx, `
		UPDATE acord_order_requirement
		SET req_status = ?
		WHERE acord_order_id = (SELECT acord_order_id FROM acord_order
		                        WHERE trackingid = ? AND source_code = ?)`,
		status, trackingID, sourceCode); err != nil {
		return fmt.Errorf("updating requirement status for %s: %w", trackingID, err)
	}
	if _, err := handle.ExecContext(ctx, `
		UPDATE acord_order
		SET last_status_push = NULL, status = ?
		WHERE trackingid = ? AND source_code = ?`,
		status, trackingID, sourceCode); err != nil {
		return fmt.Errorf("updating order status for %s: %w", trackingID, err)
	}
	log.WithFields(log.Fields{"trackingid": trackingID, "status": status}).
		Info("pushed ACORD status")
	return nil
}

// MakeTransmitRequest records an acord_asap_request row alerting the
// gateway that files went out for the case. All four identifiers are
// required; an existing row for the same (source, sid, trackingid) is
// left alone.
func (s *Store) MakeTransmitRequest(ctx context.Context, sourceCode, sid, trackingID, naic string) error {
	if sourceCode == "" || sid == "" || trackingID == "" || naic == "" {
		return fmt.Errorf("acord request needs sid, trackingid, naic and source code (got sid=%q trackingid=%q naic=%q source=%q)",
			sid, trackingID, naic, sourceCode)
	}
	handle, err := s.pool.Get(db.Acord)
	if err != nil {
		return err
	}
	var existing int
	err = handle.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM acord_asap_request
		WHERE source_code = ? AND sampleid = ? AND trackingid = ?`,
		sourceCode, sid, trackingID).Scan(&existing)
	if err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	// id allocated inline; the gateway schema predates auto-increment
	_, err = handle.ExecContext(ctx, `
		INSERT INTO acord_asap_request (acord_asap_request_id, source_code, sampleid, trackingid, naic)
		SELECT COALESCE(MAX(acord_asap_request_id), 0) + 1, ?, ?, ?, ?
		FROM acord_asap_request`,
		sourceCode, sid, trackingID, naic)
	if err != nil {
		return fmt.Errorf("inserting acord request for %s: %w", trackingID, err)
	}
	return nil
}
