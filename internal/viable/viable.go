// Package viable resolves everything known about a case across the five
// backing systems, starting from whichever identifier a caller holds: a
// sid, a tracking id, a policy number, a SelectQuote reference, or a
// document id. Each search memoizes the identifiers it has visited so
// sibling cases (extra orders on one sample, extra QC rows on one
// tracking id) link without recursing forever.
package viable

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/acord"
	"github.com/ilsys/asap/internal/acord103"
	"github.com/ilsys/asap/internal/caseqc"
	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/delta"
	"github.com/ilsys/asap/internal/history"
	"github.com/ilsys/asap/internal/lims"
	"github.com/ilsys/asap/internal/types"
)

// sidSentinel marks Delta folders filed without a real sid. Searching it
// would fan out across every unfiled case.
const sidSentinel = "XXXXXXXX"

// Resolver builds viable cases from the upstream stores.
type Resolver struct {
	store    *config.Store
	lims     *lims.Store
	acord    *acord.Store
	delta    *delta.Store
	caseqc   *caseqc.Store
	store103 *acord103.Store
	history  *history.Store
}

// NewResolver wires a resolver over the stores.
func NewResolver(store *config.Store, limsStore *lims.Store, acordStore *acord.Store,
	deltaStore *delta.Store, caseStore *caseqc.Store, store103 *acord103.Store,
	historyStore *history.Store) *Resolver {
	return &Resolver{
		store: store, lims: limsStore, acord: acordStore, delta: deltaStore,
		caseqc: caseStore, store103: store103, history: historyStore,
	}
}

// search is one resolution pass with its memo tables.
type search struct {
	r       *Resolver
	sidSeen map[string]*types.ViableCase
	trkSeen map[string]*types.ViableCase
}

func (r *Resolver) newSearch() *search {
	return &search{
		r:       r,
		sidSeen: make(map[string]*types.ViableCase),
		trkSeen: make(map[string]*types.ViableCase),
	}
}

// FromIdentifier resolves a case from any identifier kind.
func (r *Resolver) FromIdentifier(ctx context.Context, kind types.IdentifierKind, value string) (*types.ViableCase, error) {
	switch kind {
	case types.IdentSid:
		return r.FromSid(ctx, value)
	case types.IdentTrackingID:
		return r.FromTrackingID(ctx, value)
	case types.IdentPolicyNumber:
		return r.FromPolicyNumber(ctx, value)
	case types.IdentRefID:
		return r.FromRefID(ctx, value)
	case types.IdentDocumentID:
		return r.FromDocumentID(ctx, value)
	default:
		return nil, fmt.Errorf("unknown identifier kind %q", kind)
	}
}

// FromSid resolves a case starting from a sid.
func (r *Resolver) FromSid(ctx context.Context, sid string) (*types.ViableCase, error) {
	vc := &types.ViableCase{}
	if err := r.newSearch().sidSearch(ctx, sid, vc); err != nil {
		return nil, err
	}
	return vc, nil
}

// FromTrackingID resolves a case starting from a tracking id.
func (r *Resolver) FromTrackingID(ctx context.Context, trackingID string) (*types.ViableCase, error) {
	vc := &types.ViableCase{}
	if err := r.newSearch().trackingIDSearch(ctx, trackingID, vc); err != nil {
		return nil, err
	}
	return vc, nil
}

// FromPolicyNumber resolves a case starting from a carrier policy number.
func (r *Resolver) FromPolicyNumber(ctx context.Context, policyNumber string) (*types.ViableCase, error) {
	vc := &types.ViableCase{}
	if err := r.newSearch().policyNumberSearch(ctx, policyNumber, vc); err != nil {
		return nil, err
	}
	return vc, nil
}

// FromRefID resolves a case starting from a SelectQuote reference id.
func (r *Resolver) FromRefID(ctx context.Context, refID string) (*types.ViableCase, error) {
	vc := &types.ViableCase{}
	if err := r.newSearch().refIDSearch(ctx, refID, vc); err != nil {
		return nil, err
	}
	return vc, nil
}

// FromDocumentID resolves a case starting from a Delta document id.
func (r *Resolver) FromDocumentID(ctx context.Context, documentID string) (*types.ViableCase, error) {
	vc := &types.ViableCase{}
	if err := r.newSearch().documentIDSearch(ctx, documentID, vc); err != nil {
		return nil, err
	}
	return vc, nil
}

func (s *search) sidSearch(ctx context.Context, sid string, vc *types.ViableCase) error {
	if sid == "" || strings.EqualFold(sid, sidSentinel) {
		return nil
	}
	log.WithField("sid", sid).Debug("sid search")
	if s.sidSeen[sid] != nil {
		return nil
	}
	s.sidSeen[sid] = vc

	contact, err := s.r.ContactForSid(ctx, sid)
	if err != nil {
		return err
	}
	vc.Contact = contact
	if vc.Sample, err = s.r.lims.SampleForSid(ctx, sid); err != nil {
		return err
	}
	if vc.DocGroup, err = s.r.docGroupForSid(ctx, sid); err != nil {
		return err
	}
	qcs, err := s.r.caseqc.FromSid(ctx, sid)
	if err != nil {
		return err
	}
	if len(qcs) > 0 {
		vc.CaseQC = qcs[0]
	}
	if vc.Sample != nil && vc.Contact != nil && vc.DocGroup != nil {
		if err := s.r.attachTransmitHistory(ctx, sid, vc.Contact.ContactID, vc.DocGroup); err != nil {
			return err
		}
	}

	orders, err := s.r.acord.OrdersForSid(ctx, sid)
	if err != nil {
		return err
	}
	if vc.Order != nil {
		kept := orders[:0]
		for _, o := range orders {
			if o.TrackingID != vc.Order.TrackingID {
				kept = append(kept, o)
			}
		}
		orders = kept
	}
	asapOrders, otherOrders := acord.SplitASAP(orders)
	if len(asapOrders) > 0 {
		vc.Order = asapOrders[0]
		for _, o := range asapOrders[1:] {
			if o.Cancelled() {
				continue
			}
			sibling := &types.ViableCase{Sample: vc.Sample, Order: o}
			vc.AddSibling(types.IdentTrackingID, types.SourceAcord121, types.SourceLIMS, sibling)
			vc.AddError(types.ErrMultipleOrdersOneSample,
				fmt.Sprintf("order %s also matches sample %s", o.TrackingID, sid))
		}
		if err := s.trackingIDSearch(ctx, vc.Order.TrackingID, vc); err != nil {
			return err
		}
	} else if vc.Order == nil && len(otherOrders) > 0 {
		vc.Order = otherOrders[0]
	}

	for _, link := range vc.Siblings[types.IdentSid] {
		siblingSid := memberSid(link.Case, link.From)
		if siblingSid == "" {
			continue
		}
		if siblingSid == sid {
			link.Case.Sample = vc.Sample
		} else if err := s.sidSearch(ctx, siblingSid, link.Case); err != nil {
			return err
		}
	}
	return nil
}

func (s *search) trackingIDSearch(ctx context.Context, trackingID string, vc *types.ViableCase) error {
	if trackingID == "" {
		return nil
	}
	log.WithField("trackingid", trackingID).Debug("trackingId search")
	if s.trkSeen[trackingID] != nil {
		return nil
	}
	s.trkSeen[trackingID] = vc

	if vc.Order == nil {
		order, err := s.r.acord.OrderByTrackingID(ctx, trackingID)
		if err != nil {
			return err
		}
		vc.Order = order
	}
	qcs, err := s.r.caseqc.FromTrackingID(ctx, trackingID)
	if err != nil {
		return err
	}
	var remaining []*types.CaseQC
	for _, qc := range qcs {
		if vc.CaseQC != nil && vc.CaseQC.Sid == qc.Sid {
			continue
		}
		if vc.Order != nil && vc.CaseQC == nil && vc.Order.Sid == qc.Sid {
			vc.CaseQC = qc
			continue
		}
		remaining = append(remaining, qc)
	}
	for _, qc := range remaining {
		sibling := &types.ViableCase{Order: vc.Order, CaseQC: qc}
		vc.AddSibling(types.IdentSid, types.SourceCaseQC, types.SourceAcord121, sibling)
		vc.AddError(types.ErrCaseExistsForOrder,
			fmt.Sprintf("case QC sid %s also filed under tracking id %s", qc.Sid, trackingID))
	}

	if vc.Order != nil {
		if err := s.sidSearch(ctx, vc.Order.Sid, vc); err != nil {
			return err
		}
	}
	if vc.Acord103 == nil {
		recs, err := s.r.store103.ByTrackingID(ctx, trackingID)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			vc.Acord103 = recs[0]
		}
	}

	for _, link := range vc.Siblings[types.IdentTrackingID] {
		siblingTrk := memberTrackingID(link.Case, link.From)
		if siblingTrk == "" {
			continue
		}
		if siblingTrk == trackingID {
			link.Case.Order = vc.Order
		} else if err := s.trackingIDSearch(ctx, siblingTrk, link.Case); err != nil {
			return err
		}
	}
	return nil
}

func (s *search) policyNumberSearch(ctx context.Context, policyNumber string, vc *types.ViableCase) error {
	if vc.Acord103 != nil {
		return nil
	}
	recs, err := s.r.store103.ByPolicyNumber(ctx, policyNumber)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	vc.Acord103 = recs[0]
	return s.trackingIDSearch(ctx, vc.Acord103.TrackingID, vc)
}

func (s *search) refIDSearch(ctx context.Context, refID string, vc *types.ViableCase) error {
	if vc.Order != nil {
		return nil
	}
	orders, err := s.r.acord.OrdersByRefID(ctx, refID)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}
	vc.Order = orders[0]
	for _, o := range orders[1:] {
		sibling := &types.ViableCase{Order: o}
		vc.AddSibling(types.IdentTrackingID, types.SourceAcord121, types.SourceAcord121, sibling)
		vc.AddError(types.ErrMultipleSelQOrders,
			fmt.Sprintf("order %s also carries reference %s", o.TrackingID, refID))
	}
	return s.trackingIDSearch(ctx, vc.Order.TrackingID, vc)
}

func (s *search) documentIDSearch(ctx context.Context, documentID string, vc *types.ViableCase) error {
	if vc.Sample != nil {
		return nil
	}
	docID, err := strconv.Atoi(documentID)
	if err != nil {
		return fmt.Errorf("document id %q is not numeric", documentID)
	}
	sid, err := s.r.delta.SidForDocument(ctx, docID)
	if err != nil {
		return err
	}
	if sid == "" {
		return nil
	}
	return s.sidSearch(ctx, sid, vc)
}

func memberSid(c *types.ViableCase, src types.CaseSource) string {
	switch src {
	case types.SourceCaseQC:
		if c.CaseQC != nil {
			return c.CaseQC.Sid
		}
	case types.SourceLIMS:
		if c.Sample != nil {
			return c.Sample.Sid
		}
	case types.SourceAcord121:
		if c.Order != nil {
			return c.Order.Sid
		}
	}
	return ""
}

func memberTrackingID(c *types.ViableCase, src types.CaseSource) string {
	switch src {
	case types.SourceAcord121:
		if c.Order != nil {
			return c.Order.TrackingID
		}
	case types.SourceCaseQC:
		if c.CaseQC != nil {
			return c.CaseQC.TrackingID
		}
	}
	return ""
}

func (r *Resolver) docGroupForSid(ctx context.Context, sid string) (*types.DocGroup, error) {
	docs, err := r.delta.DocumentsForSid(ctx, sid)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	group := &types.DocGroup{Sid: sid}
	for _, d := range docs {
		group.Documents = append(group.Documents, &types.QCDocument{
			DocumentID:  d.DocumentID,
			FileName:    d.FileName,
			DocTypeName: d.DocTypeName(),
			PageCount:   d.PageCount,
			DateCreated: d.DateCreated,
		})
	}
	return group, nil
}

func (r *Resolver) attachTransmitHistory(ctx context.Context, sid, contactID string, group *types.DocGroup) error {
	for _, doc := range group.Documents {
		events, err := r.history.EventsForDocument(ctx, sid, doc.DocumentID, contactID)
		if err != nil {
			return err
		}
		doc.TransmitHistory = events
	}
	return nil
}

// ContactForSid determines the contact for a sid that may be miscoded:
// the sample's client widens to its verifier-related ASAP clients, and
// the order's source code and carrier name pick the contact. Mismatches
// are logged for review.
func (r *Resolver) ContactForSid(ctx context.Context, sid string) (*types.Contact, error) {
	sample, err := r.lims.SampleForSid(ctx, sid)
	if err != nil || sample == nil {
		return nil, err
	}
	clients, err := r.relatedASAPClients(ctx, sample.ClientID)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, nil
	}
	orders, err := r.acord.OrdersForSid(ctx, sid)
	if err != nil {
		return nil, err
	}
	asapOrders, _ := acord.SplitASAP(orders)
	if len(asapOrders) == 0 {
		return nil, nil
	}
	sourceCode := asapOrders[0].SourceCode
	carrierName := asapOrders[0].CarrierName
	contacts, err := r.store.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	clientSet := make(map[string]bool, len(clients))
	for _, c := range clients {
		clientSet[c] = true
	}
	var issues []string
	for _, contact := range contacts {
		clientMatch := clientSet[contact.ClientID]
		sourceMatch := contact.SourceCode == sourceCode
		carrierMatch := false
		for _, name := range contact.CarrierNames {
			if name == carrierName {
				carrierMatch = true
				break
			}
		}
		switch {
		case clientMatch && sourceMatch && carrierMatch:
			return contact, nil
		case clientMatch && sourceMatch:
			issues = append(issues, fmt.Sprintf(
				"contact %s matches client and source, but carrier name %q not found",
				contact.ContactID, carrierName))
		case clientMatch && carrierMatch:
			issues = append(issues, fmt.Sprintf(
				"contact %s matches client and carrier name, but source %q not found",
				contact.ContactID, sourceCode))
		case sourceMatch && carrierMatch:
			issues = append(issues, fmt.Sprintf(
				"contact %s matches source and carrier name, but clients %v not found",
				contact.ContactID, clients))
		}
	}
	if len(issues) > 0 {
		log.WithField("sid", sid).Warnf("ASAP contact not found: %s", strings.Join(issues, "; "))
	}
	return nil, nil
}

// relatedASAPClients returns the ASAP-enabled clients sharing the given
// client's verifier.
func (r *Resolver) relatedASAPClients(ctx context.Context, clientID string) ([]string, error) {
	handle, err := r.store.Pool().Get(db.SIP)
	if err != nil {
		return nil, err
	}
	rows, err := handle.QueryContext(ctx, `
		SELECT crr.client_id
		FROM client_region_reports crr
		INNER JOIN client c ON crr.client_id = c.client_id
		WHERE crr.report_id = 'ESUB'
		  AND c.verifier_id = (SELECT c2.verifier_id FROM client c2 WHERE c2.client_id = ?)
		ORDER BY crr.client_id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var clients []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		clients = append(clients, id)
	}
	return clients, rows.Err()
}
