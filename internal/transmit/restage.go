package transmit

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/acord103"
	"github.com/ilsys/asap/internal/cases"
	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/delta"
	"github.com/ilsys/asap/internal/history"
	"github.com/ilsys/asap/internal/types"
)

// Restager puts a case back on the export path: the 103 snapshot is
// restored to the retrieve state first, then the Delta export flags of
// the affected documents are cleared so the next run picks them up
// again. The 103 goes first; if it cannot be restored the documents are
// left alone rather than transmitted without their application data.
type Restager struct {
	store    *config.Store
	history  *history.Store
	delta    *delta.Store
	store103 *acord103.Store
	cases    *cases.Factory
}

// NewRestager wires a restager over the stores the flow touches.
func NewRestager(store *config.Store, hist *history.Store, deltaStore *delta.Store, store103 *acord103.Store, caseFactory *cases.Factory) *Restager {
	return &Restager{store: store, history: hist, delta: deltaStore, store103: store103, cases: caseFactory}
}

// ReRelease re-arms the case for transmission. For contacts that take a
// 103 the stored snapshot is set back to retrieve; with retransmitAll
// set every document of the case has its export flag cleared. Returns
// false when the contact expects a 103 and none is on file.
func (r *Restager) ReRelease(ctx context.Context, c *types.Case, retransmitAll bool) (bool, error) {
	if c == nil || c.Contact == nil {
		return false, nil
	}
	if c.Contact.Paths.Acord103Dir != "" {
		recs, err := r.store103.ByTrackingID(ctx, c.TrackingID)
		if err != nil {
			return false, err
		}
		if len(recs) == 0 {
			log.WithFields(log.Fields{"sid": c.Sid, "trackingid": c.TrackingID}).
				Warn("no 103 on file for re-release")
			return false, nil
		}
		processedSubdir, err := r.store.Setting(ctx, config.SettingProcessedSubdir)
		if err != nil {
			return false, err
		}
		if err := r.store103.SetToRetrieve(ctx, recs[0], c.Contact, processedSubdir); err != nil {
			return false, err
		}
	}
	if retransmitAll {
		docs, err := r.delta.DocumentsForSid(ctx, c.Sid)
		if err != nil {
			return false, err
		}
		if len(docs) == 0 {
			return false, nil
		}
		for _, doc := range docs {
			if err := r.delta.SetExportFlag(ctx, doc.DocumentID, delta.ExportedNo); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// ReStageCase clears the export flag of every document of the case that
// was released but never transmitted, after re-arming the 103. Returns
// whether anything was restaged.
func (r *Restager) ReStageCase(ctx context.Context, c *types.Case) (bool, error) {
	if c == nil {
		return false, nil
	}
	items, err := r.history.UntransmittedReleases(ctx, c.Sid)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}
	if ok, err := r.ReRelease(ctx, c, false); err != nil || !ok {
		return false, err
	}
	for _, item := range items {
		if err := r.delta.SetExportFlag(ctx, item.DocumentID, delta.ExportedNo); err != nil {
			return false, err
		}
		log.WithFields(log.Fields{"sid": c.Sid, "doc": item.DocumentID}).
			Info("document restaged to transmit")
	}
	return true, nil
}

// ReStageSid resolves the case for the sid and restages it. This is the
// entry point the case-analysis flow uses.
func (r *Restager) ReStageSid(ctx context.Context, sid string) (bool, error) {
	docs, err := r.delta.DocumentsForSid(ctx, sid)
	if err != nil {
		return false, err
	}
	c, err := r.cases.FromSid(ctx, sid, docs)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, nil
	}
	return r.ReStageCase(ctx, c)
}
