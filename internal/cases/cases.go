// Package cases assembles transmit cases: the LIMS sample names the
// contact, casemaster names the tracking id, and Delta supplies the
// documents. A case only exists when every billable document attaches
// cleanly; one document without a billing code rejects the whole case so
// nothing half-billed ever transmits.
package cases

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/delta"
	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/lims"
	"github.com/ilsys/asap/internal/types"
)

// Factory builds cases from sids, tracking ids, or document batches.
type Factory struct {
	store *config.Store
	lims  *lims.Store
	delta *delta.Store
}

// NewFactory wires a case factory over the config store and the two
// upstream projections.
func NewFactory(store *config.Store, limsStore *lims.Store, deltaStore *delta.Store) *Factory {
	return &Factory{store: store, lims: limsStore, delta: deltaStore}
}

// FromSid builds the case for a sid and attaches the given documents.
// Returns nil when the sample, contact, or casemaster row is missing, or
// when any sendable document lacks a billing code.
func (f *Factory) FromSid(ctx context.Context, sid string, docs []*types.Document) (*types.Case, error) {
	sample, err := f.lims.SampleForSid(ctx, sid)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		log.WithField("sid", sid).Warn("sample does not exist in LIMS")
		return nil, nil
	}
	contact, err := f.store.Contact(ctx, sample.ClientID, sample.RegionID, sample.Examiner)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		log.WithField("sid", sid).Warn("no contact for sample")
		return nil, nil
	}
	c := &types.Case{Sid: sid, Contact: contact}

	handle, err := f.store.Pool().Get(db.CaseQC)
	if err != nil {
		return nil, err
	}
	err = handle.QueryRowContext(ctx,
		`SELECT trackingid, source_code FROM casemaster WHERE sampleid = ?`, sid).
		Scan(&c.TrackingID, &c.SourceCode)
	if err == sql.ErrNoRows {
		log.WithField("sid", sid).Warn("no case record in casemaster")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !f.attachAll(c, docs) {
		return nil, nil
	}
	return c, nil
}

// FromTrackingID resolves the sid through casemaster and builds the case.
func (f *Factory) FromTrackingID(ctx context.Context, trackingID string, docs []*types.Document) (*types.Case, error) {
	handle, err := f.store.Pool().Get(db.CaseQC)
	if err != nil {
		return nil, err
	}
	var sid string
	err = handle.QueryRowContext(ctx,
		`SELECT sampleid FROM casemaster WHERE trackingid = ?`, trackingID).Scan(&sid)
	if err == sql.ErrNoRows {
		log.WithField("trackingid", trackingID).Warn("no case record in casemaster")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f.FromSid(ctx, sid, docs)
}

// attachAll applies the billing rules; any sendable document without a
// billing code fails the whole case.
func (f *Factory) attachAll(c *types.Case, docs []*types.Document) bool {
	ok := true
	for _, doc := range docs {
		if !c.AddDocument(doc) && doc.Bill && doc.Send {
			log.WithFields(log.Fields{
				"doc": doc.DocumentID, "contact": c.Contact.ContactID,
			}).Warn("document not set up for billing, please review")
			ok = false
		}
	}
	return ok
}

// CasesForDocuments groups loose documents into their cases by sid.
// Documents whose case cannot be built are dropped with a warning.
func (f *Factory) CasesForDocuments(ctx context.Context, docs []*types.Document) ([]*types.Case, error) {
	bySid := make(map[string]*types.Case)
	var order []string
	for _, doc := range docs {
		sid, err := f.delta.SidForDocument(ctx, doc.DocumentID)
		if err != nil {
			return nil, err
		}
		if sid == "" {
			log.WithField("doc", doc.DocumentID).Warn("unable to find document folder")
			continue
		}
		c, seen := bySid[sid]
		if !seen {
			c, err = f.FromSid(ctx, sid, nil)
			if err != nil {
				return nil, err
			}
			if c != nil {
				bySid[sid] = c
				order = append(order, sid)
			}
		}
		if c == nil {
			log.WithFields(log.Fields{"doc": doc.DocumentID, "sid": sid}).
				Warn("unable to locate a case for document")
			continue
		}
		c.AddDocument(doc)
	}
	out := make([]*types.Case, 0, len(order))
	for _, sid := range order {
		out = append(out, bySid[sid])
	}
	return out, nil
}

// MoveToError quarantines the case's staged artifacts: index files and
// document images are copied into the error subfolders of their
// directories for manual review.
func MoveToError(ctx context.Context, c *types.Case, errorSubdir string) error {
	if errorSubdir == "" {
		errorSubdir = "error"
	}
	var idxNames []string
	if c.Contact.Index != nil && c.Contact.Index.Type == types.IndexTypeCase {
		idxNames = append(idxNames, c.TrackingID+".IDX")
	} else {
		for _, doc := range c.DocumentList() {
			idxNames = append(idxNames, doc.FileStem()+".IDX")
		}
	}
	for _, name := range idxNames {
		if err := quarantine(ctx, c.Contact.Paths.IndexDir, name, errorSubdir); err != nil {
			return err
		}
	}
	for _, doc := range c.DocumentList() {
		if err := quarantine(ctx, c.Contact.Paths.DocumentDir, doc.FileName, errorSubdir); err != nil {
			return err
		}
	}
	return nil
}

func quarantine(ctx context.Context, dir, name, errorSubdir string) error {
	src := filepath.Join(dir, name)
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	dst := filepath.Join(dir, errorSubdir, name)
	if err := fileutil.EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	if err := fileutil.MoveFile(ctx, src, dst); err != nil {
		return fmt.Errorf("quarantining %s: %w", name, err)
	}
	return nil
}
