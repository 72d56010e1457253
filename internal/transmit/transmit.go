// Package transmit oversees the final staging and transmission of
// indexed cases, one contact at a time. The flow is fixed; everything
// carrier-specific happens in the Hooks implementation the registry
// binds to the contact.
package transmit

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/cases"
	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/filemgr"
	"github.com/ilsys/asap/internal/history"
	"github.com/ilsys/asap/internal/types"
)

// Cycle is the per-contact state of one stage-and-transmit pass, handed
// to every hook. Current is the case being staged; Staged accumulates
// the cases that cleared staging this pass.
type Cycle struct {
	Contact *types.Contact
	Files   *filemgr.Manager
	Current *types.Case
	Staged  []*types.Case
}

// Hooks are the carrier extension points of the transmit flow.
// IndexedCaseReady returning false holds the case for the next run
// without error. StageIndexedCase returning false quarantines the case;
// returning an error invokes the contact's stage-exception policy.
type Hooks interface {
	PreStage(ctx context.Context, cy *Cycle) (bool, error)
	IndexedCaseReady(ctx context.Context, cy *Cycle) (bool, error)
	StageIndexedCase(ctx context.Context, cy *Cycle) (bool, error)
	TransmitStagedCases(ctx context.Context, cy *Cycle) (bool, error)
	PostTransmit(ctx context.Context, cy *Cycle) (bool, error)
}

// NopHooks passes every case through untouched.
type NopHooks struct{}

func (NopHooks) PreStage(context.Context, *Cycle) (bool, error)            { return true, nil }
func (NopHooks) IndexedCaseReady(context.Context, *Cycle) (bool, error)    { return true, nil }
func (NopHooks) StageIndexedCase(context.Context, *Cycle) (bool, error)    { return true, nil }
func (NopHooks) TransmitStagedCases(context.Context, *Cycle) (bool, error) { return true, nil }
func (NopHooks) PostTransmit(context.Context, *Cycle) (bool, error)        { return true, nil }

// Handler runs the stage-and-transmit state machine.
type Handler struct {
	store    *config.Store
	history  *history.Store
	restager *Restager
}

// NewHandler returns a transmit handler. The restager may be nil when
// no contact uses the restage exception policy.
func NewHandler(store *config.Store, hist *history.Store, restager *Restager) *Handler {
	return &Handler{store: store, history: hist, restager: restager}
}

// StageAndTransmit stages the indexed cases for the contact of files and
// transmits the result. Returns the staged cases and whether the whole
// pass ran clean; a false return means some case failed, not necessarily
// that nothing was transmitted. Transmit history rows are appended for
// every staged document before the transport hook runs, so a crashed
// transport shows up as transmitted-but-not-reconciled and the
// reconciliation job settles the truth.
func (h *Handler) StageAndTransmit(ctx context.Context, files *filemgr.Manager, indexed []*types.Case, hooks Hooks) ([]*types.Case, bool, error) {
	if hooks == nil {
		hooks = NopHooks{}
	}
	contact := files.Contact()
	cy := &Cycle{Contact: contact, Files: files}

	// files a previous run marked but could not delete
	marked, err := files.FilesByState(ctx, types.FileStateMarkedForDeletion)
	if err != nil {
		return nil, false, err
	}
	for _, f := range marked {
		if err := files.DeleteFile(ctx, f); err != nil {
			log.WithError(err).WithField("file", f.FileName).Warn("unable to delete marked file")
		}
	}

	if ok, err := hooks.PreStage(ctx, cy); err != nil || !ok {
		log.WithError(err).WithField("contact", contact.ContactID).Warn("pre-stage process failed")
		return nil, false, nil
	}

	clean := true
	for _, c := range indexed {
		cy.Current = c
		ready, err := hooks.IndexedCaseReady(ctx, cy)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"sid": c.Sid, "trackingid": c.TrackingID}).
				Warn("readiness check failed, holding case")
			continue
		}
		if !ready {
			continue
		}
		staged, err := hooks.StageIndexedCase(ctx, cy)
		if err != nil {
			h.onStageException(ctx, c, err)
			if contact.OnStageException != types.StageExceptionRestage {
				clean = false
			}
			continue
		}
		if !staged {
			log.WithFields(log.Fields{"sid": c.Sid, "trackingid": c.TrackingID}).
				Warn("staging of indexed case failed")
			h.quarantine(ctx, c)
			clean = false
			continue
		}
		cy.Staged = append(cy.Staged, c)
	}
	cy.Current = nil

	for _, c := range cy.Staged {
		for _, doc := range c.DocumentList() {
			if err := h.history.TrackDocument(ctx, c.Sid, doc.DocumentID, contact.ContactID, types.ActionTransmit); err != nil {
				return cy.Staged, false, err
			}
		}
	}

	if ok, err := hooks.TransmitStagedCases(ctx, cy); err != nil || !ok {
		log.WithError(err).WithField("contact", contact.ContactID).Warn("transmitting staged cases failed")
		clean = false
	}
	if ok, err := hooks.PostTransmit(ctx, cy); err != nil || !ok {
		log.WithError(err).WithField("contact", contact.ContactID).Warn("post-transmit process failed")
		clean = false
	}
	return cy.Staged, clean, nil
}

func (h *Handler) onStageException(ctx context.Context, c *types.Case, cause error) {
	entry := log.WithError(cause).WithFields(log.Fields{"sid": c.Sid, "trackingid": c.TrackingID})
	if c.Contact.OnStageException == types.StageExceptionRestage && h.restager != nil {
		entry.Warn("staging of indexed case caused an exception, restaging")
		if _, err := h.restager.ReStageCase(ctx, c); err != nil {
			log.WithError(err).WithField("sid", c.Sid).Warn("restage after stage exception failed")
		}
		return
	}
	entry.Warn("staging of indexed case caused an exception, leaving as-is")
}

func (h *Handler) quarantine(ctx context.Context, c *types.Case) {
	errorSubdir, err := h.store.Setting(ctx, config.SettingErrorSubdir)
	if err != nil || errorSubdir == "" {
		errorSubdir = "error"
	}
	if err := cases.MoveToError(ctx, c, errorSubdir); err != nil {
		log.WithError(err).WithField("sid", c.Sid).Warn("unable to move failed case to error")
	}
}

// FirstTransmit reports whether the case has never had a document
// transmitted at its contact.
func (h *Handler) FirstTransmit(ctx context.Context, c *types.Case) (bool, error) {
	ids, err := h.history.TrackedDocIDs(ctx, c.Sid, c.Contact.ContactID, types.ActionTransmit)
	if err != nil {
		return false, err
	}
	return len(ids) == 0, nil
}

// FullTransmit reports whether none of the documents currently attached
// to the case has a prior transmit row, i.e. the whole case goes out in
// one piece. Partial re-sends of a previously transmitted case do not
// count as full.
func (h *Handler) FullTransmit(ctx context.Context, c *types.Case) (bool, error) {
	ids, err := h.history.TrackedDocIDs(ctx, c.Sid, c.Contact.ContactID, types.ActionTransmit)
	if err != nil {
		return false, err
	}
	sent := make(map[int]bool, len(ids))
	for _, id := range ids {
		sent[id] = true
	}
	for _, doc := range c.DocumentList() {
		if sent[doc.DocumentID] {
			return false, nil
		}
	}
	return true, nil
}
