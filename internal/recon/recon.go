// Package recon settles the loop with a carrier: feed files the carrier
// returns are matched back to transmitted documents, reconcile rows are
// appended to the document history, and whatever was transmitted but
// never acknowledged is reported for retransmission.
package recon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/acord"
	"github.com/ilsys/asap/internal/acord103"
	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/delta"
	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/history"
	"github.com/ilsys/asap/internal/ports"
	"github.com/ilsys/asap/internal/timeparsing"
	"github.com/ilsys/asap/internal/types"
)

// Restager puts a non-reconciled case back on the export path.
type Restager interface {
	ReStageSid(ctx context.Context, sid string) (bool, error)
}

// Options select the carrier's feed handling for one recon pass.
type Options struct {
	Contact *types.Contact
	Format  Format

	// Pattern globs the feed files inside the contact's recon folder;
	// empty means "*.txt".
	Pattern string

	// ContactIDs scope the retransmit analysis; empty means just the
	// recon contact.
	ContactIDs []string

	// Cutoff bounds the retransmit analysis: documents transmitted
	// before it with no reconcile since are candidates. Zero means the
	// previous business day.
	Cutoff time.Time

	// PushApprovedStatus pushes the approved-by-client gateway status
	// for each reconciled case.
	PushApprovedStatus bool

	// AutoRestage re-releases every retransmit candidate instead of
	// only reporting it.
	AutoRestage bool

	EmailTo []string
}

// Summary is what one recon pass did.
type Summary struct {
	FeedFiles      int
	Entries        int
	Malformed      int
	ReconciledDocs int
	PolicyNumbers  int
	Unmatched      []string
	Candidates     []history.RetransmitRow
	Restaged       []string
}

// Reconciler runs per-carrier reconciliation passes.
type Reconciler struct {
	store    *config.Store
	history  *history.Store
	delta    *delta.Store
	store103 *acord103.Store
	acord    *acord.Store
	restager Restager
	mailer   ports.Mailer
	clock    ports.Clock
}

// New wires a reconciler. The restager may be nil when no carrier uses
// auto-restage; the mailer may be nil to suppress the summary email.
func New(store *config.Store, hist *history.Store, deltaStore *delta.Store,
	store103 *acord103.Store, acordStore *acord.Store, restager Restager,
	mailer ports.Mailer, clock ports.Clock) *Reconciler {
	return &Reconciler{
		store:    store,
		history:  hist,
		delta:    deltaStore,
		store103: store103,
		acord:    acordStore,
		restager: restager,
		mailer:   mailer,
		clock:    clock,
	}
}

func (r *Reconciler) now() time.Time {
	if r.clock != nil {
		return r.clock.Now()
	}
	return time.Now()
}

// ReconDir returns the contact's recon inbox: a sibling of the document
// folder.
func ReconDir(contact *types.Contact) string {
	return filepath.Join(filepath.Dir(contact.Paths.DocumentDir), "recon")
}

// Run processes every pending feed file for the contact and, when at
// least one was processed, runs the retransmit analysis and sends the
// summary. Feed files are stamped into the processed subfolder so a
// rerun never double-counts them.
func (r *Reconciler) Run(ctx context.Context, opts Options) (*Summary, error) {
	contact := opts.Contact
	pattern := opts.Pattern
	if pattern == "" {
		pattern = "*.txt"
	}
	reconDir := ReconDir(contact)
	processedSubdir, err := r.store.Setting(ctx, config.SettingProcessedSubdir)
	if err != nil {
		return nil, err
	}
	if processedSubdir == "" {
		processedSubdir = "processed"
	}

	files, err := filepath.Glob(filepath.Join(reconDir, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad recon pattern %q: %w", pattern, err)
	}
	summary := &Summary{FeedFiles: len(files)}
	if len(files) == 0 {
		log.WithField("contact", contact.ContactID).Info("no reconciliation files to process")
		return summary, nil
	}
	log.WithFields(log.Fields{"contact": contact.ContactID, "files": len(files)}).
		Info("processing reconciliation files")

	pushed := map[string]bool{}
	for _, feedPath := range files {
		if err := r.processFeed(ctx, opts, feedPath, summary, pushed); err != nil {
			return summary, err
		}
		stamped := filepath.Join(reconDir, processedSubdir,
			fmt.Sprintf("%s_%s", filepath.Base(feedPath), r.now().Format("20060102150405")))
		if err := fileutil.MoveFile(ctx, feedPath, stamped); err != nil {
			return summary, err
		}
	}

	cutoff := opts.Cutoff
	if cutoff.IsZero() {
		cutoff = timeparsing.PreviousBusinessDay(r.now())
	}
	contactIDs := opts.ContactIDs
	if len(contactIDs) == 0 {
		contactIDs = []string{contact.ContactID}
	}
	summary.Candidates, err = r.history.RetransmitCandidates(ctx, cutoff, contactIDs)
	if err != nil {
		return summary, err
	}

	if opts.AutoRestage && r.restager != nil {
		restaged := map[string]bool{}
		for _, cand := range summary.Candidates {
			if restaged[cand.Sid] {
				continue
			}
			restaged[cand.Sid] = true
			ok, err := r.restager.ReStageSid(ctx, cand.Sid)
			if err != nil {
				log.WithError(err).WithField("sid", cand.Sid).Warn("unable to restage non-reconciled case")
				continue
			}
			if ok {
				summary.Restaged = append(summary.Restaged, cand.Sid)
			}
		}
	}

	if r.mailer != nil && len(opts.EmailTo) > 0 {
		if err := r.sendSummary(ctx, opts, summary); err != nil {
			log.WithError(err).Warn("unable to send reconciliation summary")
		}
	}
	return summary, nil
}

func (r *Reconciler) processFeed(ctx context.Context, opts Options, feedPath string, summary *Summary, pushed map[string]bool) error {
	f, err := os.Open(feedPath)
	if err != nil {
		return err
	}
	entries, malformed, err := ParseFeed(opts.Format, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("parsing recon feed %s: %w", feedPath, err)
	}
	if len(entries) == 0 && malformed == 0 {
		log.WithField("file", filepath.Base(feedPath)).Warn("empty recon file received")
	} else {
		log.WithFields(log.Fields{"file": filepath.Base(feedPath), "records": len(entries)}).
			Info("processing recon records")
	}
	summary.Entries += len(entries)
	summary.Malformed += malformed

	for _, e := range entries {
		switch {
		case e.TrackingRef != "":
			if err := r.reconcilePolicy(ctx, opts, e, summary, pushed); err != nil {
				return err
			}
		case e.FileName != "":
			if err := r.reconcileImage(ctx, opts, e, summary, pushed); err != nil {
				return err
			}
		}
	}
	return nil
}

// reconcileImage settles one returned image file name.
func (r *Reconciler) reconcileImage(ctx context.Context, opts Options, e Entry, summary *Summary, pushed map[string]bool) error {
	if !strings.EqualFold(filepath.Ext(e.FileName), ".tif") {
		return nil
	}
	doc, err := r.delta.DocumentFromFileName(ctx, e.FileName)
	if err != nil {
		log.WithError(err).WithField("file", e.FileName).Warn("unable to look up recon record")
		summary.Unmatched = append(summary.Unmatched, e.FileName)
		return nil
	}
	if doc == nil {
		log.WithField("file", e.FileName).Warn("no document found for recon record")
		summary.Unmatched = append(summary.Unmatched, e.FileName)
		return nil
	}
	sid, err := r.delta.SidForDocument(ctx, doc.DocumentID)
	if err != nil {
		return err
	}
	if sid == "" {
		summary.Unmatched = append(summary.Unmatched, e.FileName)
		return nil
	}
	if err := r.history.TrackDocument(ctx, sid, doc.DocumentID, opts.Contact.ContactID, types.ActionReconcile); err != nil {
		return err
	}
	summary.ReconciledDocs++
	if opts.PushApprovedStatus {
		return r.pushApproved(ctx, sid, pushed)
	}
	return nil
}

// reconcilePolicy settles one policy-number row: the 103 is looked up
// by its own tracking id first because some carriers echo that back in
// the transRefGuid slot, then the policy number is recorded and every
// transmitted document of the case reconciled.
func (r *Reconciler) reconcilePolicy(ctx context.Context, opts Options, e Entry, summary *Summary, pushed map[string]bool) error {
	recs, err := r.store103.ByTrackingID103(ctx, e.TrackingRef)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		if recs, err = r.store103.ByTransRefGUID(ctx, e.TrackingRef); err != nil {
			return err
		}
	}
	if len(recs) == 0 || recs[0].TrackingID == "" {
		log.WithField("transrefguid", e.TrackingRef).Error("unable to reconcile recon reference")
		summary.Unmatched = append(summary.Unmatched, e.TrackingRef)
		return nil
	}
	rec := recs[0]
	if e.PolicyNumber != "" {
		if err := r.store103.SetPolicyNumber(ctx, rec, e.PolicyNumber); err != nil {
			return err
		}
		summary.PolicyNumbers++
	}

	docs, err := r.delta.DocumentsForTrackingID(ctx, rec.TrackingID)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		log.WithField("trackingid", rec.TrackingID).Warn("no documents found for reconciled case")
		summary.Unmatched = append(summary.Unmatched, e.TrackingRef)
		return nil
	}
	sid, err := r.delta.SidForDocument(ctx, docs[0].DocumentID)
	if err != nil {
		return err
	}
	transmitted, err := r.history.TrackedDocIDs(ctx, sid, opts.Contact.ContactID, types.ActionTransmit)
	if err != nil {
		return err
	}
	sent := make(map[int]bool, len(transmitted))
	for _, id := range transmitted {
		sent[id] = true
	}
	for _, doc := range docs {
		if !sent[doc.DocumentID] {
			continue
		}
		if err := r.history.TrackDocument(ctx, sid, doc.DocumentID, opts.Contact.ContactID, types.ActionReconcile); err != nil {
			return err
		}
		summary.ReconciledDocs++
	}
	if opts.PushApprovedStatus {
		return r.pushApproved(ctx, sid, pushed)
	}
	return nil
}

// pushApproved sends the approved-by-client gateway status once per sid
// per pass.
func (r *Reconciler) pushApproved(ctx context.Context, sid string, pushed map[string]bool) error {
	if pushed[sid] {
		return nil
	}
	orders, err := r.acord.OrdersForSid(ctx, sid)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		log.WithField("sid", sid).Warn("no order found to push approved status")
		return nil
	}
	o := orders[0]
	if err := r.acord.PushStatus(ctx, o.TrackingID, o.SourceCode, acord.StatusApproved); err != nil {
		return err
	}
	pushed[sid] = true
	return nil
}

func (r *Reconciler) sendSummary(ctx context.Context, opts Options, summary *Summary) error {
	contact := opts.Contact
	var body strings.Builder
	if len(summary.Candidates) == 0 {
		fmt.Fprintf(&body, "%s reconciliation of documents completed successfully with no discrepancies.\n",
			contact.RegionID)
	} else {
		body.WriteString("The following documents were not reconciled by the carrier and may need to be retransmitted. Please review:\n")
		bySid := map[string][]history.RetransmitRow{}
		var sids []string
		for _, cand := range summary.Candidates {
			if _, seen := bySid[cand.Sid]; !seen {
				sids = append(sids, cand.Sid)
			}
			bySid[cand.Sid] = append(bySid[cand.Sid], cand)
		}
		sort.Strings(sids)
		for _, sid := range sids {
			fmt.Fprintf(&body, "\nSid %s (contact %s):\n", sid, bySid[sid][0].ContactID)
			for _, cand := range bySid[sid] {
				name := "unknown"
				if doc, err := r.delta.DocumentFromDocID(ctx, cand.DocumentID); err == nil && doc != nil {
					name = doc.FileName
				}
				fmt.Fprintf(&body, "  %s: %s (document id %d)\n",
					cand.TransmitDate.Format("02-Jan-2006 15:04:05"), name, cand.DocumentID)
			}
		}
	}
	if len(summary.Restaged) > 0 {
		body.WriteString("\nThe following cases have been set up to transmit again:\n")
		for _, sid := range summary.Restaged {
			fmt.Fprintf(&body, "  %s\n", sid)
		}
	}
	if len(summary.Unmatched) > 0 {
		body.WriteString("\nThe following recon records could not be matched to a document:\n")
		for _, ref := range summary.Unmatched {
			fmt.Fprintf(&body, "  %s\n", ref)
		}
	}
	subject := fmt.Sprintf("%s reconciliation of ASAP case documents", contact.RegionID)
	return r.mailer.Send(ctx, opts.EmailTo, subject, body.String())
}
