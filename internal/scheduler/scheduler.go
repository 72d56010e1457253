// Package scheduler drives one index/transmit run: purge dead file rows,
// export released cases, then walk every enabled contact from indexing
// through transmission with a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ilsys/asap/internal/acord"
	"github.com/ilsys/asap/internal/carrier"
	"github.com/ilsys/asap/internal/cases"
	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/delta"
	"github.com/ilsys/asap/internal/filemgr"
	"github.com/ilsys/asap/internal/history"
	"github.com/ilsys/asap/internal/imaging"
	"github.com/ilsys/asap/internal/index"
	"github.com/ilsys/asap/internal/lims"
	"github.com/ilsys/asap/internal/ports"
	"github.com/ilsys/asap/internal/transmit"
	"github.com/ilsys/asap/internal/types"
)

// Scheduler owns the per-run pipeline. Construct one per process; Run
// may be called repeatedly (each run is idempotent over the same
// history state).
type Scheduler struct {
	store    *config.Store
	history  *history.Store
	delta    *delta.Store
	lims     *lims.Store
	acord    *acord.Store
	cases    *cases.Factory
	images   *imaging.Factory
	indexer  *index.Builder
	transmit *transmit.Handler
	registry *carrier.Registry
	pool     *db.Pool
	mailer   ports.Mailer

	// MaxWorkers caps concurrent contact workers. Zero means one, which
	// is how production runs: staging folders are shared per contact,
	// not per case.
	MaxWorkers int

	// ErrorsTo receives the panic alert mail. Empty disables it.
	ErrorsTo []string

	stop atomic.Bool
}

// Deps collects the stores and factories the scheduler drives.
type Deps struct {
	Store    *config.Store
	History  *history.Store
	Delta    *delta.Store
	LIMS     *lims.Store
	Acord    *acord.Store
	Cases    *cases.Factory
	Images   *imaging.Factory
	Indexer  *index.Builder
	Transmit *transmit.Handler
	Registry *carrier.Registry
	Pool     *db.Pool
	Mailer   ports.Mailer
}

// New wires a scheduler from its dependencies.
func New(d Deps) *Scheduler {
	return &Scheduler{
		store:    d.Store,
		history:  d.History,
		delta:    d.Delta,
		lims:     d.LIMS,
		acord:    d.Acord,
		cases:    d.Cases,
		images:   d.Images,
		indexer:  d.Indexer,
		transmit: d.Transmit,
		registry: d.Registry,
		pool:     d.Pool,
		mailer:   d.Mailer,
	}
}

// Stop asks running workers to finish their current stage and return.
// Staging and transmission are never interrupted mid-flight.
func (s *Scheduler) Stop() {
	s.stop.Store(true)
}

func (s *Scheduler) stopped() bool {
	return s.stop.Load()
}

// RunSummary is what one run accomplished.
type RunSummary struct {
	Contacts int
	Exported int
	Indexed  int
	Staged   int
	Errors   []string
	Duration time.Duration
}

// Failed reports whether anything went wrong during the run.
func (r *RunSummary) Failed() bool {
	return len(r.Errors) > 0
}

// Run executes one full pass: purge, export, then one worker per
// enabled contact. Case-level failures are collected in the summary and
// never abort the run; only setup failures return an error.
func (s *Scheduler) Run(ctx context.Context) (*RunSummary, error) {
	start := time.Now()
	summary := &RunSummary{}
	var mu sync.Mutex
	fail := func(format string, args ...any) {
		mu.Lock()
		summary.Errors = append(summary.Errors, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	if err := filemgr.PurgeNullFiles(ctx, s.pool); err != nil {
		return nil, err
	}
	contacts, err := s.store.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	summary.Contacts = len(contacts)

	for _, contact := range contacts {
		exported, err := s.exportReleasedCases(ctx, contact)
		if err != nil {
			fail("exporting cases for contact %s: %v", contact.ContactID, err)
			continue
		}
		mu.Lock()
		summary.Exported += exported
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := s.MaxWorkers
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, contact := range contacts {
		contact := contact
		g.Go(func() error {
			defer s.recoverWorker(gctx, contact, fail)
			s.runContact(gctx, contact, summary, &mu, fail)
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = time.Since(start)
	log.WithFields(log.Fields{
		"contacts": summary.Contacts,
		"exported": summary.Exported,
		"indexed":  summary.Indexed,
		"staged":   summary.Staged,
		"errors":   len(summary.Errors),
		"elapsed":  summary.Duration,
	}).Info("run complete")
	return summary, nil
}

// RunContact executes the pipeline for a single contact, for the
// per-carrier transmit mode. Matching is by contact id,
// case-insensitive.
func (s *Scheduler) RunContact(ctx context.Context, contactID string) (*RunSummary, error) {
	start := time.Now()
	summary := &RunSummary{}
	var mu sync.Mutex
	fail := func(format string, args ...any) {
		mu.Lock()
		summary.Errors = append(summary.Errors, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	if err := filemgr.PurgeNullFiles(ctx, s.pool); err != nil {
		return nil, err
	}
	contacts, err := s.store.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	var contact *types.Contact
	for _, c := range contacts {
		if strings.EqualFold(c.ContactID, contactID) {
			contact = c
			break
		}
	}
	if contact == nil {
		return nil, fmt.Errorf("no enabled contact %q", contactID)
	}
	summary.Contacts = 1

	exported, err := s.exportReleasedCases(ctx, contact)
	if err != nil {
		fail("exporting cases for contact %s: %v", contact.ContactID, err)
	} else {
		summary.Exported = exported
	}

	func() {
		defer s.recoverWorker(ctx, contact, fail)
		s.runContact(ctx, contact, summary, &mu, fail)
	}()

	summary.Duration = time.Since(start)
	log.WithFields(log.Fields{
		"contact": contact.ContactID,
		"indexed": summary.Indexed,
		"staged":  summary.Staged,
		"errors":  len(summary.Errors),
		"elapsed": summary.Duration,
	}).Info("contact run complete")
	return summary, nil
}

// recoverWorker catches a panicking contact worker, records it, and
// alerts operations; one bad contact never takes down the run.
func (s *Scheduler) recoverWorker(ctx context.Context, contact *types.Contact, fail func(string, ...any)) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	log.WithFields(log.Fields{"contact": contact.ContactID, "panic": r}).
		Error("contact worker panicked")
	fail("worker for contact %s panicked: %v", contact.ContactID, r)
	if s.mailer != nil && len(s.ErrorsTo) > 0 {
		subject := fmt.Sprintf("ASAP worker failure for contact %s", contact.ContactID)
		body := fmt.Sprintf("The worker for contact %s died with:\n\n%v\n\n%s",
			contact.ContactID, r, stack)
		if err := s.mailer.Send(ctx, s.ErrorsTo, subject, body); err != nil {
			log.WithError(err).Warn("unable to send worker failure alert")
		}
	}
}

// runContact is one worker: index what exported, then stage and
// transmit what indexed (or drain leftovers when nothing is new).
func (s *Scheduler) runContact(ctx context.Context, contact *types.Contact, summary *RunSummary, mu *sync.Mutex, fail func(string, ...any)) {
	logger := log.WithField("contact", contact.ContactID)
	if s.stopped() {
		logger.Info("stop requested, skipping contact")
		return
	}
	idxHooks, xmitHooks, err := s.registry.HooksFor(contact)
	if err != nil {
		fail("resolving carrier hooks for contact %s: %v", contact.ContactID, err)
		return
	}
	released, err := s.releasedCases(ctx, contact)
	if err != nil {
		fail("loading released cases for contact %s: %v", contact.ContactID, err)
		return
	}
	processed, err := s.processedSubdir(ctx)
	if err != nil {
		fail("reading processed subdir setting: %v", err)
		return
	}

	exported := filterCases(released, func(c *types.Case) bool {
		return s.caseExported(c)
	})
	if len(exported) > 0 {
		logger.WithField("cases", len(exported)).Info("indexing exported cases")
	}
	for _, c := range exported {
		if s.stopped() {
			logger.Info("stop requested, leaving remaining cases for next run")
			return
		}
		ok, err := s.indexer.BuildForCase(ctx, c, idxHooks)
		if err != nil {
			fail("indexing case %s/%s: %v", c.Sid, c.TrackingID, err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.billCase(ctx, c); err != nil {
			fail("billing case %s: %v", c.Sid, err)
			continue
		}
		if err := s.lims.AddMessage(ctx, c.Sid, lims.MsgImagesAvailable); err != nil {
			fail("notifying LIMS for case %s: %v", c.Sid, err)
		}
	}

	if s.stopped() {
		logger.Info("stop requested before transmit stage")
		return
	}

	indexed := filterCases(released, func(c *types.Case) bool {
		return s.caseIndexed(c, processed)
	})
	mu.Lock()
	summary.Indexed += len(indexed)
	mu.Unlock()
	if len(indexed) > 0 {
		logger.WithField("cases", len(indexed)).Info("staging cases for transmission")
	}
	// an empty indexed set still runs the transmit pass so staged
	// leftovers from a failed upload drain out
	files := filemgr.New(s.pool, contact)
	staged, clean, err := s.transmit.StageAndTransmit(ctx, files, indexed, xmitHooks)
	if err != nil {
		fail("transmitting for contact %s: %v", contact.ContactID, err)
		return
	}
	if !clean {
		fail("transmit pass for contact %s had case failures", contact.ContactID)
	}
	mu.Lock()
	summary.Staged += len(staged)
	mu.Unlock()

	for _, c := range staged {
		if err := s.lims.AddMessage(ctx, c.Sid, lims.MsgImagesReleased); err != nil {
			fail("notifying LIMS release for case %s: %v", c.Sid, err)
		}
		if err := s.notifyAcord(ctx, c); err != nil {
			fail("pushing gateway status for case %s: %v", c.Sid, err)
		}
	}
}

// exportReleasedCases builds the missing document images for every
// released case of the contact. Returns how many cases had all images
// in place afterwards.
func (s *Scheduler) exportReleasedCases(ctx context.Context, contact *types.Contact) (int, error) {
	released, err := s.releasedCases(ctx, contact)
	if err != nil {
		return 0, err
	}
	processed, err := s.processedSubdir(ctx)
	if err != nil {
		return 0, err
	}
	exported := 0
	for _, c := range released {
		complete := true
		for _, doc := range c.DocumentList() {
			if !doc.Send || s.imageOnDisk(c.Contact, doc, processed) {
				continue
			}
			ok, err := s.images.FromDocument(ctx, c, doc)
			if err != nil {
				return exported, err
			}
			if !ok {
				log.WithFields(log.Fields{"sid": c.Sid, "doc": doc.DocumentID}).
					Warn("unable to export document image")
				complete = false
			}
		}
		if complete {
			exported++
		}
	}
	return exported, nil
}

// releasedCases assembles a case for every sid with an open release row
// at the contact. Unresolvable sids log and drop out.
func (s *Scheduler) releasedCases(ctx context.Context, contact *types.Contact) ([]*types.Case, error) {
	sids, err := s.history.ReleasedSids(ctx, contact.ContactID)
	if err != nil {
		return nil, err
	}
	var out []*types.Case
	for _, sid := range sids {
		docs, err := s.delta.DocumentsForSid(ctx, sid)
		if err != nil {
			return nil, err
		}
		c, err := s.cases.FromSid(ctx, sid, docs)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// caseExported reports whether every sendable image sits in the raw
// document folder, ready to index.
func (s *Scheduler) caseExported(c *types.Case) bool {
	any := false
	for _, doc := range c.DocumentList() {
		if !doc.Send {
			continue
		}
		any = true
		if !fileExists(filepath.Join(c.Contact.Paths.DocumentDir, doc.FileName)) {
			return false
		}
	}
	return any
}

// caseIndexed reports whether the case's index artifacts exist: images
// in the processed folder and the IDX file written.
func (s *Scheduler) caseIndexed(c *types.Case, processed string) bool {
	any := false
	for _, doc := range c.DocumentList() {
		if !doc.Send {
			continue
		}
		any = true
		if !fileExists(filepath.Join(c.Contact.Paths.DocumentDir, processed, doc.FileName)) {
			return false
		}
		base := c.TrackingID
		if c.Contact.Index.Type != types.IndexTypeCase {
			base = doc.FileStem()
		}
		if !fileExists(filepath.Join(c.Contact.Paths.IndexDir, base+".IDX")) {
			return false
		}
	}
	return any
}

// imageOnDisk reports whether the document image already exists, raw or
// already processed.
func (s *Scheduler) imageOnDisk(contact *types.Contact, doc *types.Document, processed string) bool {
	return fileExists(filepath.Join(contact.Paths.DocumentDir, doc.FileName)) ||
		fileExists(filepath.Join(contact.Paths.DocumentDir, processed, doc.FileName))
}

func (s *Scheduler) processedSubdir(ctx context.Context) (string, error) {
	processed, err := s.store.Setting(ctx, config.SettingProcessedSubdir)
	if err != nil {
		return "", err
	}
	if processed == "" {
		processed = "processed"
	}
	return processed, nil
}

// billCase records the invoice action for every billable document that
// has not been invoiced yet.
func (s *Scheduler) billCase(ctx context.Context, c *types.Case) error {
	for _, doc := range c.DocumentList() {
		if !doc.Bill {
			continue
		}
		when, err := s.history.DateTracked(ctx, c.Sid, doc.DocumentID, c.Contact.ContactID, types.ActionInvoice)
		if err != nil {
			return err
		}
		if !when.IsZero() {
			continue
		}
		if err := s.history.TrackDocument(ctx, c.Sid, doc.DocumentID, c.Contact.ContactID, types.ActionInvoice); err != nil {
			return err
		}
	}
	return nil
}

// notifyAcord pushes the sent-to-client status and files the
// transmit-alert request for a staged case. Cases without a gateway
// order (paper submissions) are fine.
func (s *Scheduler) notifyAcord(ctx context.Context, c *types.Case) error {
	order, err := s.acord.OrderByTrackingID(ctx, c.TrackingID)
	if err != nil {
		return err
	}
	if order == nil {
		log.WithField("trackingid", c.TrackingID).Debug("no gateway order for staged case")
		return nil
	}
	if err := s.acord.PushStatus(ctx, order.TrackingID, order.SourceCode, acord.StatusSentToClient); err != nil {
		return err
	}
	return s.acord.MakeTransmitRequest(ctx, order.SourceCode, c.Sid, order.TrackingID, order.NAIC)
}

func filterCases(in []*types.Case, keep func(*types.Case) bool) []*types.Case {
	var out []*types.Case
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
