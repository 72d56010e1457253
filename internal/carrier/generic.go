package carrier

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/acord103"
	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/history"
	"github.com/ilsys/asap/internal/index"
	"github.com/ilsys/asap/internal/lims"
	"github.com/ilsys/asap/internal/ports"
	"github.com/ilsys/asap/internal/transmit"
	"github.com/ilsys/asap/internal/types"
)

// Env bundles the shared services hook implementations draw on. One Env
// serves every carrier; the profile and contact vary per instance.
type Env struct {
	Store     *config.Store
	History   *history.Store
	Transmit  *transmit.Handler
	LIMS      *lims.Store
	Acord103  *acord103.Store
	Clock     ports.Clock
	Mailer    ports.Mailer
	Encryptor ports.Encryptor

	// NewTransfer builds an FTP or SFTP client for a profile transport.
	NewTransfer func(t Transport) (ports.FileTransfer, error)
}

func (e *Env) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now()
}

// Generic implements both hook sets from the profile alone. Carriers
// whose handling the profile can fully describe use it directly; the
// specializations in this package embed it and override single steps.
type Generic struct {
	env     *Env
	profile *Profile
}

// NewGeneric returns profile-driven hooks.
func NewGeneric(env *Env, profile *Profile) *Generic {
	return &Generic{env: env, profile: profile}
}

// timestampLayout matches the naming the carriers already accept.
const timestampLayout = "20060102150405"

// --- index hooks ---

// ReadyToIndex always proceeds; readiness gates live on the transmit
// side for profile-driven carriers.
func (g *Generic) ReadyToIndex(context.Context, *index.Build) (bool, error) { return true, nil }

func (g *Generic) PreProcess(context.Context, *index.Build) (bool, error) { return true, nil }

// ProcessDerivedFields fills the profile's derived fields from the case
// and the document being indexed.
func (g *Generic) ProcessDerivedFields(_ context.Context, b *index.Build) (bool, error) {
	for name, tmpl := range g.profile.Derived {
		if err := b.Case.Contact.Index.SetValue(name, g.expandDoc(tmpl, b)); err != nil {
			log.WithError(err).WithField("field", name).Warn("unable to set derived field")
			return false, nil
		}
	}
	return true, nil
}

// PostProcess rewrites the written index files into the carrier's final
// shape when the profile asks for one.
func (g *Generic) PostProcess(_ context.Context, b *index.Build) (bool, error) {
	switch g.profile.IndexFormat {
	case IndexFormatSectionHeader:
		for _, path := range b.IndexPaths {
			data, err := os.ReadFile(path)
			if err != nil {
				return false, err
			}
			out := g.profile.SectionHeader + "\n" + string(data)
			if err := fileutil.WriteFileAtomic(path, []byte(out)); err != nil {
				return false, err
			}
		}
	case IndexFormatKeyline:
		for _, path := range b.IndexPaths {
			if err := g.rewriteKeyline(path, b); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// rewriteKeyline replaces the name=value index with the single keyline
// row the carrier's intake expects, substituting {FIELD} tokens from
// the written values.
func (g *Generic) rewriteKeyline(path string, b *index.Build) error {
	idx := b.Case.Contact.Index
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	values := map[string]string{}
	for _, pair := range strings.Split(strings.TrimSpace(string(data)), idx.Delim()) {
		parts := strings.SplitN(pair, idx.Subdelim(), 2)
		if len(parts) == 2 {
			values[parts[0]] = parts[1]
		}
	}
	line := g.profile.Keyline
	for name, value := range values {
		line = strings.ReplaceAll(line, "{"+name+"}", value)
	}
	line = strings.ReplaceAll(line, "{timestamp}", g.env.now().Format(timestampLayout))
	line = strings.ReplaceAll(line, "{batch}", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	return fileutil.WriteFileAtomic(path, []byte(line+"\n"))
}

func (g *Generic) expandDoc(tmpl string, b *index.Build) string {
	r := strings.NewReplacer(
		"{docStem}", b.CurrentDoc.FileStem(),
		"{docType}", b.CurrentDoc.DocTypeName(),
		"{sid}", b.Case.Sid,
		"{trackingId}", b.Case.TrackingID,
		"{clientId}", b.Case.Contact.ClientID,
		"{regionAbbrev}", b.Case.Contact.RegionID,
	)
	return r.Replace(tmpl)
}

// --- transmit hooks ---

// PreStage rescues files a crashed previous run left in the staging
// folders. Review-policy carriers park everything for manual review and
// pull the retrans folder back in; retrans-policy carriers queue the
// leftovers for automatic resend.
func (g *Generic) PreStage(ctx context.Context, cy *transmit.Cycle) (bool, error) {
	xmit := cy.Contact.Paths.XmitDir
	leftoverDir := filepath.Join(xmit, g.profile.Leftover)

	moved, err := g.sweep(ctx, cy, filepath.Join(xmit, "*.*"), leftoverDir)
	if err != nil {
		log.WithError(err).Warn("pre-stage failed")
		return false, nil
	}
	if moved > 0 {
		log.WithFields(log.Fields{"contact": cy.Contact.ContactID, "files": moved}).
			Errorf("files were left behind in %s from a previous run and have been moved to the %s subfolder", xmit, g.profile.Leftover)
	}
	if g.profile.Leftover == LeftoverReview {
		// encrypted or zipped leftovers cannot be resent as-is either
		for _, sub := range []string{"pgp", "zip"} {
			if _, err := g.sweep(ctx, cy, filepath.Join(xmit, sub, "*.*"), leftoverDir); err != nil {
				log.WithError(err).Warn("pre-stage failed")
				return false, nil
			}
		}
		// files queued for retransmission go out with this run
		retrans, err := filepath.Glob(filepath.Join(xmit, "retrans", "*.*"))
		if err != nil {
			return false, err
		}
		for _, src := range retrans {
			if err := fileutil.MoveFile(ctx, src, filepath.Join(xmit, filepath.Base(src))); err != nil {
				log.WithError(err).Warn("pre-stage failed")
				return false, nil
			}
		}
	}
	return true, nil
}

// sweep moves every tracked file matching pattern into dstDir and
// returns how many moved.
func (g *Generic) sweep(ctx context.Context, cy *transmit.Cycle, pattern, dstDir string) (int, error) {
	files, err := cy.Files.Glob(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}
	if err := fileutil.EnsureDir(dstDir); err != nil {
		return 0, err
	}
	for _, f := range files {
		if _, err := cy.Files.MoveFile(ctx, f, filepath.Join(dstDir, f.FileName)); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

// IndexedCaseReady applies the profile's transmit windows and the
// sample-transmitted gate.
func (g *Generic) IndexedCaseReady(ctx context.Context, cy *transmit.Cycle) (bool, error) {
	if !g.profile.InWindow(g.env.now()) {
		return false, nil
	}
	if g.profile.RequireSampleTransmit {
		sample, err := g.env.LIMS.SampleForSid(ctx, cy.Current.Sid)
		if err != nil {
			return false, err
		}
		if sample == nil || sample.TransmitDate == nil {
			return false, nil
		}
	}
	return true, nil
}

// StageIndexedCase moves the case's document/index pairs from the
// processed and index folders into the transmit staging folder under
// the carrier's names, bundles the 103 when the profile calls for it,
// and optionally zips the case.
func (g *Generic) StageIndexedCase(ctx context.Context, cy *transmit.Cycle) (bool, error) {
	c := cy.Current
	contact := cy.Contact
	processed, err := g.env.Store.Setting(ctx, config.SettingProcessedSubdir)
	if err != nil {
		return false, err
	}
	if processed == "" {
		processed = "processed"
	}

	type move struct{ from, to string }
	var moves []move
	for _, doc := range c.DocumentList() {
		stem := doc.FileStem()
		docPath := filepath.Join(contact.Paths.DocumentDir, processed, doc.FileName)
		idxPath := filepath.Join(contact.Paths.IndexDir, stem+".IDX")
		if !fileExists(docPath) || !fileExists(idxPath) {
			log.WithFields(log.Fields{"doc": doc.DocumentID, "sid": c.Sid}).
				Warn("failed to find matching index/image pair")
			return false, nil
		}
		moves = append(moves,
			move{docPath, filepath.Join(contact.Paths.XmitDir, g.stagedName(stem, g.profile.Stage.ImageExt))},
			move{idxPath, filepath.Join(contact.Paths.XmitDir, g.stagedName(stem, g.profile.Stage.IndexExt))},
		)
	}

	if contact.Paths.Acord103Dir != "" {
		bundle, err := g.shouldBundle103(ctx, c)
		if err != nil {
			return false, err
		}
		if bundle {
			src := filepath.Join(contact.Paths.Acord103Dir, c.TrackingID+".XML")
			if !fileExists(src) {
				log.WithFields(log.Fields{"sid": c.Sid, "trackingid": c.TrackingID}).
					Warn("103 expected but not staged for case")
				return false, nil
			}
			moves = append(moves, move{src, filepath.Join(contact.Paths.XmitDir, c.TrackingID+".XML")})
		}
	}

	for _, m := range moves {
		if err := fileutil.MoveFile(ctx, m.from, m.to); err != nil {
			return false, err
		}
	}

	if g.profile.ZipPerCase {
		if err := g.zipCase(ctx, cy, c); err != nil {
			log.WithError(err).WithField("sid", c.Sid).Warn("failed to zip case files")
			return false, nil
		}
	}
	return true, nil
}

// zipCase bundles everything currently staged into one archive named
// from the profile template and tracked-deletes the loose files.
func (g *Generic) zipCase(ctx context.Context, cy *transmit.Cycle, c *types.Case) error {
	xmit := cy.Contact.Paths.XmitDir
	zipDir := filepath.Join(xmit, "zip")
	if err := fileutil.EnsureDir(zipDir); err != nil {
		return err
	}
	zipPath := filepath.Join(zipDir, g.expandName(ctx, g.profile.ZipName, c))
	files, err := cy.Files.Glob(ctx, filepath.Join(xmit, "*.*"))
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := fileutil.AddToZip(cy.Files.FullPath(f), zipPath); err != nil {
			return err
		}
		if err := cy.Files.DeleteFile(ctx, f); err != nil {
			return err
		}
	}
	log.WithField("zip", zipPath).Info("zip file created and ready for transmission")
	return nil
}

func (g *Generic) shouldBundle103(ctx context.Context, c *types.Case) (bool, error) {
	switch g.profile.Stage.Bundle103 {
	case Bundle103Always:
		return true, nil
	case Bundle103First:
		return g.env.Transmit.FirstTransmit(ctx, c)
	case Bundle103Full:
		return g.env.Transmit.FullTransmit(ctx, c)
	default:
		return false, nil
	}
}

func (g *Generic) stagedName(stem, ext string) string {
	name := g.profile.Stage.Prefix + stem + "." + ext
	if g.profile.Stage.Uppercase {
		name = strings.ToUpper(name)
	}
	return name
}

// expandName fills the profile naming tokens for a case.
func (g *Generic) expandName(ctx context.Context, tmpl string, c *types.Case) string {
	refNum := ""
	if strings.Contains(tmpl, "{refNum103}") {
		if recs, err := g.env.Acord103.ByTrackingID(ctx, c.TrackingID); err == nil && len(recs) > 0 {
			refNum = recs[0].TrackingID103
		}
	}
	r := strings.NewReplacer(
		"{trackingId}", c.TrackingID,
		"{clientId}", c.Contact.ClientID,
		"{regionAbbrev}", c.Contact.RegionID,
		"{refNum103}", refNum,
		"{timestamp}", g.env.now().Format(timestampLayout),
	)
	return r.Replace(tmpl)
}

// TransmitStagedCases delivers whatever staging produced through the
// profile transport, moving sent files aside and leaving failures in
// place for the next run.
func (g *Generic) TransmitStagedCases(ctx context.Context, cy *transmit.Cycle) (bool, error) {
	outDir := cy.Contact.Paths.XmitDir
	if g.profile.ZipPerCase {
		outDir = filepath.Join(outDir, "zip")
	} else if g.profile.ZipName != "" {
		if err := g.bundleAll(ctx, cy); err != nil {
			log.WithError(err).Warn("failed to bundle staged files")
			return false, nil
		}
		outDir = filepath.Join(cy.Contact.Paths.XmitDir, "zip")
	}

	files, err := cy.Files.Glob(ctx, filepath.Join(outDir, "*.*"))
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return true, nil
	}
	if g.profile.EncryptTo != "" {
		files, err = g.encryptAll(ctx, cy, files)
		if err != nil {
			log.WithError(err).Warn("encryption of staged files failed")
			return false, nil
		}
	}

	switch g.profile.Transport.Kind {
	case TransportFTP, TransportSFTP:
		return g.transmitTransfer(ctx, cy, files)
	case TransportPickup:
		return g.transmitPickup(ctx, cy, files)
	case TransportEmail:
		return g.transmitEmail(ctx, cy, files)
	default:
		return true, nil
	}
}

// bundleAll zips every staged file into one run archive.
func (g *Generic) bundleAll(ctx context.Context, cy *transmit.Cycle) error {
	xmit := cy.Contact.Paths.XmitDir
	files, err := cy.Files.Glob(ctx, filepath.Join(xmit, "*.*"))
	if err != nil || len(files) == 0 {
		return err
	}
	zipDir := filepath.Join(xmit, "zip")
	if err := fileutil.EnsureDir(zipDir); err != nil {
		return err
	}
	name := g.profile.ZipName
	if len(cy.Staged) > 0 {
		name = g.expandName(ctx, name, cy.Staged[0])
	} else {
		name = strings.ReplaceAll(name, "{timestamp}", g.env.now().Format(timestampLayout))
	}
	zipPath := filepath.Join(zipDir, name)
	for _, f := range files {
		if err := fileutil.AddToZip(cy.Files.FullPath(f), zipPath); err != nil {
			return err
		}
		if err := cy.Files.DeleteFile(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generic) encryptAll(ctx context.Context, cy *transmit.Cycle, files []*types.TrackedFile) ([]*types.TrackedFile, error) {
	pgpDir := filepath.Join(cy.Contact.Paths.XmitDir, "pgp")
	if err := fileutil.EnsureDir(pgpDir); err != nil {
		return nil, err
	}
	var out []*types.TrackedFile
	for _, f := range files {
		dst := filepath.Join(pgpDir, f.FileName+".pgp")
		if err := g.env.Encryptor.EncryptFile(ctx, cy.Files.FullPath(f), dst, g.profile.EncryptTo); err != nil {
			return nil, err
		}
		if err := cy.Files.DeleteFile(ctx, f); err != nil {
			return nil, err
		}
		out = append(out, cy.Files.NewFile(dst, true))
	}
	return out, nil
}

func (g *Generic) transmitTransfer(ctx context.Context, cy *transmit.Cycle, files []*types.TrackedFile) (bool, error) {
	if g.env.NewTransfer == nil {
		return false, fmt.Errorf("no transfer client configured for transport %s", g.profile.Transport.Kind)
	}
	client, err := g.env.NewTransfer(g.profile.Transport)
	if err != nil {
		return false, err
	}
	session, err := client.Open(ctx)
	if err != nil {
		log.WithError(err).WithField("host", g.profile.Transport.Host).
			Warn("unable to open transfer session, leaving files for next run")
		return false, nil
	}
	defer session.Close()

	sentDir := filepath.Join(cy.Contact.Paths.XmitDir, "sent")
	ok := true
	for i, f := range files {
		if i > 0 && g.profile.Transport.SpacingSeconds > 0 {
			time.Sleep(time.Duration(g.profile.Transport.SpacingSeconds) * time.Second)
		}
		remote := path.Join(g.profile.Transport.RemoteDir, f.FileName)
		if err := session.Put(ctx, cy.Files.FullPath(f), remote); err != nil {
			ok = false
			log.WithError(err).WithField("file", f.FileName).
				Warn("failed to upload file, leaving original to be uploaded in the next run")
			continue
		}
		if err := fileutil.EnsureDir(sentDir); err != nil {
			return false, err
		}
		if _, err := cy.Files.MoveFile(ctx, f, filepath.Join(sentDir, f.FileName)); err != nil {
			return false, err
		}
	}
	return ok, nil
}

// transmitPickup drops the staged files into another pipeline's pickup
// folder under the destination's naming, archiving a copy in sent.
func (g *Generic) transmitPickup(ctx context.Context, cy *transmit.Cycle, files []*types.TrackedFile) (bool, error) {
	sentDir := filepath.Join(cy.Contact.Paths.XmitDir, "sent")
	if err := fileutil.EnsureDir(sentDir); err != nil {
		return false, err
	}
	ok := true
	for _, f := range files {
		dst := filepath.Join(g.profile.Transport.PickupDir, g.renameFor(f.FileName))
		if err := fileutil.CopyFileRetry(ctx, cy.Files.FullPath(f), dst); err != nil {
			ok = false
			log.WithError(err).WithField("file", f.FileName).
				Warn("failed to copy file to pickup folder, queueing for retrans")
			retrans := filepath.Join(cy.Contact.Paths.XmitDir, "retrans")
			if err := fileutil.EnsureDir(retrans); err == nil {
				if _, mvErr := cy.Files.MoveFile(ctx, f, filepath.Join(retrans, f.FileName)); mvErr != nil {
					log.WithError(mvErr).Warn("unable to queue file for retrans")
				}
			}
			continue
		}
		if _, err := cy.Files.MoveFile(ctx, f, filepath.Join(sentDir, f.FileName)); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (g *Generic) renameFor(name string) string {
	out := name
	if g.profile.Stage.Uppercase {
		out = strings.ToUpper(out)
	}
	for from, to := range g.profile.Transport.Rename {
		ext := filepath.Ext(out)
		if strings.EqualFold(ext, from) {
			out = strings.TrimSuffix(out, ext) + to
		}
	}
	return out
}

// transmitEmail sends every staged file as an attachment on one
// message.
func (g *Generic) transmitEmail(ctx context.Context, cy *transmit.Cycle, files []*types.TrackedFile) (bool, error) {
	var attachments []string
	for _, f := range files {
		attachments = append(attachments, cy.Files.FullPath(f))
	}
	subject := fmt.Sprintf("CRL %s ASAP case files", cy.Contact.RegionID)
	body := fmt.Sprintf("Attached are %d ASAP file(s) for contact %s.\n", len(files), cy.Contact.ContactID)
	if err := g.env.Mailer.Send(ctx, g.profile.Transport.EmailTo, subject, body, attachments...); err != nil {
		log.WithError(err).Warn("failed to email staged files, leaving for next run")
		return false, nil
	}
	sentDir := filepath.Join(cy.Contact.Paths.XmitDir, "sent")
	if err := fileutil.EnsureDir(sentDir); err != nil {
		return false, err
	}
	for _, f := range files {
		if _, err := cy.Files.MoveFile(ctx, f, filepath.Join(sentDir, f.FileName)); err != nil {
			return false, err
		}
	}
	return true, nil
}

// PostTransmit is a no-op for profile-driven carriers.
func (g *Generic) PostTransmit(context.Context, *transmit.Cycle) (bool, error) { return true, nil }

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
