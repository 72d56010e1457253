package carrier

import (
	"context"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/transmit"
)

// Pickup is the handler for carriers fed through another pipeline's
// pickup folder. Staged files are copied in under the destination's
// naming and a copy of everything sent is archived into one zip in the
// sent folder; a file that cannot be delivered queues in retrans for
// the next run.
type Pickup struct {
	*Generic
}

// NewPickup returns the pickup-folder handler.
func NewPickup(env *Env, profile *Profile) *Pickup {
	return &Pickup{Generic: NewGeneric(env, profile)}
}

func (p *Pickup) TransmitStagedCases(ctx context.Context, cy *transmit.Cycle) (bool, error) {
	xmit := cy.Contact.Paths.XmitDir
	files, err := cy.Files.Glob(ctx, filepath.Join(xmit, "*.*"))
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return true, nil
	}
	log.WithFields(log.Fields{"contact": cy.Contact.ContactID, "files": len(files)}).
		Info("files in the transmit staging folder to process")

	sentDir := filepath.Join(xmit, "sent")
	if err := fileutil.EnsureDir(sentDir); err != nil {
		return false, err
	}
	archiveName := p.profile.ZipName
	if archiveName == "" {
		archiveName = "CRL" + cy.Contact.ContactID + "_{timestamp}.zip"
	}
	if len(cy.Staged) > 0 {
		archiveName = p.expandName(ctx, archiveName, cy.Staged[0])
	} else {
		archiveName = p.expandTrackingName(archiveName)
	}
	archive := filepath.Join(sentDir, archiveName)

	ok := true
	for _, f := range files {
		dst := filepath.Join(p.profile.Transport.PickupDir, p.renameFor(f.FileName))
		if err := fileutil.CopyFileRetry(ctx, cy.Files.FullPath(f), dst); err != nil {
			ok = false
			log.WithError(err).WithField("file", f.FileName).
				Warn("failed to copy file to pickup folder, queueing for retrans")
			retrans := filepath.Join(xmit, "retrans")
			if err := fileutil.EnsureDir(retrans); err == nil {
				if _, mvErr := cy.Files.MoveFile(ctx, f, filepath.Join(retrans, f.FileName)); mvErr != nil {
					log.WithError(mvErr).Warn("unable to queue file for retrans")
				}
			}
			continue
		}
		if err := fileutil.AddToZip(cy.Files.FullPath(f), archive); err != nil {
			return false, err
		}
		if err := cy.Files.DeleteFile(ctx, f); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (p *Pickup) expandTrackingName(tmpl string) string {
	return strings.ReplaceAll(tmpl, "{timestamp}", p.env.now().Format(timestampLayout))
}
