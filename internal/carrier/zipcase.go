package carrier

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/transmit"
)

// ZipCase is the handler for carriers that take one archive per case.
// Staging already zips each case; what this adds is pre-stage recovery:
// index/image pairs stranded in the retrans folder are re-zipped under
// the case naming scheme so the failed cases go out again without
// manual work.
type ZipCase struct {
	*Generic
}

// NewZipCase returns the zip-per-case handler.
func NewZipCase(env *Env, profile *Profile) *ZipCase {
	return &ZipCase{Generic: NewGeneric(env, profile)}
}

// PreStage sweeps leftovers like the generic flow, then rebuilds
// per-case zips from whatever index/image pairs sit in retrans.
func (z *ZipCase) PreStage(ctx context.Context, cy *transmit.Cycle) (bool, error) {
	if ok, err := z.Generic.PreStage(ctx, cy); err != nil || !ok {
		return ok, err
	}
	xmit := cy.Contact.Paths.XmitDir
	retransDir := filepath.Join(xmit, "retrans")
	zipDir := filepath.Join(xmit, "zip")

	idxFiles, err := filepath.Glob(filepath.Join(retransDir, "*."+z.profile.Stage.IndexExt))
	if err != nil {
		return false, err
	}
	for _, idxPath := range idxFiles {
		trackingID := z.trackingIDFrom(cy, idxPath)
		if trackingID == "" {
			log.WithField("file", idxPath).Warn("unable to recover tracking id from retrans index")
			continue
		}
		if err := fileutil.EnsureDir(zipDir); err != nil {
			return false, err
		}
		zipPath := filepath.Join(zipDir, z.expandTracking(z.profile.ZipName, trackingID))
		members := []string{idxPath}
		imagePath := strings.TrimSuffix(idxPath, filepath.Ext(idxPath)) + "." + z.profile.Stage.ImageExt
		if fileExists(imagePath) {
			members = append(members, imagePath)
		}
		for _, member := range members {
			if err := fileutil.AddToZip(member, zipPath); err != nil {
				log.WithError(err).WithField("file", member).Warn("failed to re-zip retrans file")
				return false, nil
			}
			if err := os.Remove(member); err != nil {
				log.WithError(err).WithField("file", member).Warn("unable to remove re-zipped retrans file")
			}
		}
		log.WithFields(log.Fields{"trackingid": trackingID, "zip": zipPath}).
			Info("retrans case re-zipped for transmission")
	}
	return true, nil
}

// trackingIDFrom pulls the configured tracking field out of a staged
// index file.
func (z *ZipCase) trackingIDFrom(cy *transmit.Cycle, idxPath string) string {
	field := z.profile.TrackingField
	if field == "" {
		return ""
	}
	data, err := os.ReadFile(idxPath)
	if err != nil {
		return ""
	}
	idx := cy.Contact.Index
	for _, pair := range strings.Split(strings.TrimSpace(string(data)), idx.Delim()) {
		parts := strings.SplitN(pair, idx.Subdelim(), 2)
		if len(parts) == 2 && parts[0] == field {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

func (z *ZipCase) expandTracking(tmpl, trackingID string) string {
	r := strings.NewReplacer(
		"{trackingId}", trackingID,
		"{timestamp}", z.env.now().Format(timestampLayout),
	)
	return r.Replace(tmpl)
}
