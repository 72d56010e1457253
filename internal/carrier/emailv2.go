package carrier

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/transmit"
)

// EmailV2 is the handler for carriers that take each case archive as an
// email. Before anything leaves, the archive's contents are integrity
// checked: an original transmission must hold exactly one index and one
// 103 XML, a retransmission one or more dat files. A jumbled archive
// goes to review instead of out the door. The message carries the
// unzipped documents as attachments.
type EmailV2 struct {
	*Generic
}

// NewEmailV2 returns the email handler.
func NewEmailV2(env *Env, profile *Profile) *EmailV2 {
	return &EmailV2{Generic: NewGeneric(env, profile)}
}

func (e *EmailV2) TransmitStagedCases(ctx context.Context, cy *transmit.Cycle) (bool, error) {
	xmit := cy.Contact.Paths.XmitDir
	zipDir := filepath.Join(xmit, "zip")
	zips, err := cy.Files.Glob(ctx, filepath.Join(zipDir, "*.*"))
	if err != nil {
		return false, err
	}
	ok := true
	for _, zipFile := range zips {
		sent, err := e.sendOne(ctx, cy, cy.Files.FullPath(zipFile))
		if err != nil {
			log.WithError(err).WithField("zip", zipFile.FileName).Warn("failed to email case archive")
			ok = false
			continue
		}
		dstDir := "sent"
		if !sent {
			ok = false
			dstDir = "review"
		}
		if err := fileutil.EnsureDir(filepath.Join(xmit, dstDir)); err != nil {
			return false, err
		}
		if _, err := cy.Files.MoveFile(ctx, zipFile, filepath.Join(xmit, dstDir, zipFile.FileName)); err != nil {
			return false, err
		}
	}
	return ok, nil
}

// sendOne integrity-checks and emails a single archive. Returns false
// without error when the archive fails the check and belongs in review.
func (e *EmailV2) sendOne(ctx context.Context, cy *transmit.Cycle, zipPath string) (bool, error) {
	if ok, err := zipHasIntegrity(zipPath); err != nil {
		return false, err
	} else if !ok {
		log.WithField("zip", filepath.Base(zipPath)).
			Warn("archive failed integrity check, moving to review")
		return false, nil
	}
	unzipDir := filepath.Join(cy.Contact.Paths.XmitDir, "unzip")
	if err := fileutil.EnsureDir(unzipDir); err != nil {
		return false, err
	}
	attachments, err := fileutil.Unzip(zipPath, unzipDir)
	if err != nil {
		return false, err
	}
	defer func() {
		for _, a := range attachments {
			f := cy.Files.NewFile(a, true)
			if err := cy.Files.DeleteFile(ctx, f); err != nil {
				log.WithError(err).WithField("file", a).Warn("unable to remove unzipped file")
			}
		}
	}()

	trackingID := trackingIDFromZipName(filepath.Base(zipPath))
	subject := fmt.Sprintf("CRL %s ASAP Case - %s", cy.Contact.RegionID, trackingID)
	var body strings.Builder
	fmt.Fprintf(&body, "Agency: %s\n\n", cy.Contact.RegionID)
	fmt.Fprintf(&body, "Case Tracking id: %s\n\n", trackingID)
	fmt.Fprintf(&body, "Number of documents: %d\n\n", len(attachments))
	body.WriteString("Documents attached:\n")
	for _, a := range attachments {
		fmt.Fprintf(&body, "  %s\n", filepath.Base(a))
	}
	if err := e.env.Mailer.Send(ctx, e.profile.Transport.EmailTo, subject, body.String(), attachments...); err != nil {
		return false, err
	}
	return true, nil
}

// zipHasIntegrity applies the archive shape rule: one index plus one
// XML (original transmission), or only dat files (retransmission).
func zipHasIntegrity(zipPath string) (bool, error) {
	names, err := fileutil.ZipEntryNames(zipPath)
	if err != nil {
		return false, err
	}
	var idxCount, xmlCount, datCount int
	for _, name := range names {
		switch strings.ToUpper(filepath.Ext(name)) {
		case ".IDX", ".NDX":
			idxCount++
		case ".XML":
			xmlCount++
		case ".DAT":
			datCount++
		}
	}
	if idxCount == 1 && xmlCount == 1 && datCount == 0 {
		return true, nil
	}
	if datCount >= 1 && idxCount == 0 && xmlCount == 0 {
		return true, nil
	}
	return false, nil
}

// trackingIDFromZipName recovers the tracking id from archive names of
// the CRL<carrier>_<trackingId>_<timestamp>.ZIP shape.
func trackingIDFromZipName(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(stem, "_")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
