// Package imaging builds the multi-page TIFF for each exported document:
// page binaries come from the imaging backend, the image is assembled in
// the contact's build subfolder and moved into the document directory
// only when every page appended cleanly.
package imaging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/ports"
	"github.com/ilsys/asap/internal/types"
)

// tempSubdir holds single pages while they are appended to the image
// being built.
const tempSubdir = "ImageFactoryTemp"

const appendAttempts = 5

// Factory pulls page images and assembles document TIFFs.
type Factory struct {
	store  *config.Store
	source ports.ImageSource
	tiff   ports.Tiff
}

// NewFactory wires an image factory over the config store and the
// imaging ports.
func NewFactory(store *config.Store, source ports.ImageSource, tiff ports.Tiff) *Factory {
	return &Factory{store: store, source: source, tiff: tiff}
}

// FromDocument builds the multi-page TIFF for a case document and places
// it in the contact's document directory. Returns false without error
// when the backend has no pages or a page append fails; the partial
// build is deleted so the next run starts clean.
func (f *Factory) FromDocument(ctx context.Context, c *types.Case, doc *types.Document) (bool, error) {
	if c == nil || c.Contact == nil {
		log.WithField("doc", doc.DocumentID).Warn("document is not related to a case")
		return false, nil
	}
	start := time.Now()
	ok, err := f.build(ctx, c, doc)
	log.WithFields(log.Fields{
		"sid": c.Sid, "doc": doc.DocumentID, "elapsed": time.Since(start),
	}).Debug("image build finished")
	return ok, err
}

func (f *Factory) build(ctx context.Context, c *types.Case, doc *types.Document) (bool, error) {
	pages, err := f.source.PagesForDocument(ctx, doc.DocumentID)
	if err != nil {
		log.WithError(err).WithField("doc", doc.DocumentID).
			Warn("unable to retrieve pages from image access")
		return false, nil
	}
	if len(pages) == 0 {
		log.WithField("doc", doc.DocumentID).Warn("no page records found for document")
		return false, nil
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Sequence < pages[j].Sequence })

	buildDir, tempDir, outDir, err := f.dirs(ctx, c.Contact)
	if err != nil {
		return false, err
	}
	destPath := filepath.Join(buildDir, doc.FileName)
	if err := os.WriteFile(destPath, pages[0].Content, 0o644); err != nil {
		return false, fmt.Errorf("writing first page for doc %d: %w", doc.DocumentID, err)
	}
	for _, page := range pages[1:] {
		if err := f.appendPage(ctx, tempDir, destPath, page); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"doc": doc.DocumentID, "page": page.PageID,
			}).Warn("append tiff failed")
			if rmErr := os.Remove(destPath); rmErr != nil {
				log.WithError(rmErr).Warn("unable to remove partial image")
			}
			return false, nil
		}
	}
	if err := fileutil.MoveFile(ctx, destPath, filepath.Join(outDir, doc.FileName)); err != nil {
		return false, fmt.Errorf("moving built image for doc %d: %w", doc.DocumentID, err)
	}
	return true, nil
}

// appendPage writes the page to the temp dir and appends it onto the
// image, retrying the converter with exponential backoff.
func (f *Factory) appendPage(ctx context.Context, tempDir, destPath string, page ports.ImagePage) error {
	tempFile := filepath.Join(tempDir, filepath.Base(destPath))
	if err := os.WriteFile(tempFile, page.Content, 0o644); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(tempFile); err != nil {
			log.WithError(err).Warnf("unable to remove temp file %s", tempFile)
		}
	}()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), appendAttempts-1), ctx)
	return backoff.Retry(func() error {
		return f.tiff.Append(ctx, destPath, tempFile)
	}, policy)
}

func (f *Factory) dirs(ctx context.Context, contact *types.Contact) (buildDir, tempDir, outDir string, err error) {
	buildSubdir, err := f.store.Setting(ctx, config.SettingBuildSubdir)
	if err != nil {
		return "", "", "", err
	}
	if buildSubdir == "" {
		buildSubdir = "build"
	}
	buildDir = filepath.Join(contact.Paths.DocumentDir, buildSubdir)
	tempDir = filepath.Join(buildDir, tempSubdir)
	if err := fileutil.EnsureDir(tempDir); err != nil {
		return "", "", "", err
	}
	return buildDir, tempDir, contact.Paths.DocumentDir, nil
}
