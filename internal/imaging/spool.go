package imaging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ilsys/asap/internal/ports"
)

// SpoolSource serves document pages from a filesystem spool, one
// subdirectory per document id holding the page TIFFs. The imaging
// backend drops exported pages there; sequence order follows the sorted
// file names.
type SpoolSource struct {
	Dir string
}

// NewSpoolSource returns an image source over the spool directory.
func NewSpoolSource(dir string) *SpoolSource {
	return &SpoolSource{Dir: dir}
}

// PagesForDocument reads every page file under the document's spool
// folder. A missing folder means no pages, not an error.
func (s *SpoolSource) PagesForDocument(ctx context.Context, documentID int) ([]ports.ImagePage, error) {
	dir := filepath.Join(s.Dir, strconv.Itoa(documentID))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading spool %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := strings.ToUpper(filepath.Ext(e.Name())); ext != ".TIF" && ext != ".TIFF" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	pages := make([]ports.ImagePage, 0, len(names))
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading page %s: %w", name, err)
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		pageID, err := strconv.Atoi(strings.TrimLeft(stem, "0"))
		if err != nil {
			pageID = i + 1
		}
		pages = append(pages, ports.ImagePage{PageID: pageID, Sequence: i + 1, Content: content})
	}
	return pages, nil
}
