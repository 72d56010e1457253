package fileutil

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// AddToZip appends src to the archive at zipPath, creating the archive if
// it does not exist. Entries are stored flat under the file's base name;
// an existing entry with the same name is replaced. The archive/zip format
// has no in-place append, so the archive is rewritten through a temp file.
func AddToZip(src, zipPath string) error {
	entryName := filepath.Base(src)

	if err := EnsureDir(filepath.Dir(zipPath)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(zipPath), ".zip-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(tmp)
	if existing, err := zip.OpenReader(zipPath); err == nil {
		for _, f := range existing.File {
			if f.Name == entryName {
				continue
			}
			if err := copyZipEntry(zw, f); err != nil {
				existing.Close()
				tmp.Close()
				return err
			}
		}
		existing.Close()
	}

	in, err := os.Open(src)
	if err != nil {
		zw.Close()
		tmp.Close()
		return err
	}
	w, err := zw.Create(entryName)
	if err == nil {
		_, err = io.Copy(w, in)
	}
	in.Close()
	if err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("zipping %s into %s: %w", src, zipPath, err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, zipPath)
}

func copyZipEntry(zw *zip.Writer, f *zip.File) error {
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: f.Method})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}

// ZipEntryNames lists the entry names of the archive at zipPath.
func ZipEntryNames(zipPath string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}

// Unzip extracts every entry of the archive into destDir. Entry paths are
// flattened to base names; archives from carriers carry no directories.
func Unzip(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if err := EnsureDir(destDir); err != nil {
		return nil, err
	}
	var extracted []string
	for _, f := range r.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		dst := filepath.Join(destDir, filepath.Base(f.Name))
		rc, err := f.Open()
		if err != nil {
			return extracted, err
		}
		out, err := os.Create(dst)
		if err == nil {
			_, err = io.Copy(out, rc)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
		}
		rc.Close()
		if err != nil {
			return extracted, fmt.Errorf("extracting %s from %s: %w", f.Name, zipPath, err)
		}
		extracted = append(extracted, dst)
	}
	return extracted, nil
}
