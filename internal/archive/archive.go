package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoEntryFile is returned when an archive holds no HTML document.
var ErrNoEntryFile = errors.New("no HTML entry file found in archive")

// Limits bound extraction so a small upload cannot expand into something
// unreasonable (zip bombs, directory floods).
type Limits struct {
	MaxExtractBytes int64
	MaxEntries      int
}

// Extract unpacks a ZIP into a fresh temp directory and locates the entry
// file: index.html at the archive root when present, otherwise the first
// .html/.htm found walking the extracted tree. The caller owns the returned
// directory and must remove it.
func Extract(r io.ReaderAt, size int64, limits Limits) (dir string, entry string, err error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return "", "", fmt.Errorf("open archive: %w", err)
	}

	if limits.MaxEntries > 0 && len(zr.File) > limits.MaxEntries {
		return "", "", fmt.Errorf("archive has %d entries, limit is %d", len(zr.File), limits.MaxEntries)
	}

	dir, err = os.MkdirTemp("", "pdfexport-zip-*")
	if err != nil {
		return "", "", fmt.Errorf("create extraction dir: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
			dir = ""
		}
	}()

	var written int64
	for _, f := range zr.File {
		if err = extractFile(dir, f, limits, &written); err != nil {
			return dir, "", err
		}
	}

	entry, err = findEntryFile(dir)
	if err != nil {
		return dir, "", err
	}
	return dir, entry, nil
}

func extractFile(dir string, f *zip.File, limits Limits, written *int64) error {
	name := filepath.FromSlash(f.Name)
	if !filepath.IsLocal(name) {
		return fmt.Errorf("archive entry %q escapes extraction dir", f.Name)
	}
	dst := filepath.Join(dir, name)

	if f.FileInfo().IsDir() {
		return os.MkdirAll(dst, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %q: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	limit := int64(1) << 62
	if limits.MaxExtractBytes > 0 {
		limit = limits.MaxExtractBytes - *written
		if limit <= 0 {
			return fmt.Errorf("archive exceeds extraction limit of %d bytes", limits.MaxExtractBytes)
		}
	}

	n, err := io.Copy(out, io.LimitReader(src, limit+1))
	if err != nil {
		return fmt.Errorf("extract %q: %w", f.Name, err)
	}
	*written += n
	if limits.MaxExtractBytes > 0 && *written > limits.MaxExtractBytes {
		return fmt.Errorf("archive exceeds extraction limit of %d bytes", limits.MaxExtractBytes)
	}
	return nil
}

// findEntryFile prefers index.html at the root, then falls back to the
// first HTML document in lexical walk order.
func findEntryFile(dir string) (string, error) {
	idx := filepath.Join(dir, "index.html")
	if _, err := os.Stat(idx); err == nil {
		return idx, nil
	}

	var entry string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".html", ".htm":
			entry = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if entry == "" {
		return "", ErrNoEntryFile
	}
	return entry, nil
}
