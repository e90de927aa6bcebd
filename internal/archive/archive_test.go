package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create entry %q: %v", name, err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("write entry %q: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func extract(t *testing.T, data []byte, limits Limits) (string, string, error) {
	t.Helper()
	dir, entry, err := Extract(bytes.NewReader(data), int64(len(data)), limits)
	if dir != "" {
		t.Cleanup(func() { os.RemoveAll(dir) })
	}
	return dir, entry, err
}

func TestExtract_PrefersRootIndex(t *testing.T) {
	data := buildZip(t, map[string]string{
		"assets/other.html": "<html>other</html>",
		"index.html":        "<html>main</html>",
		"style.css":         "body{}",
	})
	dir, entry, err := extract(t, data, Limits{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if filepath.Base(entry) != "index.html" || filepath.Dir(entry) != dir {
		t.Fatalf("expected root index.html, got %q", entry)
	}
	body, err := os.ReadFile(entry)
	if err != nil || string(body) != "<html>main</html>" {
		t.Fatalf("unexpected entry content: %q err=%v", body, err)
	}
}

func TestExtract_FallsBackToFirstHTML(t *testing.T) {
	data := buildZip(t, map[string]string{
		"docs/page.htm": "<html>page</html>",
		"readme.txt":    "hi",
	})
	_, entry, err := extract(t, data, Limits{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if filepath.Base(entry) != "page.htm" {
		t.Fatalf("expected page.htm entry, got %q", entry)
	}
}

func TestExtract_NoEntryFile(t *testing.T) {
	data := buildZip(t, map[string]string{
		"style.css": "body{}",
		"img.svg":   "<svg/>",
	})
	_, _, err := extract(t, data, Limits{})
	if !errors.Is(err, ErrNoEntryFile) {
		t.Fatalf("expected ErrNoEntryFile, got %v", err)
	}
}

func TestExtract_RejectsZipSlip(t *testing.T) {
	data := buildZip(t, map[string]string{
		"../evil.html": "<html>evil</html>",
	})
	_, _, err := extract(t, data, Limits{})
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Fatalf("expected zip-slip rejection, got %v", err)
	}
}

func TestExtract_EnforcesEntryLimit(t *testing.T) {
	data := buildZip(t, map[string]string{
		"index.html": "<html>x</html>",
		"a.css":      "a{}",
		"b.css":      "b{}",
	})
	_, _, err := extract(t, data, Limits{MaxEntries: 2})
	if err == nil || !strings.Contains(err.Error(), "entries") {
		t.Fatalf("expected entry limit error, got %v", err)
	}
}

func TestExtract_EnforcesByteLimit(t *testing.T) {
	data := buildZip(t, map[string]string{
		"index.html": "<html>" + strings.Repeat("x", 4096) + "</html>",
	})
	_, _, err := extract(t, data, Limits{MaxExtractBytes: 128})
	if err == nil || !strings.Contains(err.Error(), "extraction limit") {
		t.Fatalf("expected byte limit error, got %v", err)
	}
}

func TestExtract_CorruptArchive(t *testing.T) {
	_, _, err := extract(t, []byte("definitely not a zip"), Limits{})
	if err == nil {
		t.Fatalf("expected error for corrupt archive")
	}
}
