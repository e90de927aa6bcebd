package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadFrom_Valid(t *testing.T) {
	p := writeConfig(t, `server:
  port: ":9000"
limits:
  max_html_bytes: 1024
  max_pdf_bytes: 2048
pdf:
  default_paper: "LETTER"
  timeout_secs: 5
`)
	cfg := LoadFrom(p)
	if cfg.Server.Port != ":9000" {
		t.Fatalf("unexpected port: %q", cfg.Server.Port)
	}
	if cfg.Limits.MaxHTMLBytes != 1024 {
		t.Fatalf("unexpected max_html_bytes: %d", cfg.Limits.MaxHTMLBytes)
	}
	if cfg.PDF.DefaultPaper != "LETTER" {
		t.Fatalf("unexpected default paper: %q", cfg.PDF.DefaultPaper)
	}
	// Presets not overridden by the file keep their defaults.
	if _, ok := cfg.PDF.PaperSizes["LETTER"]; !ok {
		t.Fatalf("expected LETTER preset to survive load")
	}
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg.PDF.DefaultPaper != "A4" {
		t.Fatalf("expected default paper A4, got %q", cfg.PDF.DefaultPaper)
	}
	if cfg.Limits.MaxHTMLBytes <= 0 {
		t.Fatalf("expected positive default html limit")
	}
}

func TestLoadFrom_PanicsOnInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{name: "zero html limit", yml: "limits:\n  max_html_bytes: 0\n"},
		{name: "negative pool size", yml: "pdf:\n  chrome_pool_size: -1\n"},
		{name: "unknown default paper", yml: "pdf:\n  default_paper: \"B0\"\n"},
		{name: "zero timeout", yml: "pdf:\n  timeout_secs: 0\n"},
		{name: "negative user limit", yml: "rate_limiter:\n  user_limit: -1\n"},
		{name: "broken yaml", yml: "server: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := writeConfig(t, tc.yml)
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			_ = LoadFrom(p)
		})
	}
}

func TestLoad_UsesConfigPathEnv(t *testing.T) {
	p := writeConfig(t, `server:
  port: ":7777"
`)
	t.Setenv("CONFIG_PATH", p)
	cfg := Load()
	if cfg.Server.Port != ":7777" {
		t.Fatalf("expected CONFIG_PATH to be used")
	}
}
