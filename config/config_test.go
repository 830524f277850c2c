package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WHAT: the fingerprint is stable across identical configs and changes when a
// logical field changes.
func TestFingerprint_Deterministic(t *testing.T) {
	a := Default()
	b := Default()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs fingerprint differently")
	}
	if len(a.Fingerprint()) != 16 {
		t.Fatalf("fingerprint length = %d, want 16", len(a.Fingerprint()))
	}

	b.Scraping.PostLimit = 100
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changed config fingerprints the same")
	}
}

// WHAT: volatile fields never affect the fingerprint.
// WHY: toggling verbosity or relocating the session directory must resume
// into the same session identity.
func TestFingerprint_IgnoresVolatileFields(t *testing.T) {
	a := Default()
	b := Default()
	b.Verbose = true
	b.Debug = true
	b.SessionDir = "/elsewhere"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("volatile fields leaked into the fingerprint")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Database.Path == "" || cfg.Database.MaxConns <= 0 {
		t.Fatalf("database defaults not applied: %+v", cfg.Database)
	}
	if cfg.Database.AcquireTimeout != 5*time.Second {
		t.Fatalf("acquire timeout = %v", cfg.Database.AcquireTimeout)
	}
	if cfg.Scraping.PostLimit != 20 {
		t.Fatalf("post limit = %d", cfg.Scraping.PostLimit)
	}
}

// WHAT: YAML files load with defaults filling unset fields.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
version: "2.1"
scraping:
  post_limit: 5
database:
  path: /tmp/custom.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Version != "2.1" || cfg.Scraping.PostLimit != 5 {
		t.Fatalf("explicit values lost: %+v", cfg)
	}
	if cfg.Database.Path != "/tmp/custom.db" {
		t.Fatalf("database path = %q", cfg.Database.Path)
	}
	// Unset fields take defaults.
	if cfg.Database.MaxConns != 10 || cfg.Output.OutputDir != "downloads" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
