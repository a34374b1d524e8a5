package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadJSONOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, []byte(`{"listen":":9000","debug_level":2}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := LoadJSON(cfg, path); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.ListenAddr)
	}
	if cfg.DebugLevel != 2 {
		t.Errorf("DebugLevel = %d, want 2", cfg.DebugLevel)
	}
	// fields absent from the JSON file must keep their defaults
	if cfg.SaveDir != "./data/saves" {
		t.Errorf("SaveDir = %q, want default preserved", cfg.SaveDir)
	}
}

func TestValidFileName(t *testing.T) {
	cases := map[string]bool{
		"archive1.rdb":          true,
		"2026-07-29_10:00:00":   true,
		"../escape":             false,
		"has space":             false,
		"":                      false,
		"semi;colon":            false,
		"under_score-dash.ext1": true,
	}
	for name, want := range cases {
		if got := ValidFileName(name); got != want {
			t.Errorf("ValidFileName(%q) = %v, want %v", name, got, want)
		}
	}
}
