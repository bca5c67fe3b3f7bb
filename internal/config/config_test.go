package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"~", home},
		{"~/.ovsdb-viewer", filepath.Join(home, ".ovsdb-viewer")},
		{"/var/lib/ovsdb-viewer", "/var/lib/ovsdb-viewer"},
		{"relative/~/path", "relative/~/path"},
		{"~other/path", "~other/path"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := expandHome(tt.input); got != tt.expected {
				t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OVSDBV_DATA_PATH", dir)
	t.Setenv("OVSDBV_HOP_TIMEOUT", "3s")

	Load()

	if Cfg.DatabasePath != dir+"/ovsdb-viewer.db" {
		t.Errorf("DatabasePath = %q", Cfg.DatabasePath)
	}
	if Cfg.HistoryFile != dir+"/connection_history.json" {
		t.Errorf("HistoryFile = %q", Cfg.HistoryFile)
	}
	if Cfg.HopTimeout != 3*time.Second {
		t.Errorf("HopTimeout = %v, want 3s", Cfg.HopTimeout)
	}
	if Cfg.DefaultDatabase != "Open_vSwitch" {
		t.Errorf("DefaultDatabase = %q, want Open_vSwitch", Cfg.DefaultDatabase)
	}
	if Cfg.HistoryBackend != "sqlite" {
		t.Errorf("HistoryBackend = %q, want sqlite", Cfg.HistoryBackend)
	}
}

func TestLoadTwiceRederivesPaths(t *testing.T) {
	first := t.TempDir()
	t.Setenv("OVSDBV_DATA_PATH", first)
	Load()
	if Cfg.HistoryFile != first+"/connection_history.json" {
		t.Fatalf("HistoryFile = %q after first Load", Cfg.HistoryFile)
	}

	second := t.TempDir()
	t.Setenv("OVSDBV_DATA_PATH", second)
	Load()
	if Cfg.DatabasePath != second+"/ovsdb-viewer.db" {
		t.Errorf("DatabasePath = %q, want it under %s", Cfg.DatabasePath, second)
	}
	if Cfg.HistoryFile != second+"/connection_history.json" {
		t.Errorf("HistoryFile = %q, want it under %s", Cfg.HistoryFile, second)
	}
	if Cfg.LogPath != second+"/ovsdb-viewer.log" {
		t.Errorf("LogPath = %q, want it under %s", Cfg.LogPath, second)
	}
}
