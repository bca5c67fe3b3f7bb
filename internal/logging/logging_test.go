package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/ovsdb-viewer/internal/config"
)

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "viewer.log")
	config.Cfg.LogPath = path
	Init()
	defer Close()

	log.Printf("[test] hello from logging test")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from logging test") {
		t.Errorf("log file missing entry: %q", string(data))
	}
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer.log")
	config.Cfg.LogPath = path
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	tests := []struct {
		n        int
		expected string
	}{
		{2, "three\nfour"},
		{4, "one\ntwo\nthree\nfour"},
		{10, "one\ntwo\nthree\nfour"},
		{0, ""},
	}
	for _, tt := range tests {
		got, err := ReadTail(tt.n)
		if err != nil {
			t.Fatalf("ReadTail(%d): %v", tt.n, err)
		}
		if got != tt.expected {
			t.Errorf("ReadTail(%d) = %q, want %q", tt.n, got, tt.expected)
		}
	}
}

func TestReadTailMissingFile(t *testing.T) {
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "absent.log")
	got, err := ReadTail(5)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty tail, got %q", got)
	}
}
