package config

import (
	"os"
	"path/filepath"
	"strings"
)

// expandHome replaces a leading "~" with the current user's home directory.
// Paths without the prefix, and paths on hosts without a resolvable home,
// are returned as given.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
