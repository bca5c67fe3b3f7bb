package logutil

import "strings"

// maxLogValue caps how much of a single user-provided value reaches the log.
const maxLogValue = 256

// SanitizeForLog flattens newlines and tabs to spaces and drops other control
// characters, so endpoint strings, jump host specs and table names taken from
// requests cannot forge extra log lines. Overlong values are truncated.
func SanitizeForLog(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case r < 32 || r == 127:
			return -1
		default:
			return r
		}
	}, s)
	if len(cleaned) > maxLogValue {
		cleaned = cleaned[:maxLogValue] + "..."
	}
	return cleaned
}
