package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gluk-w/ovsdb-viewer/internal/logging"
)

const maxLogLines = 5000

// GetServerLogs returns the tail of the server log. ?component=tunnel keeps
// only lines logged with the "[tunnel]" prefix; the filter applies after
// the tail is taken.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		lines = min(n, maxLogLines)
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if c := r.URL.Query().Get("component"); c != "" && content != "" {
		tag := "[" + c + "]"
		var kept []string
		for _, line := range strings.Split(content, "\n") {
			if strings.Contains(line, tag) {
				kept = append(kept, line)
			}
		}
		content = strings.Join(kept, "\n")
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
