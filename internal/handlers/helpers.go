package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/ovsdb-viewer/internal/history"
	"github.com/gluk-w/ovsdb-viewer/internal/logutil"
	"github.com/gluk-w/ovsdb-viewer/internal/ovsdb"
	"github.com/gluk-w/ovsdb-viewer/internal/session"
	"github.com/gluk-w/ovsdb-viewer/internal/sshtunnel"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// statusFor maps an operation error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrEndpointNotFound),
		errors.Is(err, history.ErrIndexOutOfRange),
		errors.Is(err, ovsdb.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, sshtunnel.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ovsdb.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, sshtunnel.ErrHostKey),
		errors.Is(err, sshtunnel.ErrNetwork),
		errors.Is(err, ovsdb.ErrConnectionRefused),
		errors.Is(err, ovsdb.ErrConnectionClosed),
		errors.Is(err, ovsdb.ErrProtocol):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeOpError logs err and writes it with the status statusFor picks.
func writeOpError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[api] %s %s: %s", r.Method, r.URL.Path, logutil.SanitizeForLog(err.Error()))
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := chi.URLParam(r, name)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}
