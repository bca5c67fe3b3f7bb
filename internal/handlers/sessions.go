package handlers

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/ovsdb-viewer/internal/database"
	"github.com/gluk-w/ovsdb-viewer/internal/history"
	"github.com/gluk-w/ovsdb-viewer/internal/logutil"
	"github.com/gluk-w/ovsdb-viewer/internal/session"
)

// Sessions and History are set by main before the router serves requests.
var (
	Sessions *session.Coordinator
	History  *history.Registry
)

func getSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeOpError(w, r, err)
		return nil, false
	}
	return s, true
}

// lastDatabase returns the database picked in the previous session, if the
// settings store is available.
func lastDatabase() string {
	if database.DB == nil {
		return ""
	}
	db, err := database.GetSetting(database.DB, database.SettingLastDatabase)
	if err != nil {
		return ""
	}
	return db
}

func rememberDatabase(name string) {
	if database.DB == nil {
		return
	}
	if err := database.SetSetting(database.DB, database.SettingLastDatabase, name); err != nil {
		log.Printf("[api] failed to remember database %s: %v", logutil.SanitizeForLog(name), err)
	}
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.ConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Database == "" {
		req.Database = lastDatabase()
	}

	s, err := Sessions.Connect(r.Context(), req)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	rememberDatabase(s.Database())
	writeJSON(w, http.StatusCreated, s.Status())
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	list := Sessions.List()
	out := make([]session.Status, 0, len(list))
	for _, s := range list {
		out = append(out, s.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := getSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := Sessions.Disconnect(chi.URLParam(r, "id")); err != nil {
		// the session is gone either way; report what failed while closing
		log.Printf("[api] disconnect %s: %v", logutil.SanitizeForLog(chi.URLParam(r, "id")), err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func UseDatabase(w http.ResponseWriter, r *http.Request) {
	s, ok := getSession(w, r)
	if !ok {
		return
	}
	var body struct {
		Database string `json:"database"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Use(body.Database); err != nil {
		writeOpError(w, r, err)
		return
	}
	rememberDatabase(body.Database)
	writeJSON(w, http.StatusOK, s.Status())
}

func ListDatabases(w http.ResponseWriter, r *http.Request) {
	s, ok := getSession(w, r)
	if !ok {
		return
	}
	ep, err := intParam(r, "ep")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dbs, err := s.ListDatabases(r.Context(), ep)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"databases": dbs})
}

func GetSchema(w http.ResponseWriter, r *http.Request) {
	s, ok := getSession(w, r)
	if !ok {
		return
	}
	ep, err := intParam(r, "ep")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	db := chi.URLParam(r, "db")

	fetch := s.Schema
	if r.URL.Query().Get("refresh") == "true" {
		fetch = s.RefreshSchema
	}
	schema, err := fetch(r.Context(), ep, db)
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func GetTable(w http.ResponseWriter, r *http.Request) {
	s, ok := getSession(w, r)
	if !ok {
		return
	}
	ep, err := intParam(r, "ep")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	table, err := s.Table(r.Context(), ep, chi.URLParam(r, "db"), chi.URLParam(r, "table"))
	if err != nil {
		writeOpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}
