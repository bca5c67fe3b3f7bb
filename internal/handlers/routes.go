package handlers

import "github.com/go-chi/chi/v5"

// Routes registers the API under r, which main mounts at /api/v1.
func Routes(r chi.Router) {
	r.Post("/sessions", CreateSession)
	r.Get("/sessions", ListSessions)
	r.Get("/sessions/{id}", GetSession)
	r.Delete("/sessions/{id}", DeleteSession)
	r.Put("/sessions/{id}/database", UseDatabase)
	r.Get("/sessions/{id}/endpoints/{ep}/databases", ListDatabases)
	r.Get("/sessions/{id}/endpoints/{ep}/databases/{db}/schema", GetSchema)
	r.Get("/sessions/{id}/endpoints/{ep}/databases/{db}/tables/{table}", GetTable)

	r.Get("/history", ListHistory)
	r.Delete("/history/{index}", DeleteHistory)

	r.Get("/logs", GetServerLogs)
}
