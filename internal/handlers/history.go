package handlers

import (
	"net/http"

	"github.com/gluk-w/ovsdb-viewer/internal/history"
)

func ListHistory(w http.ResponseWriter, r *http.Request) {
	records := []history.Record{}
	if History != nil {
		records = History.List()
	}
	writeJSON(w, http.StatusOK, records)
}

func DeleteHistory(w http.ResponseWriter, r *http.Request) {
	if History == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not available")
		return
	}
	index, err := intParam(r, "index")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := History.Delete(r.Context(), index); err != nil {
		writeOpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
