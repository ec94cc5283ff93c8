package handlers

import (
	"net/http"
	"strconv"

	"github.com/gamgui/gamgui/internal/database"
	"github.com/gamgui/gamgui/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// SessionHistory lists the command records of a session, oldest first.
// History survives session teardown, so the visibility check falls back to
// the persisted owner when the live session is gone.
func SessionHistory(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	id := chi.URLParam(r, "id")

	if _, err := Mgr.Get(id, p.ID, p.Admin()); err != nil {
		// Session already ended; owners and admins may still read history.
		count, cerr := database.CountCommandRecords(id)
		if cerr != nil || count == 0 {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		recs, rerr := database.ListCommandRecords(id, 1, 0)
		if rerr != nil || len(recs) == 0 {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		if recs[0].OwnerID != p.ID && !p.Admin() {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	recs, err := database.ListCommandRecords(id, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	total, err := database.CountCommandRecords(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": recs,
		"total":   total,
	})
}
