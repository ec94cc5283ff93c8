package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gamgui/gamgui/internal/backend"
	"github.com/gamgui/gamgui/internal/session"
	"github.com/gamgui/gamgui/internal/stream"
)

// Mgr and Streams are set from main.go during init, before the router
// starts serving.
var (
	Mgr     *session.Manager
	Streams *stream.Mux
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeSessionError maps the session error taxonomy onto HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case session.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, "Access denied")
	case errors.Is(err, session.ErrSessionBusy):
		writeError(w, http.StatusConflict, "Session is busy executing a command")
	case errors.Is(err, session.ErrSessionNotReady):
		writeError(w, http.StatusConflict, "Session is not ready for commands")
	case errors.Is(err, backend.ErrAllBackendsFailed):
		writeError(w, http.StatusBadGateway, "No execution backend could host the session")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
