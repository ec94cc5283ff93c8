package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gamgui/gamgui/internal/middleware"
	"github.com/gamgui/gamgui/internal/session"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	Kind   session.Kind   `json:"kind"`
	Config session.Config `json:"config"`
}

// CreateSession provisions a new session. The call is synchronous: the
// response carries a session that is already Ready, Degraded, or an error.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = session.KindUser
	}
	if req.Kind == session.KindAdmin && !p.Admin() {
		writeError(w, http.StatusForbidden, "Administrator role required for admin sessions")
		return
	}

	s, err := Mgr.Create(r.Context(), p.ID, req.Kind, req.Config)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListSessions returns the sessions visible to the caller, newest first.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": Mgr.List(p.ID, p.Admin()),
	})
}

// GetSession returns one visible session.
func GetSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	s, err := Mgr.Get(chi.URLParam(r, "id"), p.ID, p.Admin())
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// EndSession tears a session down. Ending a session that is already gone
// still returns success.
func EndSession(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	if err := Mgr.End(r.Context(), chi.URLParam(r, "id"), p.ID, p.Admin()); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// CancelCommand aborts the session's in-flight command, if any.
func CancelCommand(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	if err := Mgr.Cancel(chi.URLParam(r, "id"), p.ID, p.Admin()); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
