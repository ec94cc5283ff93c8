package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gamgui/gamgui/internal/backend"
	"github.com/gamgui/gamgui/internal/config"
	"github.com/gamgui/gamgui/internal/creds"
	"github.com/gamgui/gamgui/internal/database"
	"github.com/gamgui/gamgui/internal/middleware"
	"github.com/gamgui/gamgui/internal/session"
	"github.com/gamgui/gamgui/internal/stream"
	"github.com/go-chi/chi/v5"
)

// newTestRouter stands up the API against the virtual backend only.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	dir := t.TempDir()
	config.Cfg.AuthDisabled = false
	config.Cfg.DataPath = dir
	config.Cfg.DatabasePath = filepath.Join(dir, "test.db")
	config.Cfg.SessionImage = "gamgui/gam-session:test"
	if err := database.Init(); err != nil {
		t.Fatalf("database init: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	selector := backend.NewSelector(backend.Policy{Order: []string{"virtual"}}, nil)
	selector.Register(context.Background(), backend.VirtualBackend{})

	resolver := creds.NewResolver()
	resolver.Register(creds.StoredProvider{})

	Streams = stream.NewMux()
	Mgr = session.NewManager(session.NewRegistry(), selector, resolver)
	Mgr.Detach = Streams.CloseSession

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequirePrincipal)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", CreateSession)
			r.Get("/", ListSessions)
			r.Get("/{id}", GetSession)
			r.Delete("/{id}", EndSession)
			r.Post("/{id}/cancel", CancelCommand)
			r.Get("/{id}/history", SessionHistory)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Put("/credentials/{ref}", PutStoredCredential)
			r.Get("/credentials/{ref}", GetStoredCredential)
		})
	})
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, principal, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Auth-Principal", principal)
	if role != "" {
		req.Header.Set("X-Auth-Role", role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, h http.Handler, principal, role string, body interface{}) session.Session {
	t.Helper()
	if body == nil {
		body = map[string]interface{}{}
	}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions", principal, role, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var s session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s
}

func TestCreateSessionDegradedOnVirtual(t *testing.T) {
	h := newTestRouter(t)
	s := createSession(t, h, "alice@example.com", "", nil)

	if s.Status != session.StatusDegraded {
		t.Errorf("status = %q", s.Status)
	}
	if s.OwnerID != "alice@example.com" {
		t.Errorf("owner = %q", s.OwnerID)
	}
	if s.Binding == nil || s.Binding.Driver != "virtual" {
		t.Errorf("binding = %+v", s.Binding)
	}
}

func TestCreateAdminSessionRequiresAdminRole(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions", "bob@example.com", "",
		map[string]interface{}{"kind": "admin"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("user creating admin session: status = %d", rec.Code)
	}

	s := createSession(t, h, "alice@example.com", "admin", map[string]interface{}{"kind": "admin"})
	if s.Kind != session.KindAdmin {
		t.Errorf("kind = %q", s.Kind)
	}
}

func TestListSessionsVisibility(t *testing.T) {
	h := newTestRouter(t)

	createSession(t, h, "alice@example.com", "", nil)
	adminSess := createSession(t, h, "root@example.com", "admin", map[string]interface{}{"kind": "admin"})

	// bob sees nothing
	rec := doJSON(t, h, http.MethodGet, "/api/v1/sessions", "bob@example.com", "", nil)
	var out struct {
		Sessions []session.Session `json:"sessions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out.Sessions) != 0 {
		t.Errorf("bob sees %d sessions", len(out.Sessions))
	}

	// another admin sees the shared admin session but not alice's
	rec = doJSON(t, h, http.MethodGet, "/api/v1/sessions", "carol@example.com", "admin", nil)
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out.Sessions) != 1 || out.Sessions[0].ID != adminSess.ID {
		t.Errorf("admin sees %+v", out.Sessions)
	}
}

func TestGetSessionNotFoundForStranger(t *testing.T) {
	h := newTestRouter(t)
	s := createSession(t, h, "alice@example.com", "", nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+s.ID, "bob@example.com", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+s.ID, "alice@example.com", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("owner status = %d", rec.Code)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	h := newTestRouter(t)
	s := createSession(t, h, "alice@example.com", "", nil)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodDelete, "/api/v1/sessions/"+s.ID, "alice@example.com", "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("delete #%d status = %d", i+1, rec.Code)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+s.ID, "alice@example.com", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after end status = %d", rec.Code)
	}
}

func TestSessionHistorySurvivesTeardown(t *testing.T) {
	h := newTestRouter(t)
	s := createSession(t, h, "alice@example.com", "", nil)

	ex, err := Mgr.Execute(context.Background(), s.ID, "alice@example.com", false, "gam version")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for range ex.Output {
	}
	ex.Wait()

	doJSON(t, h, http.MethodDelete, "/api/v1/sessions/"+s.ID, "alice@example.com", "", nil)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+s.ID+"/history", "alice@example.com", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Records []database.CommandRecord `json:"records"`
		Total   int64                    `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Total != 1 || len(out.Records) != 1 {
		t.Errorf("history = %+v", out)
	}
	if out.Records[0].CommandText != "gam version" {
		t.Errorf("record = %+v", out.Records[0])
	}

	// A stranger cannot read the retained history.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+s.ID+"/history", "bob@example.com", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("stranger history status = %d", rec.Code)
	}
}

func TestRequestWithoutIdentityRejected(t *testing.T) {
	h := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}
