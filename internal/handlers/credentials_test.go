package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gamgui/gamgui/internal/session"
)

func TestPutStoredCredentialRequiresAdmin(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPut, "/api/v1/credentials/prod", "bob@example.com", "",
		map[string]string{"GAM_TOKEN": "secret"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("user status = %d", rec.Code)
	}
}

func TestStoredCredentialRoundTrip(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPut, "/api/v1/credentials/prod", "root@example.com", "admin",
		map[string]string{"GAM_TOKEN": "supersecretvalue"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	var out map[string]string
	json.Unmarshal(rec.Body.Bytes(), &out)
	if strings.Contains(out["value"], "supersecretvalue") {
		t.Error("response leaked credential material")
	}
	if !strings.HasPrefix(out["value"], "****") {
		t.Errorf("value not masked: %q", out["value"])
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/credentials/prod", "root@example.com", "admin", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if strings.Contains(out["value"], "supersecretvalue") {
		t.Error("get leaked credential material")
	}

	// A session can resolve the stored reference at provision time.
	s := createSession(t, h, "root@example.com", "admin", map[string]interface{}{
		"config": map[string]string{"credentials_ref": "stored://prod"},
	})
	if s.Status != session.StatusDegraded {
		t.Errorf("status = %q", s.Status)
	}
}

func TestGetStoredCredentialNotFound(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodGet, "/api/v1/credentials/absent", "root@example.com", "admin", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCreateSessionWithUnknownCredentialScheme(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/sessions", "root@example.com", "admin",
		map[string]interface{}{
			"config": map[string]string{"credentials_ref": "vault://nope"},
		})
	if rec.Code == http.StatusCreated {
		t.Errorf("create with unknown scheme succeeded: %s", rec.Body.String())
	}
}

func TestPutStoredCredentialRejectsEmptyBody(t *testing.T) {
	h := newTestRouter(t)
	rec := doJSON(t, h, http.MethodPut, "/api/v1/credentials/prod", "root@example.com", "admin",
		map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}
