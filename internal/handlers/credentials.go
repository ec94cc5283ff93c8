package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gamgui/gamgui/internal/crypto"
	"github.com/gamgui/gamgui/internal/database"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// PutStoredCredential saves or replaces the credential material behind a
// stored:// reference. The body is a JSON object of environment variables;
// it is encrypted at rest and never returned by any endpoint. Admin only.
func PutStoredCredential(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if ref == "" || len(ref) > 128 {
		writeError(w, http.StatusBadRequest, "Invalid credential reference")
		return
	}

	var env map[string]string
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "Body must be a JSON object of environment variables")
		return
	}
	if len(env) == 0 {
		writeError(w, http.StatusBadRequest, "Credential material is empty")
		return
	}

	plaintext, err := json.Marshal(env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode credential")
		return
	}
	ciphertext, err := crypto.Encrypt(string(plaintext))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credential")
		return
	}

	if err := database.SaveStoredCredential(&database.StoredCredential{Ref: ref, Value: ciphertext}); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save credential")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ref":   ref,
		"value": crypto.Mask(ciphertext),
	})
}

// GetStoredCredential reports whether a reference exists, without revealing
// the material. Admin only.
func GetStoredCredential(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	cred, err := database.GetStoredCredential(ref)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Credential not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load credential")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ref":   cred.Ref,
		"value": crypto.Mask(cred.Value),
	})
}
