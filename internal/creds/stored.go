package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gamgui/gamgui/internal/crypto"
	"github.com/gamgui/gamgui/internal/database"
	"gorm.io/gorm"
)

// StoredProvider resolves "stored://ref" references against the
// stored-credential table. Values are written Fernet-encrypted through the
// admin credentials API and decrypted here on demand.
type StoredProvider struct{}

func (StoredProvider) Name() string { return "stored" }

func (StoredProvider) Fetch(_ context.Context, ref string) (*Material, error) {
	cred, err := database.GetStoredCredential(ref)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("stored credential not found")
		}
		return nil, fmt.Errorf("load stored credential: %w", err)
	}

	plaintext, err := crypto.Decrypt(cred.Value)
	if err != nil {
		return nil, fmt.Errorf("decrypt stored credential: %w", err)
	}

	env := make(map[string]string)
	if err := json.Unmarshal([]byte(plaintext), &env); err != nil {
		return nil, fmt.Errorf("parse stored credential: %w", err)
	}
	return &Material{Env: env}, nil
}
