package creds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveEmptyReference(t *testing.T) {
	r := NewResolver()
	m, err := r.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(m.Env) != 0 {
		t.Errorf("env = %v", m.Env)
	}
}

func TestResolveUnknownScheme(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve(context.Background(), "vault://secret/gam")
	if !errors.Is(err, ErrUnknownScheme) {
		t.Errorf("err = %v, want ErrUnknownScheme", err)
	}
}

func TestResolveMalformedReference(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve(context.Background(), "just-a-string")
	if !errors.Is(err, ErrMalformedRef) {
		t.Errorf("err = %v, want ErrMalformedRef", err)
	}
	// The path portion must never appear in the error.
	if strings.Contains(err.Error(), "just-a-string") {
		t.Errorf("error leaks reference: %v", err)
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("GAMTEST_CLIENT_ID", "abc123")
	t.Setenv("GAMTEST_CLIENT_SECRET", "xyz789")
	t.Setenv("OTHER_VAR", "ignored")

	r := NewResolver()
	r.Register(EnvProvider{})

	m, err := r.Resolve(context.Background(), "env://GAMTEST_")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Env["CLIENT_ID"] != "abc123" || m.Env["CLIENT_SECRET"] != "xyz789" {
		t.Errorf("env = %v", m.Env)
	}
	if _, ok := m.Env["OTHER_VAR"]; ok {
		t.Error("unprefixed variable leaked into material")
	}
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(path, []byte(`{"GAM_TOKEN":"tok"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewResolver()
	r.Register(FileProvider{})

	m, err := r.Resolve(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Env["GAM_TOKEN"] != "tok" {
		t.Errorf("env = %v", m.Env)
	}
}

func TestFileProviderMissingFile(t *testing.T) {
	r := NewResolver()
	r.Register(FileProvider{})
	if _, err := r.Resolve(context.Background(), "file:///does/not/exist.json"); err == nil {
		t.Error("expected error")
	}
}

func TestRedactRef(t *testing.T) {
	if got := redactRef("stored://super-secret-name"); got != "stored://..." {
		t.Errorf("redactRef = %q", got)
	}
	if got := redactRef("averylongopaquestring"); strings.Contains(got, "opaque") {
		t.Errorf("redactRef = %q", got)
	}
}
