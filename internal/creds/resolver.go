// Package creds resolves opaque credential references into the material an
// execution backend needs. Raw secret bytes are retrieved on demand and are
// never logged; callers only ever hold the reference string.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Material is what a backend injects into a session's environment.
type Material struct {
	// Env maps environment variable names to secret values.
	Env map[string]string
}

// Provider retrieves credential material for one reference scheme.
type Provider interface {
	// Name returns the scheme this provider handles ("env", "file", "stored").
	Name() string

	// Fetch resolves the path portion of a reference.
	Fetch(ctx context.Context, path string) (*Material, error)
}

var (
	ErrUnknownScheme = errors.New("unknown credential reference scheme")
	ErrMalformedRef  = errors.New("malformed credential reference")
)

// Resolver dispatches references of the form "scheme://path" to a registered
// provider. It holds no per-session state and is safe for concurrent use.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewResolver() *Resolver {
	return &Resolver{providers: make(map[string]Provider)}
}

func (r *Resolver) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Resolve turns a credential reference into backend-ready material.
// An empty reference resolves to empty material, not an error.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Material, error) {
	if ref == "" {
		return &Material{Env: map[string]string{}}, nil
	}

	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRef, redactRef(ref))
	}

	r.mu.RLock()
	p, found := r.providers[scheme]
	r.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}

	m, err := p.Fetch(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s credential: %w", scheme, err)
	}
	return m, nil
}

// redactRef keeps only the scheme so error messages never leak the path.
func redactRef(ref string) string {
	if i := strings.Index(ref, "://"); i >= 0 {
		return ref[:i+3] + "..."
	}
	if len(ref) > 8 {
		return ref[:8] + "..."
	}
	return ref
}

// EnvProvider resolves "env://PREFIX" references by collecting process
// environment variables that start with the prefix. Used when the secret
// material is mounted into the server's own environment by the platform.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Fetch(_ context.Context, prefix string) (*Material, error) {
	if prefix == "" {
		return nil, errors.New("empty env prefix")
	}
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, prefix) {
			env[strings.TrimPrefix(name, prefix)] = value
		}
	}
	return &Material{Env: env}, nil
}

// FileProvider resolves "file://path" references pointing at a JSON object
// of environment variables, typically a mounted secret volume.
type FileProvider struct{}

func (FileProvider) Name() string { return "file" }

func (FileProvider) Fetch(_ context.Context, path string) (*Material, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	env := make(map[string]string)
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse credential file: %w", err)
	}
	return &Material{Env: env}, nil
}
