// Package backend provides the pluggable execution substrates that run
// commands for a session: a Kubernetes pod, a Docker container, a local
// subprocess, or a simulated virtual shell. Selection and fallback between
// them is handled by the Selector.
package backend

import (
	"context"
	"fmt"
	"strings"
)

// Kind classifies a substrate for the session API. Kubernetes and Docker
// are both Orchestrated; the distinction between them is a driver detail
// that must not leak into session records beyond the driver name.
type Kind string

const (
	KindLocal        Kind = "local"
	KindOrchestrated Kind = "orchestrated"
	KindVirtual      Kind = "virtual"
)

// Health is the result of a binding health probe.
type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
	Unknown   Health = "unknown"
)

// ProvisionSpec carries everything a backend needs to allocate compute for
// one session. Env holds resolved credential material and is never logged.
type ProvisionSpec struct {
	SessionID     string
	Image         string
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
	Env           map[string]string
}

// Binding identifies the concrete resource backing a session. Created
// exactly once per successful Provision, destroyed exactly once by
// Teardown, never shared across sessions.
type Binding struct {
	SessionID      string `json:"session_id"`
	Kind           Kind   `json:"kind"`
	Driver         string `json:"driver"`
	Handle         string `json:"handle"`
	StreamEndpoint string `json:"stream_endpoint,omitempty"`
	CredentialsRef string `json:"-"`
}

// Exec is one in-flight command execution. Output delivers order-preserving
// chunks and is closed when the stream ends; Wait returns the exit code and
// must only be called after Output is drained. Cancel kills the underlying
// process or remote exec.
type Exec struct {
	Output <-chan []byte
	Cancel func()
	Wait   func() (int, error)
}

// Backend is the polymorphic substrate capability. Implementations must
// self-clean partially created resources before returning a Provision
// error, and Teardown must be idempotent.
type Backend interface {
	Name() string
	Kind() Kind
	Initialize(ctx context.Context) error
	Available(ctx context.Context) bool

	Provision(ctx context.Context, spec ProvisionSpec) (*Binding, error)
	Exec(ctx context.Context, binding *Binding, command string) (*Exec, error)
	// Resize is advisory; drivers without a live terminal may no-op.
	Resize(ctx context.Context, binding *Binding, cols, rows uint16) error
	Teardown(ctx context.Context, binding *Binding) error
	HealthCheck(ctx context.Context, binding *Binding) Health
}

// ValidateCommand applies the substrate-independent rules: non-empty, no
// shell metacharacters (no shell is ever involved, but rejecting these keeps
// pasted shell pipelines from silently misparsing). Callers use it to reject
// bad input before a session is marked busy.
func ValidateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("empty command")
	}
	if strings.ContainsAny(command, ";&|`$()") {
		return fmt.Errorf("command contains disallowed characters")
	}
	return nil
}

// commandArgv validates a gam command line and splits it into argv form.
// The real substrates only ever run the gam verb; the virtual driver has its
// own wider degraded-mode grammar.
func commandArgv(command string) ([]string, error) {
	if err := ValidateCommand(command); err != nil {
		return nil, err
	}
	command = strings.TrimSpace(command)
	if command != "gam" && !strings.HasPrefix(command, "gam ") {
		return nil, fmt.Errorf("commands must start with 'gam'")
	}
	return strings.Fields(command), nil
}

// podName derives the substrate resource name from a session id, e.g.
// sess_1a2b3c4d -> gam-session-1a2b3c4d.
func podName(sessionID string) string {
	short := strings.TrimPrefix(sessionID, "sess_")
	if len(short) > 8 {
		short = short[:8]
	}
	return "gam-session-" + short
}
