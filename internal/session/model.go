// Package session implements the session lifecycle: an in-memory registry of
// live sessions, the status state machine, and the manager that ties
// provisioning, command execution and teardown together.
package session

import (
	"strings"
	"time"

	"github.com/gamgui/gamgui/internal/backend"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusBusy         Status = "busy"
	StatusDegraded     Status = "degraded"
	StatusEnding       Status = "ending"
	StatusEnded        Status = "ended"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Kind separates personal sessions from shared administrative ones. Admin
// sessions are visible to every administrator; user sessions only to their
// owner.
type Kind string

const (
	KindUser  Kind = "user"
	KindAdmin Kind = "admin"
)

// Config is the caller-supplied shape of a session. Zero values fall back to
// server defaults at provision time.
type Config struct {
	Image          string `json:"image,omitempty"`
	CPURequest     string `json:"cpu_request,omitempty"`
	CPULimit       string `json:"cpu_limit,omitempty"`
	MemoryRequest  string `json:"memory_request,omitempty"`
	MemoryLimit    string `json:"memory_limit,omitempty"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// Session is the unit of work. The registry hands out copies; only the
// registry mutates the canonical record.
type Session struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Kind    Kind   `json:"kind"`
	Status  Status `json:"status"`
	Config  Config `json:"config"`

	Binding *backend.Binding `json:"binding,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	LastActiveAt    time.Time `json:"last_active_at"`

	// Error carries the failure reason for Failed and Degraded sessions.
	Error string `json:"error,omitempty"`
}

// NewID mints a session id of the form sess_<8 hex chars>.
func NewID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "sess_" + raw[:8]
}
