package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both truly unknown sessions and sessions the
	// caller may not see; the two are indistinguishable on purpose.
	ErrNotFound = errors.New("session not found")

	// ErrForbidden means the session exists and is visible but the caller
	// may not perform this operation on it.
	ErrForbidden = errors.New("operation not permitted on this session")

	// ErrSessionBusy rejects a command while another is still running.
	ErrSessionBusy = errors.New("session is busy executing a command")

	// ErrSessionNotReady rejects commands against sessions that are still
	// provisioning or already shutting down.
	ErrSessionNotReady = errors.New("session is not ready for commands")

	// ErrBindingExists flags an attempt to bind an already-bound session;
	// bindings are created exactly once per session.
	ErrBindingExists = errors.New("session already has a backend binding")
)

// ValidationError marks bad caller input (malformed command, bad config).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is caller-input related.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// transitionError reports an illegal state machine move. Internal; callers
// see it mapped to ErrSessionBusy or ErrSessionNotReady by the manager.
type transitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("session %s: cannot transition %s -> %s", e.ID, e.From, e.To)
}
