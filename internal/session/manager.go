package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gamgui/gamgui/internal/backend"
	"github.com/gamgui/gamgui/internal/config"
	"github.com/gamgui/gamgui/internal/creds"
	"github.com/gamgui/gamgui/internal/database"
	"github.com/gamgui/gamgui/internal/interceptor"
	"github.com/gamgui/gamgui/internal/logging"
)

// recordOutputCap bounds how much terminal output is persisted per command.
const recordOutputCap = 64 * 1024

// running tracks the one in-flight command a session may have.
type running struct {
	cancel func()
	done   chan struct{}
}

// Manager coordinates the registry, the backend selector and the credential
// resolver into the session lifecycle. It is the only component that moves
// sessions through the state machine.
type Manager struct {
	registry *Registry
	selector *backend.Selector
	resolver *creds.Resolver

	// Detach is called during teardown to drop any live stream attachment.
	// Set once at startup, before any session exists.
	Detach func(sessionID string)

	mu       sync.Mutex
	inFlight map[string]*running
}

func NewManager(registry *Registry, selector *backend.Selector, resolver *creds.Resolver) *Manager {
	return &Manager{
		registry: registry,
		selector: selector,
		resolver: resolver,
		inFlight: make(map[string]*running),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

// Create provisions a new session synchronously: by the time it returns the
// session is either bound to a backend (Ready or Degraded) or Failed.
func (m *Manager) Create(ctx context.Context, ownerID string, kind Kind, cfg Config) (*Session, error) {
	if ownerID == "" {
		return nil, validationf("session owner is required")
	}
	if kind != KindUser && kind != KindAdmin {
		return nil, validationf("unknown session kind %q", kind)
	}
	if cfg.Image == "" {
		cfg.Image = config.Cfg.SessionImage
	}

	now := time.Now()
	s := &Session{
		ID:              NewID(),
		OwnerID:         ownerID,
		Kind:            kind,
		Status:          StatusPending,
		Config:          cfg,
		CreatedAt:       now,
		StatusChangedAt: now,
		LastActiveAt:    now,
	}
	m.registry.Add(s)

	if _, err := m.registry.Transition(s.ID, StatusProvisioning, StatusPending); err != nil {
		return nil, err
	}

	material, err := m.resolver.Resolve(ctx, cfg.CredentialsRef)
	if err != nil {
		m.fail(s.ID, fmt.Sprintf("credential resolution failed: %v", err))
		if errors.Is(err, creds.ErrUnknownScheme) || errors.Is(err, creds.ErrMalformedRef) {
			return nil, validationf("unresolvable credentials reference: %v", err)
		}
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	spec := backend.ProvisionSpec{
		SessionID:     s.ID,
		Image:         cfg.Image,
		CPURequest:    cfg.CPURequest,
		CPULimit:      cfg.CPULimit,
		MemoryRequest: cfg.MemoryRequest,
		MemoryLimit:   cfg.MemoryLimit,
		Env:           material.Env,
	}

	b, binding, err := m.selector.Provision(ctx, spec)
	if err != nil {
		m.fail(s.ID, err.Error())
		return nil, err
	}
	binding.CredentialsRef = cfg.CredentialsRef
	if err := m.registry.SetBinding(s.ID, binding); err != nil {
		m.fail(s.ID, err.Error())
		return nil, err
	}

	if b.Kind() == backend.KindVirtual {
		m.registry.SetError(s.ID, "no execution substrate available; commands are simulated")
		if _, err := m.registry.Transition(s.ID, StatusDegraded, StatusProvisioning); err != nil {
			return nil, err
		}
		log.Printf("Session %s degraded to virtual backend", s.ID)
	} else {
		if _, err := m.registry.Transition(s.ID, StatusReady, StatusProvisioning); err != nil {
			return nil, err
		}
		log.Printf("Session %s ready on %s backend", s.ID, b.Name())
	}

	return m.registry.Get(s.ID)
}

func (m *Manager) fail(id, reason string) {
	m.registry.SetError(id, reason)
	if _, err := m.registry.Transition(id, StatusFailed); err != nil {
		log.Printf("Session %s: mark failed: %v", id, err)
	}
}

// Get returns a session visible to the principal.
func (m *Manager) Get(id, principalID string, admin bool) (*Session, error) {
	return m.registry.GetVisible(id, principalID, admin)
}

// List returns the principal's visible sessions, newest first.
func (m *Manager) List(principalID string, admin bool) []*Session {
	return m.registry.List(principalID, admin)
}

// Execute runs one command on a session. Sessions execute serially: a second
// command while one is in flight gets ErrSessionBusy. The returned Exec
// streams output; the caller must drain it.
func (m *Manager) Execute(ctx context.Context, id, principalID string, admin bool, command string) (*backend.Exec, error) {
	s, err := m.registry.GetVisible(id, principalID, admin)
	if err != nil {
		return nil, err
	}
	if s.Binding == nil {
		return nil, ErrSessionNotReady
	}
	if err := backend.ValidateCommand(command); err != nil {
		return nil, validationf("%v", err)
	}

	command = interceptor.Rewrite(command, principalID)
	log.Printf("Session %s: executing %q for %s", id, logging.Sanitize(command), logging.Sanitize(principalID))

	if _, err := m.registry.Transition(id, StatusBusy, StatusReady, StatusDegraded); err != nil {
		snap, gerr := m.registry.Get(id)
		if gerr != nil {
			return nil, ErrNotFound
		}
		if snap.Status == StatusBusy {
			return nil, ErrSessionBusy
		}
		return nil, ErrSessionNotReady
	}

	restore := StatusReady
	if s.Binding.Kind == backend.KindVirtual {
		restore = StatusDegraded
	}

	b, err := m.selector.ForBinding(s.Binding)
	if err != nil {
		m.registry.Transition(id, restore, StatusBusy)
		return nil, err
	}

	ex, err := b.Exec(ctx, s.Binding, command)
	if err != nil {
		m.registry.Transition(id, restore, StatusBusy)
		return nil, fmt.Errorf("execute command: %w", err)
	}

	m.registry.Touch(id)
	started := time.Now()

	run := &running{cancel: ex.Cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.inFlight[id] = run
	m.mu.Unlock()

	out := make(chan []byte, 32)
	var exitCode int
	var execErr error

	go func() {
		defer close(run.done)
		defer close(out)
		defer func() {
			m.mu.Lock()
			if m.inFlight[id] == run {
				delete(m.inFlight, id)
			}
			m.mu.Unlock()
		}()

		var captured []byte
		for chunk := range ex.Output {
			if len(captured) < recordOutputCap {
				captured = append(captured, chunk...)
				if len(captured) > recordOutputCap {
					captured = captured[:recordOutputCap]
				}
			}
			out <- chunk
		}

		exitCode, execErr = ex.Wait()
		cancelled := errors.Is(execErr, context.Canceled)

		rec := &database.CommandRecord{
			SessionID:   id,
			OwnerID:     s.OwnerID,
			CommandText: command,
			StartedAt:   started,
			DurationMS:  time.Since(started).Milliseconds(),
			ExitCode:    exitCode,
			Cancelled:   cancelled,
			Output:      string(captured),
		}
		if err := database.AppendCommandRecord(rec); err != nil {
			log.Printf("Session %s: persist command record: %v", id, err)
		}

		// The session may have moved to Ending mid-command; that wins.
		m.registry.Transition(id, restore, StatusBusy)
		m.registry.Touch(id)
	}()

	return &backend.Exec{
		Output: out,
		Cancel: ex.Cancel,
		Wait: func() (int, error) {
			<-run.done
			return exitCode, execErr
		},
	}, nil
}

// Cancel aborts the in-flight command, if any.
func (m *Manager) Cancel(id, principalID string, admin bool) error {
	if _, err := m.registry.GetVisible(id, principalID, admin); err != nil {
		return err
	}
	m.mu.Lock()
	run := m.inFlight[id]
	m.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	return nil
}

// Resize forwards a terminal resize to the session's backend. Advisory:
// failures are returned but never change session state.
func (m *Manager) Resize(ctx context.Context, id, principalID string, admin bool, cols, rows uint16) error {
	s, err := m.registry.GetVisible(id, principalID, admin)
	if err != nil {
		return err
	}
	if s.Binding == nil {
		return nil
	}
	b, err := m.selector.ForBinding(s.Binding)
	if err != nil {
		return err
	}
	return b.Resize(ctx, s.Binding, cols, rows)
}

// End tears a session down. Idempotent: ending an already-ended or unknown
// session succeeds quietly.
func (m *Manager) End(ctx context.Context, id, principalID string, admin bool) error {
	if _, err := m.registry.GetVisible(id, principalID, admin); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return m.terminate(ctx, id)
}

// terminate runs the teardown sequence. The Ending transition is the
// once-guard: whichever caller wins it performs teardown, everyone else
// returns immediately.
func (m *Manager) terminate(ctx context.Context, id string) error {
	s, err := m.registry.Transition(id, StatusEnding)
	if err != nil {
		// A session already in a terminal state (Failed, or Ended by a
		// racing caller) still gets evicted so DELETE actually clears it.
		if snap, gerr := m.registry.Get(id); gerr == nil && snap.Status.Terminal() {
			m.registry.Remove(id)
		}
		// Otherwise another terminator is mid-teardown; it finishes.
		return nil
	}

	m.mu.Lock()
	run := m.inFlight[id]
	m.mu.Unlock()
	if run != nil {
		run.cancel()
		select {
		case <-run.done:
		case <-time.After(5 * time.Second):
			log.Printf("Session %s: in-flight command did not stop in time", id)
		}
	}

	if m.Detach != nil {
		m.Detach(id)
	}

	if s.Binding != nil {
		b, err := m.selector.ForBinding(s.Binding)
		if err != nil {
			log.Printf("Session %s: teardown: %v", id, err)
		} else if err := b.Teardown(ctx, s.Binding); err != nil {
			// Best effort; the substrate sweep catches leftovers.
			log.Printf("Session %s: teardown: %v", id, err)
		}
	}

	m.registry.Transition(id, StatusEnded, StatusEnding)
	m.registry.Remove(id)
	log.Printf("Session %s ended", id)
	return nil
}

// ReapIdle ends sessions whose last activity is older than the idle timeout.
// Sessions already in a terminal state linger for inspection until the same
// cutoff, then leave the registry without a teardown pass.
func (m *Manager) ReapIdle(ctx context.Context, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-idleTimeout)
	for _, s := range m.registry.All() {
		if s.Status == StatusEnding || s.Status == StatusBusy {
			continue
		}
		last := s.LastActiveAt
		if last.IsZero() {
			last = s.CreatedAt
		}
		if !last.Before(cutoff) {
			continue
		}
		if s.Status.Terminal() {
			m.registry.Remove(s.ID)
			continue
		}
		log.Printf("Session %s idle since %s, reaping", s.ID, last.Format(time.RFC3339))
		if err := m.terminate(ctx, s.ID); err != nil {
			log.Printf("Session %s: idle reap: %v", s.ID, err)
		}
	}
}

// SweepHealth probes each bound session's substrate. Ready sessions whose
// backing resource went away become Degraded; Degraded sessions whose real
// substrate came back are promoted to Ready. Busy sessions are left alone;
// the running exec will surface any failure itself. Virtual-bound sessions
// stay Degraded for their whole life.
func (m *Manager) SweepHealth(ctx context.Context) {
	for _, s := range m.registry.All() {
		if s.Binding == nil || s.Binding.Kind == backend.KindVirtual {
			continue
		}
		b, err := m.selector.ForBinding(s.Binding)
		if err != nil {
			continue
		}

		switch s.Status {
		case StatusReady:
			if b.HealthCheck(ctx, s.Binding) == backend.Unhealthy {
				m.registry.SetError(s.ID, "execution backend reports unhealthy")
				if _, err := m.registry.Transition(s.ID, StatusDegraded, StatusReady); err == nil {
					log.Printf("Session %s degraded: backend unhealthy", s.ID)
				}
			}
		case StatusDegraded:
			if b.HealthCheck(ctx, s.Binding) == backend.Healthy {
				if _, err := m.registry.Transition(s.ID, StatusReady, StatusDegraded); err == nil {
					m.registry.SetError(s.ID, "")
					log.Printf("Session %s recovered: backend healthy again", s.ID)
				}
			}
		}
	}
}

// Shutdown ends every live session; called on server exit.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.registry.All() {
		if err := m.terminate(ctx, s.ID); err != nil {
			log.Printf("Session %s: shutdown: %v", s.ID, err)
		}
	}
}
