// Package stream multiplexes terminal traffic between sessions and their
// websocket attachments. A session has at most one live attachment; the
// session itself outlives any number of disconnects and reconnects. There is
// no replay buffer: output produced while nothing is attached is dropped
// (command history keeps the durable record).
package stream

import (
	"errors"
	"log"
	"sync"
)

// Event is one message to the attached terminal client.
type Event struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

const (
	EventConnected = "connected"
	EventOutput    = "output"
	EventStatus    = "status"
	EventError     = "error"
	EventExit      = "exit"
)

// ErrAlreadyAttached rejects a second concurrent attachment to a session.
var ErrAlreadyAttached = errors.New("session already has an active stream")

// attachmentBuffer absorbs bursts from fast commands; a client that falls
// this far behind starts losing output chunks.
const attachmentBuffer = 256

// Attachment is one live client connection to a session's stream.
type Attachment struct {
	sessionID string
	events    chan Event
	closeOnce sync.Once
}

// Events is the channel the transport handler drains into the websocket.
// It is closed when the session ends or the attachment is replaced.
func (a *Attachment) Events() <-chan Event {
	return a.events
}

// close is only called with the owning Mux's lock held, so it can never
// race a Send on the same channel.
func (a *Attachment) close() {
	a.closeOnce.Do(func() { close(a.events) })
}

// Mux routes events to each session's current attachment.
type Mux struct {
	mu          sync.Mutex
	attachments map[string]*Attachment
}

func NewMux() *Mux {
	return &Mux{attachments: make(map[string]*Attachment)}
}

// Attach binds a client to a session's stream. The attachment starts with a
// connected event already queued.
func (m *Mux) Attach(sessionID string) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.attachments[sessionID]; ok {
		return nil, ErrAlreadyAttached
	}

	a := &Attachment{
		sessionID: sessionID,
		events:    make(chan Event, attachmentBuffer),
	}
	a.events <- Event{Type: EventConnected}
	m.attachments[sessionID] = a
	return a, nil
}

// Detach removes an attachment if it is still the current one. Safe to call
// after CloseSession already removed it.
func (m *Mux) Detach(a *Attachment) {
	if a == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachments[a.sessionID] == a {
		delete(m.attachments, a.sessionID)
	}
	a.close()
}

// Attached reports whether a session currently has a live attachment.
func (m *Mux) Attached(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attachments[sessionID]
	return ok
}

// Send delivers an event to the session's attachment, if any. A full client
// buffer drops the event rather than blocking the producing exec. The send
// happens under the mux lock, which also serializes every channel close, so
// a producer can never hit a just-closed channel.
func (m *Mux) Send(sessionID string, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attachments[sessionID]
	if !ok {
		return
	}
	select {
	case a.events <- ev:
	default:
		log.Printf("Stream %s: client too slow, dropping %s event", sessionID, ev.Type)
	}
}

// CloseSession drops the session's attachment as part of teardown. The
// handler draining Events sees the channel close and finishes the websocket.
func (m *Mux) CloseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attachments[sessionID]
	if ok {
		delete(m.attachments, sessionID)
		a.close()
	}
}
