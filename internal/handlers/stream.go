package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gamgui/gamgui/internal/middleware"
	"github.com/gamgui/gamgui/internal/stream"
	"github.com/go-chi/chi/v5"
)

// streamRateLimit caps inbound client messages per second; streamRateBurst
// allows short bursts (pasted commands) before dropping.
const (
	streamRateLimit = 50
	streamRateBurst = 50
)

const (
	maxCommandLength = 4096
	maxResizeCols    = 500
	maxResizeRows    = 300
)

type clientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// tokenBucket is a minimal per-connection rate limiter.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// SessionStreamWS is the interactive terminal endpoint. One attachment per
// session; disconnecting leaves the session (and any running command) alive,
// and a later reconnect resumes the live stream. Output produced while
// detached is not replayed.
//
// Inbound messages: {"type":"input","data":"gam ..."} submits a command,
// {"type":"resize","cols":..,"rows":..}, {"type":"cancel"}. Outbound
// messages are stream.Event JSON.
func SessionStreamWS(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r.Context())
	id := chi.URLParam(r, "id")

	if _, err := Mgr.Get(id, p.ID, p.Admin()); err != nil {
		writeSessionError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept stream websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	a, err := Streams.Attach(id)
	if err != nil {
		conn.Close(4409, "Session already attached")
		return
	}
	defer Streams.Detach(a)

	conn.SetReadLimit(64 * 1024)
	log.Printf("Stream attached: session=%s principal=%s", id, p.ID)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	// Mux -> client
	go func() {
		defer relayCancel()
		for ev := range a.Events() {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(relayCtx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}()

	limiter := newTokenBucket(streamRateBurst, streamRateLimit)

	// Client -> session
	for {
		_, data, err := conn.Read(relayCtx)
		if err != nil {
			break
		}
		if !limiter.allow() {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "input":
			if len(msg.Data) > maxCommandLength {
				Streams.Send(id, stream.Event{Type: stream.EventError, Error: "command too long"})
				continue
			}
			runCommand(id, p, msg.Data)
		case "resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			cols, rows := msg.Cols, msg.Rows
			if cols > maxResizeCols {
				cols = maxResizeCols
			}
			if rows > maxResizeRows {
				rows = maxResizeRows
			}
			if err := Mgr.Resize(relayCtx, id, p.ID, p.Admin(), cols, rows); err != nil {
				log.Printf("Stream %s: resize: %v", id, err)
			}
		case "cancel":
			if err := Mgr.Cancel(id, p.ID, p.Admin()); err != nil {
				log.Printf("Stream %s: cancel: %v", id, err)
			}
		}
	}

	log.Printf("Stream detached: session=%s principal=%s", id, p.ID)
	conn.Close(websocket.StatusNormalClosure, "")
}

// runCommand executes one command and pumps its output into the mux. The
// command is detached from the websocket's lifetime: a disconnect mid-run
// does not kill it, session teardown does.
func runCommand(id string, p middleware.Principal, command string) {
	ex, err := Mgr.Execute(context.Background(), id, p.ID, p.Admin(), command)
	if err != nil {
		Streams.Send(id, stream.Event{Type: stream.EventError, Error: err.Error()})
		return
	}

	Streams.Send(id, stream.Event{Type: stream.EventStatus, Status: "busy"})

	go func() {
		for chunk := range ex.Output {
			Streams.Send(id, stream.Event{Type: stream.EventOutput, Data: string(chunk)})
		}
		code, err := ex.Wait()
		if err != nil {
			Streams.Send(id, stream.Event{Type: stream.EventError, Error: err.Error()})
		}
		Streams.Send(id, stream.Event{Type: stream.EventExit, ExitCode: &code})

		if snap, err := Mgr.Get(id, p.ID, p.Admin()); err == nil {
			Streams.Send(id, stream.Event{Type: stream.EventStatus, Status: string(snap.Status)})
		}
	}()
}
