package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gamgui/gamgui/internal/middleware"
	"github.com/gamgui/gamgui/internal/session"
	"github.com/gamgui/gamgui/internal/stream"
	"github.com/go-chi/chi/v5"
)

func newStreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	newTestRouter(t) // sets up Mgr, Streams, database

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequirePrincipal)
		r.Get("/sessions/{id}/stream", SessionStreamWS)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialStream(t *testing.T, srv *httptest.Server, sessionID, principal string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + sessionID + "/stream"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"X-Auth-Principal": []string{principal},
		},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev stream.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func TestStreamCommandRoundTrip(t *testing.T) {
	srv := newStreamServer(t)

	s, err := Mgr.Create(context.Background(), "alice@example.com", "user", session.Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn := dialStream(t, srv, s.ID, "alice@example.com")
	defer conn.CloseNow()

	if ev := readEvent(t, conn); ev.Type != stream.EventConnected {
		t.Fatalf("first event = %q", ev.Type)
	}

	ctx := context.Background()
	msg, _ := json.Marshal(map[string]string{"type": "input", "data": "gam version"})
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	var sawOutput bool
	for {
		ev := readEvent(t, conn)
		switch ev.Type {
		case stream.EventOutput:
			sawOutput = true
		case stream.EventExit:
			if ev.ExitCode == nil || *ev.ExitCode != 0 {
				t.Errorf("exit event = %+v", ev)
			}
			if !sawOutput {
				t.Error("exit before any output")
			}
			return
		case stream.EventStatus, stream.EventError:
			// busy/degraded notifications are fine mid-stream
		default:
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestStreamSecondAttachmentRejected(t *testing.T) {
	srv := newStreamServer(t)

	s, err := Mgr.Create(context.Background(), "alice@example.com", "user", session.Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := dialStream(t, srv, s.ID, "alice@example.com")
	defer first.CloseNow()
	readEvent(t, first)

	second := dialStream(t, srv, s.ID, "alice@example.com")
	defer second.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = second.Read(ctx)
	if err == nil {
		t.Fatal("expected close on second attachment")
	}
	if websocket.CloseStatus(err) != websocket.StatusCode(4409) {
		t.Errorf("close status = %v", websocket.CloseStatus(err))
	}
}

func TestStreamReconnectAfterDisconnect(t *testing.T) {
	srv := newStreamServer(t)

	s, err := Mgr.Create(context.Background(), "alice@example.com", "user", session.Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := dialStream(t, srv, s.ID, "alice@example.com")
	readEvent(t, first)
	first.Close(websocket.StatusNormalClosure, "")

	// The session survives the disconnect and accepts a new attachment.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := Mgr.Get(s.ID, "alice@example.com", false); err != nil {
			t.Fatalf("session gone after disconnect: %v", err)
		}
		second, _, derr := websocket.Dial(context.Background(),
			"ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/sessions/"+s.ID+"/stream",
			&websocket.DialOptions{HTTPHeader: http.Header{"X-Auth-Principal": []string{"alice@example.com"}}})
		if derr == nil {
			if ev := readEvent(t, second); ev.Type != stream.EventConnected {
				t.Errorf("reconnect first event = %q", ev.Type)
			}
			second.CloseNow()
			return
		}
		// The server may not have processed the detach yet.
		if time.Now().After(deadline) {
			t.Fatalf("reconnect never succeeded: %v", derr)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
