package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wricardo/mcp-pool/pool/worker"
)

func newClient(hub *Hub, sessionID string) *Client {
	return &Client{
		hub:       hub,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
	}
}

func receive(t *testing.T, client *Client) *Message {
	t.Helper()
	select {
	case data := <-client.send:
		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		return &message
	case <-time.After(100 * time.Millisecond):
		t.Fatal("No message received within timeout")
		return nil
	}
}

func TestHubRegisterClient(t *testing.T) {
	hub := NewHub(nil)
	client := newClient(hub, "test-session")

	hub.registerClient(client)

	if !hub.sessions["test-session"][client] {
		t.Error("Client was not registered in session")
	}

	hub.unregisterClient(client)
	if _, exists := hub.sessions["test-session"]; exists {
		t.Error("Session should have been cleaned up after last client unregistered")
	}

	// Unregistering twice must not close send again
	hub.unregisterClient(client)
}

func TestHubBroadcastRouting(t *testing.T) {
	hub := NewHub(nil)

	all := newClient(hub, allSessions)
	mine := newClient(hub, "session-a")
	other := newClient(hub, "session-b")
	for _, c := range []*Client{all, mine, other} {
		hub.registerClient(c)
	}

	hub.broadcastMessage(&Message{Event: "spawned", Port: 8931, SessionID: "session-a"})

	if msg := receive(t, all); msg.Port != 8931 {
		t.Errorf("Unfiltered subscriber got %+v", msg)
	}
	if msg := receive(t, mine); msg.SessionID != "session-a" {
		t.Errorf("Session subscriber got %+v", msg)
	}
	select {
	case <-other.send:
		t.Error("Other session's subscriber should not receive the event")
	default:
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(nil)
	slow := &Client{hub: hub, sessionID: allSessions, send: make(chan []byte)}
	hub.registerClient(slow)

	hub.broadcastMessage(&Message{Event: "ready"})

	if _, exists := hub.sessions[allSessions]; exists {
		t.Error("Slow client should have been unregistered")
	}
}

func TestHubWorkerEvent(t *testing.T) {
	hub := NewHub(nil)
	w := worker.New(8931, "session-a", time.Now())
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	hub.WorkerEvent(w, worker.Event{Type: worker.EventOutput, Line: "noise"})
	hub.WorkerEvent(w, worker.Event{Type: worker.EventFailed, Err: errors.New("port in use"), At: at})

	select {
	case msg := <-hub.broadcast:
		if msg.Event != "failed" || msg.Error != "port in use" || msg.Port != 8931 || !msg.At.Equal(at) {
			t.Errorf("Unexpected message: %+v", msg)
		}
		if msg.State != "starting" {
			t.Errorf("Expected starting state, got %s", msg.State)
		}
	default:
		t.Fatal("Expected a queued event")
	}

	select {
	case msg := <-hub.broadcast:
		t.Errorf("Output lines should not be queued, got %+v", msg)
	default:
	}
}

func TestHubWorkerEventNeverBlocks(t *testing.T) {
	hub := NewHub(nil)
	w := worker.New(8931, "session-a", time.Now())

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(hub.broadcast)+10; i++ {
			hub.WorkerEvent(w, worker.Event{Type: worker.EventReady})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WorkerEvent blocked with no hub running")
	}
}

func TestHubServeWS(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("session_id"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session_id=session-a"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Registration goes through the hub loop; retry until the event arrives.
	w := worker.New(8931, "session-a", time.Now())
	received := make(chan Message, 1)
	go func() {
		var msg Message
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg := <-received:
			if msg.Event != "killed" || msg.SessionID != "session-a" {
				t.Errorf("Unexpected message: %+v", msg)
			}
			return
		case <-tick.C:
			hub.WorkerEvent(w, worker.Event{Type: worker.EventKilled})
		case <-deadline:
			t.Fatal("No event received over WebSocket")
		}
	}
}
