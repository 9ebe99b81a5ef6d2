// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/herald/internal/models"
)

func startHub(t *testing.T, origins ...string) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	h := NewHub(origins)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !h.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("hub did not start")
		}
		time.Sleep(time.Millisecond)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return h, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestHub_BroadcastNotification(t *testing.T) {
	h, srv, _ := startHub(t)
	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	waitClients(t, h, 2)

	h.BroadcastNotification(models.Notification{
		Decision: models.DecisionNew,
		Item:     models.MediaItem{ID: "m1", Kind: "Movie", Name: "Heat"},
	})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != MessageTypeNotification {
			t.Errorf("type = %q", msg.Type)
		}
		data, _ := json.Marshal(msg.Data)
		if !strings.Contains(string(data), `"Heat"`) {
			t.Errorf("data = %s", data)
		}
	}
}

func TestHub_PingPong(t *testing.T) {
	h, srv, _ := startHub(t)
	conn := dial(t, srv, nil)
	waitClients(t, h, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Errorf("type = %q, want pong", msg.Type)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	h, srv, _ := startHub(t)
	conn := dial(t, srv, nil)
	waitClients(t, h, 1)

	_ = conn.Close()
	waitClients(t, h, 0)
}

func TestHub_Origins(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		ok      bool
	}{
		{name: "any", allowed: nil, origin: "https://a.example", ok: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://a.example", ok: true},
		{name: "listed", allowed: []string{"https://a.example"}, origin: "https://a.example", ok: true},
		{name: "not listed", allowed: []string{"https://a.example"}, origin: "https://evil.example", ok: false},
		{name: "no origin header", allowed: []string{"https://a.example"}, origin: "", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.allowed)(r); got != tt.ok {
				t.Errorf("allowed = %v, want %v", got, tt.ok)
			}
		})
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h, srv, cancel := startHub(t)
	conn := dial(t, srv, nil)
	waitClients(t, h, 1)

	cancel()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v, want going-away close", err)
	}
}

func TestHub_NotRunning(t *testing.T) {
	h := NewHub(nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := NewHub(nil)
	slow := &Client{id: clientIDCounter.Add(1), hub: h, send: make(chan Message, 1)}
	fast := &Client{id: clientIDCounter.Add(1), hub: h, send: make(chan Message, 4)}
	h.clients[slow] = true
	h.clients[fast] = true

	h.broadcastToClients(Message{Type: "a"})
	h.broadcastToClients(Message{Type: "b"})

	if h.ClientCount() != 1 || !h.clients[fast] {
		t.Fatalf("clients = %d, slow client still attached", h.ClientCount())
	}
	if len(fast.send) != 2 {
		t.Errorf("fast client buffered %d messages, want 2", len(fast.send))
	}
	// the slow client's channel is closed after its one buffered message
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("slow client channel not closed")
	}
}

func TestHub_BroadcastQueueFull(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < broadcastBuffer+5; i++ {
		h.BroadcastJSON(MessageTypeSweepCompleted, i)
	}
	if len(h.broadcast) != broadcastBuffer {
		t.Errorf("queued = %d, want %d", len(h.broadcast), broadcastBuffer)
	}
}
