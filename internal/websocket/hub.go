// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package websocket

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

// ShutdownReason identifies why the hub stopped.
type ShutdownReason string

const (
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Message types sent to stream clients.
const (
	MessageTypeNotification   = "notification"
	MessageTypeSweepCompleted = "sweep_completed"
	MessageTypePing           = "ping"
	MessageTypePong           = "pong"
)

// broadcastBuffer bounds the hub's inbound queue. A full queue drops the
// message rather than blocking the pipeline.
const broadcastBuffer = 256

// Message is one stream frame.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans notifications out to every connected stream client.
type Hub struct {
	clients   map[*Client]bool
	broadcast chan Message
	mu        sync.RWMutex
	running   atomic.Bool
	upgrader  websocket.Upgrader
}

// NewHub creates a hub. allowedOrigins restricts browser origins; an empty
// list or "*" allows any.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		clients:   make(map[*Client]bool),
		broadcast: make(chan Message, broadcastBuffer),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run broadcasts queued messages until ctx is canceled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) error {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		// Shutdown wins over a pending broadcast.
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) String() string { return "websocket-hub" }

// ServeHTTP upgrades the request and attaches a client. It answers 503 while
// the hub is not running.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.running.Load() {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Stream upgrade failed")
		return
	}
	c := NewClient(h, conn)
	h.add(c)
	c.Start()
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(n))
	logging.Info().Uint64("client_id", c.id).Int("total_clients", n).Msg("Stream client connected")
}

// remove detaches c and closes its send channel. Safe to call for a client
// that is already gone.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.StreamClients.Set(float64(n))
		logging.Info().Uint64("client_id", c.id).Int("total_clients", n).Msg("Stream client disconnected")
	}
}

func (h *Hub) logGracefulShutdown(ctx context.Context) {
	n := h.ClientCount()
	h.closeAllClients()
	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(shutdownReason(ctx))).
		Int("clients_closed", n).
		Msg("Stream hub stopped")
}

func shutdownReason(ctx context.Context) ShutdownReason {
	if ctx.Err() == context.DeadlineExceeded {
		return ShutdownReasonContextDeadline
	}
	return ShutdownReasonContextCanceled
}

// broadcastToClients delivers msg in client id order. A client whose buffer
// is full is disconnected.
func (h *Hub) broadcastToClients(msg Message) {
	h.mu.Lock()
	clients := h.sortedLocked()
	var slow []*Client
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if len(slow) > 0 {
		metrics.StreamDropped.WithLabelValues("client").Add(float64(len(slow)))
		metrics.StreamClients.Set(float64(n))
		logging.Warn().Int("clients", len(slow)).Msg("Disconnected slow stream clients")
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	for _, c := range h.sortedLocked() {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.StreamClients.Set(0)
}

func (h *Hub) sortedLocked() []*Client {
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastJSON queues a message for every client. It never blocks.
func (h *Hub) BroadcastJSON(messageType string, data interface{}) {
	msg := Message{Type: messageType, Data: data, Timestamp: time.Now().UTC()}
	select {
	case h.broadcast <- msg:
	default:
		metrics.StreamDropped.WithLabelValues("hub").Inc()
		logging.Warn().Str("message_type", messageType).Msg("Stream broadcast queue full, dropping message")
	}
}

// BroadcastNotification streams a routed notification.
func (h *Hub) BroadcastNotification(n models.Notification) {
	h.BroadcastJSON(MessageTypeNotification, n)
}

// MarshalMessage encodes a frame.
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
