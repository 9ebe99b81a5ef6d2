// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package websocket

import (
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/herald/internal/logging"
)

// Connection timing. The server pings every pingPeriod; a client that sends
// nothing (not even a pong) for pongWait is considered gone and its read
// pump exits, which detaches it from the hub.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 // clients only send pings
	sendBuffer     = 64
)

// clientIDCounter orders clients for broadcasts and shutdown.
var clientIDCounter atomic.Uint64

// Client is one stream connection with its read and write pumps.
//
// gorilla/websocket allows one concurrent reader and one concurrent writer
// per connection. readPump is the only reader and writePump the only
// writer; everything else talks to the connection through the send
// channel. The hub owns send and is the only party that closes it, which
// tells writePump to send a close frame and exit.
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// NewClient wraps conn.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		conn: conn,
		send: make(chan Message, sendBuffer),
	}
}

// ID returns the client's ordering id.
func (c *Client) ID() uint64 {
	return c.id
}

// Start runs both pumps in the background.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump answers application pings and detaches the client when the
// connection ends.
//
// Stream clients have nothing to say beyond {"type":"ping"}; other frames
// are read and dropped so control frames (pong, close) keep being
// processed. The read limit stops a misbehaving client from making the
// server buffer large frames.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Uint64("client_id", c.id).Msg("Stream client closed unexpectedly")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MessageTypePing {
			continue
		}
		pong := Message{Type: MessageTypePong, Timestamp: time.Now().UTC()}
		// send may already be closed by the hub.
		c.hub.mu.RLock()
		if c.hub.clients[c] {
			select {
			case c.send <- pong:
			default:
			}
		}
		c.hub.mu.RUnlock()
	}
}

// writePump owns all writes to the connection.
//
// Each write gets its own deadline so a stalled peer cannot hold the
// goroutine forever. A closed send channel means the hub dropped the client
// (shutdown or a full buffer) and is answered with a going-away close
// frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			data, err := MarshalMessage(msg)
			if err != nil {
				logging.Error().Err(err).Str("message_type", msg.Type).Msg("Failed to encode stream message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
