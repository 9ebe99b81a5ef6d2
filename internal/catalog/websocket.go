// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/herald/internal/logging"
	"github.com/tomtom215/herald/internal/metrics"
	"github.com/tomtom215/herald/internal/models"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsKeepAlive        = 30 * time.Second
	wsMinReconnect     = time.Second
	wsMaxReconnect     = 32 * time.Second
)

// wsMessage is the Jellyfin websocket envelope.
type wsMessage struct {
	MessageType string          `json:"MessageType"`
	Data        json.RawMessage `json:"Data,omitempty"`
}

// libraryChanged is the payload of a LibraryChanged message.
type libraryChanged struct {
	ItemsAdded   []string `json:"ItemsAdded"`
	ItemsUpdated []string `json:"ItemsUpdated"`
	ItemsRemoved []string `json:"ItemsRemoved"`
}

// EventHandler receives events produced by the listener.
type EventHandler func(models.LibraryEvent)

// Listener keeps a websocket open to the media server and converts
// LibraryChanged notifications into library events. Added and updated items
// become added events; removed items become deleted events.
type Listener struct {
	url     string
	handler EventHandler
	logger  zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	now       func() time.Time
}

// NewListener creates a listener for wsURL (see JellyfinClient.GetWebSocketURL).
func NewListener(wsURL string, handler EventHandler) *Listener {
	return &Listener{
		url:     wsURL,
		handler: handler,
		logger:  logging.WithComponent("catalog-ws"),
		now:     time.Now,
	}
}

// Run connects and reconnects with exponential backoff until ctx is
// canceled.
func (l *Listener) Run(ctx context.Context) error {
	delay := wsMinReconnect
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			delay = wsMinReconnect
		}
		l.logger.Warn().Err(err).Dur("delay", delay).Msg("Websocket disconnected, reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay *= 2
		if delay > wsMaxReconnect {
			delay = wsMaxReconnect
		}
	}
}

func (l *Listener) String() string { return "catalog-websocket" }

// Connected reports whether a connection is currently open.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// session runs one connection until it fails or ctx is canceled. A nil
// error means the connection was established before it dropped.
func (l *Listener) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, l.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	l.setConn(conn)
	l.logger.Info().Msg("Websocket connected")
	defer l.setConn(nil)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(sessCtx, conn)
	}()
	// Unblock ReadMessage on shutdown.
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	for {
		if err := conn.SetReadDeadline(l.now().Add(wsReadTimeout)); err != nil {
			break
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Debug().Err(err).Msg("Websocket read error")
			}
			break
		}
		l.handleMessage(data)
	}
	cancel()
	wg.Wait()
	return nil
}

func (l *Listener) setConn(c *websocket.Conn) {
	l.mu.Lock()
	l.conn = c
	l.connected = c != nil
	l.mu.Unlock()
	if c != nil {
		metrics.WSConnected.Set(1)
	} else {
		metrics.WSConnected.Set(0)
	}
}

// keepAlive answers the server's keep-alive expectation.
func (l *Listener) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			err := conn.WriteJSON(wsMessage{MessageType: "KeepAlive"})
			l.mu.Unlock()
			if err != nil {
				l.logger.Debug().Err(err).Msg("Keep-alive failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (l *Listener) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.logger.Debug().Err(err).Msg("Failed to parse websocket message")
		return
	}

	switch msg.MessageType {
	case "LibraryChanged":
		var lc libraryChanged
		if err := json.Unmarshal(msg.Data, &lc); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to parse LibraryChanged")
			return
		}
		for _, ev := range lc.events(l.now()) {
			l.handler(ev)
		}
	case "ForceKeepAlive", "KeepAlive":
	default:
		l.logger.Trace().Str("type", msg.MessageType).Msg("Ignoring websocket message")
	}
}

// events flattens a LibraryChanged payload. Removals come first so that an
// item removed and re-added in one message ends up pending-then-resolved.
func (lc *libraryChanged) events(at time.Time) []models.LibraryEvent {
	out := make([]models.LibraryEvent, 0, len(lc.ItemsRemoved)+len(lc.ItemsAdded)+len(lc.ItemsUpdated))
	mk := func(kind models.EventKind, id string) models.LibraryEvent {
		return models.LibraryEvent{Kind: kind, ItemID: id, Source: models.SourceWebSocket, OccurredAt: at}
	}
	for _, id := range lc.ItemsRemoved {
		out = append(out, mk(models.EventDeleted, id))
	}
	seen := make(map[string]bool, len(lc.ItemsAdded))
	for _, id := range lc.ItemsAdded {
		seen[id] = true
		out = append(out, mk(models.EventAdded, id))
	}
	for _, id := range lc.ItemsUpdated {
		if !seen[id] {
			out = append(out, mk(models.EventAdded, id))
		}
	}
	return out
}
