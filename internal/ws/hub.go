package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crowdwatch/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Data URLs of 480x360 JPEGs are well under this
	maxMessageSize = 8 << 20
)

// client is one viewer connection. gorilla/websocket allows a single
// concurrent writer, so every data write goes through writeMu.
type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newClient(conn *websocket.Conn) *client {
	return &client{id: uuid.NewString(), conn: conn}
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *client) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks viewer connections and broadcasts shared events to them
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

// Register adds a connection
func (h *Hub) Register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("session", c.id).Int("total", total).Msg("Client registered")
}

// Unregister removes a connection
func (h *Hub) Unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.log.Info().Str("session", c.id).Msg("Client unregistered")
	}
}

// ClientCount returns the number of connected viewers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every connected viewer, dropping the ones
// whose writes fail
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("Error marshaling broadcast")
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.writeRaw(data); err != nil {
			h.log.Debug().Err(err).Str("session", c.id).Msg("Error sending to client")
			h.Unregister(c)
			c.conn.Close()
		}
	}
}

// CloseAll disconnects every viewer
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
}

// FeatureReader returns the current flag set
type FeatureReader interface {
	Features() pipeline.Features
}

// Run forwards feature changes and alert transitions to every viewer
// until ctx is done or both channels are closed
func (h *Hub) Run(ctx context.Context, features FeatureReader, changes <-chan pipeline.FeatureChange, snapshots <-chan pipeline.Snapshot) {
	previous := pipeline.AlertNormal

	for changes != nil || snapshots != nil {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			h.Broadcast(NewFeaturesMessage(features.Features(), change.Name))
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			if snap.Alert == previous {
				continue
			}
			h.log.Info().
				Str("level", string(snap.Alert)).
				Str("previous", string(previous)).
				Int("count", snap.Count).
				Msg("Alert level changed")
			h.Broadcast(NewAlertMessage(snap, previous))
			previous = snap.Alert
		}
	}
}
