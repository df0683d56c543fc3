package ws

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crowdwatch/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // Frames arrive as base64 data URLs
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Viewers are served from the same process; allow any origin
		return true
	},
}

// Processor is the part of the pipeline viewers drive
type Processor interface {
	ProcessFrame(raw []byte) pipeline.Response
	Toggle(name string, value pipeline.FlagValue) error
	Features() pipeline.Features
}

// Handler upgrades viewer connections and runs their request loop
type Handler struct {
	hub  *Hub
	proc Processor
	log  zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, proc Processor, log zerolog.Logger) *Handler {
	return &Handler{hub: hub, proc: proc, log: log}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	c := newClient(conn)
	h.log.Info().Str("session", c.id).Str("remote", r.RemoteAddr).Msg("New connection")

	h.hub.Register(c)

	// Current flags first so the viewer can render its toggles
	if err := c.writeJSON(NewFeaturesMessage(h.proc.Features(), "")); err != nil {
		h.hub.Unregister(c)
		conn.Close()
		return
	}

	go h.readPump(c)
}

// readPump serves one viewer. Each process_frame is answered before the
// next message is read, so replies stay in request order.
func (h *Handler) readPump(c *client) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("session", c.id).Msg("Read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var reply any
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			reply = NewErrorMessage("malformed message")
		} else {
			reply = h.dispatch(c, msg)
		}
		if reply == nil {
			continue
		}
		if err := c.writeJSON(reply); err != nil {
			h.log.Debug().Err(err).Str("session", c.id).Msg("Write failed")
			return
		}
	}
}

// dispatch handles one client message and returns the direct reply, if any
func (h *Handler) dispatch(c *client, msg ClientMessage) any {
	switch msg.Action {
	case ActionProcessFrame:
		if msg.Image == "" {
			return NewErrorMessage("process_frame requires an image")
		}
		return NewResultMessage(h.proc.ProcessFrame([]byte(msg.Image)))

	case ActionToggleFeature:
		if msg.Feature == "" {
			return NewErrorMessage("toggle_feature requires a feature name")
		}
		value, err := pipeline.ParseFlagValue(string(bytes.TrimSpace(msg.Value)))
		if err != nil {
			return NewErrorMessage(err.Error())
		}
		if err := h.proc.Toggle(msg.Feature, value); err != nil {
			return NewErrorMessage(err.Error())
		}
		// Every viewer, this one included, hears about it from the hub
		return nil

	default:
		h.log.Debug().Str("session", c.id).Str("action", msg.Action).Msg("Unknown action")
		return NewErrorMessage("unknown action " + msg.Action)
	}
}
