package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
	broadcastQueue = 64
)

var errUnknownMessage = errors.New("unknown message type")

// InboundHandler receives what companions report.
type InboundHandler interface {
	NotificationAction(ctx context.Context, notificationID, action string)
	NotificationDismissed(ctx context.Context, notificationID string)
	PowerSaveChanged(ctx context.Context, on bool)
	PositionReported(ctx context.Context, fix arrival.Fix)
}

// Broadcaster sends a message to every companion.
type Broadcaster interface {
	Broadcast(ctx context.Context, msgType string, payload any) error
}

// Replayer provides the messages that bring a newly connected companion up to date.
type Replayer interface {
	Replay() []Message
}

// Hub keeps the set of connected companions.
type Hub struct {
	broadcast  chan Message
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader

	// mu protects the fields below.
	mu        sync.RWMutex
	clients   map[*client]struct{}
	handler   InboundHandler
	replayers []Replayer
}

var _ Broadcaster = (*Hub)(nil)

// NewHub creates a hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, broadcastQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Companions run on the local network without a browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetHandler installs the receiver of inbound messages.
func (h *Hub) SetHandler(handler InboundHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// AddReplayer registers state that is replayed to every new companion.
func (h *Hub) AddReplayer(r Replayer) {
	h.mu.Lock()
	h.replayers = append(h.replayers, r)
	h.mu.Unlock()
}

// Clients returns the number of connected companions.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	logger.Info(ctx, "WebSocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

			logger.Info(ctx, "WebSocket hub stopped")

			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			replayers := append([]Replayer(nil), h.replayers...)
			total := len(h.clients)
			h.mu.Unlock()

			for _, r := range replayers {
				for _, m := range r.Replay() {
					c.enqueue(m)
				}
			}

			logger.InfoKV(ctx, "Companion connected", "total", total)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.enqueue(message) {
					logger.Warn(ctx, "Companion too slow, disconnecting")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every companion.
func (h *Hub) Broadcast(ctx context.Context, msgType string, payload any) error {
	select {
	case h.broadcast <- Message{Type: msgType, Payload: payload}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broadcast %s: %w", msgType, ctx.Err())
	}
}

// ServeHTTP upgrades the request and serves one companion.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The connection outlives the request handler.
	ctx := context.WithoutCancel(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnKV(ctx, "WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan Message, sendBuffer)}

	h.register <- c

	go c.writePump()
	go h.readPump(ctx, c)
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() {
		h.unregister <- c

		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnKV(ctx, "Companion connection closed", "error", err)
			}

			return
		}

		if err = h.Dispatch(ctx, data); err != nil {
			logger.WarnKV(ctx, "Ignoring companion message", "error", err)
		}
	}
}

// Dispatch decodes one inbound message and calls the handler.
func (h *Hub) Dispatch(ctx context.Context, data []byte) error {
	var envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()

	if handler == nil {
		return nil
	}

	switch envelope.Type {
	case TypeAction:
		var report ActionReport
		if err := decodePayload(envelope.Payload, &report); err != nil {
			return err
		}

		handler.NotificationAction(ctx, report.NotificationID, report.Action)
	case TypeDismissed:
		var report DismissedReport
		if err := decodePayload(envelope.Payload, &report); err != nil {
			return err
		}

		handler.NotificationDismissed(ctx, report.NotificationID)
	case TypePowerSave:
		var report PowerSaveReport
		if err := decodePayload(envelope.Payload, &report); err != nil {
			return err
		}

		handler.PowerSaveChanged(ctx, report.On)
	case TypePosition:
		var report PositionReport
		if err := decodePayload(envelope.Payload, &report); err != nil {
			return err
		}

		fix := arrival.Fix{
			Coordinate:     arrival.Coordinate{Latitude: report.Latitude, Longitude: report.Longitude},
			Timestamp:      report.Timestamp,
			AccuracyMeters: report.AccuracyMeters,
			Provider:       "companion",
		}
		if err := fix.Coordinate.Validate(); err != nil {
			return fmt.Errorf("position: %w", err)
		}

		handler.PositionReported(ctx, fix)
	default:
		return fmt.Errorf("%w: %q", errUnknownMessage, envelope.Type)
	}

	return nil
}

func decodePayload(raw json.RawMessage, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	return nil
}

// client is one companion connection.
type client struct {
	conn *websocket.Conn
	send chan Message
}

// enqueue reports false when the client buffer is full.
func (c *client) enqueue(m Message) bool {
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
