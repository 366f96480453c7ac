// Package server is the echo/broadcast peer the client core talks to,
// used for local development and integration tests.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaychat/metrics"
	"relaychat/models"
)

// DefaultConversation scopes messages from clients that do not name one.
const DefaultConversation = "general"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// client is one connected websocket peer.
type client struct {
	connID      string
	userID      string
	displayName string
	conn        *websocket.Conn
	send        chan []byte
}

type relayPayload struct {
	senderConnID string
	data         []byte
}

// Hub maintains the set of active clients. For every message frame it
// receives it echoes a response frame to the sender and relays the frame
// to everyone else; join/leave produce notification broadcasts.
type Hub struct {
	log   *zap.Logger
	store *Store

	register   chan *client
	unregister chan *client
	relay      chan relayPayload
	done       chan struct{}

	mutex   sync.RWMutex
	clients map[string]*client
}

// NewHub creates a Hub backed by the given store.
func NewHub(store *Store, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		log:        logger,
		store:      store,
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		relay:      make(chan relayPayload, 256),
		done:       make(chan struct{}),
	}
}

// Run processes hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c.connID] = c
			h.mutex.Unlock()
			metrics.ConnectionsActive.Inc()
			h.log.Info("client connected",
				zap.String("user", c.userID), zap.String("conn", c.connID))

			h.sendTo(c, models.Frame{
				"type":      models.FrameTypeConnection,
				"message":   "connected",
				"timestamp": time.Now().UnixMilli(),
			})
			h.broadcast(c.connID, models.Frame{
				"type":      models.FrameTypeNotification,
				"event":     "join",
				"userId":    c.userID,
				"timestamp": time.Now().UnixMilli(),
			})

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c.connID]; ok {
				delete(h.clients, c.connID)
				close(c.send)
			}
			h.mutex.Unlock()
			metrics.ConnectionsActive.Dec()
			h.log.Info("client disconnected",
				zap.String("user", c.userID), zap.String("conn", c.connID))

			h.broadcast(c.connID, models.Frame{
				"type":      models.FrameTypeNotification,
				"event":     "leave",
				"userId":    c.userID,
				"timestamp": time.Now().UnixMilli(),
			})

		case payload := <-h.relay:
			h.mutex.RLock()
			for id, c := range h.clients {
				if id == payload.senderConnID {
					continue
				}
				select {
				case c.send <- payload.data:
				default:
					// Slow consumer; drop rather than stall the hub.
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// broadcast marshals the frame and relays it to everyone except the
// sender.
func (h *Hub) broadcast(senderConnID string, f models.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("marshal broadcast frame", zap.Error(err))
		return
	}
	metrics.FramesRelayed.WithLabelValues(f.Type()).Inc()
	select {
	case h.relay <- relayPayload{senderConnID: senderConnID, data: data}:
	case <-h.done:
	}
}

// sendTo queues a frame for a single client.
func (h *Hub) sendTo(c *client, f models.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ServeWS upgrades the request and attaches the client to the hub. The
// caller identifies itself with the user and name query parameters.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, `{"error": "user query parameter is required"}`, http.StatusBadRequest)
		return
	}
	displayName := r.URL.Query().Get("name")
	if displayName == "" {
		displayName = userID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		connID:      uuid.NewString(),
		userID:      userID,
		displayName: displayName,
		conn:        conn,
		send:        make(chan []byte, 256),
	}

	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *client) readPump(h *Hub) {
	defer func() {
		// After Run has exited nobody drains unregister; the done
		// channel keeps late readers from blocking here forever.
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		frame, err := models.ParseFrame(data)
		if err != nil || frame == nil {
			continue
		}

		switch frame.Type() {
		case models.FrameTypePing:
			h.sendTo(c, models.Frame{"type": models.FrameTypePong})

		case models.FrameTypeMessage:
			h.handleMessage(c, frame)

		case models.FrameTypeEditMessage:
			if err := h.store.UpdateMessage(frame.Str("messageId"), frame.Str("content")); err != nil {
				h.log.Warn("update message", zap.Error(err))
			}
			h.broadcast(c.connID, frame)

		case models.FrameTypeDelete:
			if err := h.store.DeleteMessage(frame.Str("messageId")); err != nil {
				h.log.Warn("delete message", zap.Error(err))
			}
			h.broadcast(c.connID, frame)

		case models.FrameTypeTogglePin:
			if err := h.store.TogglePin(frame.Str("messageId")); err != nil {
				h.log.Warn("toggle pin", zap.Error(err))
			}
			h.broadcast(c.connID, frame)

		default:
			// typing, reactions and anything the server does not
			// recognize are relayed unchanged.
			h.broadcast(c.connID, frame)
		}
	}
}

// handleMessage persists the message, echoes it back to the sender so it
// can reconcile its optimistic entry, and relays it to everyone else.
func (h *Hub) handleMessage(c *client, frame models.Frame) {
	if frame.Str("id") == "" {
		frame["id"] = uuid.NewString()
	}
	if frame.Str("displayName") == "" {
		frame["displayName"] = c.displayName
	}

	created := time.Now()
	if ts := frame.Int64("timestamp"); ts > 0 {
		created = time.UnixMilli(ts)
	}
	conversation := frame.Str("conversationId")
	if conversation == "" {
		conversation = DefaultConversation
	}

	msg := models.Message{
		ID:            frame.Str("id"),
		Content:       frame.Str("content"),
		AuthorID:      c.userID,
		AuthorDisplay: frame.Str("displayName"),
		CreatedAt:     created,
	}
	if err := h.store.SaveMessage(conversation, msg, frame.Str("replyTo")); err != nil {
		h.log.Error("save message", zap.Error(err))
	} else {
		metrics.MessagesStored.Inc()
	}

	h.sendTo(c, frame)
	h.broadcast(c.connID, frame)
}

func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
