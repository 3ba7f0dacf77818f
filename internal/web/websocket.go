package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stephens/remo-bridge/internal/entity"
	"github.com/stephens/remo-bridge/internal/storage"
)

// Message types sent to websocket clients
const (
	MessageEntityUpdate  = "entity_update"
	MessageEntityRemoved = "entity_removed"
	MessagePollStatus    = "poll_status"
	MessageCommandResult = "command_result"
)

const (
	sendBuffer   = 256
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 * 1024
	wsCommandTTL = 30 * time.Second
)

// Message is a websocket frame sent to clients
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// entityID returns the entity a message is about, if any
func (m Message) entityID() string {
	switch d := m.Data.(type) {
	case entity.State:
		return d.EntityID
	case map[string]string:
		return d["entity_id"]
	case map[string]interface{}:
		id, _ := d["entity_id"].(string)
		return id
	}
	return ""
}

// clientMessage is what clients send. "command" operates an entity,
// "subscribe" limits entity messages to the listed ids (empty means all)
type clientMessage struct {
	Type      string   `json:"type"`
	EntityID  string   `json:"entity_id"`
	Kind      string   `json:"kind"`
	Value     string   `json:"value"`
	EntityIDs []string `json:"entity_ids"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // served on the local network
	},
}

// Client is one websocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	filter map[string]bool
}

// wants reports whether the client subscribed to the message's entity
func (c *Client) wants(m Message) bool {
	id := m.entityID()
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter == nil || c.filter[id]
}

func (c *Client) subscribe(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[string]bool, len(ids))
	for _, id := range ids {
		c.filter[id] = true
	}
}

// Hub fans entity updates out to websocket clients
type Hub struct {
	server     *Server
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a hub for the server's clients
func NewHub(server *Server) *Hub {
	return &Hub{
		server:     server,
		broadcast:  make(chan Message, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]struct{}),
	}
}

// Run delivers broadcasts until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.server.logger.Debug("WebSocket client connected (%d total)", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.server.logger.Debug("WebSocket client disconnected (%d total)", n)

		case msg := <-h.broadcast:
			frame, err := json.Marshal(msg)
			if err != nil {
				h.server.logger.Error("Failed to encode %s message: %v", msg.Type, err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(msg) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.server.logger.Debug("WebSocket client too slow, disconnecting")
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes a client; h.mu must be held
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues a message for every interested client
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.server.logger.Warn("Broadcast queue full, dropping %s message", msg.Type)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades the connection and sends the current state of
// every entity before any broadcast
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade error: %v", err)
		return
	}

	c := &Client{hub: s.hub, conn: conn, send: make(chan []byte, sendBuffer)}
	for _, st := range s.service.GetRegistry().States() {
		frame, err := json.Marshal(Message{Type: MessageEntityUpdate, Data: st})
		if err != nil || len(c.send) == cap(c.send) {
			continue
		}
		c.send <- frame
	}

	s.hub.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump handles client messages until the connection fails
func (c *Client) readPump() {
	logger := c.hub.server.logger
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket read error: %v", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("Ignoring malformed websocket message: %v", err)
			continue
		}

		switch msg.Type {
		case "command":
			go c.runCommand(msg)
		case "subscribe":
			c.subscribe(msg.EntityIDs)
		default:
			logger.Debug("Ignoring websocket message of type %q", msg.Type)
		}
	}
}

func (c *Client) runCommand(msg clientMessage) {
	s := c.hub.server
	ctx, cancel := context.WithTimeout(context.Background(), wsCommandTTL)
	defer cancel()

	err := s.service.GetRegistry().OnUserCommand(ctx, msg.EntityID, msg.Kind, msg.Value)
	s.logCommand(storage.EventSourceUser, msg.EntityID, msg.Kind, msg.Value, err)

	result := map[string]interface{}{"entity_id": msg.EntityID, "kind": msg.Kind, "success": err == nil}
	if err != nil {
		result["error"] = err.Error()
	}
	c.hub.Broadcast(Message{Type: MessageCommandResult, Data: result})
}

// writePump sends queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
