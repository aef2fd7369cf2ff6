// Package broadcast fans settlement and book updates out to WebSocket
// subscribers. Delivery is best-effort: a dropped frame is always followed by
// a fresher one, so slow consumers are shed rather than buffered without
// bound.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veloxdex/veloxdex/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 512
	clientSendSize = 64
)

// subscribeRequest is the client-side control frame.
type subscribeRequest struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

// Client is one WebSocket connection with its room memberships.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Hub tracks rooms and their member clients.
type Hub struct {
	roomCapacity int
	logger       *zap.Logger
	upgrader     websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewHub creates a hub with the given per-room capacity.
func NewHub(roomCapacity int, logger *zap.Logger) *Hub {
	return &Hub{
		roomCapacity: roomCapacity,
		logger:       logger,
		rooms:        make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and runs the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, clientSendSize),
		rooms: make(map[string]struct{}),
	}
	metrics.WSConnections.Inc()
	go c.writePump()
	go c.readPump()
}

// Join adds the client to the room, enforcing the capacity cap. The caller is
// told explicitly when the room is full so the client can be notified instead
// of silently receiving nothing.
func (h *Hub) Join(c *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	if _, already := members[c]; already {
		return true
	}
	if len(members) >= h.roomCapacity {
		return false
	}
	members[c] = struct{}{}
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	return true
}

// Leave removes the client from the room, dropping the room when empty.
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// RoomSize reports the current member count.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Publish delivers one frame to every member of the room and returns the
// number of clients it reached. Clients with a full send buffer are skipped.
func (h *Hub) Publish(room string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
			delivered++
		default:
			h.logger.Debug("dropping frame for slow client",
				zap.String("client_id", c.id), zap.String("room", room))
		}
	}
	return delivered
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()
	for _, room := range rooms {
		h.leaveLocked(c, room)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		close(c.send)
		c.conn.Close()
		metrics.WSConnections.Dec()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		for _, room := range req.Subscribe {
			if room == "" {
				continue
			}
			if !c.hub.Join(c, room) {
				c.notify("error", map[string]string{"reason": "room full", "room": room})
				continue
			}
			c.notify("subscribed", map[string]string{"room": room})
		}
		for _, room := range req.Unsubscribe {
			c.hub.Leave(c, room)
		}
	}
}

// notify pushes a small control frame to the client, best-effort.
func (c *Client) notify(kind string, body map[string]string) {
	frame, err := json.Marshal(map[string]interface{}{"type": kind, "data": body})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
