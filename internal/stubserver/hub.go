package stubserver

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// Hub maintains active websocket connections and their conversation rooms.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*websocket.Conn]bool
	conns map[*websocket.Conn]int
	log   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[*websocket.Conn]bool),
		conns: make(map[*websocket.Conn]int),
		log:   log,
	}
}

// Register tracks a new connection for the given user.
func (h *Hub) Register(conn *websocket.Conn, userID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = userID
}

// Unregister drops a connection from every room.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
	for id, room := range h.rooms {
		delete(room, conn)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
}

// JoinRoom adds a connection to a conversation room.
func (h *Hub) JoinRoom(conversationID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*websocket.Conn]bool)
	}
	h.rooms[conversationID][conn] = true
}

// LeaveRoom removes a connection from a conversation room.
func (h *Hub) LeaveRoom(conversationID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, conn)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// RoomSize returns the number of connections in a conversation room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// BroadcastToConversation sends an event to every connection in a room.
func (h *Hub) BroadcastToConversation(conversationID string, ev models.ServerEvent) {
	env, err := models.EncodeServerEvent(ev)
	if err != nil {
		h.log.Error("encode broadcast", "event", ev.Type, "error", err)
		return
	}
	// Writes happen under the lock: gorilla connections allow a single
	// writer at a time.
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.rooms[conversationID] {
		h.writeLocked(conn, env, ev.Type)
	}
}

// BroadcastAll sends an event to every registered connection.
func (h *Hub) BroadcastAll(ev models.ServerEvent) {
	env, err := models.EncodeServerEvent(ev)
	if err != nil {
		h.log.Error("encode broadcast", "event", ev.Type, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		h.writeLocked(conn, env, ev.Type)
	}
}

func (h *Hub) writeLocked(conn *websocket.Conn, env models.Envelope, typ models.EventType) {
	if err := conn.WriteJSON(env); err != nil {
		h.log.Warn("websocket write error", "error", err)
		conn.Close()
		delete(h.conns, conn)
		for id, room := range h.rooms {
			delete(room, conn)
			if len(room) == 0 {
				delete(h.rooms, id)
			}
		}
		return
	}
	observability.IncSocketEvent("out", string(typ))
}
