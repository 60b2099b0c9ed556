package push

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	broadcastBuffer = 256
	writeTimeout    = 10 * time.Second
)

// Hub maintains the set of live subscriber connections and broadcasts
// serialized messages to all open ones, pruning closed ones on write failure.
type Hub struct {
	upgrader  websocket.Upgrader
	broadcast chan []byte

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub; call Run to start broadcasting.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		broadcast: make(chan []byte, broadcastBuffer),
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

// Publish serializes and queues a message for all subscribers. Messages are
// dropped, not blocked on, when the broadcast queue is full.
func (h *Hub) Publish(msgType string, data any) {
	payload, err := Encode(msgType, data)
	if err != nil {
		slog.Error("push_encode_failed", "type", msgType, "error", err)
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		slog.Warn("push_queue_full", "type", msgType)
	}
}

// Run drains the broadcast queue until the context is cancelled, then closes
// every remaining subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case payload := <-h.broadcast:
			h.send(payload)
		}
	}
}

// ServeHTTP upgrades an incoming request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("push_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("push_client_connected", "remote", r.RemoteAddr, "clients", count)

	// Reader goroutine: we ignore inbound data but need the read loop to
	// observe close frames and release the connection.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of open subscriber connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) send(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			slog.Debug("push_client_pruned", "error", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
