package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// EventType defines the type of sync event
type EventType string

const (
	// EventPeerConnected indicates a session completed its handshake
	EventPeerConnected EventType = "peer_connected"

	// EventPeerDisconnected indicates a session ended
	EventPeerDisconnected EventType = "peer_disconnected"

	// EventBatchApplied indicates a batch from a peer was applied and acked
	EventBatchApplied EventType = "batch_applied"

	// EventBatchRejected indicates a batch was rejected and re-requested
	EventBatchRejected EventType = "batch_rejected"

	// EventLocalWrite indicates a local write committed
	EventLocalWrite EventType = "local_write"

	// EventRoleChanged indicates the node's replica role changed
	EventRoleChanged EventType = "role_changed"
)

// Event represents one broadcast sync event
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PeerData describes a peer session
type PeerData struct {
	Peer   string `json:"peer"`
	Remote string `json:"remote,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BatchData describes a received batch
type BatchData struct {
	Peer      string `json:"peer"`
	Records   int    `json:"records"`
	Applied   int    `json:"applied"`
	Discarded int    `json:"discarded"`
	Through   string `json:"through,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// WriteData describes a committed local write
type WriteData struct {
	Table     string `json:"table"`
	DBVersion int64  `json:"db_version"`
	Records   int    `json:"records"`
}

// RoleData describes a role transition
type RoleData struct {
	Role    string `json:"role"`
	Primary string `json:"primary,omitempty"`
}

// Hub fans sync events out to websocket subscribers on /events.
// All methods are safe to call on a nil *Hub.
type Hub struct {
	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Event broadcasting
	broadcast chan Event

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHub creates a hub and starts its broadcast loop. Call Close to stop it.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// Close disconnects every subscriber and stops the broadcast loop.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Publish queues an event with data marshaled as JSON. Events are dropped
// when the queue is full rather than blocking sync.
func (h *Hub) Publish(typ EventType, data any) {
	if h == nil {
		return
	}

	ev := Event{Type: typ, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			h.logger.Printf("Failed to marshal %s event: %v", typ, err)
			return
		}
		ev.Data = raw
	}

	select {
	case h.broadcast <- ev:
	case <-h.ctx.Done():
	default:
		h.logger.Println("Warning: event queue full, dropping event")
	}
}

// broadcastLoop handles event broadcasting to all clients
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.logger.Printf("Failed to send event to subscriber: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		http.Error(w, "events disabled", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("Event subscriber connected (total: %d)", count)

	// Subscribers never send anything; reading only detects disconnects.
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a subscriber connection
func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		count := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Event subscriber disconnected (total: %d)", count)
	} else {
		h.clientsMu.Unlock()
	}
}

// ClientCount returns the current number of subscribers
func (h *Hub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
