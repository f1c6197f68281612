package websocket

import (
	"context"
	"sync"

	"github.com/netopslab/fwupgrade/internal/upgrade"
	"go.uber.org/zap"
)

// RequestHandler processes one inbound batch-start or resume payload. It
// blocks until the batch finished; validation failures come back as errors
// and are acknowledged to the requesting client only.
type RequestHandler interface {
	HandleRequest(ctx context.Context, payload []byte, bc upgrade.Broadcaster) error
}

// Hub maintains the active status-channel clients and fans broadcast frames
// out to them.
type Hub struct {
	clients map[*Client]bool

	// Inbound frames to fan out to every connected client
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	logger  *zap.Logger
	handler RequestHandler
	sink    upgrade.Broadcaster
}

func NewHub(handler RequestHandler, logger *zap.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger,
		handler:    handler,
	}
}

// SetSink sets the broadcaster handed to the request handler. Wired after
// construction because the sink itself broadcasts through this hub.
func (h *Hub) SetSink(sink upgrade.Broadcaster) {
	h.sink = sink
}

// Run starts the hub's main event loop.
func (h *Hub) Run() {
	h.logger.Info("Status channel hub started")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("Status channel client connected",
				zap.String("remote_addr", client.conn.RemoteAddr().String()),
				zap.Int("total_clients", len(h.clients)))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("Status channel client disconnected",
					zap.String("remote_addr", client.conn.RemoteAddr().String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case frame := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- frame:
				default:
					// Slow or dead client, drop it rather than stall the batch
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.conn.RemoteAddr().String()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues one frame for every connected client.
func (h *Hub) Broadcast(frame []byte) {
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("Hub broadcast channel full, frame dropped")
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
