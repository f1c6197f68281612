package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 65536

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one status-channel connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	logger   *zap.Logger
	readWait time.Duration
}

type errorAck struct {
	Error string `json:"error"`
}

// readPump consumes inbound requests. Each message is a batch-start or
// resume request; the handler runs the whole batch before the next message
// is read, so runners live inside this message handler's lifetime.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.readWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("Status channel read error",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
			}
			break
		}

		// Started runners outlive a closed socket; they keep the background
		// context and run to a terminal stage regardless.
		if err := c.hub.handler.HandleRequest(context.Background(), payload, c.hub.sink); err != nil {
			c.sendError(err)
		}

		// The batch ran for longer than any ping interval and no read was in
		// flight to fire the pong handler, so the deadline is stale.
		c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	}
}

// sendError acknowledges a rejected request to this client only. The hub
// closes send when it evicts a client, so membership is checked under the
// hub lock before writing.
func (c *Client) sendError(cause error) {
	data, err := json.Marshal(errorAck{Error: cause.Error()})
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Dropping error ack, send buffer full",
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
	}
}

// writePump writes queued frames to the connection. Frames are never
// coalesced: observers get exactly one websocket message per transition.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

// ServeWs handles websocket upgrade requests.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("Websocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		logger:   hub.logger,
		readWait: pongWait,
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
