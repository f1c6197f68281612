package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/netopslab/fwupgrade/internal/upgrade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// slowHandler stands in for the orchestrator: it records every payload and
// holds the read loop for delay, the way a real batch does.
type slowHandler struct {
	mu       sync.Mutex
	payloads [][]byte
	delay    time.Duration
}

func (h *slowHandler) HandleRequest(ctx context.Context, payload []byte, bc upgrade.Broadcaster) error {
	h.mu.Lock()
	h.payloads = append(h.payloads, payload)
	h.mu.Unlock()

	time.Sleep(h.delay)
	return nil
}

func (h *slowHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

func dialTestHub(t *testing.T, hub *Hub, readWait time.Duration) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}

		client := &Client{
			hub:      hub,
			conn:     conn,
			send:     make(chan []byte, sendBufferSize),
			logger:   zap.NewNop(),
			readWait: readWait,
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func TestConnectionSurvivesBatchLongerThanReadDeadline(t *testing.T) {
	handler := &slowHandler{delay: 500 * time.Millisecond}
	hub := NewHub(handler, zap.NewNop())
	go hub.Run()

	// The handler blocks well past the read deadline; a follow-up request on
	// the same connection must still be processed.
	conn := dialTestHub(t, hub, 200*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"job_id": 1}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"job_id": 2}`)))

	require.Eventually(t, func() bool {
		return handler.count() == 2
	}, 5*time.Second, 20*time.Millisecond, "second request never handled, connection dropped after the first batch")
}

func TestErrorAckAfterEvictionDoesNotPanic(t *testing.T) {
	hub := NewHub(&slowHandler{}, zap.NewNop())

	// An evicted client: not in the hub's map, send already closed.
	client := &Client{
		hub:    hub,
		send:   make(chan []byte, 1),
		logger: zap.NewNop(),
	}
	close(client.send)

	assert.NotPanics(t, func() {
		client.sendError(errors.New("invalid start request"))
	})
}
