package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"openfms/atlgateway/internal/protocol"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	pingInterval = 30 * time.Second
)

// tapClient is one websocket watching decoded messages
type tapClient struct {
	conn     *websocket.Conn
	send     chan []byte
	deviceID string // empty means all devices
}

// Tap fans decoded messages out to websocket clients
type Tap struct {
	clients map[*tapClient]struct{}
	mu      sync.RWMutex
	log     zerolog.Logger
}

// NewTap creates an empty tap
func NewTap(logger zerolog.Logger) *Tap {
	return &Tap{
		clients: make(map[*tapClient]struct{}),
		log:     logger.With().Str("component", "tap").Logger(),
	}
}

// Broadcast sends msg to every interested client. Slow clients drop
// messages instead of blocking the connection goroutine.
func (t *Tap) Broadcast(msg *protocol.StandardMessage) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.clients) == 0 {
		return
	}

	data, err := json.Marshal(map[string]interface{}{
		"type": "message",
		"data": msg,
	})
	if err != nil {
		t.log.Error().Err(err).Msg("marshal tap message")
		return
	}

	for client := range t.clients {
		if client.deviceID != "" && client.deviceID != msg.DeviceID {
			continue
		}
		select {
		case client.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of connected clients
func (t *Tap) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Close disconnects every client
func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for client := range t.clients {
		client.conn.Close()
		delete(t.clients, client)
	}
}

func (t *Tap) register(c *tapClient) {
	t.mu.Lock()
	t.clients[c] = struct{}{}
	t.mu.Unlock()
	t.log.Info().Str("device_id", c.deviceID).Int("clients", t.ClientCount()).Msg("tap client connected")
}

func (t *Tap) unregister(c *tapClient) {
	t.mu.Lock()
	_, ok := t.clients[c]
	delete(t.clients, c)
	t.mu.Unlock()
	if ok {
		c.conn.Close()
		t.log.Info().Int("clients", t.ClientCount()).Msg("tap client disconnected")
	}
}

// Handle upgrades GET /ws/messages[?device_id=...]
func (t *Tap) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		t.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &tapClient{
		conn:     conn,
		send:     make(chan []byte, 64),
		deviceID: c.Query("device_id"),
	}
	t.register(client)

	go t.writePump(client)
	t.readPump(client)
}

// readPump only exists to notice the peer going away
func (t *Tap) readPump(c *tapClient) {
	defer t.unregister(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (t *Tap) writePump(c *tapClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		t.unregister(c)
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
