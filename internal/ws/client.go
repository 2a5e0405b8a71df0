package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/codecollab/internal/protocol"
	"github.com/manpreetbhatti/codecollab/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	sendBuffer        = 256
	messagesPerSecond = 100
	messageBurst      = 200
	maxRateWarnings   = 1000
)

// Client is one websocket connection. It implements room.Peer.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	id          string
	rateLimiter *ratelimit.Bucket

	mu     sync.Mutex
	send   chan []byte
	closed bool
	roomID string
	inRoom bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		id:          uuid.NewString(),
		rateLimiter: ratelimit.NewBucket(messagesPerSecond, messageBurst),
		send:        make(chan []byte, sendBuffer),
	}
}

// ServeWs upgrades the request and starts the connection's pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := newClient(h, conn)
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (c *Client) ID() string {
	return c.id
}

// Send queues a frame without blocking. It reports false once the
// connection is closed or its queue is full.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) sendEvent(event protocol.Event, data any) bool {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		log.Printf("Failed to encode %s for client %s: %v", event, c.id, err)
		return false
	}
	return c.Send(frame)
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// room reports the room the connection is in. Room ids are opaque, so the
// empty string is a valid id and membership is tracked separately.
func (c *Client) room() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.inRoom
}

func (c *Client) setRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.inRoom = true
	c.mu.Unlock()
}

func (c *Client) clearRoom() {
	c.mu.Lock()
	c.roomID = ""
	c.inRoom = false
	c.mu.Unlock()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("⚠️ Rate limit exceeded for client %s (warning #%d)", c.id, rateLimitWarnings)
			}
			if rateLimitWarnings > maxRateWarnings {
				log.Printf("🚫 Disconnecting client %s for excessive rate limit violations", c.id)
				return
			}
			continue
		}

		c.hub.handleFrame(c, message)
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
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
