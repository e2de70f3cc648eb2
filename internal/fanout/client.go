package fanout

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/microlink/mcs/internal/schema"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueDepth = 64
)

// Conn is the slice of *websocket.Conn the client pumps consume.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Filter is what one subscriber asked to receive. Zero-value fields mean
// "everything".
type Filter struct {
	Blocks      map[string]bool
	MinPriority *schema.Priority
	Streams     map[string]bool
}

// wants applies the filter to one message. Alarm events without a priority,
// such as flood notifications, always pass the priority filter.
func (f Filter) wants(m Message) bool {
	if len(f.Streams) > 0 && !f.Streams[m.Stream] {
		return false
	}
	if len(f.Blocks) > 0 && !f.Blocks[m.Block] {
		return false
	}
	if m.Stream == StreamAlarms && f.MinPriority != nil && m.Priority != nil &&
		f.MinPriority.MoreSevere(*m.Priority) {
		return false
	}
	return true
}

// Client is one WebSocket subscriber. The write pump owns the connection's
// write side; the hub only ever touches the send queue.
type Client struct {
	hub    *Hub
	conn   Conn
	filter Filter
	send   chan []byte
}

func newClient(hub *Hub, conn Conn, filter Filter) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		filter: filter,
		send:   make(chan []byte, sendQueueDepth),
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

// readPump drains control frames and detects the client going away.
// Subscribers never send application data.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
