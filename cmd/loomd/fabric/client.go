package fabric

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Clients only send pongs, never data
	maxMessageSize = 512
)

// Client pushes one subscription's events over a WebSocket connection.
type Client struct {
	fabric *Fabric
	conn   *websocket.Conn
	sub    *Subscription
	log    Logger
}

// NewClient binds a subscription to a WebSocket connection
func NewClient(f *Fabric, conn *websocket.Conn, sub *Subscription, log Logger) *Client {
	return &Client{
		fabric: f,
		conn:   conn,
		sub:    sub,
		log:    log,
	}
}

// Run pumps events until the peer disconnects or the subscription
// closes. Blocks; the caller owns the goroutine.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// readPump handles ping/pong and detects disconnects; client messages
// are ignored (server-push only).
func (c *Client) readPump() {
	defer func() {
		c.fabric.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}

// writePump sends each event as its own text frame so the frontend can
// parse every JSON object individually.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.sub.Events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The fabric closed the subscription
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			payload, err := json.Marshal(event)
			if err != nil {
				c.log.Error("failed to marshal event", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
