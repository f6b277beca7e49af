package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Outbound queue depth per connection.
	sendBuffer = 256
)

// Client is one websocket connection on the server side.
type Client struct {
	ID         string
	RemoteAddr string

	hub  *Hub
	conn *websocket.Conn
	send chan *Message
	log  *slog.Logger

	// done signals writePump shutdown. The send channel is never
	// closed: coordinator release goroutines may still hold a
	// reference to this client after the hub has unregistered it.
	done     chan struct{}
	shutOnce sync.Once
}

// Deliver queues a message for the connection's write pump. Messages to
// a torn-down connection are dropped, as are messages to one whose
// queue is full; a client that slow is about to be torn down by the
// ping/pong deadline anyway.
func (c *Client) Deliver(msg *Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("send queue full, dropping message", "client", c.ID, "type", msg.Type)
	}
}

// shutdown stops the write pump. Safe to call more than once and
// concurrently with Deliver.
func (c *Client) shutdown() {
	c.shutOnce.Do(func() { close(c.done) })
}

// readPump pumps messages from the websocket to the hub.
//
// The application runs readPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection
// by executing all reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected close", "client", c.ID, "error", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("malformed message", "client", c.ID, "error", err)
			continue
		}
		msg.client = c
		c.hub.Inbound <- &msg
	}
}

// writePump pumps messages from the send channel to the websocket.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer on a connection
// by executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
