package ui

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

// A connected websocket. Frames are written by its own goroutine so that a slow socket never
// stalls the hub.
type client struct {
	conn   *websocket.Conn
	logger *logrus.Entry

	mutex  sync.Mutex
	send   chan any
	closed bool
}

func newClient(conn *websocket.Conn, logger *logrus.Entry) *client {
	return &client{
		conn:   conn,
		logger: logger,
		send:   make(chan any, clientQueueSize),
	}
}

// Queues a frame. Returns `false` if the queue is full.
func (c *client) enqueue(frame any) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return true
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Stops the writer once the queued frames are written.
func (c *client) close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(frame); err != nil {
			c.logger.WithError(err).Debug("failed to write to the websocket")
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
