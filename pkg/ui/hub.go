// Package ui is the surface the user interface talks to: notifications go out over a websocket,
// commands come back over the same socket or over a small REST API.
package ui

import (
	"sync"

	"github.com/matrix-org/duet/pkg/notify"
	"github.com/sirupsen/logrus"
)

const (
	// Frames waiting for a client. A client that lags further behind is dropped.
	clientQueueSize = 32
	broadcastSize   = 64
)

// Hub fans the notifications out to every connected socket. It is a notify.Notifier.
type Hub struct {
	logger     *logrus.Entry
	clients    map[*client]bool
	broadcast  chan any
	register   chan *client
	unregister chan *client
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		logger:     logrus.WithField("component", "hub"),
		clients:    make(map[*client]bool),
		broadcast:  make(chan any, broadcastSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Never blocks: notifications that can't be queued are dropped.
func (h *Hub) Notify(notification notify.Notification) {
	select {
	case h.broadcast <- notification:
	default:
		h.logger.WithField("kind", notification.Kind).Warn("broadcast queue full, dropping notification")
	}
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.quit:
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			c.logger.Info("client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
				c.logger.Info("client disconnected")
			}

		case frame := <-h.broadcast:
			for c := range h.clients {
				if !c.enqueue(frame) {
					c.logger.Warn("client is too slow, dropping it")
					delete(h.clients, c)
					c.close()
				}
			}
		}
	}
}

// Returns `false` if the hub is stopped.
func (h *Hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Disconnects everyone and stops the loop started by `Run`. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}
