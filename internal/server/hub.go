package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-detector/internal/session"
)

const writeWait = 10 * time.Second

type subscription struct {
	conn    *websocket.Conn
	session string
}

// Hub fans session events out to the WebSocket connections of that session
type Hub struct {
	clients    map[*websocket.Conn]string
	events     chan session.Event
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mutex      sync.RWMutex
	log        logrus.FieldLogger
}

// NewHub creates a hub; call Run to start delivering
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		events:     make(chan session.Event, 64),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log.WithField("component", "hub"),
	}
}

// Run delivers events until ctx is done, then closes every connection.
// It must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return

		case sub := <-h.register:
			h.mutex.Lock()
			h.clients[sub.conn] = sub.session
			count := len(h.clients)
			h.mutex.Unlock()
			h.log.WithField("session", sub.session).Debugf("client connected, total: %d", count)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.log.Debugf("client disconnected, total: %d", count)

		case event := <-h.events:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event session.Event) {
	message, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Error("failed to encode event")
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client, id := range h.clients {
		if id != event.Session {
			continue
		}
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
			h.log.WithError(err).WithField("session", id).Warn("failed to send event")
			delete(h.clients, client)
			client.Close()
		}
	}
}

// Register subscribes conn to the events of sessionID
func (h *Hub) Register(conn *websocket.Conn, sessionID string) {
	select {
	case h.register <- subscription{conn: conn, session: sessionID}:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes and closes conn
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Notify queues an event. It never blocks; events are dropped when the queue
// is full.
func (h *Hub) Notify(event session.Event) {
	select {
	case h.events <- event:
	default:
		h.log.WithField("session", event.Session).Warn("event queue full, dropping event")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
