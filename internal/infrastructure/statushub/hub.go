// Package statushub provides the websocket-backed relay.ListenerStatusSink:
// every listener lifecycle event is pushed to connected operator
// consoles instead of requiring them to poll.
package statushub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaycore/internal/shared/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	broadcastDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is the JSON payload pushed to every connected client on a
// listener-status transition.
type Event struct {
	RuleID    uint      `json:"rule_id"`
	Protocol  string    `json:"protocol"`
	Type      string    `json:"type"`
	Port      uint16    `json:"port,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub is a websocket-backed relay.ListenerStatusSink: a fan-out
// broadcaster from listener lifecycle calls to every subscribed
// operator console.
type Hub struct {
	log logger.Interface

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast chan Event
	register  chan *client
	unregis   chan *client
	done      chan struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub creates a Hub and starts its broadcast loop.
func NewHub(log logger.Interface) *Hub {
	h := &Hub{
		log:       log,
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Event, broadcastDepth),
		register:  make(chan *client),
		unregis:   make(chan *client),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregis:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case ev := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					// Slow consumer: drop rather than block the hub.
				}
			}
			h.mu.RUnlock()
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = nil
			h.mu.Unlock()
			return
		}
	}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection as a subscriber until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan Event, broadcastDepth)}
	h.register <- c

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound messages (this is a push-only channel) but
// must keep reading so pong frames are processed and a closed
// connection is detected.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregis <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
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

func (h *Hub) publish(ev Event) {
	ev.Timestamp = timeNow()
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warnw("status hub broadcast channel full, dropping event", "rule_id", ev.RuleID, "type", ev.Type)
	}
}

// timeNow is a seam so tests can stamp deterministic Event timestamps.
var timeNow = time.Now

// CreateListener implements relay.ListenerStatusSink.
func (h *Hub) CreateListener(ruleID uint, port uint16, protocol string) {
	h.publish(Event{RuleID: ruleID, Protocol: protocol, Type: "CREATE", Port: port})
}

// SetWaitingForClients implements relay.ListenerStatusSink.
func (h *Hub) SetWaitingForClients(ruleID uint, protocol string) {
	h.publish(Event{RuleID: ruleID, Protocol: protocol, Type: "WAITING"})
}

// OnClientConnected implements relay.ListenerStatusSink.
func (h *Hub) OnClientConnected(ruleID uint, protocol string) {
	h.publish(Event{RuleID: ruleID, Protocol: protocol, Type: "CONNECTED"})
}

// OnClientDisconnected implements relay.ListenerStatusSink.
func (h *Hub) OnClientDisconnected(ruleID uint, protocol string) {
	h.publish(Event{RuleID: ruleID, Protocol: protocol, Type: "DISCONNECTED"})
}

// StopListener implements relay.ListenerStatusSink.
func (h *Hub) StopListener(ruleID uint) {
	h.publish(Event{RuleID: ruleID, Type: "STOP"})
}

// Close stops the broadcast loop and disconnects every client.
func (h *Hub) Close() {
	close(h.done)
}
