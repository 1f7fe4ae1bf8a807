package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// WebSocket event types.
const (
	EventSyncStarted           = "sync.started"
	EventSyncActionSynced      = "sync.action_synced"
	EventSyncActionFailed      = "sync.action_failed"
	EventSyncCompleted         = "sync.completed"
	EventSyncPersistenceFailed = "sync.persistence_failed"

	EventQueueChanged        = "queue.changed"
	EventSnapshotUpdated     = "snapshot.updated"
	EventConnectivityChanged = "connectivity.changed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts non-browser clients and pages served from the
// loopback interface.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Envelope wraps every message pushed to clients.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

type outbound struct {
	typ     string
	payload []byte
}

// Client is one WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool // empty means everything
}

func (c *Client) wants(typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[typ]
}

// Hub fans engine, queue and snapshot changes out to WebSocket clients.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	now        func() time.Time
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan outbound, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	go h.run()
	return h
}

// Close stops the dispatch loop and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{"client_id": c.id, "clients": n})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client_id": c.id, "clients": n})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(msg.typ) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Slow client; drop it rather than stall everyone.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to every subscribed client. It never blocks:
// when the hub is backed up the message is dropped.
func (h *Hub) Broadcast(messageType string, data map[string]interface{}) {
	env := Envelope{Type: messageType, Data: data, Timestamp: h.now().UnixMilli()}
	payload, err := json.Marshal(env)
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err, map[string]interface{}{"type": messageType})
		return
	}
	select {
	case h.broadcast <- outbound{typ: messageType, payload: payload}:
	case <-h.done:
	default:
		logging.Warn("WebSocket hub backed up, message dropped", map[string]interface{}{"type": messageType})
	}
}

// HandleEngineEvent forwards drain progress.
func (h *Hub) HandleEngineEvent(ev syncpkg.Event) {
	data := map[string]interface{}{"order_id": ev.OrderID}
	var typ string
	switch ev.Type {
	case syncpkg.EventDrainStarted:
		typ = EventSyncStarted
	case syncpkg.EventActionSynced:
		typ = EventSyncActionSynced
		data["action_id"] = ev.ActionID
		data["kind"] = string(ev.Kind)
	case syncpkg.EventActionFailed:
		typ = EventSyncActionFailed
		data["action_id"] = ev.ActionID
		data["kind"] = string(ev.Kind)
		data["error"] = ev.Error
	case syncpkg.EventDrainCompleted:
		typ = EventSyncCompleted
		if r := ev.Result; r != nil {
			data["passes"] = r.Passes
			data["synced"] = r.Synced
			data["failed"] = r.Failed
			data["aborted"] = r.Aborted
			data["duration_ms"] = r.Duration().Milliseconds()
		}
	case syncpkg.EventPersistenceFailed:
		typ = EventSyncPersistenceFailed
		data["action_id"] = ev.ActionID
		data["error"] = ev.Error
	default:
		return
	}
	h.Broadcast(typ, data)
}

// HandleQueueEvent pushes the new pending count of the order.
func (h *Hub) HandleQueueEvent(ev queue.Event) {
	h.Broadcast(EventQueueChanged, map[string]interface{}{
		"order_id":  ev.OrderID,
		"change":    string(ev.Type),
		"action_id": ev.Action.ID,
		"pending":   ev.Pending,
	})
}

// HandleSnapshot pushes a changed order snapshot.
func (h *Hub) HandleSnapshot(snap models.OrderSnapshot) {
	h.Broadcast(EventSnapshotUpdated, map[string]interface{}{
		"order_id": snap.OrderID,
		"snapshot": snap,
	})
}

// HandleReachability pushes a connectivity edge.
func (h *Hub) HandleReachability(reachable bool) {
	h.Broadcast(EventConnectivityChanged, map[string]interface{}{"reachable": reachable})
}

// readPump handles subscribe, unsubscribe and ping requests.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "unsubscribe_ack", "unsubscribed": msg.Events})
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a direct response. It gives up if the client is gone.
func (c *Client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	defer func() { _ = recover() }() // send may be closed by the hub
	select {
	case c.send <- payload:
	default:
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

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &Client{
		id:            time.Now().Format("20060102150405.000000") + "-" + r.RemoteAddr,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
