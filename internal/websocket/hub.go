package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fabiohfernandes/Matchmaker/internal/engine"
	"github.com/fabiohfernandes/Matchmaker/internal/events"
	"github.com/fabiohfernandes/Matchmaker/internal/metrics"
	"github.com/fabiohfernandes/Matchmaker/internal/session"
	"github.com/fabiohfernandes/Matchmaker/pkg/logging"
)

// Server-emitted event names.
const (
	EventConnected       = "connected"
	EventQueueJoined     = "queueJoined"
	EventQueueStatus     = "queueStatus"
	EventQueueUpdate     = "queueUpdate"
	EventServerAssigned  = "serverAssigned"
	EventActivityUpdated = "activityUpdated"
	EventSessionExpired  = "sessionExpired"
	EventPong            = "pong"
	EventError           = "error"
	EventServerShutdown  = "serverShutdown"
)

// Client-accepted event names.
const (
	ActionJoinQueue      = "joinQueue"
	ActionGetQueueStatus = "getQueueStatus"
	ActionUpdateActivity = "updateActivity"
	ActionPing           = "ping"
)

// Message is a server-to-client frame.
type Message struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// clientRequest is a client-to-server frame.
type clientRequest struct {
	Event     string `json:"event"`
	ClientID  string `json:"clientId,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Hub maintains the set of active client connections and routes engine
// events to the sockets that own the affected sessions.
type Hub struct {
	logger   logging.Logger
	eng      *engine.Engine
	sessions *session.Store
	metrics  *metrics.Metrics

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once

	mutex     sync.RWMutex
	clients   map[*Client]bool
	bySession map[string]*Client
}

// Client represents one WebSocket client connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	logger    logging.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a hub bound to the engine and session store.
func NewHub(logger logging.Logger, eng *engine.Engine, sessions *session.Store, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:     logger,
		eng:        eng,
		sessions:   sessions,
		metrics:    m,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		bySession:  make(map[string]*Client),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			if h.metrics != nil {
				h.metrics.HubConnections.Set(float64(count))
			}
			h.logger.WithField("client_count", count).Info("Client connected")

		case client := <-h.unregister:
			h.dropClient(client)

		case <-h.done:
			return
		}
	}
}

func (h *Hub) dropClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if client.sessionID != "" {
			delete(h.bySession, client.sessionID)
		}
		close(client.send)
	}
	count := len(h.clients)
	h.mutex.Unlock()

	if h.metrics != nil {
		h.metrics.HubConnections.Set(float64(count))
	}
	h.logger.WithField("client_count", count).Info("Client disconnected")
}

// AttachEngineEvents subscribes the hub to assignment and expiry events so
// waiting clients get pushed updates.
func (h *Hub) AttachEngineEvents(bus *events.Bus) {
	bus.Subscribe(func(e events.Event) {
		h.notifyAssigned(e)
	}, events.SessionAssigned)

	bus.Subscribe(func(e events.Event) {
		h.notifyRemoved(e.SessionID)
	}, events.SessionRemoved)
}

func (h *Hub) notifyAssigned(e events.Event) {
	h.mutex.RLock()
	owner := h.bySession[e.SessionID]
	h.mutex.RUnlock()

	if owner != nil {
		owner.sendEvent(EventServerAssigned, map[string]interface{}{
			"sessionId": e.SessionID,
			"serverId":  e.NodeID,
			"server":    e.Data,
		})
	}

	// Everyone still queued moved up.
	h.pushQueueUpdates()
}

func (h *Hub) notifyRemoved(sessionID string) {
	h.mutex.RLock()
	owner := h.bySession[sessionID]
	h.mutex.RUnlock()

	if owner != nil {
		owner.sendEvent(EventSessionExpired, map[string]interface{}{
			"sessionId": sessionID,
		})
	}
	h.pushQueueUpdates()
}

// pushQueueUpdates sends fresh positions to every socket with a queued
// session.
func (h *Hub) pushQueueUpdates() {
	h.mutex.RLock()
	waiting := make(map[string]*Client, len(h.bySession))
	for sessionID, client := range h.bySession {
		waiting[sessionID] = client
	}
	h.mutex.RUnlock()

	for sessionID, client := range waiting {
		if qs, ok := h.eng.QueuePosition(sessionID); ok {
			client.sendEvent(EventQueueUpdate, map[string]interface{}{
				"sessionId":    sessionID,
				"position":     qs.Position,
				"totalInQueue": qs.TotalInQueue,
				"etaMs":        qs.ETAMs,
			})
		}
	}
}

// Shutdown notifies every client and stops the hub loop.
func (h *Hub) Shutdown() {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		client.sendEvent(EventServerShutdown, map[string]interface{}{
			"message": "Matchmaker shutting down",
		})
	}

	// Give write pumps a moment to flush the shutdown notice.
	time.Sleep(100 * time.Millisecond)
	for _, client := range clients {
		_ = client.conn.Close()
	}
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request into a hub connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: h.logger,
	}

	select {
	case client.hub.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	client.sendEvent(EventConnected, map[string]interface{}{
		"timestamp": time.Now().UnixMilli(),
	})

	go client.writePump()
	go client.readPump()
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024
)

// readPump pumps messages from the WebSocket connection into engine calls.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("WebSocket connection error")
			}
			break
		}

		var req clientRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.sendEvent(EventError, map[string]interface{}{"message": "Invalid message"})
			continue
		}
		if c.hub.metrics != nil {
			c.hub.metrics.HubMessages.WithLabelValues("in", req.Event).Inc()
		}
		c.handleRequest(req)
	}
}

func (c *Client) handleRequest(req clientRequest) {
	switch req.Event {
	case ActionJoinQueue:
		sess := c.hub.eng.Enqueue(req.ClientID, req.Priority)

		c.hub.mutex.Lock()
		if c.sessionID != "" {
			delete(c.hub.bySession, c.sessionID)
		}
		c.sessionID = sess.ID
		c.hub.bySession[sess.ID] = c
		c.hub.mutex.Unlock()

		position := 0
		if qs, ok := c.hub.eng.QueuePosition(sess.ID); ok {
			position = qs.Position
		}
		c.sendEvent(EventQueueJoined, map[string]interface{}{
			"sessionId":     sess.ID,
			"queuePosition": position,
		})

		// A node may already be free.
		c.hub.eng.DrainQueue()

	case ActionGetQueueStatus:
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = c.sessionID
		}
		qs, ok := c.hub.eng.QueuePosition(sessionID)
		if !ok {
			c.sendEvent(EventError, map[string]interface{}{"message": "Session not in queue"})
			return
		}
		c.sendEvent(EventQueueStatus, map[string]interface{}{
			"sessionId":    sessionID,
			"position":     qs.Position,
			"totalInQueue": qs.TotalInQueue,
			"etaMs":        qs.ETAMs,
		})

	case ActionUpdateActivity:
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = c.sessionID
		}
		if !c.hub.sessions.UpdateActivity(sessionID) {
			c.sendEvent(EventError, map[string]interface{}{"message": "Session not found"})
			return
		}
		c.sendEvent(EventActivityUpdated, map[string]interface{}{
			"sessionId": sessionID,
		})

	case ActionPing:
		c.sendEvent(EventPong, map[string]interface{}{
			"timestamp": time.Now().UnixMilli(),
		})

	default:
		c.sendEvent(EventError, map[string]interface{}{"message": "Unknown event"})
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
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

// sendEvent marshals and queues a frame; a full send buffer drops the
// client rather than blocking the hub.
func (c *Client) sendEvent(event string, data map[string]interface{}) {
	payload, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal client message")
		return
	}
	if c.hub.metrics != nil {
		c.hub.metrics.HubMessages.WithLabelValues("out", event).Inc()
	}

	defer func() {
		// Send on a closed channel means the client was dropped concurrently.
		_ = recover()
	}()
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("Client send buffer full, dropping connection")
		c.conn.Close()
	}
}
