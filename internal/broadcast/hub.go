// Package broadcast implements T3, the UI broadcast fan-out: a single hub
// goroutine owns the set of connected dashboard clients and pushes named
// events to all of them, following the teacher's dashboard.wsHub shape
// (single goroutine owns the connection set; channels, not locks, guard it).
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/follgate/tollbooth/internal/domain"
)

// SnapshotSource is the subset of internal/storage a newly-subscribed
// client's init payload is built from (§6).
type SnapshotSource interface {
	ListFlows() []*domain.Flow
	ListConversations() []*domain.Conversation
	Settings() domain.Settings
}

// PendingSource is the subset of internal/intercept's Manager a newly-
// subscribed client's init payload is built from.
type PendingSource interface {
	PendingIntercepts() []*domain.PendingIntercept
	PendingRefusals() []*domain.PendingRefusal
}

// envelope is the wire shape of every push: a discriminator plus payload.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// initPayload is what every newly-registered client receives first (§6).
type initPayload struct {
	Traffic           []*domain.Flow             `json:"traffic"`
	Conversations     []*domain.Conversation     `json:"conversations"`
	InterceptMode     domain.InterceptMode       `json:"interceptMode"`
	RulesEnabled      bool                       `json:"rulesEnabled"`
	PendingIntercepts []*domain.PendingIntercept `json:"pendingIntercepts"`
	PendingRefusals   []*domain.PendingRefusal   `json:"pendingRefusals"`
}

// Hub manages the set of connected UI WebSocket clients and fans out events
// to all of them. A single goroutine (run) owns connections; every mutation
// goes through a channel, so no lock is needed on the hot broadcast path.
type Hub struct {
	flows    SnapshotSource
	pendings PendingSource
	log      *slog.Logger

	connections  map[*conn]bool
	broadcastCh  chan []byte
	registerCh   chan *conn
	unregisterCh chan *conn
}

// NewHub wires a Hub against the storage/intercept snapshots it reads for
// the init payload. Call Run in a goroutine before serving connections.
func NewHub(flows SnapshotSource, pendings PendingSource, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		flows:        flows,
		pendings:     pendings,
		log:          log,
		connections:  make(map[*conn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *conn),
		unregisterCh: make(chan *conn),
	}
}

// SetPending wires the PendingSource after construction, for callers that
// must build the hub before the intercept manager that reads it exists.
func (h *Hub) SetPending(pendings PendingSource) {
	h.pendings = pendings
}

// Run is the hub's event loop; it blocks until ctx-independent shutdown via
// process exit, matching the teacher's run-forever hub goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.registerCh:
			h.connections[c] = true
			h.log.Debug("ui client connected", "total", len(h.connections))
			c.send <- h.buildInit()

		case c := <-h.unregisterCh:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
				h.log.Debug("ui client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for c := range h.connections {
				select {
				case c.send <- msg:
				default:
					delete(h.connections, c)
					close(c.send)
				}
			}
		}
	}
}

func (h *Hub) buildInit() []byte {
	p := initPayload{}
	if h.flows != nil {
		p.Traffic = h.flows.ListFlows()
		p.Conversations = h.flows.ListConversations()
		settings := h.flows.Settings()
		p.InterceptMode = settings.InterceptMode
		p.RulesEnabled = settings.RulesEnabled
	}
	if h.pendings != nil {
		p.PendingIntercepts = h.pendings.PendingIntercepts()
		p.PendingRefusals = h.pendings.PendingRefusals()
	}
	data, err := json.Marshal(envelope{Event: "init", Data: p})
	if err != nil {
		h.log.Error("broadcast: marshaling init payload failed", "err", err)
		return []byte(`{"event":"init","data":{}}`)
	}
	return data
}

// Broadcast implements internal/intercept.UIBroadcaster: fans event out to
// every connected client, dropping the message (not the client) if the
// shared broadcast buffer is momentarily full.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		h.log.Error("broadcast: marshaling event failed", "event", event, "err", err)
		return
	}
	select {
	case h.broadcastCh <- data:
	default:
		h.log.Warn("broadcast: buffer full, dropping event", "event", event)
	}
}

// upgrader allows any origin: the UI channel is a separate listener from
// the proxy control channel, often reached cross-origin during development.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn wraps one UI WebSocket connection.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

// ServeHTTP upgrades the request to a WebSocket and registers the resulting
// client with the hub, matching the proxy-channel-address/ui-channel-address
// split in §6's configuration table.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ui websocket upgrade failed", "err", err)
		return
	}
	c := &conn{ws: ws, send: make(chan []byte, 64)}
	h.registerCh <- c
	go c.writePump()
	go c.readPump(h)
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump only drains incoming frames to detect disconnection; the UI
// channel is push-only from the backend's side.
func (c *conn) readPump(h *Hub) {
	defer func() {
		h.unregisterCh <- c
		c.ws.Close()
	}()
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
