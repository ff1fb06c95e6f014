// Package ws implements the real-time listing channel: a WebSocket hub that
// groups connections by listing and fans listing events out to each group.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chainmarket/internal/domain"
	"chainmarket/internal/market"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// snapshotTimeout bounds the snapshot read performed on join.
	snapshotTimeout = 5 * time.Second
)

// SnapshotProvider returns the current listing state for join replies.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, listingID string) (market.Snapshot, error)
}

// client represents a single WebSocket connection and the listing groups it
// has joined. Each client carries its own version gate so duplicate or
// reordered event deliveries never regress what it has seen.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	gate   *domain.VersionGate
	mu     sync.RWMutex
	groups map[string]bool
}

// clientMsg is the JSON frame a client sends to manage its subscriptions.
type clientMsg struct {
	Action    string `json:"action"` // "join_listing" or "leave_listing"
	ListingID string `json:"listingId"`
}

// stateFrame is the reply to a join, carrying the full listing snapshot.
type stateFrame struct {
	Type    string       `json:"type"`
	Listing any          `json:"listing"`
	Bids    []domain.Bid `json:"bids"`
}

// errorFrame tells a client that a join failed.
type errorFrame struct {
	Type      string `json:"type"`
	ListingID string `json:"listingId"`
	Message   string `json:"message"`
}

// Hub manages WebSocket clients and their per-listing subscription groups.
// It consumes listing events from the event bus and delivers each to the
// clients subscribed to that listing. Delivery is best-effort: a client
// whose send buffer is full loses the frame and resynchronizes by rejoining.
type Hub struct {
	clients   map[*client]bool
	broadcast chan []byte
	bus       domain.EventBus
	snapshots SnapshotProvider
	mu        sync.RWMutex
	logger    *slog.Logger
	origins   []string
}

// NewHub creates a Hub that bridges the event bus to WebSocket clients.
// origins lists the allowed WebSocket origins; empty allows all.
func NewHub(bus domain.EventBus, snapshots SnapshotProvider, origins []string, logger *slog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*client]bool),
		broadcast: make(chan []byte, 256),
		bus:       bus,
		snapshots: snapshots,
		logger:    logger.With(slog.String("component", "ws_hub")),
		origins:   origins,
	}
}

// Run starts the hub's main event loop. It should be called in a goroutine;
// it exits when the provided context is cancelled. Shutdown closes the client
// connections and lets each readPump tear its client down, so a join racing
// shutdown never writes to a closed send channel.
func (h *Hub) Run(ctx context.Context) error {
	go h.consumeBus(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.RLock()
			for c := range h.clients {
				c.conn.Close()
			}
			h.mu.RUnlock()
			return ctx.Err()

		case payload := <-h.broadcast:
			h.deliver(payload)
		}
	}
}

// addClient registers a new connection with the hub.
func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("ws: client connected", slog.Int("total_clients", total))
}

// removeClient unregisters the connection and closes its send channel. Only
// the client's own readPump calls this, so the channel closes exactly once
// and never while the client can still queue frames on it.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("ws: client disconnected", slog.Int("total_clients", total))
}

// consumeBus subscribes to all listing channels and forwards payloads to the
// hub's broadcast loop.
func (h *Hub) consumeBus(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, domain.ListingChannelPattern)
	if err != nil {
		h.logger.Error("ws: event bus subscribe failed",
			slog.String("pattern", domain.ListingChannelPattern),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: event bus subscription closed")
				return
			}
			select {
			case h.broadcast <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

// deliver routes one event payload to every client in the event's listing
// group. A slow client drops the frame; it never blocks the others.
func (h *Hub) deliver(payload []byte) {
	ev, err := domain.DecodeEvent(payload)
	if err != nil {
		h.logger.Warn("ws: dropping undecodable event",
			slog.String("error", err.Error()),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.inGroup(ev.ListingID) {
			continue
		}
		if !c.gate.Admit(ev.ListingID, ev.Version) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("ws: dropping frame for slow client",
				slog.String("listing_id", ev.ListingID),
			)
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(h.origins),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		gate:   domain.NewVersionGate(),
		groups: make(map[string]bool),
	}

	h.addClient(c)

	go c.writePump()
	go c.readPump()
}

// originChecker builds the upgrade origin policy. An empty allow list
// accepts any origin.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// readPump reads subscription management frames from the connection.
func (c *client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil || msg.ListingID == "" {
			continue
		}

		switch msg.Action {
		case "join_listing":
			c.handleJoin(msg.ListingID)
		case "leave_listing":
			c.handleLeave(msg.ListingID)
		}
	}
}

// handleJoin adds the client to the listing's group and replies with the
// current snapshot. The group membership is added before the snapshot read,
// so the snapshot version is never behind an event published before the
// join completed; the version gate absorbs any frame that raced in between.
func (c *client) handleJoin(listingID string) {
	c.mu.Lock()
	c.groups[listingID] = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	snap, err := c.hub.snapshots.Snapshot(ctx, listingID)
	if err != nil {
		c.handleLeave(listingID)
		c.sendJSON(errorFrame{
			Type:      "error",
			ListingID: listingID,
			Message:   "failed to join listing",
		})
		c.hub.logger.Warn("ws: join snapshot failed",
			slog.String("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		return
	}

	c.gate.Observe(listingID, snap.Listing.Version)
	c.sendJSON(stateFrame{
		Type:    "listing_state",
		Listing: snap.Listing,
		Bids:    snap.Bids,
	})
}

// handleLeave removes the client from the listing's group.
func (c *client) handleLeave(listingID string) {
	c.mu.Lock()
	delete(c.groups, listingID)
	c.mu.Unlock()
	c.gate.Forget(listingID)
}

// inGroup checks whether the client has joined the listing's group.
func (c *client) inGroup(listingID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groups[listingID]
}

// sendJSON marshals v and queues it on the client's send channel, dropping
// the frame if the buffer is full.
func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump pumps queued frames to the WebSocket connection and sends
// periodic ping frames for keepalive.
func (c *client) writePump() {
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
				// removeClient closed the channel.
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
