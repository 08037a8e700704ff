// Package ws pushes settlement notifications to connected payers over
// WebSocket. Frames are binary protobuf google.protobuf.Struct messages.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/server/middleware"
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
	sendBufferSize = 64

	defaultResubscribeDelay = time.Second
	maxResubscribeDelay     = 30 * time.Second
)

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	// orders the client follows. An empty set means every order for an
	// operator and nothing for anyone else.
	orders   map[string]bool
	operator bool
	mu       sync.RWMutex
}

// subscribeMsg is the JSON text frame a client sends to follow or drop
// orders: {"action":"subscribe","orders":["ORD-1"]}.
type subscribeMsg struct {
	Action string   `json:"action"`
	Orders []string `json:"orders"`
}

// Hub relays the payments channel of the signal bus to connected clients.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	network    string
	apiKey     string
	retryDelay time.Duration
	startedAt  time.Time
}

// broadcastMsg carries an encoded frame along with the order it concerns so
// the hub can route it only to clients following that order.
type broadcastMsg struct {
	orderRef string
	frame    []byte
}

// Config captures the hub's origin policy and the metadata sent to clients
// on connect.
type Config struct {
	Network        string
	AllowedOrigins []string
	// APIKey lets a client that presents it receive every settlement without
	// naming orders. Empty means every client must name its orders.
	APIKey string
	// ResubscribeDelay is the first wait after the bus subscription closes.
	// It doubles on each consecutive failure up to 30s. Defaults to 1s.
	ResubscribeDelay time.Duration
}

// NewHub creates a hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		network:    cfg.Network,
		apiKey:     cfg.APIKey,
		retryDelay: cfg.ResubscribeDelay,
		startedAt:  time.Now().UTC(),
	}
	if h.retryDelay <= 0 {
		h.retryDelay = defaultResubscribeDelay
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run subscribes to the payments channel and serves clients until ctx is
// cancelled. A closed subscription is re-established with backoff; clients
// stay connected meanwhile.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	msgCh, err := h.bus.Subscribe(ctx, domain.ChannelPayments)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", domain.ChannelPayments))

	var (
		retry   <-chan time.Time
		backoff = h.retryDelay
	)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug("ws: client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("ws: client disconnected", slog.Int("total_clients", h.clientCount()))

		case <-retry:
			retry = nil
			ch, err := h.bus.Subscribe(ctx, domain.ChannelPayments)
			if err != nil {
				backoff = min(backoff*2, maxResubscribeDelay)
				h.logger.Warn("ws: resubscribe failed",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", backoff),
				)
				retry = time.After(backoff)
				continue
			}
			msgCh = ch
			h.logger.Info("ws: resubscribed to channel", slog.String("channel", domain.ChannelPayments))

		case payload, ok := <-msgCh:
			if !ok {
				if ctx.Err() != nil {
					msgCh = nil
					continue
				}
				h.logger.Warn("ws: payments subscription closed; resubscribing", slog.Duration("retry_in", backoff))
				msgCh = nil
				retry = time.After(backoff)
				backoff = min(backoff*2, maxResubscribeDelay)
				continue
			}
			backoff = h.retryDelay
			msg, err := encodeSettlement(payload)
			if err != nil {
				h.logger.Warn("ws: dropping undecodable payment message", slog.String("error", err.Error()))
				continue
			}
			h.fanOut(msg)
		}
	}
}

func (h *Hub) fanOut(msg broadcastMsg) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.follows(msg.orderRef) {
			continue
		}
		select {
		case c.send <- msg.frame:
		default:
			h.logger.Warn("ws: dropping message for slow client", slog.String("order_ref", msg.orderRef))
		}
	}
}

// encodeSettlement converts a JSON settlement published on the bus into a
// protobuf Struct frame with a "type" discriminator.
func encodeSettlement(payload []byte) (broadcastMsg, error) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return broadcastMsg{}, err
	}
	ref, _ := data["order_ref"].(string)
	frame, err := encodeFrame("payment_settled", data)
	if err != nil {
		return broadcastMsg{}, err
	}
	return broadcastMsg{orderRef: ref, frame: frame}, nil
}

func encodeFrame(kind string, data map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"type":    kind,
		"payload": data,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. Clients may pass ?order=<ref> to follow a single
// order from the start. Only a client presenting the API key may follow
// every order.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	operator := middleware.Authorized(r, h.apiKey)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		orders:   make(map[string]bool),
		operator: operator,
	}
	if ref := r.URL.Query().Get("order"); ref != "" {
		c.orders[ref] = true
	}

	c.sendHello()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads subscription changes from the client until the connection
// drops.
func (c *client) readPump() {
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
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ref := range msg.Orders {
			c.orders[ref] = true
		}
	case "unsubscribe":
		for _, ref := range msg.Orders {
			delete(c.orders, ref)
		}
	}
}

// sendHello pushes a status frame so clients can mark the connection healthy
// before any payment arrives.
func (c *client) sendHello() {
	frame, err := encodeFrame("hello", map[string]any{
		"network":        c.hub.network,
		"uptime_seconds": float64(int64(time.Since(c.hub.startedAt).Seconds())),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) follows(orderRef string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.orders) == 0 {
		return c.operator
	}
	return c.orders[orderRef]
}

// writePump writes queued frames as binary messages and pings periodically.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
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
