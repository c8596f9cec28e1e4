// Package ws streams execution progress and risk snapshots from the event bus
// to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Envelope is the frame sent to clients.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// subscribeMsg changes a client's subscriptions. An empty wallet receives
// every wallet's events.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
	Wallet   *string  `json:"wallet"`
}

// walletOf is the subset of every bus payload used for filtering.
type walletOf struct {
	Wallet string `json:"wallet"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	subs   map[string]bool
	wallet string
}

type broadcastMsg struct {
	channel string
	wallet  string
	data    []byte
}

// Hub fans bus messages out to connected clients.
type Hub struct {
	bus      domain.EventBus
	channels []string
	logger   *slog.Logger

	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
	startedAt  time.Time
}

// NewHub creates a Hub relaying channels from bus.
func NewHub(bus domain.EventBus, channels []string, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		channels:   channels,
		logger:     logger.With(slog.String("component", "ws_hub")),
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// Run subscribes to the bus and serves clients until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range h.channels {
		go h.relay(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			close(h.done)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.channel, msg.wallet) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping message for slow client", slog.String("channel", msg.channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("subscribe failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				h.logger.Warn("subscription closed", slog.String("channel", channel))
				return
			}
			var w walletOf
			_ = json.Unmarshal(payload, &w)
			frame, err := json.Marshal(Envelope{Type: "event", Channel: channel, Payload: payload})
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{channel: channel, wallet: w.Wallet, data: frame}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the connection. Clients start subscribed to every
// channel; ?wallet= narrows the stream to one wallet.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]bool, len(h.channels)),
		wallet: r.URL.Query().Get("wallet"),
	}
	for _, ch := range h.channels {
		c.subs[ch] = true
	}

	c.hello()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) wants(channel, wallet string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subs[channel] {
		return false
	}
	return c.wallet == "" || c.wallet == wallet
}

func (c *client) hello() {
	payload, _ := json.Marshal(map[string]any{
		"channels":       c.hub.channels,
		"wallet":         c.wallet,
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
	})
	frame, err := json.Marshal(Envelope{Type: "hello", Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
	if msg.Wallet != nil {
		c.wallet = *msg.Wallet
	}
}

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
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(message, &msg) == nil {
			c.apply(msg)
		}
	}
}

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
