package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/glwdesk/pkg/app/desk"
	"github.com/uhyunpark/glwdesk/pkg/metrics"
)

const (
	ChannelOrderbook   = "orderbook"
	ChannelActivity    = "activity"
	ChannelSettlements = "settlements"
	channelAccount     = "account:"
)

// AccountChannel is the per-address channel: the address's own orders,
// activities and attempts.
func AccountChannel(addr common.Address) string {
	return channelAccount + strings.ToLower(addr.Hex())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub maintains active WebSocket connections and fans desk events out to
// subscribed clients.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewHub(log *zap.SugaredLogger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
		metrics:    m,
	}
}

// Run owns client registration until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.metrics.WSClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.WSClients.Set(float64(n))
			h.log.Infow("ws_client_connected", "client", client.id, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.WSClients.Set(float64(n))
			h.log.Infow("ws_client_disconnected", "client", client.id, "total", n)
		}
	}
}

// BroadcastToChannel sends a message to all clients subscribed to any of channels
func (h *Hub) BroadcastToChannel(data interface{}, channels ...string) {
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(channels...) {
			select {
			case client.send <- message:
			default:
				// Buffer full, skip this client
				h.log.Warnw("ws_client_lagging", "client", client.id)
			}
		}
	}
}

func (h *Hub) subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.IsSubscribed(channel) {
			n++
		}
	}
	return n
}

// broadcastEvent translates a desk event into a push on the matching channels.
func (s *Server) broadcastEvent(e desk.Event) {
	switch {
	case e.Order != nil:
		s.hub.BroadcastToChannel(WSMessage{Type: string(e.Type), Data: toOrderInfo(*e.Order, false)},
			ChannelOrderbook, AccountChannel(e.Order.Owner))
	case e.Activity != nil:
		channels := []string{ChannelActivity, AccountChannel(e.Activity.Order.Owner)}
		if e.Activity.Counterparty != (common.Address{}) {
			channels = append(channels, AccountChannel(e.Activity.Counterparty))
		}
		s.hub.BroadcastToChannel(WSMessage{Type: string(e.Type), Data: toActivityInfo(*e.Activity, false)}, channels...)
	case e.Attempt != nil:
		s.hub.BroadcastToChannel(WSMessage{Type: string(e.Type), Data: toAttemptInfo(*e.Attempt)},
			ChannelSettlements, AccountChannel(e.Attempt.Counterparty))
	}
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed reports whether the client follows any of channels.
func (c *Client) IsSubscribed(channels ...string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, ch := range channels {
		if c.subscriptions[ch] {
			return true
		}
	}
	return false
}

func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	c.subscriptions[strings.ToLower(channel)] = true
	c.subsMu.Unlock()
	c.hub.log.Debugw("ws_subscribed", "client", c.id, "channel", channel)
}

func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subscriptions, strings.ToLower(channel))
	c.subsMu.Unlock()
	c.hub.log.Debugw("ws_unsubscribed", "client", c.id, "channel", channel)
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Warnw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				c.Subscribe(channel)
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(channel)
			}
		default:
			c.hub.log.Warnw("ws_unknown_op", "client", c.id, "op", req.Op)
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            "ws-" + uuid.NewString()[:8],
		subscriptions: make(map[string]bool),
	}

	select {
	case client.hub.register <- client:
	case <-client.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
