package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/bifrost/internal/infrastructure/config"
	"github.com/nerrad567/bifrost/internal/infrastructure/logging"
)

// Message types on the panel socket. A panel sends subscribe; the server
// answers with response or error and then pushes event messages.
const (
	WSTypeSubscribe = "subscribe"
	WSTypeEvent     = "event"
	WSTypeResponse  = "response"
	WSTypeError     = "error"

	// wsSendBufferSize is the per-client outbound queue length.
	wsSendBufferSize = 256
)

// Event channels.
const (
	ChannelConfigAccepted = "config.accepted"
	ChannelConfigRejected = "config.rejected"
	ChannelVolumeChanged  = "volume.changed"
)

// ConfigOutcome is the payload of config.accepted and config.rejected.
type ConfigOutcome struct {
	Message string `json:"message"`
}

// VolumeChange is the payload of volume.changed.
type VolumeChange struct {
	BaseTopic string `json:"baseTopic"`
	Level     int    `json:"level"`
	At        string `json:"at"`
}

// WSMessage is the envelope for every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of a subscribe message.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub fans bridge events out to connected panels. It implements
// bridge.Notifier, and VolumeChanged matches bridge.VolumeObserver.
//
// A client's send channel is only written or closed while holding mu, and
// only while the client is registered, so a departing client never sees a
// send on a closed channel.
type Hub struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one panel connection.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled and then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send channel. It is safe to
// call after Run has already dropped the client.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast pushes an event to every client subscribed to channel. A client
// whose queue is full misses the event.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to encode websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(channel) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("websocket client queue full, event dropped", "channel", channel)
		}
	}
}

// deliver queues a reply for a single client, if it is still registered.
func (h *Hub) deliver(c *WSClient, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ConfigAccepted broadcasts an accepted configuration.
func (h *Hub) ConfigAccepted(message string) {
	h.Broadcast(ChannelConfigAccepted, ConfigOutcome{Message: message})
}

// ConfigRejected broadcasts a rejected configuration with its reason.
func (h *Hub) ConfigRejected(reason string) {
	h.Broadcast(ChannelConfigRejected, ConfigOutcome{Message: reason})
}

// VolumeChanged broadcasts a published volume level.
func (h *Hub) VolumeChanged(baseTopic string, level int, at time.Time) {
	h.Broadcast(ChannelVolumeChanged, VolumeChange{
		BaseTopic: baseTopic,
		Level:     level,
		At:        at.UTC().Format(time.RFC3339Nano),
	})
}

// handleWebSocket upgrades a panel connection. Clients receive nothing until
// they subscribe to a channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.websocketOriginAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.logger.Warn("websocket upgrade refused",
			"origin", r.Header.Get("Origin"),
			"error", err,
		)
		return
	}

	c := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(c)

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

// websocketOriginAllowed gates the upgrade handshake, which browsers do not
// subject to CORS. Requests without an Origin come from non-browser clients.
// With no allowed_origins configured only same-host pages may connect.
func (s *Server) websocketOriginAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.CORS.AllowedOrigins) > 0 {
		return s.isAllowedOrigin(origin)
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// readLoop handles subscribe requests until the connection fails.
func (c *WSClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	c.conn.SetPongHandler(func(string) error { return extend() })
	if err := extend(); err != nil {
		return
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any frame counts.
		if err := extend(); err != nil {
			return
		}
		c.handle(data)
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
// It exits when the hub closes the queue or a write fails.
func (c *WSClient) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ping.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

// handle processes one client frame.
func (c *WSClient) handle(data []byte) {
	var msg struct {
		Type    string             `json:"type"`
		ID      string             `json:"id"`
		Payload WSSubscribePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid message"})
		return
	}
	if msg.Type != WSTypeSubscribe {
		c.reply(msg.ID, WSTypeError, map[string]string{"message": "unknown message type: " + msg.Type})
		return
	}

	c.mu.Lock()
	for _, ch := range msg.Payload.Channels {
		c.subscriptions[ch] = struct{}{}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed", "channels", msg.Payload.Channels)
	c.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": msg.Payload.Channels})
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.hub.deliver(c, data)
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}
