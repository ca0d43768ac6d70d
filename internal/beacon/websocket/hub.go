package websocket

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"gridflow/pkg/auth"
	"gridflow/pkg/logging"
)

// Close codes beyond the RFC set
const (
	CloseAuthFailed = 4001
	// 1008 (policy violation) is used when the hub is at capacity
)

// Frame types sent to clients
const (
	FrameWelcome      = "WELCOME"
	FrameSubscribed   = "SUBSCRIBED"
	FrameUnsubscribed = "UNSUBSCRIBED"
	FrameError        = "ERROR"
)

// Well-known channels. Region and meter channels are derived:
// region:{region}, meter:{meterId}.
const (
	ChannelTariffs            = "tariffs"
	ChannelAlerts             = "alerts"
	ChannelAlertStatusUpdates = "alert_status_updates"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = pingPeriod + 10*time.Second
	maxMessageSize = 1024
	sendQueueSize  = 64
)

// Message is one fan-out frame delivered to subscribed clients.
type Message struct {
	Type      string                 `json:"type"`
	Channel   string                 `json:"channel"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// SubscriptionRequest is the only frame clients send.
type SubscriptionRequest struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// Metrics holds the hub's Prometheus metrics
type Metrics struct {
	Connections *prometheus.GaugeVec   // no labels
	Dropped     *prometheus.CounterVec // labels: reason
	Delivered   *prometheus.CounterVec // labels: channel
	Denied      *prometheus.CounterVec // labels: channel
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains the set of authenticated clients and fans out pipeline
// events to their subscribed channels.
type Hub struct {
	jwtSecret []byte
	maxConns  int
	logger    logging.Logger
	metrics   *Metrics

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	mutex   sync.RWMutex
	clients map[*Client]bool
}

// Client is one authenticated WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logging.Logger

	userID  string
	role    string
	region  string
	meterID string

	mu       sync.Mutex
	channels map[string]bool
}

// NewHub creates a hub enforcing the given connection cap.
func NewHub(jwtSecret []byte, maxConns int, logger logging.Logger, metrics *Metrics) *Hub {
	return &Hub{
		jwtSecret:  jwtSecret,
		maxConns:   maxConns,
		logger:     logger,
		metrics:    metrics,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, 256),
		clients:    make(map[*Client]bool),
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
			h.metrics.Connections.WithLabelValues().Set(float64(count))
			h.logger.WithFields(logging.Fields{
				"client_count": count,
				"user_id":      client.userID,
				"role":         client.role,
			}).Info("Client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.metrics.Connections.WithLabelValues().Set(float64(count))
			h.logger.WithField("client_count", count).Info("Client disconnected")

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// Broadcast queues one event for fan-out. A full hub queue drops the event
// rather than blocking the consumer loop.
func (h *Hub) Broadcast(msgType, channel string, data map[string]interface{}) {
	message := Message{
		Type:      msgType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	select {
	case h.broadcast <- message:
	default:
		h.metrics.Dropped.WithLabelValues("hub_queue_full").Inc()
		h.logger.WithField("channel", channel).Warn("Broadcast queue full, dropping message")
	}
}

// fanOut delivers one message to every subscribed client. A client with a
// full send queue loses the message, not the connection.
func (h *Hub) fanOut(message Message) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal fan-out message")
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.clients {
		if !client.subscribed(message.Channel) {
			continue
		}
		select {
		case client.send <- payload:
			h.metrics.Delivered.WithLabelValues(message.Channel).Inc()
		default:
			h.metrics.Dropped.WithLabelValues("client_queue_full").Inc()
		}
	}
}

// Stats summarises the hub for the operator stats endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	channelCounts := make(map[string]int)
	for client := range h.clients {
		for _, channel := range client.channelList() {
			channelCounts[channel]++
		}
	}
	return map[string]interface{}{
		"total_clients":         len(h.clients),
		"max_connections":       h.maxConns,
		"channel_subscriptions": channelCounts,
	}
}

// ServeWS authenticates and upgrades one connection. The bearer token comes
// from ?token= or the Authorization header; auth failures close with 4001,
// capacity with 1008.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	claims, err := auth.ValidateJWT(token, h.jwtSecret)
	if err != nil {
		h.closeWith(conn, CloseAuthFailed, "authentication failed")
		return
	}

	h.mutex.RLock()
	atCapacity := len(h.clients) >= h.maxConns
	h.mutex.RUnlock()
	if atCapacity {
		h.closeWith(conn, websocket.ClosePolicyViolation, "server at capacity")
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		logger:   h.logger,
		userID:   claims.UserID,
		role:     claims.Role,
		region:   claims.Region,
		meterID:  claims.MeterID,
		channels: make(map[string]bool),
	}
	for _, channel := range defaultChannels(claims) {
		client.channels[channel] = true
	}

	h.register <- client

	go client.writePump()
	go client.readPump()

	client.sendFrame(map[string]interface{}{
		"type":     FrameWelcome,
		"userId":   client.userID,
		"role":     client.role,
		"channels": client.channelList(),
	})
}

func (h *Hub) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// bearerToken extracts the token from ?token= or "Authorization: Bearer".
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// defaultChannels derives the initial subscription set from the claims:
// everyone gets tariffs, operators and admins additionally get the alert
// channels, and scoped claims add their region and meter channels.
func defaultChannels(claims *auth.Claims) []string {
	channels := []string{ChannelTariffs}
	if claims.Role == auth.RoleOperator || claims.Role == auth.RoleAdmin {
		channels = append(channels, ChannelAlerts, ChannelAlertStatusUpdates)
	}
	if claims.Region != "" {
		channels = append(channels, "region:"+claims.Region)
	}
	if claims.MeterID != "" {
		channels = append(channels, "meter:"+claims.MeterID)
	}
	return channels
}

// CanSubscribe is the channel access matrix.
func CanSubscribe(role, region, meterID, channel string) bool {
	switch {
	case channel == ChannelTariffs:
		return true
	case channel == ChannelAlerts, channel == ChannelAlertStatusUpdates:
		return role == auth.RoleOperator || role == auth.RoleAdmin
	case strings.HasPrefix(channel, "region:"):
		if role == auth.RoleOperator || role == auth.RoleAdmin {
			return true
		}
		return strings.TrimPrefix(channel, "region:") == region
	case strings.HasPrefix(channel, "meter:"):
		if role == auth.RoleOperator || role == auth.RoleAdmin {
			return true
		}
		return strings.TrimPrefix(channel, "meter:") == meterID
	default:
		return false
	}
}

func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

func (c *Client) channelList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// readPump consumes subscription frames until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
				c.logger.WithError(err).Debug("WebSocket connection error")
			}
			return
		}

		var req SubscriptionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.sendFrame(map[string]interface{}{
				"type":  FrameError,
				"error": "invalid subscription frame",
			})
			continue
		}
		c.handleSubscription(req)
	}
}

// writePump flushes the send queue and drives the ping timer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
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

// handleSubscription applies one subscribe/unsubscribe frame against the
// access matrix. Denied channels come back in an ERROR frame; allowed ones
// are confirmed.
func (c *Client) handleSubscription(req SubscriptionRequest) {
	switch req.Action {
	case "subscribe":
		var granted, denied []string
		c.mu.Lock()
		for _, channel := range req.Channels {
			if CanSubscribe(c.role, c.region, c.meterID, channel) {
				c.channels[channel] = true
				granted = append(granted, channel)
			} else {
				denied = append(denied, channel)
			}
		}
		c.mu.Unlock()

		for _, channel := range denied {
			c.hub.metrics.Denied.WithLabelValues(channel).Inc()
		}
		if len(denied) > 0 {
			c.sendFrame(map[string]interface{}{
				"type":   FrameError,
				"error":  "subscription denied",
				"denied": denied,
			})
		}
		if len(granted) > 0 {
			c.sendFrame(map[string]interface{}{
				"type":     FrameSubscribed,
				"channels": c.channelList(),
			})
		}

	case "unsubscribe":
		c.mu.Lock()
		for _, channel := range req.Channels {
			delete(c.channels, channel)
		}
		c.mu.Unlock()
		c.sendFrame(map[string]interface{}{
			"type":     FrameUnsubscribed,
			"channels": c.channelList(),
		})

	default:
		c.sendFrame(map[string]interface{}{
			"type":  FrameError,
			"error": "unknown action",
		})
	}
}

func (c *Client) sendFrame(data map[string]interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal client frame")
		return
	}
	select {
	case c.send <- payload:
	default:
		c.hub.metrics.Dropped.WithLabelValues("client_queue_full").Inc()
	}
}
