// Package transporthub implements the connection hub: WebSocket
// accept/upgrade, per-connection read/write pumps, heartbeats, topic
// subscriptions, and the token-auth gate on upgrade. It is grounded on the
// teacher's internal/v1/session Hub/Client pair (hub.go's ServeWs upgrade
// flow, client.go's readPump/writePump goroutines) generalized from
// protobuf-framed video-room messages to this server's JSON envelope
// (internal/protocol), and from a single global JWT validator to the
// shared-secret internal/auth.Validator.
package transporthub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/liku-ai/gamecoord/internal/agentry"
	"github.com/liku-ai/gamecoord/internal/auth"
	"github.com/liku-ai/gamecoord/internal/health"
	"github.com/liku-ai/gamecoord/internal/logging"
	"github.com/liku-ai/gamecoord/internal/metrics"
	"github.com/liku-ai/gamecoord/internal/protocol"
	"github.com/liku-ai/gamecoord/internal/ratelimit"
	"github.com/liku-ai/gamecoord/internal/router"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// MaxPayloadBytes bounds a single inbound frame (default 1 MiB).
const MaxPayloadBytes = 1 << 20

// protocolVersion is advertised in the welcome frame.
const protocolVersion = 1

const writeWait = 10 * time.Second
const pongWait = 60 * time.Second

// wsConn is the subset of *websocket.Conn the hub depends on, so tests can
// substitute a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// RateLimiter is the subset of *ratelimit.Limiter the hub needs.
type RateLimiter interface {
	Allow(ctx context.Context, connID string) (ratelimit.Decision, error)
	Forget(connID string)
}

// Validator is the subset of *auth.Validator the hub needs.
type Validator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Connection is one accepted transport peer.
type Connection struct {
	ID        string
	conn      wsConn
	send      chan protocol.Outbound
	hub       *Hub
	connectAt time.Time

	mu            sync.Mutex
	lastActivity  time.Time
	subscriptions set.Set[string]
	agentID       string
	claims        *auth.CustomClaims
	pingOutstanding bool
}

// Subscribe adds topic to the connection's subscription set.
func (c *Connection) Subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions.Insert(topic)
}

// Unsubscribe removes topic from the connection's subscription set.
func (c *Connection) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions.Delete(topic)
}

// subscribedTo reports whether topic should be delivered: state is
// always implicit, "*" matches everything, else exact match.
func (c *Connection) subscribedTo(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if topic == "state" {
		return true
	}
	return c.subscriptions.Has("*") || c.subscriptions.Has(topic)
}

// logCtx enriches a background context with the connection's agent
// identity so logging attaches it to every line for this connection.
func (c *Connection) logCtx() context.Context {
	ctx := context.Background()
	if id := c.AgentID(); id != "" {
		ctx = context.WithValue(ctx, logging.AgentIDKey, id)
	}
	return ctx
}

// Send enqueues an outbound frame; drops it if the connection's send
// buffer is full rather than blocking the hub.
func (c *Connection) Send(out protocol.Outbound) {
	select {
	case c.send <- out:
	default:
		logging.Warn(c.logCtx(), "dropping outbound frame, send buffer full", zap.String("connection_id", c.ID))
	}
}

// AgentID returns the agent currently bound to this connection, if any.
func (c *Connection) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *Connection) setAgentID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = id
}

// Hub is the central coordinator for every accepted connection.
type Hub struct {
	mu          sync.Mutex
	connections map[string]*Connection
	maxClients  int

	validator Validator
	limiter   RateLimiter
	agents    *agentry.Registry
	router    *router.Router

	authRequired bool
	tlsEnabled   bool
	capabilities []string
	onDisconnect func(connID, agentID string)

	heartbeatInterval time.Duration
	idGen             func() string

	counters struct {
		sync.Mutex
		m map[string]int
	}
}

// Config configures a Hub.
type Config struct {
	Validator         Validator
	Limiter           RateLimiter
	Agents            *agentry.Registry
	Router            *router.Router
	MaxClients        int
	HeartbeatInterval time.Duration // default 30s
	IDGenerator       func() string

	// AuthRequired makes a missing or invalid token a handshake failure.
	// When false (MockValidator wiring), the validator still runs so every
	// connection gets an agent identity, but never rejects.
	AuthRequired bool
	// TLSEnabled is reported in the welcome frame's security summary.
	TLSEnabled bool
	// Capabilities is the feature list advertised in the welcome frame.
	Capabilities []string
	// OnDisconnect fires after a closed connection detaches from its agent
	// and that agent holds no other connection. The hook decides whether
	// the now-idle agent is torn down (it may still be seated in a live
	// session).
	OnDisconnect func(connID, agentID string)
}

// New builds a Hub from cfg.
func New(cfg Config) *Hub {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	h := &Hub{
		connections:       make(map[string]*Connection),
		maxClients:        cfg.MaxClients,
		validator:         cfg.Validator,
		limiter:           cfg.Limiter,
		agents:            cfg.Agents,
		router:            cfg.Router,
		authRequired:      cfg.AuthRequired,
		tlsEnabled:        cfg.TLSEnabled,
		capabilities:      cfg.Capabilities,
		onDisconnect:      cfg.OnDisconnect,
		heartbeatInterval: interval,
		idGen:             cfg.IDGenerator,
	}
	h.counters.m = make(map[string]int)
	return h
}

// Count returns the number of currently accepted connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Snapshot implements health.SnapshotProvider.
func (h *Hub) Snapshot() health.Snapshot {
	h.mu.Lock()
	current := len(h.connections)
	h.mu.Unlock()

	h.counters.Lock()
	counters := make(map[string]int, len(h.counters.m))
	for k, v := range h.counters.m {
		counters[k] = v
	}
	h.counters.Unlock()

	return health.Snapshot{ClientsCurrent: current, ClientsMax: h.maxClients, Counters: counters}
}

func (h *Hub) incCounter(name string) {
	h.counters.Lock()
	h.counters.m[name]++
	h.counters.Unlock()
}

// extractToken reads credentials with precedence header > websocket
// sub-protocol > query parameter.
func extractToken(r *http.Request) string {
	if t := r.Header.Get("Authorization"); strings.HasPrefix(t, "Bearer ") {
		return strings.TrimPrefix(t, "Bearer ")
	}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, "token.") {
			return strings.TrimPrefix(proto, "token.")
		}
	}
	return r.URL.Query().Get("token")
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request to a WebSocket connection, gated on token
// auth when a validator is configured, and starts the connection's
// read/write pumps.
func (h *Hub) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()

	if h.maxClients > 0 && h.Count() >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server at capacity"})
		return
	}

	var claims *auth.CustomClaims
	if h.validator != nil {
		tokenString := extractToken(c.Request)
		if tokenString == "" && h.authRequired {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
			return
		}
		var err error
		claims, err = h.validator.ValidateToken(tokenString)
		if err != nil {
			if h.authRequired {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			claims = nil
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	connID := h.newConnectionID()
	connection := &Connection{
		ID:            connID,
		conn:          conn,
		send:          make(chan protocol.Outbound, 256),
		hub:           h,
		connectAt:     time.Now(),
		lastActivity:  time.Now(),
		subscriptions: set.New[string](),
		claims:        claims,
	}
	conn.SetReadLimit(MaxPayloadBytes)
	conn.SetPongHandler(func(string) error {
		connection.mu.Lock()
		connection.pingOutstanding = false
		connection.lastActivity = time.Now()
		connection.mu.Unlock()
		return nil
	})

	h.mu.Lock()
	h.connections[connID] = connection
	h.mu.Unlock()
	metrics.IncConnection()
	h.incCounter("connections_total")

	var agent map[string]any
	if h.agents != nil && claims != nil {
		snap := h.agents.Register(agentry.RegisterParams{
			Name:         claims.Name,
			TokenSubject: claims.Subject,
			Role:         agentry.RolePlayer,
			ConnectionID: connID,
		})
		connection.setAgentID(snap.ID)
		agent = map[string]any{
			"id":   snap.ID,
			"name": snap.Name,
			"type": snap.Type,
			"role": snap.Role,
		}
	}

	welcome := protocol.Outbound{
		Type:      protocol.OutboundWelcome,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]any{
			"connectionId": connID,
			"version":      protocolVersion,
			"serverTime":   time.Now().UnixMilli(),
			"capabilities": h.capabilities,
			"agent":        agent,
			"security": map[string]any{
				"encrypted":     h.tlsEnabled,
				"tokenRequired": h.authRequired,
			},
		},
	}
	connection.Send(welcome)

	go h.writePump(connection)
	go h.readPump(connection)
}

// Broadcast delivers out to every connection currently subscribed to
// topic, skipping ones that are not.
func (h *Hub) Broadcast(topic string, out protocol.Outbound) {
	h.mu.Lock()
	targets := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if c.subscribedTo(topic) {
			c.Send(out)
		}
	}
}

// SendToAgent delivers out to every connection currently bound to
// agentID, used for direct replies (whispers, targeted errors) that
// should not fan out to a whole session topic.
func (h *Hub) SendToAgent(agentID string, out protocol.Outbound) {
	if agentID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.connections {
		if c.AgentID() == agentID {
			c.Send(out)
		}
	}
}

func (h *Hub) newConnectionID() string {
	if h.idGen != nil {
		return h.idGen()
	}
	return newUUID()
}

func (h *Hub) readPump(c *Connection) {
	defer h.removeConnection(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) > MaxPayloadBytes {
			// Protocol violation: close with 1008, not an app-level error.
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "payload too large"),
				time.Now().Add(writeWait))
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
		metrics.MessagesReceivedTotal.Inc()
		metrics.BytesReceivedTotal.Add(float64(len(data)))
		h.incCounter("messages_received_total")

		in, perr := protocol.DecodeInbound(data)
		if perr != nil {
			c.Send(protocol.ErrorFrame("", perr, time.Now().UnixMilli()))
			continue
		}

		if in.Type == protocol.InboundPing {
			c.Send(protocol.Outbound{Type: protocol.OutboundPong, RequestID: in.RequestID, Timestamp: time.Now().UnixMilli()})
			continue
		}

		if in.Type == protocol.InboundSubscribe || in.Type == protocol.InboundUnsubscribe {
			h.handleSubscription(c, in)
			continue
		}

		if h.limiter != nil {
			decision, _ := h.limiter.Allow(c.logCtx(), c.ID)
			if !decision.Allowed {
				err := protocol.NewError(protocol.ErrRateLimited, "rate limit exceeded").
					WithDetail(map[string]any{"reason": decision.Reason, "retryAfterMs": decision.RetryAfter.Milliseconds()})
				c.Send(protocol.ErrorFrame(in.RequestID, err, time.Now().UnixMilli()))
				continue
			}
		}

		if h.router == nil {
			continue
		}
		out := h.router.Dispatch(router.RequestContext{ConnectionID: c.ID, AgentID: c.AgentID(), Now: time.Now()}, in)
		c.Send(out)
	}
}

func (h *Hub) handleSubscription(c *Connection, in *protocol.Inbound) {
	type subPayload struct {
		Topic string `json:"topic"`
	}
	p, perr := protocol.AssertPayload[subPayload](in)
	if perr != nil {
		c.Send(protocol.ErrorFrame(in.RequestID, perr, time.Now().UnixMilli()))
		return
	}
	if in.Type == protocol.InboundSubscribe {
		c.Subscribe(p.Topic)
	} else {
		c.Unsubscribe(p.Topic)
	}
	c.Send(protocol.AckFrame(in.RequestID, time.Now().UnixMilli()))
}

func (h *Hub) writePump(c *Connection) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case out, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := encodeOutbound(out)
			if err != nil {
				logging.Error(c.logCtx(), "failed to encode outbound frame", zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			metrics.MessagesSentTotal.Inc()
			metrics.BytesSentTotal.Add(float64(len(data)))
			h.incCounter("messages_sent_total")

		case <-ticker.C:
			c.mu.Lock()
			outstanding := c.pingOutstanding
			c.pingOutstanding = true
			c.mu.Unlock()
			if outstanding {
				return // prior ping went unanswered
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) removeConnection(c *Connection) {
	h.mu.Lock()
	delete(h.connections, c.ID)
	h.mu.Unlock()

	c.conn.Close()
	metrics.DecConnection()
	if h.limiter != nil {
		h.limiter.Forget(c.ID)
	}
	if h.agents != nil {
		agentID, idle := h.agents.DetachConnection(c.ID)
		if idle && agentID != "" && h.onDisconnect != nil {
			h.onDisconnect(c.ID, agentID)
		}
	}
}
