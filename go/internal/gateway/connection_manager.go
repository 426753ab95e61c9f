package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/channel"
	"github.com/mcdev12/gamesync/go/internal/channel/local"
	"github.com/mcdev12/gamesync/go/internal/channel/remote"
	"github.com/mcdev12/gamesync/go/internal/protocol"
)

// Role is what a websocket client is in its session
type Role string

const (
	RoleHost         Role = "host"
	RolePresentation Role = "presentation"
	RoleTeam         Role = "team"
)

// ParseRole validates a role query parameter
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleHost, RolePresentation, RoleTeam:
		return Role(s), true
	}
	return "", false
}

// receivesTeamEvents reports whether a role is fed from the team topic
func (r Role) receivesTeamEvents() bool {
	return r == RoleTeam
}

// ConnectionManager manages websocket clients grouped by game session. Each
// session with at least one client has a bridge onto the session and team
// topics; the bridge goes away with the last client.
type ConnectionManager struct {
	sessions map[string]*sessionHub
	mu       sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	bus       *local.Bus
	broker    remote.Broker
	remoteCfg remote.Config

	broadcastCh chan BroadcastMessage
}

type sessionHub struct {
	connections map[*Connection]bool
	link        *channel.Duplex // session topic
	teams       *remote.Channel // team topic
}

// Connection represents a websocket connection to a browser tab or device
type Connection struct {
	ID        string
	SessionID string
	Role      Role
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a frame to push to a session's clients
type BroadcastMessage struct {
	SessionID string
	Data      []byte
	Team      bool        // team topic frame; otherwise session topic
	Exclude   *Connection // optional: the client the frame came from
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024, // slide payloads and QR images
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a connection manager bridging clients onto bus and broker.
// Either transport may be nil.
func NewConnectionManager(config ConnectionConfig, bus *local.Bus, broker remote.Broker, remoteCfg remote.Config) *ConnectionManager {
	return &ConnectionManager{
		sessions: make(map[string]*sessionHub),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		bus:         bus,
		broker:      broker,
		remoteCfg:   remoteCfg,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start processes broadcasts until ctx is done
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a websocket client of sessionID
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, sessionID string, role Role) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Role:        role,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	if err := cm.registerConnection(connection); err != nil {
		conn.Close()
		return err
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("session_id", sessionID).
		Str("role", string(role)).
		Msg("websocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	hub := cm.sessions[conn.SessionID]
	if hub == nil {
		var err error
		hub, err = cm.openHub(conn.SessionID)
		if err != nil {
			return err
		}
		cm.sessions[conn.SessionID] = hub
	}
	hub.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID).
		Int("total_connections", len(hub.connections)).
		Msg("connection registered")
	return nil
}

// openHub attaches a session to the transports. Caller holds cm.mu.
func (cm *ConnectionManager) openHub(sessionID string) (*sessionHub, error) {
	link, err := channel.OpenDuplex(sessionID, cm.bus, cm.broker, cm.remoteCfg, "gateway", func(msg protocol.Message) {
		cm.forward(sessionID, msg, false)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bridge session %s: %w", sessionID, err)
	}

	hub := &sessionHub{
		connections: make(map[*Connection]bool),
		link:        link,
	}
	if cm.broker != nil {
		hub.teams = remote.Connect(cm.broker, sessionID, remote.TopicTeams, cm.remoteCfg)
		hub.teams.OnMessage(func(msg protocol.Message) {
			cm.forward(sessionID, msg, true)
		})
	}

	log.Info().Str("session_id", sessionID).Msg("session bridge opened")
	return hub, nil
}

func (hub *sessionHub) close() {
	hub.link.Close()
	if hub.teams != nil {
		hub.teams.Disconnect()
	}
}

// forward re-encodes a bridged message and queues it for the session's clients
func (cm *ConnectionManager) forward(sessionID string, msg protocol.Message, team bool) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to encode bridged message")
		return
	}
	cm.enqueue(BroadcastMessage{SessionID: sessionID, Data: data, Team: team})
}

func (cm *ConnectionManager) enqueue(message BroadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		log.Warn().Str("session_id", message.SessionID).Msg("broadcast channel full, dropping message")
	}
}

// unregisterConnection removes a connection, and the session bridge with the last one
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	hub, exists := cm.sessions[conn.SessionID]
	if !exists {
		return
	}
	if _, exists := hub.connections[conn]; !exists {
		return
	}
	delete(hub.connections, conn)
	close(conn.Send)

	if len(hub.connections) == 0 {
		delete(cm.sessions, conn.SessionID)
		hub.close()
		log.Info().Str("session_id", conn.SessionID).Msg("session bridge closed")
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID).
		Str("role", string(conn.Role)).
		Msg("connection unregistered")
}

// handleBroadcast delivers one frame to the matching clients of its session.
// Sends happen under the read lock so no Send channel is closed mid-delivery.
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	hub, exists := cm.sessions[message.SessionID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	delivered := 0
	var slow []*Connection
	for conn := range hub.connections {
		if conn == message.Exclude || conn.Role.receivesTeamEvents() != message.Team {
			continue
		}
		select {
		case conn.Send <- message.Data:
			delivered++
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("session_id", conn.SessionID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("session_id", message.SessionID).
		Bool("team", message.Team).
		Int("connections", delivered).
		Msg("frame broadcasted")
}

// ConnectionStats is a snapshot of connected clients
type ConnectionStats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveSessions     int            `json:"active_sessions"`
	SessionConnections map[string]int `json:"session_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{SessionConnections: make(map[string]int)}
	for sessionID, hub := range cm.sessions {
		stats.TotalConnections += len(hub.connections)
		stats.SessionConnections[sessionID] = len(hub.connections)
	}
	stats.ActiveSessions = len(cm.sessions)
	return stats
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var conns []*Connection
	for _, hub := range cm.sessions {
		for conn := range hub.connections {
			conns = append(conns, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// writePump sends queued frames and keepalive pings to the client
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads client frames until the socket fails
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage validates a client frame and relays it on the session topic
func (c *Connection) handleClientMessage(data []byte) {
	logger := log.With().
		Str("connection_id", c.ID).
		Str("session_id", c.SessionID).
		Str("role", string(c.Role)).
		Logger()

	if c.Role == RoleTeam {
		logger.Debug().Msg("ignoring frame from team client")
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping invalid client frame")
		return
	}
	if msg.SessionID != c.SessionID {
		logger.Warn().Str("message_session_id", msg.SessionID).Msg("dropping frame for another session")
		return
	}
	if msg.Type.IsTeamEvent() {
		logger.Warn().Str("message_type", string(msg.Type)).Msg("team events go through the API")
		return
	}

	c.Manager.mu.RLock()
	hub := c.Manager.sessions[c.SessionID]
	c.Manager.mu.RUnlock()
	if hub == nil {
		return
	}

	hub.link.Publish(msg)
	c.Manager.enqueue(BroadcastMessage{SessionID: c.SessionID, Data: data, Exclude: c})

	logger.Debug().Str("message_type", string(msg.Type)).Msg("client frame relayed")
}
