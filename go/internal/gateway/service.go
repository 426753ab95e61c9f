package gateway

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/channel/local"
	"github.com/mcdev12/gamesync/go/internal/channel/remote"
	"github.com/mcdev12/gamesync/go/internal/hostsync"
	"github.com/mcdev12/gamesync/go/internal/sched"
	"github.com/mcdev12/gamesync/go/internal/session"
	"github.com/mcdev12/gamesync/go/internal/teamevents"
)

// Service is the gateway: websocket relay for browser tabs plus the host-side
// managers the control API drives
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	apiHandler        *APIHandler

	bus   *local.Bus
	hosts *session.Registry[*hostsync.Manager]
	teams *session.Registry[*teamevents.Channel]
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	Remote           remote.Config
	HostSync         hostsync.Config
	TeamEvents       teamevents.Config
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		Remote:           remote.DefaultConfig(),
		HostSync:         hostsync.DefaultConfig(),
		TeamEvents:       teamevents.DefaultConfig(),
	}
}

// Deps are the gateway's external collaborators
type Deps struct {
	Broker   remote.Broker             // nil keeps every session on this process
	TeamData hostsync.TeamDataProvider // optional
	Clock    sched.Clock               // defaults to the real clock
}

// NewService creates a new gateway service
func NewService(config Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	bus := local.NewBus()
	connectionManager := NewConnectionManager(config.ConnectionConfig, bus, deps.Broker, config.Remote)

	hosts := hostsync.NewRegistry(config.HostSync, hostsync.Deps{
		Bus:      bus,
		Broker:   deps.Broker,
		Clock:    deps.Clock,
		TeamData: deps.TeamData,
	})
	// team events only travel over the broker
	var teams *session.Registry[*teamevents.Channel]
	if deps.Broker != nil {
		teams = teamevents.NewRegistry(deps.Broker, config.TeamEvents, deps.Clock)
	}

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		apiHandler:        NewAPIHandler(hosts, teams, connectionManager),
		bus:               bus,
		hosts:             hosts,
		teams:             teams,
	}
}

// Start runs the relay until ctx is done, then stops the service
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")

	s.connectionManager.Start(ctx)

	log.Info().Msg("gateway service shutting down")
	return s.Stop()
}

// Stop destroys every live session manager and closes the local bus
func (s *Service) Stop() error {
	for _, id := range s.hosts.Sessions() {
		if m, ok := s.hosts.Lookup(id); ok {
			m.Destroy()
		}
	}
	if s.teams != nil {
		for _, id := range s.teams.Sessions() {
			if ch, ok := s.teams.Lookup(id); ok {
				ch.Destroy()
			}
		}
	}
	s.bus.Close()

	log.Info().Msg("gateway service stopped")
	return nil
}

// RegisterRoutes registers the websocket and control API routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.apiHandler.RegisterRoutes(mux)
	log.Info().Msg("gateway routes registered")
}

// Stats describes the running gateway
type Stats struct {
	ConnectionStats
	HostSessions int `json:"host_sessions"`
	TeamChannels int `json:"team_channels"`
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() Stats {
	stats := Stats{
		ConnectionStats: s.connectionManager.GetConnectionStats(),
		HostSessions:    s.hosts.Len(),
	}
	if s.teams != nil {
		stats.TeamChannels = s.teams.Len()
	}
	return stats
}
