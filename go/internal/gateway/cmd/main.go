package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mcdev12/gamesync/go/internal/channel/remote"
	"github.com/mcdev12/gamesync/go/internal/config"
	"github.com/mcdev12/gamesync/go/internal/gateway"
	"github.com/mcdev12/gamesync/go/internal/teamdata"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	logLevel := pflag.String("log-level", "", "override the configured log level")
	addr := pflag.String("addr", "", "override the HTTP listen address")
	pflag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	zerolog.SetGlobalLevel(cfg.Level())

	broker, err := remote.NewNATSBroker(cfg.NATSConfig())
	if err != nil {
		log.Fatal().Err(err).Str("nats_url", cfg.NATS.URL).Msg("failed to connect to NATS")
	}
	defer broker.Close()

	deps := gateway.Deps{Broker: broker}
	if cfg.Database.Enabled {
		connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := teamdata.Connect(connectCtx, cfg.Database.Config)
		cancelConnect()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		deps.TeamData = teamdata.NewPostgresProvider(pool)
	}

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.Remote = cfg.RemoteConfig()
	gatewayConfig.HostSync = cfg.HostSyncConfig()
	gatewayConfig.TeamEvents = cfg.TeamEventsConfig()

	service := gateway.NewService(gatewayConfig, deps)
	server := gateway.NewServer(cfg.HTTP.Addr, cfg.HTTP.AllowedOrigins, service)

	log.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("nats_url", cfg.NATS.URL).
		Bool("team_data", deps.TeamData != nil).
		Msg("starting gamesync gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	select {
	case <-serviceDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("gateway service did not stop in time")
	}

	log.Info().Msg("gamesync gateway shutdown complete")
}
