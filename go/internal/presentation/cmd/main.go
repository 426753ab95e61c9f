// Command presentation is a headless presentation display. It joins a session
// over NATS, answers the host's pings, applies commands to a virtual video
// player and logs what a real screen would show.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mcdev12/gamesync/go/internal/channel/remote"
	"github.com/mcdev12/gamesync/go/internal/config"
	"github.com/mcdev12/gamesync/go/internal/presentation"
	"github.com/mcdev12/gamesync/go/internal/videosync"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	logLevel := pflag.String("log-level", "", "override the configured log level")
	sessionID := pflag.String("session", "", "game session to present (required)")
	videoLength := pflag.Float64("video-length", 300, "duration in seconds of the simulated video")
	pflag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *sessionID == "" {
		log.Fatal().Msg("--session is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	zerolog.SetGlobalLevel(cfg.Level())

	broker, err := remote.NewNATSBroker(cfg.NATSConfig())
	if err != nil {
		log.Fatal().Err(err).Str("nats_url", cfg.NATS.URL).Msg("failed to connect to NATS")
	}
	defer broker.Close()

	clock := clockwork.NewRealClock()
	manager, err := presentation.NewManager(*sessionID, cfg.PresentationConfig(), presentation.Deps{
		Broker: broker,
		Clock:  clock,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start presentation")
	}

	player := videosync.NewVirtualPlayer(clock, *videoLength)
	video := videosync.NewPresentation(manager, player, cfg.VideoConfig(), clock)

	logger := log.With().Str("component", "presentation").Str("session_id", *sessionID).Logger()

	manager.OnSlideUpdate(func(u presentation.SlideUpdate) {
		ev := logger.Info().Int("slide_id", u.Slide.ID).Str("slide_type", u.Slide.Type).Str("title", u.Slide.Title)
		if u.TeamData != nil {
			ev = ev.Int("round", u.TeamData.Round).Int("teams", len(u.TeamData.Teams))
		}
		ev.Msg("showing slide")

		if u.Slide.Type == "video" && u.Slide.SourceURL != "" {
			video.Load(u.Slide.SourceURL)
			video.MarkReady()
		}
	})
	manager.OnJoinInfo(func(j presentation.JoinInfo) {
		if j.Visible {
			logger.Info().Str("join_url", j.URL).Msg("showing join overlay")
			return
		}
		logger.Info().Msg("hiding join overlay")
	})

	closed := make(chan struct{}, 1)
	manager.OnClosePresentation(func() {
		select {
		case closed <- struct{}{}:
		default:
		}
	})

	logger.Info().Str("nats_url", cfg.NATS.URL).Msg("presentation attached")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-closed:
		logger.Info().Msg("host closed the presentation")
	}

	video.Close()
	manager.Destroy()
	logger.Info().Msg("presentation stopped")
}
