// Package config loads gamesync settings from a YAML file with environment
// overrides, and maps them onto each component's Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/gamesync/go/internal/channel/remote"
	"github.com/mcdev12/gamesync/go/internal/dbconfig"
	"github.com/mcdev12/gamesync/go/internal/hostsync"
	"github.com/mcdev12/gamesync/go/internal/monitor"
	"github.com/mcdev12/gamesync/go/internal/presentation"
	"github.com/mcdev12/gamesync/go/internal/teamevents"
	"github.com/mcdev12/gamesync/go/internal/videosync"
)

type Config struct {
	LogLevel string `yaml:"log_level"`

	HTTP struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`

	NATS struct {
		URL           string        `yaml:"url"`
		Name          string        `yaml:"name"`
		MaxReconnects int           `yaml:"max_reconnects"`
		ReconnectWait time.Duration `yaml:"reconnect_wait"`
	} `yaml:"nats"`

	Database struct {
		Enabled         bool `yaml:"enabled"`
		dbconfig.Config `yaml:",inline"`
	} `yaml:"database"`

	Sync struct {
		SubjectPrefix     string        `yaml:"subject_prefix"`
		SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
		InitialGrace      time.Duration `yaml:"initial_grace"`
		ReadyDelay        time.Duration `yaml:"ready_delay"`
		ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	} `yaml:"sync"`

	Video struct {
		AutoPlay       bool          `yaml:"autoplay"`
		AutoPlayDelay  time.Duration `yaml:"autoplay_delay"`
		ReportInterval time.Duration `yaml:"report_interval"`
		DriftTolerance time.Duration `yaml:"drift_tolerance"`
		DriftCooldown  time.Duration `yaml:"drift_cooldown"`
		SeekThreshold  time.Duration `yaml:"seek_threshold"`
		HostStaysMuted bool          `yaml:"host_stays_muted"`
	} `yaml:"video"`
}

// Default returns the built-in configuration
func Default() *Config {
	var c Config
	c.LogLevel = "info"

	c.HTTP.Addr = ":8081"
	c.HTTP.AllowedOrigins = []string{"http://localhost:3000"}

	nats := remote.DefaultNATSConfig()
	c.NATS.URL = nats.URL
	c.NATS.Name = nats.Name
	c.NATS.MaxReconnects = nats.MaxReconnects
	c.NATS.ReconnectWait = nats.ReconnectWait

	c.Database.Config = dbconfig.Default()

	rc := remote.DefaultConfig()
	mc := monitor.DefaultConfig()
	c.Sync.SubjectPrefix = rc.SubjectPrefix
	c.Sync.SubscribeTimeout = rc.SubscribeTimeout
	c.Sync.HeartbeatInterval = mc.HeartbeatInterval
	c.Sync.HeartbeatTimeout = mc.Timeout
	c.Sync.InitialGrace = mc.InitialGrace
	c.Sync.ReadyDelay = presentation.DefaultConfig().ReadyDelay
	c.Sync.ReconnectInterval = teamevents.DefaultConfig().ReconnectInterval

	vc := videosync.DefaultConfig()
	c.Video.AutoPlay = vc.AutoPlay
	c.Video.AutoPlayDelay = vc.AutoPlayDelay
	c.Video.ReportInterval = vc.ReportInterval
	c.Video.DriftTolerance = vc.Drift.Tolerance
	c.Video.DriftCooldown = vc.Drift.Cooldown
	c.Video.SeekThreshold = vc.Drift.SeekThreshold
	c.Video.HostStaysMuted = vc.StayMuted

	return &c
}

// Load reads .env (if present), then the YAML file at path on top of the
// defaults, then environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.HTTP.Addr = getEnv("GATEWAY_ADDR", c.HTTP.Addr)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.HTTP.AllowedOrigins = strings.Split(origins, ",")
	}
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Database.Enabled = getEnvAsBool("DB_ENABLED", c.Database.Enabled)
	c.Database.Config = c.Database.Config.WithEnv()
	c.Sync.SubjectPrefix = getEnv("SUBJECT_PREFIX", c.Sync.SubjectPrefix)
	c.Sync.HeartbeatInterval = getEnvAsDuration("HEARTBEAT_INTERVAL", c.Sync.HeartbeatInterval)
	c.Sync.HeartbeatTimeout = getEnvAsDuration("HEARTBEAT_TIMEOUT", c.Sync.HeartbeatTimeout)
	c.Sync.ReconnectInterval = getEnvAsDuration("RECONNECT_INTERVAL", c.Sync.ReconnectInterval)
	c.Video.HostStaysMuted = getEnvAsBool("HOST_STAYS_MUTED", c.Video.HostStaysMuted)
}

// Validate rejects settings the components cannot run with
func (c *Config) Validate() error {
	positive := map[string]time.Duration{
		"sync.heartbeat_interval": c.Sync.HeartbeatInterval,
		"sync.heartbeat_timeout":  c.Sync.HeartbeatTimeout,
		"sync.reconnect_interval": c.Sync.ReconnectInterval,
		"sync.subscribe_timeout":  c.Sync.SubscribeTimeout,
		"video.report_interval":   c.Video.ReportInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %s", name, d)
		}
	}
	if c.Sync.HeartbeatTimeout <= c.Sync.HeartbeatInterval {
		return fmt.Errorf("invalid config: heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Sync.HeartbeatTimeout, c.Sync.HeartbeatInterval)
	}
	if c.Video.SeekThreshold < c.Video.DriftTolerance {
		return fmt.Errorf("invalid config: seek_threshold (%s) below drift_tolerance (%s)",
			c.Video.SeekThreshold, c.Video.DriftTolerance)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid config: log_level: %w", err)
	}
	return nil
}

// Level returns the parsed log level, info when unset
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func (c *Config) RemoteConfig() remote.Config {
	rc := remote.DefaultConfig()
	rc.SubjectPrefix = c.Sync.SubjectPrefix
	rc.SubscribeTimeout = c.Sync.SubscribeTimeout
	return rc
}

func (c *Config) NATSConfig() remote.NATSConfig {
	return remote.NATSConfig{
		URL:           c.NATS.URL,
		Name:          c.NATS.Name,
		MaxReconnects: c.NATS.MaxReconnects,
		ReconnectWait: c.NATS.ReconnectWait,
	}
}

func (c *Config) HostSyncConfig() hostsync.Config {
	return hostsync.Config{
		Remote: c.RemoteConfig(),
		Monitor: monitor.Config{
			HeartbeatInterval: c.Sync.HeartbeatInterval,
			Timeout:           c.Sync.HeartbeatTimeout,
			InitialGrace:      c.Sync.InitialGrace,
		},
	}
}

func (c *Config) PresentationConfig() presentation.Config {
	return presentation.Config{
		Remote:     c.RemoteConfig(),
		ReadyDelay: c.Sync.ReadyDelay,
	}
}

func (c *Config) TeamEventsConfig() teamevents.Config {
	return teamevents.Config{
		Remote:            c.RemoteConfig(),
		ReconnectInterval: c.Sync.ReconnectInterval,
	}
}

func (c *Config) VideoConfig() videosync.Config {
	return videosync.Config{
		AutoPlay:       c.Video.AutoPlay,
		AutoPlayDelay:  c.Video.AutoPlayDelay,
		ReportInterval: c.Video.ReportInterval,
		Drift: videosync.DriftConfig{
			Tolerance:     c.Video.DriftTolerance,
			Cooldown:      c.Video.DriftCooldown,
			SeekThreshold: c.Video.SeekThreshold,
		},
		StayMuted: c.Video.HostStaysMuted,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
