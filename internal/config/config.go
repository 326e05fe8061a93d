// Package config provides daemon configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/kiwibus/pkg/bus"
)

const logPrefix = "config:LoadConfig"

// Transports understood by the daemon.
const (
	TransportNATS      = "nats"
	TransportWebSocket = "ws"
)

// Config holds kiwibus configuration.
type Config struct {
	// Bus handle
	BusID            string        `envconfig:"KIWIBUS_ID" default:"kiwibus"`
	BusURL           string        `envconfig:"KIWIBUS_URL" default:"nats://127.0.0.1:4222"`
	Transport        string        `envconfig:"KIWIBUS_TRANSPORT" default:"nats"`
	Reconnect        bool          `envconfig:"KIWIBUS_RECONNECT" default:"true"`
	ReconnectTimeout time.Duration `envconfig:"KIWIBUS_RECONNECT_TIMEOUT" default:"5s"`
	AutoConnect      bool          `envconfig:"KIWIBUS_AUTO_CONNECT" default:"true"`
	AutoUnregister   bool          `envconfig:"KIWIBUS_AUTO_UNREGISTER" default:"true"`
	RequestTimeout   time.Duration `envconfig:"KIWIBUS_REQUEST_TIMEOUT" default:"10s"`
	ReplyTimeout     time.Duration `envconfig:"KIWIBUS_REPLY_TIMEOUT" default:"30s"`

	// Access token; empty falls back to the app context
	AccessToken     string `envconfig:"ACCESS_TOKEN"`
	TokenRefreshURL string `envconfig:"TOKEN_REFRESH_URL"`
	AppContextFile  string `envconfig:"KIWIBUS_APP_CONTEXT"`

	// Debug mirror of bus traffic
	Debug bool `envconfig:"KIWIBUS_DEBUG" default:"false"`

	// Database (trace store, optional)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	return &c, nil
}

// BusOptions maps the bus settings onto handle options.
func (c *Config) BusOptions() bus.Options {
	return bus.NewOptions(
		bus.WithID(c.BusID),
		bus.WithURL(c.BusURL),
		bus.WithReconnect(c.Reconnect),
		bus.WithReconnectTimeout(c.ReconnectTimeout),
		bus.WithAutoConnect(c.AutoConnect),
		bus.WithAutoUnregister(c.AutoUnregister),
		bus.WithRequestTimeout(c.RequestTimeout),
		bus.WithReplyTimeout(c.ReplyTimeout),
	)
}

// ValidateForBus checks the settings needed to open a bus handle.
func (c *Config) ValidateForBus() error {
	switch c.Transport {
	case TransportNATS, TransportWebSocket:
	default:
		return fmt.Errorf("%s - KIWIBUS_TRANSPORT must be %q or %q, got %q", logPrefix, TransportNATS, TransportWebSocket, c.Transport)
	}
	if err := c.BusOptions().Validate(); err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	return nil
}

// ValidateForServe checks required config when running the daemon.
func (c *Config) ValidateForServe() error {
	if err := c.ValidateForBus(); err != nil {
		return err
	}
	if c.HTTPPort <= 0 {
		return fmt.Errorf("%s - HTTP_PORT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// UseTraceStore reports whether mirrored traffic goes to Postgres.
func (c *Config) UseTraceStore() bool {
	return c.Debug && c.DatabaseURL != ""
}
