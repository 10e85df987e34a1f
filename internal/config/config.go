// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/capabilities-executor/pkg/transport"
)

const logPrefix = "config:LoadConfig"

// Config holds capabilities-executor configuration.
type Config struct {
	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// Debug includes stack data in error responses.
	Debug bool `envconfig:"DEBUG" default:"false"`

	// Identity (empty = generated)
	ExecutorID string `envconfig:"EXECUTOR_ID"`

	// Queue
	QueueLength   int           `envconfig:"QUEUE_LENGTH" default:"1000"`
	QueueInterval time.Duration `envconfig:"QUEUE_INTERVAL" default:"1s"`
	QueueStale    time.Duration `envconfig:"QUEUE_STALE" default:"1h"`

	// Peers
	ClientTransports      string        `envconfig:"CLIENT_TRANSPORTS" default:"direct,stdio,pipe,uds,tcp,http,ws,nats"`
	PeerVersionConstraint string        `envconfig:"PEER_VERSION_CONSTRAINT" default:">=1.0.0, <2.0.0"`
	ManifestDir           string        `envconfig:"MANIFEST_DIR"`
	RequestTimeout        time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`

	// Listeners (empty = disabled)
	ServeStdio bool   `envconfig:"SERVE_STDIO" default:"false"`
	TCPAddr    string `envconfig:"TCP_ADDR" default:"127.0.0.1:7000"`
	UDSPath    string `envconfig:"UDS_PATH"`
	// PipePath serves <path>.in and <path>.out named pipes.
	PipePath string `envconfig:"PIPE_PATH"`
	HTTPAddr   string `envconfig:"HTTP_ADDR" default:"127.0.0.1:8000"`
	WSAddr     string `envconfig:"WS_ADDR" default:"127.0.0.1:9000"`
	// JWTSecret verifies and signs bearer tokens (empty = generated at startup).
	JWTSecret string `envconfig:"JWT_SECRET"`

	// COMMS: connect to standalone NATS at COMMSURL when enabled.
	COMMSEnabled    bool   `envconfig:"COMMS_ENABLED" default:"false"`
	COMMSURL        string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName       string `envconfig:"SERVICE_NAME" default:"capabilities-executor"`
	ExecutorSubject string `envconfig:"EXECUTOR_SUBJECT"`
	AnnounceSubject string `envconfig:"ANNOUNCE_SUBJECT" default:"executor.announce"`

	// Database (empty = no persistence)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health endpoint
	HealthAddr         string        `envconfig:"HEALTH_ADDR" default:":8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the executor server.
func (c *Config) ValidateForServe() error {
	if c.QueueLength <= 0 {
		return fmt.Errorf("%s - QUEUE_LENGTH must be positive", logPrefix)
	}
	if c.QueueInterval <= 0 {
		return fmt.Errorf("%s - QUEUE_INTERVAL must be positive", logPrefix)
	}
	if c.QueueStale <= 0 {
		return fmt.Errorf("%s - QUEUE_STALE must be positive", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if _, err := c.Transports(); err != nil {
		return err
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

// Transports parses CLIENT_TRANSPORTS in preference order.
func (c *Config) Transports() ([]transport.Transport, error) {
	ts, err := transport.ParseList(c.ClientTransports)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid CLIENT_TRANSPORTS: %w", logPrefix, err)
	}
	return ts, nil
}
