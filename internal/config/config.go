// Package config provides agent configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sagibrant/mimic/pkg/semver"
)

const logPrefix = "config:LoadConfig"

// Config holds mimic agent configuration.
type Config struct {
	// NATS: connect to a standalone server at NATSURL.
	NATSURL     string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"mimic-agent"`

	// Subjects (empty = derive from SUBJECT_PREFIX and the topology)
	SubjectPrefix       string `envconfig:"SUBJECT_PREFIX" default:"mimic"`
	AgentSubject        string `envconfig:"AGENT_SUBJECT"`
	RoutingEventSubject string `envconfig:"ROUTING_EVENT_SUBJECT"`
	ContentHelloSubject string `envconfig:"CONTENT_HELLO_SUBJECT"`

	// Timeouts. FORWARD_TIMEOUT 0 leaves forwarded requests unbounded.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5s"`
	ForwardTimeout time.Duration `envconfig:"FORWARD_TIMEOUT" default:"0s"`

	// External peers
	WSPath                string `envconfig:"WS_PATH" default:"/ws"`
	PeerVersionConstraint string `envconfig:"PEER_VERSION_CONSTRAINT"`
	TopologyFile          string `envconfig:"TOPOLOGY_FILE"`

	// Peer store (optional; empty keeps peers in memory)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// Browser DevTools endpoint (empty = no browser session)
	CDPURL string `envconfig:"CDP_URL"`
	// EMBED_FRAMES hosts the top frame of each attached tab in-process
	// until a content peer for it says hello.
	EmbedFrames bool `envconfig:"EMBED_FRAMES" default:"true"`

	// HTTP endpoint (HTTP_ADDR preferred, e.g. "127.0.0.1:8080")
	HTTPAddr           string        `envconfig:"HTTP_ADDR"`
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
	return &c, nil
}

// ListenAddr is HTTP_ADDR, or all interfaces on HTTP_PORT.
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// ValidateForServe checks required config when running the agent.
func (c *Config) ValidateForServe() error {
	if c.NATSURL == "" {
		return fmt.Errorf("%s - NATS_URL is required for serve", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.ForwardTimeout < 0 {
		return fmt.Errorf("%s - FORWARD_TIMEOUT must not be negative", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.WSPath == "" || c.WSPath[0] != '/' {
		return fmt.Errorf("%s - WS_PATH must start with /", logPrefix)
	}
	if c.PeerVersionConstraint != "" {
		if err := semver.ValidateConstraint(c.PeerVersionConstraint); err != nil {
			return fmt.Errorf("%s - PEER_VERSION_CONSTRAINT: %w", logPrefix, err)
		}
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
