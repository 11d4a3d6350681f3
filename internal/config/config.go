// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Bus kinds.
const (
	BusComms  = "comms"
	BusMemory = "memory"
)

// Config holds querypipe configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"querypipe"`

	// Subjects (empty = package defaults)
	InvokeSubject      string `envconfig:"QUERYPIPE_INVOKE_SUBJECT"`
	DispatchSubject    string `envconfig:"QUERYPIPE_DISPATCH_SUBJECT"`
	ChangeEventSubject string `envconfig:"QUERYPIPE_CHANGE_EVENT_SUBJECT"`

	// Bus selects where endpoint messages travel: "comms" shares them across
	// instances, "memory" keeps them in process.
	Bus string `envconfig:"QUERYPIPE_BUS" default:"comms"`

	// Timeouts
	RequestTimeout time.Duration `envconfig:"QUERYPIPE_REQUEST_TIMEOUT" default:"25s"`

	// Endpoints
	ManifestFile string `envconfig:"QUERYPIPE_MANIFEST_FILE"`
	TypePrefix   string `envconfig:"QUERYPIPE_TYPE_PREFIX" default:"@@querypipe"`
	BaseURL      string `envconfig:"QUERYPIPE_BASE_URL"`

	// Database (optional write-through cache)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	PersistCache  bool   `envconfig:"PERSIST_CACHE" default:"false"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	// MigrationPath loads migrations from a directory; empty uses the
	// migrations compiled into the binary.
	MigrationPath string `envconfig:"MIGRATION_PATH"`

	// HTTP health and inspection endpoints
	HTTPAddr           string        `envconfig:"QUERYPIPE_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// ValidateForServe checks required config when running the server.
func (c *Config) ValidateForServe() error {
	if c.PersistCache && c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required when PERSIST_CACHE is set", logPrefix)
	}
	if c.Bus != BusComms && c.Bus != BusMemory {
		return fmt.Errorf("%s - QUERYPIPE_BUS must be %q or %q, got %q", logPrefix, BusComms, BusMemory, c.Bus)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - QUERYPIPE_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, ensure-db).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}
