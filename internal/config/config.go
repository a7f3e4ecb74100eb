// Package config loads hub configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all hub configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr       string `env:"CAUCE_ADDR" envDefault:":8080"`
	PathPrefix string `env:"CAUCE_PATH_PREFIX" envDefault:"/cauce/v1"`

	// Transports
	WebSocketEnabled bool `env:"CAUCE_WEBSOCKET_ENABLED" envDefault:"true"`
	SSEEnabled       bool `env:"CAUCE_SSE_ENABLED" envDefault:"true"`
	PollingEnabled   bool `env:"CAUCE_POLLING_ENABLED" envDefault:"true"`
	WebhookEnabled   bool `env:"CAUCE_WEBHOOK_ENABLED" envDefault:"true"`

	// Connections (sessions across all transports; 0 disables the cap)
	MaxConnections int `env:"CAUCE_MAX_CONNECTIONS" envDefault:"10000"`

	// Sessions
	SessionTTL time.Duration `env:"CAUCE_SESSION_TTL" envDefault:"5m"`

	// Payload and fanout limits
	MaxPayloadBytes           int64 `env:"CAUCE_MAX_PAYLOAD_BYTES" envDefault:"1048576"` // 1MB
	MaxSubscriptionsPerClient int   `env:"CAUCE_MAX_SUBSCRIPTIONS_PER_CLIENT" envDefault:"100"`
	MaxTopicsPerSubscription  int   `env:"CAUCE_MAX_TOPICS_PER_SUBSCRIPTION" envDefault:"50"`

	// Rate limiting (tokens per second per principal; 0 disables)
	PublishRate  float64 `env:"CAUCE_PUBLISH_RATE" envDefault:"100"`
	PublishBurst int     `env:"CAUCE_PUBLISH_BURST" envDefault:"200"`
	MethodRate   float64 `env:"CAUCE_METHOD_RATE" envDefault:"50"`
	MethodBurst  int     `env:"CAUCE_METHOD_BURST" envDefault:"100"`

	// Redelivery
	RedeliveryEnabled       bool          `env:"CAUCE_REDELIVERY_ENABLED" envDefault:"true"`
	RedeliveryTick          time.Duration `env:"CAUCE_REDELIVERY_TICK" envDefault:"500ms"`
	RedeliveryInitialDelay  time.Duration `env:"CAUCE_REDELIVERY_INITIAL_DELAY" envDefault:"1s"`
	RedeliveryMaxDelay      time.Duration `env:"CAUCE_REDELIVERY_MAX_DELAY" envDefault:"60s"`
	RedeliveryMultiplier    float64       `env:"CAUCE_REDELIVERY_MULTIPLIER" envDefault:"2.0"`
	RedeliveryMaxAttempts   int           `env:"CAUCE_REDELIVERY_MAX_ATTEMPTS" envDefault:"5"`
	RedeliveryJitter        bool          `env:"CAUCE_REDELIVERY_JITTER" envDefault:"true"`
	MaxPendingPerSub        int           `env:"CAUCE_MAX_PENDING_PER_SUBSCRIPTION" envDefault:"1000"`
	PendingOverflowPolicy   string        `env:"CAUCE_PENDING_OVERFLOW_POLICY" envDefault:"drop_oldest"`
	DeadLetterRetention     time.Duration `env:"CAUCE_DEAD_LETTER_RETENTION" envDefault:"24h"`
	DeadLetterTopicTemplate string        `env:"CAUCE_DEAD_LETTER_TOPIC" envDefault:"cauce.dead_letter"`

	// Sweeps
	SweepInterval time.Duration `env:"CAUCE_SWEEP_INTERVAL" envDefault:"30s"`

	// Authentication
	AuthEnabled  bool   `env:"CAUCE_AUTH_ENABLED" envDefault:"false"`
	JWTSecret    string `env:"CAUCE_JWT_SECRET"`
	JWTIssuer    string `env:"CAUCE_JWT_ISSUER"`
	APIKeysFile  string `env:"CAUCE_API_KEYS_FILE"`
	MTLSEnabled  bool   `env:"CAUCE_MTLS_ENABLED" envDefault:"false"`
	MaxAuthFails int    `env:"CAUCE_MAX_AUTH_FAILURES" envDefault:"3"`

	// Webhooks
	WebhookTimeout time.Duration `env:"CAUCE_WEBHOOK_TIMEOUT" envDefault:"10s"`

	// Long-poll
	LongPollTimeout time.Duration `env:"CAUCE_LONG_POLL_TIMEOUT" envDefault:"30s"`

	// NATS ingest bridge (empty URL disables)
	NATSURL         string `env:"CAUCE_NATS_URL"`
	NATSSubject     string `env:"CAUCE_NATS_SUBJECT" envDefault:"cauce.signals.>"`
	NATSSubjectTrim string `env:"CAUCE_NATS_SUBJECT_TRIM" envDefault:"cauce.signals."`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CAUCE_ADDR is required")
	}
	if !c.WebSocketEnabled && !c.SSEEnabled && !c.PollingEnabled {
		return fmt.Errorf("at least one inbound transport must be enabled")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("CAUCE_MAX_CONNECTIONS must be >= 0, got %d", c.MaxConnections)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("CAUCE_SESSION_TTL must be > 0, got %s", c.SessionTTL)
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("CAUCE_MAX_PAYLOAD_BYTES must be > 0, got %d", c.MaxPayloadBytes)
	}
	if c.RedeliveryMultiplier < 1 {
		return fmt.Errorf("CAUCE_REDELIVERY_MULTIPLIER must be >= 1, got %.2f", c.RedeliveryMultiplier)
	}
	if c.RedeliveryMaxAttempts < 1 {
		return fmt.Errorf("CAUCE_REDELIVERY_MAX_ATTEMPTS must be >= 1, got %d", c.RedeliveryMaxAttempts)
	}
	if c.RedeliveryInitialDelay > c.RedeliveryMaxDelay {
		return fmt.Errorf("CAUCE_REDELIVERY_INITIAL_DELAY (%s) must be <= CAUCE_REDELIVERY_MAX_DELAY (%s)",
			c.RedeliveryInitialDelay, c.RedeliveryMaxDelay)
	}
	if p := c.PendingOverflowPolicy; p != "drop_oldest" && p != "reject" {
		return fmt.Errorf("CAUCE_PENDING_OVERFLOW_POLICY must be drop_oldest or reject (got: %s)", p)
	}
	if c.AuthEnabled && c.JWTSecret == "" && c.APIKeysFile == "" && !c.MTLSEnabled {
		return fmt.Errorf("CAUCE_AUTH_ENABLED requires at least one of CAUCE_JWT_SECRET, CAUCE_API_KEYS_FILE, CAUCE_MTLS_ENABLED")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("path_prefix", c.PathPrefix).
		Bool("websocket_enabled", c.WebSocketEnabled).
		Bool("sse_enabled", c.SSEEnabled).
		Bool("polling_enabled", c.PollingEnabled).
		Bool("webhook_enabled", c.WebhookEnabled).
		Int("max_connections", c.MaxConnections).
		Dur("session_ttl", c.SessionTTL).
		Int64("max_payload_bytes", c.MaxPayloadBytes).
		Int("max_subscriptions_per_client", c.MaxSubscriptionsPerClient).
		Int("max_topics_per_subscription", c.MaxTopicsPerSubscription).
		Float64("publish_rate", c.PublishRate).
		Float64("method_rate", c.MethodRate).
		Bool("redelivery_enabled", c.RedeliveryEnabled).
		Dur("redelivery_initial_delay", c.RedeliveryInitialDelay).
		Dur("redelivery_max_delay", c.RedeliveryMaxDelay).
		Int("redelivery_max_attempts", c.RedeliveryMaxAttempts).
		Bool("auth_enabled", c.AuthEnabled).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Hub configuration loaded")
}
