// Package config loads agent configuration from environment variables.
//
// Required variables:
//   - CLIENT_KEY: key the SDK presents to the flag service.
//
// Optional variables:
//   - TRANSPORT: "http" or "grpc" (default "http").
//   - BASE_URL: flag service URL for the http transport (default "http://localhost:8080").
//   - GRPC_ADDR: flag service address for the grpc transport (required when TRANSPORT=grpc).
//   - STREAMING_MODE: "stream" or "poll" (default "stream").
//   - POLLING_INTERVAL, MAX_POLLING_INTERVAL, REQUEST_TIMEOUT: durations, must be > 0.
//   - RETRY_BASE_DELAY, RETRY_MAX_DELAY: backoff bounds, must be > 0.
//   - MAX_CACHED_VALUES: cached user contexts (default 5, must be > 0).
//   - EVENT_FLUSH_INTERVAL, EVENT_QUEUE_CAPACITY, EVENT_MAX_RETRIES: event reporter settings.
//   - STORE: "memory", "bolt" or "postgres" (default "memory").
//   - BOLT_PATH: file for the bolt store (default "flagsync-state/flags.db").
//   - DATABASE_URL: PostgreSQL connection string (required when STORE=postgres).
//   - USER_KEY: initial user context (default "agent").
//   - HTTP_ADDR: agent listen address (default ":8081").
//   - AGENT_TOKEN / AGENT_TOKEN_HASH: bearer token, or its bcrypt hash, guarding /v1/.
//   - AUTH_RATE_LIMIT: failed auth attempts per IP per minute (default 10).
//   - LOG_LEVEL: debug, info, warn or error (default "info").
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/retry"
	"github.com/matt-riley/flagsync/internal/service"
)

const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// Config holds the runtime configuration for the flagsync agent.
type Config struct {
	ClientKey string `env:"CLIENT_KEY"`
	Transport string `env:"TRANSPORT" envDefault:"http"`
	BaseURL   string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	GRPCAddr  string `env:"GRPC_ADDR"`

	StreamingMode      string        `env:"STREAMING_MODE" envDefault:"stream"`
	PollingInterval    time.Duration `env:"POLLING_INTERVAL" envDefault:"30s"`
	MaxPollingInterval time.Duration `env:"MAX_POLLING_INTERVAL" envDefault:"5m"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	RetryBaseDelay     time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay      time.Duration `env:"RETRY_MAX_DELAY" envDefault:"1m"`

	MaxCachedValues int    `env:"MAX_CACHED_VALUES" envDefault:"5"`
	CacheNamespace  string `env:"CACHE_NAMESPACE" envDefault:"default"`

	EventFlushInterval time.Duration `env:"EVENT_FLUSH_INTERVAL" envDefault:"30s"`
	EventQueueCapacity int           `env:"EVENT_QUEUE_CAPACITY" envDefault:"100"`
	EventMaxRetries    int           `env:"EVENT_MAX_RETRIES" envDefault:"3"`

	Store       string `env:"STORE" envDefault:"memory"`
	BoltPath    string `env:"BOLT_PATH" envDefault:"flagsync-state/flags.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	UserKey        string `env:"USER_KEY" envDefault:"agent"`
	HTTPAddr       string `env:"HTTP_ADDR" envDefault:":8081"`
	AgentToken     string `env:"AGENT_TOKEN"`
	AgentTokenHash string `env:"AGENT_TOKEN_HASH"`
	AuthRateLimit  int    `env:"AUTH_RATE_LIMIT" envDefault:"10"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// values fail validation.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.trim()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) trim() {
	for _, s := range []*string{
		&c.ClientKey, &c.Transport, &c.BaseURL, &c.GRPCAddr, &c.StreamingMode,
		&c.CacheNamespace, &c.Store, &c.BoltPath, &c.DatabaseURL, &c.UserKey,
		&c.HTTPAddr, &c.AgentToken, &c.AgentTokenHash, &c.LogLevel,
	} {
		*s = strings.TrimSpace(*s)
	}
	c.Transport = strings.ToLower(c.Transport)
	c.StreamingMode = strings.ToLower(c.StreamingMode)
	c.Store = strings.ToLower(c.Store)
}

// Validate checks the agent-level settings and everything service.New would
// reject.
func (c Config) Validate() error {
	if c.ClientKey == "" {
		return errors.New("CLIENT_KEY is required")
	}
	if c.UserKey == "" {
		return errors.New("USER_KEY must not be empty")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"POLLING_INTERVAL", c.PollingInterval},
		{"MAX_POLLING_INTERVAL", c.MaxPollingInterval},
		{"REQUEST_TIMEOUT", c.RequestTimeout},
		{"RETRY_BASE_DELAY", c.RetryBaseDelay},
		{"RETRY_MAX_DELAY", c.RetryMaxDelay},
		{"EVENT_FLUSH_INTERVAL", c.EventFlushInterval},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.MaxCachedValues <= 0 {
		return errors.New("MAX_CACHED_VALUES must be > 0")
	}
	if c.EventQueueCapacity <= 0 {
		return errors.New("EVENT_QUEUE_CAPACITY must be > 0")
	}
	if c.EventMaxRetries < 0 {
		return errors.New("EVENT_MAX_RETRIES must be >= 0")
	}
	if c.AuthRateLimit <= 0 {
		return errors.New("AUTH_RATE_LIMIT must be > 0")
	}
	if c.AgentToken != "" && c.AgentTokenHash != "" {
		return errors.New("set only one of AGENT_TOKEN and AGENT_TOKEN_HASH")
	}

	switch c.Store {
	case StoreMemory:
	case StoreBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required when STORE=bolt")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE=postgres")
		}
	default:
		return fmt.Errorf("STORE %q is not one of memory, bolt, postgres", c.Store)
	}

	return c.Service().Validate()
}

// Service converts the settings the SDK needs into a service.Config.
func (c Config) Service() service.Config {
	return service.Config{
		Mode:               core.Mode(c.StreamingMode),
		Transport:          c.Transport,
		BaseURL:            c.BaseURL,
		GRPCAddr:           c.GRPCAddr,
		PollingInterval:    c.PollingInterval,
		MaxPollingInterval: c.MaxPollingInterval,
		RequestTimeout:     c.RequestTimeout,
		Retry: retry.Policy{
			Base:   c.RetryBaseDelay,
			Max:    c.RetryMaxDelay,
			Jitter: retry.DefaultJitter,
		},
		MaxCachedValues:    c.MaxCachedValues,
		Namespace:          c.CacheNamespace,
		EventFlushInterval: c.EventFlushInterval,
		EventQueueCapacity: c.EventQueueCapacity,
		EventMaxRetries:    c.EventMaxRetries,
	}
}

// User returns the initial user context for the agent.
func (c Config) User() core.User {
	return core.User{Key: c.UserKey}
}
