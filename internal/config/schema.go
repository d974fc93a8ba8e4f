package config

import (
	"time"

	"github.com/gyaneshwarpardhi/ticketflow/internal/email"
	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
	"github.com/gyaneshwarpardhi/ticketflow/internal/webhook"
)

// Config is the top-level YAML structure.
type Config struct {
	Version  string       `yaml:"version"`
	Server   ServerConf   `yaml:"server"`
	Database DatabaseConf `yaml:"database"`
	Logging  LoggingConf  `yaml:"logging"`
	Bus      BusConf      `yaml:"bus"`
	Webhooks WebhookConf  `yaml:"webhooks"`
	Email    EmailConf    `yaml:"email"`
	NATS     NATSConf     `yaml:"nats"`
	Seed     Seed         `yaml:"seed"`
}

type ServerConf struct {
	Addr              string `yaml:"addr"`
	ReadTimeoutMs     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int    `yaml:"write_timeout_ms"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
	GinMode           string `yaml:"gin_mode"`
}

func (s ServerConf) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}

func (s ServerConf) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

func (s ServerConf) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

type DatabaseConf struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type LoggingConf struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// BusConf sizes the event bus worker pool.
type BusConf struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
}

// WebhookConf tunes outbound webhook delivery.
type WebhookConf struct {
	HeaderPrefix  string `yaml:"header_prefix"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	MaxAttempts   int    `yaml:"max_attempts"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
}

// Delivery converts the section into webhook service settings.
func (w WebhookConf) Delivery() webhook.Config {
	return webhook.Config{
		HeaderPrefix: w.HeaderPrefix,
		Timeout:      time.Duration(w.TimeoutMs) * time.Millisecond,
		MaxAttempts:  w.MaxAttempts,
		BackoffBase:  time.Duration(w.BackoffBaseMs) * time.Millisecond,
	}
}

type EmailConf struct {
	BaseURL   string                    `yaml:"base_url"`
	Templates map[string]email.Template `yaml:"templates"`
}

type NATSConf struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	QueueGroup    string `yaml:"queue_group"`
}

// Seed holds declarative rows upserted into the store by name on start and
// on every reload.
type Seed struct {
	Rules     []rule.Rule            `yaml:"rules"`
	Webhooks  []webhook.Subscription `yaml:"webhooks"`
	Providers []provider.Provider    `yaml:"providers"`
}
