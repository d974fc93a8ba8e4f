package config

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/ticketflow/internal/action"
	"github.com/gyaneshwarpardhi/ticketflow/internal/email"
	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
	"github.com/gyaneshwarpardhi/ticketflow/internal/webhook"
)

// Validate checks the config for:
//   - Required fields and known enum values in every section
//   - Email templates that fail to compile
//   - Invalid or duplicate seeded rules, webhooks and providers
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch cfg.Server.GinMode {
	case "", "debug", "release", "test":
	default:
		add("server.gin_mode: must be debug, release or test, got %q", cfg.Server.GinMode)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		add("database.driver: must be sqlite or postgres, got %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		add("database.dsn: is required")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		add("logging.format: must be text or json, got %q", cfg.Logging.Format)
	}
	if cfg.Bus.Workers < 0 || cfg.Bus.QueueDepth < 0 {
		add("bus: workers and queue_depth must not be negative")
	}
	if cfg.Webhooks.MaxAttempts < 1 {
		add("webhooks.max_attempts: must be at least 1")
	}
	if cfg.Webhooks.TimeoutMs < 0 || cfg.Webhooks.BackoffBaseMs < 0 {
		add("webhooks: timeout_ms and backoff_base_ms must not be negative")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		add("nats.url: is required when nats is enabled")
	}
	if _, err := email.NewRenderer(cfg.Email.Templates); err != nil {
		add("email.templates: %v", err)
	}

	validateSeed(&cfg.Seed, add)

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateSeed(seed *Seed, add func(string, ...interface{})) {
	actions := action.NewExecutor(action.Deps{}, nil)

	names := make(map[string]int)
	for i := range seed.Rules {
		r := &seed.Rules[i]
		loc := fmt.Sprintf("seed.rules[%d]", i)
		checkDuplicate(names, r.Name, i, loc, add)
		for _, fe := range rule.Validate(r, actions) {
			add("%s.%s: %s", loc, fe.Field, fe.Message)
		}
	}

	names = make(map[string]int)
	for i := range seed.Webhooks {
		w := &seed.Webhooks[i]
		loc := fmt.Sprintf("seed.webhooks[%d]", i)
		checkDuplicate(names, w.Name, i, loc, add)
		for _, fe := range webhook.Validate(w) {
			add("%s.%s: %s", loc, fe.Field, fe.Message)
		}
	}

	names = make(map[string]int)
	for i := range seed.Providers {
		p := &seed.Providers[i]
		loc := fmt.Sprintf("seed.providers[%d]", i)
		checkDuplicate(names, p.Name, i, loc, add)
		for _, fe := range provider.Validate(p) {
			add("%s.%s: %s", loc, fe.Field, fe.Message)
		}
	}
}

func checkDuplicate(seen map[string]int, name string, idx int, loc string, add func(string, ...interface{})) {
	if name == "" {
		return
	}
	if first, ok := seen[name]; ok {
		add("%s: duplicate name %q (first seen at index %d)", loc, name, first)
		return
	}
	seen[name] = idx
}
