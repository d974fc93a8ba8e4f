package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ticketflow/internal/action"
	"github.com/gyaneshwarpardhi/ticketflow/internal/condition"
	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
)

const sampleYAML = `
version: "1"
database:
  driver: sqlite
  dsn: "file:test.db"
email:
  base_url: https://help.example.com
  templates:
    ticket-created:
      subject: "[#{{.ticket.uid}}] {{.ticket.subject}}"
      text: "New ticket {{.ticket.subject}}"
seed:
  rules:
    - name: tag critical
      event_type: ticket-created
      priority: 10
      conditions:
        - field: ticket.priority.name
          operator: equals
          value: Critical
      actions:
        - type: add-tag
          ticket:
            tags: [urgent]
      throttle:
        enabled: true
        max_executions: 3
        period_minutes: 60
        scope: per-ticket
    - name: notify owner
      event_type: ticket-created
      actions:
        - type: send-email
          email:
            template_type: ticket-created
            recipients: ticket-owner
  webhooks:
    - name: crm
      url: https://crm.example.com/hooks
      method: post
      events: [ticket:created, ticket:created, ticket:closed]
      secret: s3cr3t
  providers:
    - name: primary smtp
      type: smtp
      from_email: help@example.com
      priority: 1
      config:
        host: smtp.example.com
        port: 587
`

func TestParse_DefaultsAndSeed(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), nil)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Bus.Workers)
	d := cfg.Webhooks.Delivery()
	assert.Equal(t, "X-Trudesk", d.HeaderPrefix)
	assert.Equal(t, 3, d.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, d.BackoffBase)
	assert.Equal(t, "helpdesk.events", cfg.NATS.SubjectPrefix)

	require.Len(t, cfg.Seed.Rules, 2)
	critical := cfg.Seed.Rules[0]
	assert.True(t, critical.Active, "seeded rules default to active")
	assert.Equal(t, 10, critical.Priority)
	assert.Equal(t, rule.TicketCreated, critical.EventType)
	assert.Equal(t, condition.OpEquals, critical.Conditions[0].Operator)
	assert.Equal(t, []string{"urgent"}, critical.Actions[0].Ticket.Tags)
	assert.Equal(t, rule.ScopePerTicket, critical.Throttle.Scope)
	assert.Equal(t, rule.DefaultPriority, cfg.Seed.Rules[1].Priority)
	assert.Equal(t, action.RecipientsTicketOwner, cfg.Seed.Rules[1].Actions[0].Email.Recipients)

	hook := cfg.Seed.Webhooks[0]
	assert.True(t, hook.Active)
	assert.Equal(t, "POST", hook.Method, "normalised by Validate")
	assert.Equal(t, []string{"ticket:created", "ticket:closed"}, hook.Events)

	p := cfg.Seed.Providers[0]
	assert.Equal(t, provider.TypeSMTP, p.Type)
	assert.Equal(t, 1, p.Priority)
	assert.True(t, p.Failover.Enabled, "provider defaults survive decoding")
	assert.Equal(t, provider.DefaultMaxConsecutiveFailures, p.Health.MaxConsecutiveFailures)
	assert.Equal(t, "smtp.example.com", p.Config.Host)
}

func TestParse_EnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvDBDriver: "postgres",
		EnvDBDSN:    "postgres://u:p@db/ticketflow",
		EnvAddr:     ":9090",
		EnvNATSURL:  "nats://nats:4222",
		EnvLogLevel: " debug ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg, err := Parse([]byte(sampleYAML), lookup)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@db/ticketflow", cfg.Database.DSN)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "missing version",
			yaml: `database: {driver: sqlite}`,
			want: []string{"version is required"},
		},
		{
			name: "bad sections",
			yaml: `
version: "1"
database: {driver: mysql, dsn: x}
logging: {level: loud, format: xml}
nats: {enabled: true}
`,
			want: []string{"database.driver", "logging.level", "logging.format", "nats.url"},
		},
		{
			name: "broken template",
			yaml: `
version: "1"
email:
  templates:
    broken: {subject: "{{.ticket.subject"}
`,
			want: []string{"email.templates"},
		},
		{
			name: "invalid seed",
			yaml: `
version: "1"
seed:
  rules:
    - name: a
      event_type: ticket-exploded
      actions: [{type: add-tag, ticket: {tags: [x]}}]
    - name: a
      event_type: ticket-created
      actions: []
  webhooks:
    - name: w
      url: not-a-url
      events: [ticket:created]
  providers:
    - name: p
      type: mailgun
      from_email: help@example.com
      config: {api_key: k}
`,
			want: []string{
				"seed.rules[0].eventType",
				`seed.rules[1]: duplicate name "a"`,
				"seed.rules[1].actions",
				"seed.webhooks[0].url",
				"seed.providers[0].config.domain",
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tc.yaml), nil)
			require.NoError(t, err)
			err = Validate(cfg)
			require.Error(t, err)
			for _, w := range tc.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoader_ReloadNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticketflow.yaml")
	writeConfig(t, path, "version: \"1\"\nbus: {workers: 2}\n")

	l, err := NewLoader(path, nil)
	require.NoError(t, err)
	l.lookup = func(string) (string, bool) { return "", false }
	assert.Equal(t, 2, l.Config().Bus.Workers)

	var seen atomic.Int32
	l.OnChange(func(c *Config) { seen.Store(int32(c.Bus.Workers)) })

	writeConfig(t, path, "version: \"2\"\nbus: {workers: 4}\n")
	cfg, err := l.Reload()
	require.NoError(t, err)
	assert.Equal(t, "2", cfg.Version)
	assert.Equal(t, int32(4), seen.Load())
	assert.Equal(t, 4, l.Config().Bus.Workers)

	writeConfig(t, path, "version: [broken")
	_, err = l.Reload()
	require.Error(t, err)
	assert.Equal(t, 4, l.Config().Bus.Workers, "a bad file keeps the previous config")
}

func TestLoader_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticketflow.yaml")
	writeConfig(t, path, "version: \"1\"\n")
	l, err := NewLoader(path, nil)
	require.NoError(t, err)

	var reloaded atomic.Bool
	l.OnChange(func(c *Config) {
		if c.Version == "2" {
			reloaded.Store(true)
		}
	})
	stop, err := l.Watch()
	require.NoError(t, err)
	defer stop()

	writeConfig(t, path, "version: \"2\"\n")
	assert.Eventually(t, reloaded.Load, 3*time.Second, 20*time.Millisecond)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TICKETFLOW_TEST_ONLY=from-file\n"), 0o644))
	t.Setenv("TICKETFLOW_TEST_ONLY", "")
	os.Unsetenv("TICKETFLOW_TEST_ONLY")

	require.NoError(t, LoadEnvFiles(filepath.Join(dir, "missing.env"), envFile))
	assert.Equal(t, "from-file", os.Getenv("TICKETFLOW_TEST_ONLY"))
}
