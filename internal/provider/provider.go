// Package provider selects outbound email transports, tracks their health
// and rate-limit state, and fails over between them.
package provider

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Type is the kind of email service behind a provider.
type Type string

const (
	TypeSMTP      Type = "smtp"
	TypeSendGrid  Type = "sendgrid"
	TypeMailgun   Type = "mailgun"
	TypeSES       Type = "ses"
	TypePostmark  Type = "postmark"
	TypeSparkPost Type = "sparkpost"
)

// AllTypes lists every supported provider type.
var AllTypes = []Type{TypeSMTP, TypeSendGrid, TypeMailgun, TypeSES, TypePostmark, TypeSparkPost}

// HealthStatus is the provider's current health classification.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

const (
	DefaultPriority               = 100
	DefaultMaxConsecutiveFailures = 5
	DefaultRetryAttempts          = 3
	DefaultRetryDelayMs           = 1000

	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Config carries the per-type connection settings. Only the fields relevant
// to the provider's Type are read.
type Config struct {
	Host            string `json:"host,omitempty" yaml:"host,omitempty"`
	Port            int    `json:"port,omitempty" yaml:"port,omitempty"`
	Secure          bool   `json:"secure,omitempty" yaml:"secure,omitempty"`
	User            string `json:"user,omitempty" yaml:"user,omitempty"`
	Pass            string `json:"pass,omitempty" yaml:"pass,omitempty"`
	APIKey          string `json:"apiKey,omitempty" yaml:"api_key,omitempty"`
	Domain          string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty" yaml:"secret_access_key,omitempty"`
	ServerToken     string `json:"serverToken,omitempty" yaml:"server_token,omitempty"`
}

// RateLimit holds limits plus the fixed-window counters. A window opens at the
// first send after the previous one expired and lasts one hour (or day).
type RateLimit struct {
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	MaxPerHour  int        `json:"maxPerHour,omitempty" yaml:"max_per_hour,omitempty"`
	MaxPerDay   int        `json:"maxPerDay,omitempty" yaml:"max_per_day,omitempty"`
	HourCount   int        `json:"currentHourCount" yaml:"-"`
	DayCount    int        `json:"currentDayCount" yaml:"-"`
	HourResetAt *time.Time `json:"hourResetAt,omitempty" yaml:"-"`
	DayResetAt  *time.Time `json:"dayResetAt,omitempty" yaml:"-"`
}

// MatchRule lists the sends a provider applies to (OnlyFor) or refuses (NotFor).
type MatchRule struct {
	Priorities []string `json:"priorities,omitempty" yaml:"priorities,omitempty"`
	EmailTypes []string `json:"emailTypes,omitempty" yaml:"email_types,omitempty"`
	Domains    []string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

type Rules struct {
	OnlyFor MatchRule `json:"onlyFor" yaml:"only_for"`
	NotFor  MatchRule `json:"notFor" yaml:"not_for"`
}

type Health struct {
	Status                 HealthStatus `json:"status" yaml:"-"`
	LastCheck              *time.Time   `json:"lastCheck,omitempty" yaml:"-"`
	LastError              string       `json:"lastError,omitempty" yaml:"-"`
	ConsecutiveFailures    int          `json:"consecutiveFailures" yaml:"-"`
	MaxConsecutiveFailures int          `json:"maxConsecutiveFailures" yaml:"max_consecutive_failures,omitempty"`
}

// Window counts sends in the current hour or day bucket.
type Window struct {
	Sent    int64      `json:"sent"`
	Failed  int64      `json:"failed"`
	ResetAt *time.Time `json:"resetAt,omitempty"`
}

type Stats struct {
	TotalSent           int64      `json:"totalSent"`
	TotalFailed         int64      `json:"totalFailed"`
	LastSentAt          *time.Time `json:"lastSent,omitempty"`
	LastFailedAt        *time.Time `json:"lastFailed,omitempty"`
	AverageResponseTime float64    `json:"averageResponseTime"` // milliseconds
	SuccessRate         float64    `json:"successRate"`         // percent
	LastHour            Window     `json:"lastHour"`
	LastDay             Window     `json:"lastDay"`
}

type Failover struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	FallbackProviderID string `json:"fallbackProvider,omitempty" yaml:"fallback_provider,omitempty"`
	RetryAttempts      int    `json:"retryAttempts" yaml:"retry_attempts,omitempty"`
	RetryDelayMs       int    `json:"retryDelay" yaml:"retry_delay_ms,omitempty"`
}

// Provider is a configured outbound email transport.
type Provider struct {
	ID        string    `json:"id" yaml:"id,omitempty"`
	Name      string    `json:"name" yaml:"name" validate:"required"`
	Type      Type      `json:"type" yaml:"type" validate:"required,oneof=smtp sendgrid mailgun ses postmark sparkpost"`
	Priority  int       `json:"priority" yaml:"priority" validate:"gte=0"`
	Active    bool      `json:"isActive" yaml:"active"`
	IsDefault bool      `json:"isPrimary" yaml:"primary"`
	FromEmail string    `json:"fromEmail" yaml:"from_email" validate:"required,email"`
	FromName  string    `json:"fromName,omitempty" yaml:"from_name,omitempty"`
	Config    Config    `json:"config" yaml:"config"`
	RateLimit RateLimit `json:"rateLimit" yaml:"rate_limit"`
	Rules     Rules     `json:"rules" yaml:"rules"`
	Health    Health    `json:"health" yaml:"health"`
	Stats     Stats     `json:"stats" yaml:"-"`
	Failover  Failover  `json:"failover" yaml:"failover"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// New returns a provider carrying the creation defaults. Decoding a request
// body into it keeps the defaults for omitted fields.
func New() *Provider {
	return &Provider{
		Priority: DefaultPriority,
		Active:   true,
		Health: Health{
			Status:                 HealthUnknown,
			MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		},
		Stats: Stats{SuccessRate: 100},
		Failover: Failover{
			Enabled:       true,
			RetryAttempts: DefaultRetryAttempts,
			RetryDelayMs:  DefaultRetryDelayMs,
		},
	}
}

// UnmarshalYAML decodes a seeded provider on top of the creation defaults.
func (p *Provider) UnmarshalYAML(n *yaml.Node) error {
	type plain Provider
	v := plain(*New())
	if err := n.Decode(&v); err != nil {
		return err
	}
	*p = Provider(v)
	return nil
}

// SendContext describes an outbound email for rule matching.
type SendContext struct {
	Priority        string
	EmailType       string
	RecipientDomain string
}

// Usable reports whether the provider may be considered at all.
func (p *Provider) Usable() bool {
	return p.Active && p.Health.Status != HealthUnhealthy
}

// windowExpired reports whether a fixed window starting at resetAt is over.
func windowExpired(resetAt *time.Time, now time.Time, length time.Duration) bool {
	return resetAt == nil || now.Sub(*resetAt) > length
}

// RateLimitExceeded reports whether either window is full. An expired window
// counts as empty; it is reset on the next recorded send.
func (p *Provider) RateLimitExceeded(now time.Time) bool {
	rl := p.RateLimit
	if !rl.Enabled {
		return false
	}
	if rl.MaxPerHour > 0 && !windowExpired(rl.HourResetAt, now, hourWindow) && rl.HourCount >= rl.MaxPerHour {
		return true
	}
	if rl.MaxPerDay > 0 && !windowExpired(rl.DayResetAt, now, dayWindow) && rl.DayCount >= rl.MaxPerDay {
		return true
	}
	return false
}

// Matches applies the OnlyFor and NotFor rules. Empty context fields never
// exclude a provider.
func (p *Provider) Matches(sc SendContext) bool {
	only, not := p.Rules.OnlyFor, p.Rules.NotFor
	if len(only.Priorities) > 0 && sc.Priority != "" && !contains(only.Priorities, sc.Priority) {
		return false
	}
	if len(only.EmailTypes) > 0 && sc.EmailType != "" && !contains(only.EmailTypes, sc.EmailType) {
		return false
	}
	if len(only.Domains) > 0 && sc.RecipientDomain != "" && !domainMatch(only.Domains, sc.RecipientDomain) {
		return false
	}
	if len(not.Priorities) > 0 && sc.Priority != "" && contains(not.Priorities, sc.Priority) {
		return false
	}
	if len(not.EmailTypes) > 0 && sc.EmailType != "" && contains(not.EmailTypes, sc.EmailType) {
		return false
	}
	if len(not.Domains) > 0 && sc.RecipientDomain != "" && domainMatch(not.Domains, sc.RecipientDomain) {
		return false
	}
	return true
}

// RecordSuccess applies a successful send to stats, rate-limit windows and health.
func (p *Provider) RecordSuccess(now time.Time, latency time.Duration) {
	s := &p.Stats
	s.TotalSent++
	s.LastSentAt = timePtr(now)
	ms := float64(latency) / float64(time.Millisecond)
	s.AverageResponseTime = (s.AverageResponseTime*float64(s.TotalSent-1) + ms) / float64(s.TotalSent)
	s.SuccessRate = successRate(s.TotalSent, s.TotalFailed)
	rollWindow(&s.LastHour, now, hourWindow)
	s.LastHour.Sent++
	rollWindow(&s.LastDay, now, dayWindow)
	s.LastDay.Sent++

	if p.RateLimit.Enabled {
		rl := &p.RateLimit
		if windowExpired(rl.HourResetAt, now, hourWindow) {
			rl.HourCount = 0
			rl.HourResetAt = timePtr(now)
		}
		rl.HourCount++
		if windowExpired(rl.DayResetAt, now, dayWindow) {
			rl.DayCount = 0
			rl.DayResetAt = timePtr(now)
		}
		rl.DayCount++
	}

	p.Health.ConsecutiveFailures = 0
	p.Health.Status = HealthHealthy
	p.Health.LastCheck = timePtr(now)
	p.Health.LastError = ""
}

// RecordFailure applies a failed send. Reaching the consecutive-failure
// threshold marks the provider unhealthy; half of it marks it degraded.
func (p *Provider) RecordFailure(now time.Time, cause error) {
	s := &p.Stats
	s.TotalFailed++
	s.LastFailedAt = timePtr(now)
	s.SuccessRate = successRate(s.TotalSent, s.TotalFailed)
	rollWindow(&s.LastHour, now, hourWindow)
	s.LastHour.Failed++
	rollWindow(&s.LastDay, now, dayWindow)
	s.LastDay.Failed++

	h := &p.Health
	h.ConsecutiveFailures++
	h.LastCheck = timePtr(now)
	if cause != nil {
		h.LastError = cause.Error()
	}
	max := h.MaxConsecutiveFailures
	if max <= 0 {
		max = DefaultMaxConsecutiveFailures
	}
	switch {
	case h.ConsecutiveFailures >= max:
		h.Status = HealthUnhealthy
	case float64(h.ConsecutiveFailures) >= float64(max)/2:
		h.Status = HealthDegraded
	}
}

// ResetStats clears statistics and returns health to unknown.
func (p *Provider) ResetStats(now time.Time) {
	p.Stats = Stats{
		SuccessRate: 100,
		LastHour:    Window{ResetAt: timePtr(now)},
		LastDay:     Window{ResetAt: timePtr(now)},
	}
	p.Health.ConsecutiveFailures = 0
	p.Health.Status = HealthUnknown
	p.Health.LastError = ""
}

func rollWindow(w *Window, now time.Time, length time.Duration) {
	if windowExpired(w.ResetAt, now, length) {
		*w = Window{ResetAt: timePtr(now)}
	}
}

func successRate(sent, failed int64) float64 {
	total := sent + failed
	if total == 0 {
		return 100
	}
	return float64(sent) / float64(total) * 100
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func domainMatch(domains []string, recipientDomain string) bool {
	rd := strings.ToLower(recipientDomain)
	for _, d := range domains {
		if strings.HasSuffix(rd, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

func timePtr(t time.Time) *time.Time { return &t }
