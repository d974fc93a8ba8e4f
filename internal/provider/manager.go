package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/ticketflow/internal/metrics"
)

var (
	// ErrNotFound is returned for an unknown provider id.
	ErrNotFound = errors.New("email provider not found")
	// ErrNoProviders means no provider is eligible for a send.
	ErrNoProviders = errors.New("no email provider available")
	// ErrNoBackupProviders means failover found nothing left to try.
	ErrNoBackupProviders = errors.New("no healthy backup providers available")
)

// Store is the persistence collaborator for providers. Update must apply fn
// to the freshest row and persist it atomically.
type Store interface {
	ListProviders(ctx context.Context) ([]*Provider, error)
	GetProvider(ctx context.Context, id string) (*Provider, error)
	UpdateProvider(ctx context.Context, id string, fn func(p *Provider) error) (*Provider, error)
}

// SendResult reports which provider delivered a message.
type SendResult struct {
	ProviderID   string        `json:"providerId"`
	ProviderName string        `json:"providerName"`
	ProviderType Type          `json:"providerType"`
	Failover     bool          `json:"failover"`
	Latency      time.Duration `json:"latency"`
}

// Manager selects providers, sends through cached transports and fails over.
type Manager struct {
	store   Store
	factory TransportFactory
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	transports map[string]Transport
}

// Option configures a Manager.
type Option func(*Manager)

// WithTransportFactory replaces the SMTP transport factory.
func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithClock replaces the time source and the failover retry sleeper.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// NewManager creates a Manager over store.
func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      store,
		factory:    NewSMTPTransport,
		logger:     logger.With("component", "provider"),
		now:        time.Now,
		sleep:      sleepCtx,
		transports: make(map[string]Transport),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Send selects a provider, sends, and fails over when the send fails.
func (m *Manager) Send(ctx context.Context, mail *Mail, sc SendContext) (*SendResult, error) {
	p, err := m.SelectProvider(ctx, sc)
	if err != nil {
		m.logger.Error("no available email provider", "err", err)
		return nil, err
	}
	res, err := m.SendWithProvider(ctx, p, mail)
	if err == nil {
		return res, nil
	}
	m.logger.Error("send failed", "provider", p.Name, "type", p.Type, "err", err)
	if !p.Failover.Enabled {
		return nil, err
	}
	return m.HandleFailover(ctx, p, mail, sc)
}

// SelectProvider returns the eligible provider with the lowest priority.
func (m *Manager) SelectProvider(ctx context.Context, sc SendContext) (*Provider, error) {
	all, err := m.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	now := m.now()

	var candidates []*Provider
	for _, p := range all {
		if p.Usable() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoProviders
	}

	var eligible []*Provider
	for _, p := range candidates {
		if !p.RateLimitExceeded(now) && p.Matches(sc) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		// Relax the matching rules but keep the rate limits.
		for _, p := range candidates {
			if !p.RateLimitExceeded(now) {
				eligible = append(eligible, p)
			}
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoProviders
	}
	sortByPriority(eligible)
	return eligible[0], nil
}

// SendWithProvider sends through p's cached transport and records the outcome.
func (m *Manager) SendWithProvider(ctx context.Context, p *Provider, mail *Mail) (*SendResult, error) {
	t, err := m.transport(p)
	if err != nil {
		m.recordFailure(ctx, p, err)
		return nil, err
	}

	out := *mail
	out.From = p.FromEmail
	out.FromName = p.FromName

	start := m.now()
	err = t.Send(ctx, &out)
	latency := m.now().Sub(start)
	if err != nil {
		m.recordFailure(ctx, p, err)
		return nil, fmt.Errorf("provider %s: %w", p.Name, err)
	}
	metrics.EmailsSent.WithLabelValues(string(p.Type), "success").Inc()
	if _, uerr := m.store.UpdateProvider(ctx, p.ID, func(cur *Provider) error {
		cur.RecordSuccess(m.now(), latency)
		return nil
	}); uerr != nil {
		m.logger.Warn("record provider success", "provider", p.Name, "err", uerr)
	}
	return &SendResult{ProviderID: p.ID, ProviderName: p.Name, ProviderType: p.Type, Latency: latency}, nil
}

func (m *Manager) recordFailure(ctx context.Context, p *Provider, cause error) {
	metrics.EmailsSent.WithLabelValues(string(p.Type), "error").Inc()
	updated, err := m.store.UpdateProvider(ctx, p.ID, func(cur *Provider) error {
		cur.RecordFailure(m.now(), cause)
		return nil
	})
	if err != nil {
		m.logger.Warn("record provider failure", "provider", p.Name, "err", err)
		return
	}
	if updated.Health.Status != p.Health.Status {
		m.logger.Warn("provider health changed", "provider", p.Name, "from", p.Health.Status, "to", updated.Health.Status)
	}
}

// HandleFailover retries a failed send on the designated fallback, then on
// any other usable provider in priority order. At most RetryAttempts backups
// are tried, RetryDelayMs apart.
func (m *Manager) HandleFailover(ctx context.Context, failed *Provider, mail *Mail, sc SendContext) (*SendResult, error) {
	m.logger.Info("attempting failover", "from", failed.Name)

	attempts := failed.Failover.RetryAttempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	delay := time.Duration(failed.Failover.RetryDelayMs) * time.Millisecond
	tried := map[string]bool{failed.ID: true}
	var lastErr error

	try := func(p *Provider) (*SendResult, bool) {
		if len(tried) > 1 {
			if err := m.sleep(ctx, delay); err != nil {
				lastErr = err
				return nil, false
			}
		}
		tried[p.ID] = true
		attempts--
		res, err := m.SendWithProvider(ctx, p, mail)
		if err != nil {
			lastErr = err
			m.logger.Warn("failover attempt failed", "provider", p.Name, "err", err)
			return nil, false
		}
		res.Failover = true
		metrics.ProviderFailovers.WithLabelValues("success").Inc()
		m.logger.Info("failover succeeded", "from", failed.Name, "to", p.Name)
		return res, true
	}

	if id := failed.Failover.FallbackProviderID; id != "" && id != failed.ID {
		fb, err := m.store.GetProvider(ctx, id)
		switch {
		case err != nil:
			m.logger.Warn("fallback provider unavailable, trying any provider", "fallback", id, "err", err)
		case !fb.Active:
			m.logger.Warn("fallback provider inactive, trying any provider", "fallback", fb.Name)
		default:
			if res, ok := try(fb); ok {
				return res, nil
			}
		}
	}

	all, err := m.store.ListProviders(ctx)
	if err != nil {
		metrics.ProviderFailovers.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list providers: %w", err)
	}
	alternatives := m.alternatives(all, tried)
	for _, p := range alternatives {
		if attempts <= 0 || ctx.Err() != nil {
			break
		}
		if res, ok := try(p); ok {
			return res, nil
		}
	}

	metrics.ProviderFailovers.WithLabelValues("exhausted").Inc()
	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrNoBackupProviders, lastErr)
	}
	return nil, ErrNoBackupProviders
}

// alternatives returns usable, non-rate-limited providers not yet tried.
func (m *Manager) alternatives(all []*Provider, tried map[string]bool) []*Provider {
	now := m.now()
	var out []*Provider
	for _, p := range all {
		if tried[p.ID] || !p.Usable() || p.RateLimitExceeded(now) {
			continue
		}
		out = append(out, p)
	}
	sortByPriority(out)
	return out
}

func (m *Manager) transport(p *Provider) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transports[p.ID]; ok {
		return t, nil
	}
	t, err := m.factory(p)
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", p.Name, err)
	}
	m.transports[p.ID] = t
	return t, nil
}

// ClearCache drops the cached transport for id, or every transport when id is empty.
func (m *Manager) ClearCache(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.transports = make(map[string]Transport)
		return
	}
	delete(m.transports, id)
}

// TestProvider verifies the provider's connection and records the result.
func (m *Manager) TestProvider(ctx context.Context, id string) error {
	p, err := m.store.GetProvider(ctx, id)
	if err != nil {
		return err
	}
	t, err := m.transport(p)
	if err == nil {
		err = t.Verify(ctx)
	}
	now := m.now()
	if _, uerr := m.store.UpdateProvider(ctx, id, func(cur *Provider) error {
		cur.Health.LastCheck = timePtr(now)
		if err != nil {
			cur.Health.LastError = err.Error()
		} else {
			cur.Health.LastError = ""
			if cur.Health.Status == HealthUnknown {
				cur.Health.Status = HealthHealthy
			}
		}
		return nil
	}); uerr != nil {
		m.logger.Warn("record provider test", "provider", p.Name, "err", uerr)
	}
	if err != nil {
		return fmt.Errorf("provider %s connection test: %w", p.Name, err)
	}
	return nil
}

// ResetStats zeroes a provider's statistics.
func (m *Manager) ResetStats(ctx context.Context, id string) (*Provider, error) {
	return m.store.UpdateProvider(ctx, id, func(p *Provider) error {
		p.ResetStats(m.now())
		return nil
	})
}

// Statistics summarises every provider.
type Statistics struct {
	Total              int            `json:"total"`
	Active             int            `json:"active"`
	Healthy            int            `json:"healthy"`
	Degraded           int            `json:"degraded"`
	Unhealthy          int            `json:"unhealthy"`
	ByType             map[string]int `json:"byType"`
	TotalSent          int64          `json:"totalSent"`
	TotalFailed        int64          `json:"totalFailed"`
	AverageSuccessRate float64        `json:"averageSuccessRate"`
}

func (m *Manager) Statistics(ctx context.Context) (*Statistics, error) {
	all, err := m.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	st := &Statistics{Total: len(all), ByType: make(map[string]int)}
	var rateSum float64
	for _, p := range all {
		if p.Active {
			st.Active++
		}
		switch p.Health.Status {
		case HealthHealthy:
			st.Healthy++
		case HealthDegraded:
			st.Degraded++
		case HealthUnhealthy:
			st.Unhealthy++
		}
		st.ByType[string(p.Type)]++
		st.TotalSent += p.Stats.TotalSent
		st.TotalFailed += p.Stats.TotalFailed
		rateSum += p.Stats.SuccessRate
	}
	if len(all) > 0 {
		st.AverageSuccessRate = rateSum / float64(len(all))
	}
	return st, nil
}

// RecipientDomain returns the domain part of the first address.
func RecipientDomain(to []string) string {
	if len(to) == 0 {
		return ""
	}
	addr := to[0]
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.ToLower(strings.TrimRight(addr[i+1:], ">"))
	}
	return ""
}

func sortByPriority(ps []*Provider) {
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Priority < ps[j].Priority })
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
