package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	providers map[string]*Provider
}

func newMemStore(ps ...*Provider) *memStore {
	s := &memStore{providers: make(map[string]*Provider)}
	for _, p := range ps {
		s.providers[p.ID] = p
	}
	return s
}

func (s *memStore) ListProviders(ctx context.Context) ([]*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		cp := *p
		out = append(out, &cp)
	}
	sortByPriority(out)
	return out, nil
}

func (s *memStore) GetProvider(ctx context.Context, id string) (*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) UpdateProvider(ctx context.Context, id string, fn func(*Provider) error) (*Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	err    error
	sent   []*Mail
	verify error
}

func (f *fakeTransport) Send(ctx context.Context, m *Mail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) Verify(ctx context.Context) error { return f.verify }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testProvider(id string, priority int) *Provider {
	p := New()
	p.ID = id
	p.Name = id
	p.Type = TypeSMTP
	p.Priority = priority
	p.FromEmail = id + "@example.com"
	p.Config.Host = "smtp." + id
	p.Failover.RetryDelayMs = 0
	return p
}

type harness struct {
	store      *memStore
	transports map[string]*fakeTransport
	built      map[string]int
	sleeps     []time.Duration
	mgr        *Manager
}

func newHarness(ps ...*Provider) *harness {
	h := &harness{
		store:      newMemStore(ps...),
		transports: make(map[string]*fakeTransport),
		built:      make(map[string]int),
	}
	for _, p := range ps {
		h.transports[p.ID] = &fakeTransport{}
	}
	h.mgr = NewManager(h.store, nil,
		WithTransportFactory(func(p *Provider) (Transport, error) {
			h.built[p.ID]++
			return h.transports[p.ID], nil
		}),
		WithClock(func() time.Time { return t0 }, func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	)
	return h
}

var testMail = &Mail{To: []string{"customer@example.org"}, Subject: "Ticket #1001", HTML: "<p>hi</p>"}

func TestSelectProvider_LowestPriority(t *testing.T) {
	a := testProvider("a", 1)
	b := testProvider("b", 2)
	h := newHarness(b, a)

	p, err := h.mgr.SelectProvider(context.Background(), SendContext{})
	require.NoError(t, err)
	assert.Equal(t, "a", p.ID)
}

func TestSelectProvider_SkipsRateLimited(t *testing.T) {
	a := testProvider("a", 1)
	a.RateLimit = RateLimit{Enabled: true, MaxPerHour: 1, HourCount: 1, HourResetAt: timePtr(t0.Add(-10 * time.Minute))}
	b := testProvider("b", 2)
	h := newHarness(a, b)

	res, err := h.mgr.Send(context.Background(), testMail, SendContext{})
	require.NoError(t, err)
	assert.Equal(t, "b", res.ProviderID)
	assert.False(t, res.Failover)
	assert.Equal(t, 0, h.transports["a"].count())
	assert.Equal(t, 1, h.transports["b"].count())
}

func TestSelectProvider_RelaxesRules(t *testing.T) {
	a := testProvider("a", 1)
	a.Rules.OnlyFor.EmailTypes = []string{"password-reset"}
	h := newHarness(a)

	p, err := h.mgr.SelectProvider(context.Background(), SendContext{EmailType: "ticket-created"})
	require.NoError(t, err)
	assert.Equal(t, "a", p.ID)
}

func TestSelectProvider_NoneUsable(t *testing.T) {
	a := testProvider("a", 1)
	a.Active = false
	b := testProvider("b", 2)
	b.Health.Status = HealthUnhealthy
	h := newHarness(a, b)

	_, err := h.mgr.SelectProvider(context.Background(), SendContext{})
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestSend_FailoverToFallback(t *testing.T) {
	a := testProvider("a", 1)
	a.Failover.FallbackProviderID = "c"
	b := testProvider("b", 2)
	c := testProvider("c", 3)
	h := newHarness(a, b, c)
	h.transports["a"].err = errors.New("421 service unavailable")

	res, err := h.mgr.Send(context.Background(), testMail, SendContext{})
	require.NoError(t, err)
	assert.True(t, res.Failover)
	assert.Equal(t, "c", res.ProviderID)
	assert.Equal(t, 0, h.transports["b"].count())

	stored, _ := h.store.GetProvider(context.Background(), "a")
	assert.Equal(t, int64(1), stored.Stats.TotalFailed)
	assert.Equal(t, 1, stored.Health.ConsecutiveFailures)
	assert.Equal(t, "421 service unavailable", stored.Health.LastError)

	stored, _ = h.store.GetProvider(context.Background(), "c")
	assert.Equal(t, int64(1), stored.Stats.TotalSent)
	assert.Equal(t, HealthHealthy, stored.Health.Status)

	sent := h.transports["c"].sent[0]
	assert.Equal(t, "c@example.com", sent.From)
}

func TestSend_FailoverAlternativesInPriorityOrder(t *testing.T) {
	a := testProvider("a", 1)
	a.Failover.RetryDelayMs = 250
	b := testProvider("b", 2)
	c := testProvider("c", 3)
	h := newHarness(a, b, c)
	h.transports["a"].err = errors.New("boom")
	h.transports["b"].err = errors.New("boom")

	res, err := h.mgr.Send(context.Background(), testMail, SendContext{})
	require.NoError(t, err)
	assert.Equal(t, "c", res.ProviderID)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, h.sleeps)
}

func TestSend_FailoverExhausted(t *testing.T) {
	a := testProvider("a", 1)
	a.Failover.RetryAttempts = 1
	b := testProvider("b", 2)
	c := testProvider("c", 3)
	h := newHarness(a, b, c)
	h.transports["a"].err = errors.New("boom")
	h.transports["b"].err = errors.New("timeout")

	_, err := h.mgr.Send(context.Background(), testMail, SendContext{})
	require.ErrorIs(t, err, ErrNoBackupProviders)
	assert.Contains(t, err.Error(), "timeout")
	assert.Equal(t, 0, h.transports["c"].count(), "retry budget spent on b")
}

func TestSend_FailoverDisabled(t *testing.T) {
	a := testProvider("a", 1)
	a.Failover.Enabled = false
	b := testProvider("b", 2)
	h := newHarness(a, b)
	h.transports["a"].err = errors.New("boom")

	_, err := h.mgr.Send(context.Background(), testMail, SendContext{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoBackupProviders)
	assert.Equal(t, 0, h.transports["b"].count())
}

func TestTransportCache(t *testing.T) {
	a := testProvider("a", 1)
	h := newHarness(a)
	ctx := context.Background()

	_, err := h.mgr.Send(ctx, testMail, SendContext{})
	require.NoError(t, err)
	_, err = h.mgr.Send(ctx, testMail, SendContext{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.built["a"])

	h.mgr.ClearCache("a")
	_, err = h.mgr.Send(ctx, testMail, SendContext{})
	require.NoError(t, err)
	assert.Equal(t, 2, h.built["a"])

	h.mgr.ClearCache("")
	_, err = h.mgr.Send(ctx, testMail, SendContext{})
	require.NoError(t, err)
	assert.Equal(t, 3, h.built["a"])
}

func TestTestProvider(t *testing.T) {
	a := testProvider("a", 1)
	h := newHarness(a)
	ctx := context.Background()

	require.NoError(t, h.mgr.TestProvider(ctx, "a"))
	stored, _ := h.store.GetProvider(ctx, "a")
	assert.Equal(t, HealthHealthy, stored.Health.Status)
	require.NotNil(t, stored.Health.LastCheck)

	h.transports["a"].verify = errors.New("auth failed")
	err := h.mgr.TestProvider(ctx, "a")
	require.Error(t, err)
	stored, _ = h.store.GetProvider(ctx, "a")
	assert.Equal(t, "auth failed", stored.Health.LastError)

	assert.ErrorIs(t, h.mgr.TestProvider(ctx, "missing"), ErrNotFound)
}

func TestStatistics(t *testing.T) {
	a := testProvider("a", 1)
	a.Health.Status = HealthHealthy
	a.Stats.TotalSent = 10
	a.Stats.SuccessRate = 100
	b := testProvider("b", 2)
	b.Type = TypeSendGrid
	b.Health.Status = HealthDegraded
	b.Stats.TotalSent = 5
	b.Stats.TotalFailed = 5
	b.Stats.SuccessRate = 50
	c := testProvider("c", 3)
	c.Active = false
	c.Health.Status = HealthUnhealthy
	c.Stats.SuccessRate = 0
	h := newHarness(a, b, c)

	st, err := h.mgr.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 1, st.Healthy)
	assert.Equal(t, 1, st.Degraded)
	assert.Equal(t, 1, st.Unhealthy)
	assert.Equal(t, map[string]int{"smtp": 2, "sendgrid": 1}, st.ByType)
	assert.Equal(t, int64(15), st.TotalSent)
	assert.Equal(t, int64(5), st.TotalFailed)
	assert.InDelta(t, 50.0, st.AverageSuccessRate, 0.001)
}

func TestRecipientDomain(t *testing.T) {
	assert.Equal(t, "example.com", RecipientDomain([]string{"Jane <jane@Example.com>"}))
	assert.Equal(t, "", RecipientDomain(nil))
	assert.Equal(t, "", RecipientDomain([]string{"nobody"}))
}
