package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
	"github.com/gyaneshwarpardhi/ticketflow/internal/metrics"
)

// TestEvent is the event name used by Service.Test.
const TestEvent = "test"

// Store loads subscriptions.
type Store interface {
	ActiveWebhooks(ctx context.Context) ([]*Subscription, error)
	GetWebhook(ctx context.Context, id string) (*Subscription, error)
}

// Config tunes delivery.
type Config struct {
	HeaderPrefix string
	Timeout      time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
}

// DefaultConfig returns the stock delivery settings.
func DefaultConfig() Config {
	return Config{
		HeaderPrefix: "X-Trudesk",
		Timeout:      15 * time.Second,
		MaxAttempts:  3,
		BackoffBase:  500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeaderPrefix == "" {
		c.HeaderPrefix = d.HeaderPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service caches active subscriptions and delivers matching events to them.
type Service struct {
	store  Store
	bus    *event.Bus
	cfg    Config
	client *http.Client
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	loads singleflight.Group

	mu        sync.Mutex
	cache     []*Subscription
	loaded    bool
	gen       uint64
	listeners []*event.Subscription
	names     []string
	closed    bool

	inflight sync.WaitGroup
}

// NewService creates a Service. Listeners are registered on bus by Init and
// Reload; bus may be nil when only direct delivery is needed.
func NewService(store Store, bus *event.Bus, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		client: http.DefaultClient,
		logger: logger.With("component", "webhooks"),
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init performs the initial load and registers bus listeners. A load that
// raced with an Invalidate is discarded and repeated.
func (s *Service) Init(ctx context.Context) error {
	for {
		subs, gen, err := s.load(ctx)
		if err != nil {
			return err
		}
		if s.registerIfCurrent(subs, gen) {
			s.logger.Info("webhook service initialised", "subscriptions", len(subs), "events", len(s.Listeners()))
			return nil
		}
	}
}

// Reload drops the cache, reloads it and re-registers listeners.
func (s *Service) Reload(ctx context.Context) error {
	s.Invalidate()
	return s.Init(ctx)
}

// Invalidate drops the cache and every listener.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	s.loaded = false
	s.gen++
	s.replaceListeners(nil)
}

// Subscriptions returns the cached active subscriptions, loading them on
// first use. Concurrent loads share one store query.
func (s *Service) Subscriptions(ctx context.Context) ([]*Subscription, error) {
	subs, _, err := s.load(ctx)
	return subs, err
}

// load returns the subscriptions together with the cache generation they
// belong to. Loads are shared per generation, so a caller never joins a
// query that started before the last Invalidate.
func (s *Service) load(ctx context.Context) ([]*Subscription, uint64, error) {
	s.mu.Lock()
	if s.loaded {
		out, gen := s.cache, s.gen
		s.mu.Unlock()
		return out, gen, nil
	}
	gen := s.gen
	s.mu.Unlock()

	v, err, _ := s.loads.Do(fmt.Sprintf("active-%d", gen), func() (interface{}, error) {
		subs, err := s.store.ActiveWebhooks(ctx)
		if err != nil {
			return nil, fmt.Errorf("load webhooks: %w", err)
		}
		s.mu.Lock()
		if s.gen == gen {
			s.cache = subs
			s.loaded = true
		}
		s.mu.Unlock()
		return subs, nil
	})
	if err != nil {
		return nil, gen, err
	}
	return v.([]*Subscription), gen, nil
}

// Listeners returns the event names currently subscribed on the bus.
func (s *Service) Listeners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// registerIfCurrent installs listeners for subs unless the cache moved on to
// a newer generation. A closed service keeps no listeners.
func (s *Service) registerIfCurrent(subs []*Subscription, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	if !s.closed {
		s.replaceListeners(subs)
	}
	return true
}

// replaceListeners swaps the bus listeners for one per distinct event name in
// subs. The caller holds s.mu.
func (s *Service) replaceListeners(subs []*Subscription) {
	for _, l := range s.listeners {
		l.Unsubscribe()
	}
	s.listeners = nil
	s.names = nil

	seen := make(map[string]struct{})
	for _, sub := range subs {
		for _, name := range sub.Events {
			seen[name] = struct{}{}
		}
	}
	for name := range seen {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	if s.bus != nil {
		for _, name := range s.names {
			s.listeners = append(s.listeners, s.bus.Subscribe(name, s.handle))
		}
	}
	metrics.WebhookListeners.Set(float64(len(s.names)))
}

// handle runs deliveries in the background so a slow endpoint does not hold
// a bus worker through its retries.
func (s *Service) handle(ctx context.Context, ev *event.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer s.inflight.Done()
		_ = s.Deliver(ctx, ev.Name, ev.Payload)
	}()
}

// Deliver sends an event to every cached subscription that wants it. Each
// subscription is delivered concurrently and independently of the others;
// cancelling ctx does not abort deliveries already started. The returned
// error joins the *DeliveryError of every subscription that failed.
func (s *Service) Deliver(ctx context.Context, name string, payload interface{}) error {
	subs, err := s.Subscriptions(ctx)
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sub := range subs {
		if !sub.Active || !sub.Subscribes(name) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := s.deliver(ctx, sub, name, payload); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Test delivers a "test" event to one subscription whether or not it is
// active.
func (s *Service) Test(ctx context.Context, id string, payload interface{}) error {
	sub, err := s.store.GetWebhook(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load webhook %s: %w", id, err)
	}
	if payload == nil {
		payload = map[string]interface{}{
			"message":   "This is a test webhook delivery",
			"webhookId": sub.ID,
		}
	}
	return s.deliver(ctx, sub, TestEvent, payload)
}

// Close removes the bus listeners and waits for background deliveries.
// Events a bus worker is still dispatching after Close are dropped.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.replaceListeners(nil)
	s.mu.Unlock()
	s.inflight.Wait()
}

// Wait blocks until background deliveries started from the bus finish.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
