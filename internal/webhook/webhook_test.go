package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
)

type memStore struct {
	mu    sync.Mutex
	subs  []*Subscription
	loads int32
	delay time.Duration
}

func (m *memStore) ActiveWebhooks(ctx context.Context) ([]*Subscription, error) {
	atomic.AddInt32(&m.loads, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, s := range m.subs {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) GetWebhook(ctx context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) set(subs ...*Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = subs
}

type captured struct {
	method string
	header http.Header
	query  map[string][]string
	body   []byte
}

type recorder struct {
	mu   sync.Mutex
	reqs []captured
	code int32
}

func (r *recorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.reqs = append(r.reqs, captured{method: req.Method, header: req.Header.Clone(), query: req.URL.Query(), body: body})
		r.mu.Unlock()
		code := int(atomic.LoadInt32(&r.code))
		if code == 0 {
			code = http.StatusOK
		}
		w.WriteHeader(code)
	}
}

func (r *recorder) all() []captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]captured(nil), r.reqs...)
}

var fixedNow = time.Date(2026, 5, 4, 12, 30, 0, 123000000, time.UTC)

func newTestService(store Store, bus *event.Bus, sleeps *[]time.Duration) *Service {
	var mu sync.Mutex
	return NewService(store, bus, Config{}, nil,
		WithClock(func() time.Time { return fixedNow }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
			return nil
		}),
	)
}

func sub(id, url string, events ...string) *Subscription {
	return &Subscription{ID: id, Name: id, URL: url, Method: "POST", Events: events, Active: true}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"event":"ticket:created"}`)
	sig := Sign("s3cr3t", body)
	assert.Len(t, sig, 64)
	assert.True(t, Verify("s3cr3t", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("s3cr3t", append(body, ' '), sig))
	assert.False(t, Verify("s3cr3t", body, "not-hex"))
}

func TestDeliver_SignedPost(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	s1 := sub("w1", srv.URL+"/hook", "ticket:created")
	s1.Secret = "s3cr3t"
	s1.Headers = []Header{{Key: "X-Custom", Value: "yes"}, {Key: "Content-Type", Value: "application/vnd.helpdesk+json"}}
	svc := newTestService(&memStore{subs: []*Subscription{s1}}, nil, nil)

	payload := map[string]interface{}{"ticket": map[string]interface{}{"uid": 1001, "subject": "Printer on fire"}}
	require.NoError(t, svc.Deliver(context.Background(), "ticket:created", payload))

	reqs := rec.all()
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "ticket:created", got.header.Get("X-Trudesk-Event"))
	assert.Equal(t, "yes", got.header.Get("X-Custom"))
	assert.Equal(t, "application/vnd.helpdesk+json", got.header.Get("Content-Type"))
	assert.True(t, Verify("s3cr3t", got.body, got.header.Get("X-Trudesk-Signature")))

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(got.body, &env))
	assert.Equal(t, "ticket:created", env["event"])
	assert.Equal(t, "2026-05-04T12:30:00.123Z", env["timestamp"])
	assert.Equal(t, "Printer on fire", env["payload"].(map[string]interface{})["ticket"].(map[string]interface{})["subject"])
}

func TestDeliver_NoSecretNoSignature(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	svc := newTestService(&memStore{subs: []*Subscription{sub("w1", srv.URL, "ticket:updated")}}, nil, nil)
	require.NoError(t, svc.Deliver(context.Background(), "ticket:updated", nil))
	require.Len(t, rec.all(), 1)
	assert.Empty(t, rec.all()[0].header.Get("X-Trudesk-Signature"))
}

func TestDeliver_RetriesThenFails(t *testing.T) {
	rec := &recorder{code: http.StatusBadGateway}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	var sleeps []time.Duration
	svc := newTestService(&memStore{subs: []*Subscription{sub("w1", srv.URL, "ticket:closed")}}, nil, &sleeps)
	err := svc.Deliver(context.Background(), "ticket:closed", map[string]interface{}{"id": "t1"})
	require.Error(t, err)

	var derr *DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "w1", derr.WebhookID)
	assert.Equal(t, "ticket:closed", derr.Event)
	assert.Equal(t, 3, derr.Attempts)
	assert.Contains(t, derr.Error(), "unexpected status 502")
	assert.Len(t, rec.all(), 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestDeliver_RecoversOnRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	svc := newTestService(&memStore{subs: []*Subscription{sub("w1", srv.URL, "ticket:created")}}, nil, nil)
	require.NoError(t, svc.Deliver(context.Background(), "ticket:created", nil))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDeliver_FailureIsIsolated(t *testing.T) {
	good := &recorder{}
	goodSrv := httptest.NewServer(good.handler())
	defer goodSrv.Close()
	bad := &recorder{code: http.StatusInternalServerError}
	badSrv := httptest.NewServer(bad.handler())
	defer badSrv.Close()

	svc := newTestService(&memStore{subs: []*Subscription{
		sub("good", goodSrv.URL, "ticket:created"),
		sub("bad", badSrv.URL, "ticket:created"),
		sub("other", goodSrv.URL, "user:created"),
	}}, nil, nil)

	err := svc.Deliver(context.Background(), "ticket:created", nil)
	var derr *DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "bad", derr.WebhookID)
	assert.Len(t, good.all(), 1)
	assert.Len(t, bad.all(), 3)
}

func TestDeliver_GetUsesQuery(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	s1 := sub("w1", srv.URL+"/hook?source=helpdesk", "ticket:assigned")
	s1.Method = "GET"
	s1.Secret = "k"
	svc := newTestService(&memStore{subs: []*Subscription{s1}}, nil, nil)

	require.NoError(t, svc.Deliver(context.Background(), "ticket:assigned", map[string]interface{}{"assignee": "u2"}))
	got := rec.all()[0]
	assert.Equal(t, http.MethodGet, got.method)
	assert.Empty(t, got.body)
	assert.Equal(t, []string{"helpdesk"}, got.query["source"])
	assert.Equal(t, []string{"ticket:assigned"}, got.query["event"])
	assert.Equal(t, []string{"2026-05-04T12:30:00.123Z"}, got.query["timestamp"])
	assert.JSONEq(t, `{"assignee":"u2"}`, got.query["payload"][0])
	assert.NotEmpty(t, got.header.Get("X-Trudesk-Signature"))
}

func TestListenersFollowSubscriptions(t *testing.T) {
	bus := event.NewBus(context.Background(), event.BusConf{}, nil)
	store := &memStore{}
	store.set(
		sub("a", "http://example.test/a", "ticket:created", "ticket:updated"),
		sub("b", "http://example.test/b", "ticket:created"),
		&Subscription{ID: "c", Name: "c", URL: "http://example.test/c", Events: []string{"user:login"}},
	)
	svc := newTestService(store, bus, nil)
	require.NoError(t, svc.Init(context.Background()))
	assert.Equal(t, []string{"ticket:created", "ticket:updated"}, svc.Listeners())
	assert.ElementsMatch(t, []string{"ticket:created", "ticket:updated"}, bus.Names())

	store.set(sub("d", "http://example.test/d", "ticket:closed"))
	require.NoError(t, svc.Reload(context.Background()))
	assert.Equal(t, []string{"ticket:closed"}, svc.Listeners())
	assert.ElementsMatch(t, []string{"ticket:closed"}, bus.Names())

	svc.Invalidate()
	assert.Empty(t, svc.Listeners())
	assert.Empty(t, bus.Names())
}

func TestBusEventIsDelivered(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	bus := event.NewBus(context.Background(), event.BusConf{}, nil)
	svc := newTestService(&memStore{subs: []*Subscription{sub("w1", srv.URL, event.TicketCommentAdded)}}, bus, nil)
	require.NoError(t, svc.Init(context.Background()))

	bus.Publish(event.New(event.TicketCommentAdded, map[string]interface{}{"comment": "hi"}))
	bus.Publish(event.New(event.TicketClosed, nil))
	svc.Wait()

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, event.TicketCommentAdded, reqs[0].header.Get("X-Trudesk-Event"))
	svc.Close()
}

func TestSubscriptions_SingleFlight(t *testing.T) {
	store := &memStore{delay: 50 * time.Millisecond}
	store.set(sub("a", "http://example.test", "ticket:created"))
	svc := newTestService(store, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subs, err := svc.Subscriptions(context.Background())
			assert.NoError(t, err)
			assert.Len(t, subs, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.loads))

	_, err := svc.Subscriptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.loads), "served from cache")
}

// gatedStore holds the first load until gate is closed. The result is the
// store contents at the moment that load started.
type gatedStore struct {
	*memStore
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedStore) ActiveWebhooks(ctx context.Context) ([]*Subscription, error) {
	first := false
	g.once.Do(func() { first = true })
	subs, err := g.memStore.ActiveWebhooks(ctx)
	if first {
		close(g.entered)
		<-g.gate
	}
	return subs, err
}

func TestReload_DuringInFlightLoad(t *testing.T) {
	bus := event.NewBus(context.Background(), event.BusConf{}, nil)
	store := &gatedStore{memStore: &memStore{}, entered: make(chan struct{}), gate: make(chan struct{})}
	store.set(sub("old", "http://example.test/old", "ticket:created"))
	svc := newTestService(store, bus, nil)

	initDone := make(chan error, 1)
	go func() { initDone <- svc.Init(context.Background()) }()
	<-store.entered

	store.set(sub("new", "http://example.test/new", "ticket:closed"))
	require.NoError(t, svc.Reload(context.Background()))
	assert.Equal(t, []string{"ticket:closed"}, svc.Listeners())

	close(store.gate)
	require.NoError(t, <-initDone)

	assert.Equal(t, []string{"ticket:closed"}, svc.Listeners(), "stale load does not register")
	assert.ElementsMatch(t, []string{"ticket:closed"}, bus.Names())
	subs, err := svc.Subscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "new", subs[0].ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&store.loads))
}

func TestClose_DropsLateDispatch(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	bus := event.NewBus(context.Background(), event.BusConf{}, nil)
	svc := newTestService(&memStore{subs: []*Subscription{sub("w1", srv.URL, event.TicketCreated)}}, bus, nil)
	require.NoError(t, svc.Init(context.Background()))
	svc.Close()
	assert.Empty(t, bus.Names())

	// A bus worker that picked the event up before Close still calls handle.
	svc.handle(context.Background(), event.New(event.TicketCreated, nil))
	svc.Wait()
	assert.Empty(t, rec.all())

	require.NoError(t, svc.Reload(context.Background()))
	assert.Empty(t, bus.Names(), "closed service registers no listeners")
}

func TestTest(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	inactive := sub("w1", srv.URL, "ticket:created")
	inactive.Active = false
	svc := newTestService(&memStore{subs: []*Subscription{inactive}}, nil, nil)

	require.NoError(t, svc.Test(context.Background(), "w1", nil))
	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, TestEvent, reqs[0].header.Get("X-Trudesk-Event"))

	assert.ErrorIs(t, svc.Test(context.Background(), "missing", nil), ErrNotFound)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		sub    Subscription
		fields []string
	}{
		{
			name: "valid",
			sub:  Subscription{Name: "crm", URL: "https://crm.example.com/hooks", Method: "post", Events: []string{"ticket:created"}},
		},
		{
			name:   "missing everything",
			sub:    Subscription{},
			fields: []string{"name", "url", "events"},
		},
		{
			name:   "bad url and method",
			sub:    Subscription{Name: "x", URL: "ftp://example.com", Method: "TRACE", Events: []string{"a"}},
			fields: []string{"url", "method"},
		},
		{
			name:   "header without key",
			sub:    Subscription{Name: "x", URL: "http://example.com", Events: []string{"a"}, Headers: []Header{{Value: "v"}}},
			fields: []string{"headers[0].key"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := Validate(&tc.sub)
			var got []string
			for _, fe := range errs {
				got = append(got, fe.Field)
			}
			assert.ElementsMatch(t, tc.fields, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	s := Subscription{Method: " patch ", Events: []string{"a", " b", "a", "", "b"}}
	s.Normalize()
	assert.Equal(t, "PATCH", s.Method)
	assert.Equal(t, []string{"a", "b"}, s.Events)

	var empty Subscription
	empty.Normalize()
	assert.Equal(t, "POST", empty.Method)
}
