package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ticketflow/internal/action"
	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
	"github.com/gyaneshwarpardhi/ticketflow/internal/store"
	"github.com/gyaneshwarpardhi/ticketflow/internal/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeWebhooks struct {
	mu      sync.Mutex
	reloads int
	tested  []string
	testErr error
}

func (f *fakeWebhooks) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeWebhooks) Test(_ context.Context, id string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tested = append(f.tested, id)
	return f.testErr
}

type fakeProviders struct {
	store   *store.Store
	cleared []string
	testErr error
}

func (f *fakeProviders) ClearCache(id string) { f.cleared = append(f.cleared, id) }

func (f *fakeProviders) TestProvider(context.Context, string) error { return f.testErr }

func (f *fakeProviders) ResetStats(ctx context.Context, id string) (*provider.Provider, error) {
	return f.store.UpdateProvider(ctx, id, func(p *provider.Provider) error {
		p.ResetStats(time.Now())
		return nil
	})
}

func (f *fakeProviders) Statistics(ctx context.Context) (*provider.Statistics, error) {
	all, err := f.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	return &provider.Statistics{Total: len(all)}, nil
}

type fakeBus struct {
	events []*event.Event
	full   bool
	util   float64
}

func (f *fakeBus) Publish(ev *event.Event) bool {
	if f.full {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeBus) QueueUtilization() float64 { return f.util }

type harness struct {
	handler   http.Handler
	store     *store.Store
	webhooks  *fakeWebhooks
	providers *fakeProviders
	bus       *fakeBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	exec := action.NewExecutor(action.Deps{}, nil)
	h := &harness{
		store:     st,
		webhooks:  &fakeWebhooks{},
		providers: &fakeProviders{store: st},
		bus:       &fakeBus{},
	}
	h.handler = New(Deps{
		Store:     st,
		Engine:    rule.NewEngine(st, exec, nil),
		Actions:   exec,
		Webhooks:  h.webhooks,
		Providers: h.providers,
		Bus:       h.bus,
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if buf.Len() > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func fieldNames(resp map[string]interface{}) []string {
	var out []string
	list, _ := resp["errors"].([]interface{})
	for _, e := range list {
		out = append(out, e.(map[string]interface{})["field"].(string))
	}
	return out
}

var tagRule = map[string]interface{}{
	"name":      "tag critical",
	"eventType": "ticket-created",
	"conditions": []map[string]interface{}{
		{"field": "ticket.priority.name", "operator": "equals", "value": "Critical"},
	},
	"actions": []map[string]interface{}{
		{"type": "add-tag", "ticketConfig": map[string]interface{}{"tags": []string{"urgent"}}},
	},
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	h.bus.util = 0.1
	rec, _ = h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.bus.util = 0.9
	rec, body = h.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "overloaded", body["status"])

	rec, _ = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRules_CRUD(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/v1/rules", map[string]interface{}{
		"name":      "bad",
		"eventType": "ticket-exploded",
		"actions":   []map[string]interface{}{{"type": "teleport"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation failed", body["error"])
	assert.Contains(t, fieldNames(body), "eventType")

	rec, body = h.do(t, http.MethodPost, "/v1/rules", tagRule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, true, body["isActive"])
	assert.EqualValues(t, rule.DefaultPriority, body["priority"])

	rec, body = h.do(t, http.MethodGet, "/v1/rules/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tag critical", body["name"])

	_, body = h.do(t, http.MethodGet, "/v1/rules?eventType=ticket-created", nil)
	assert.EqualValues(t, 1, body["count"])
	_, body = h.do(t, http.MethodGet, "/v1/rules?eventType=ticket-closed", nil)
	assert.EqualValues(t, 0, body["count"])

	rec, body = h.do(t, http.MethodPut, "/v1/rules/"+id, map[string]interface{}{
		"priority": 5,
		"stats":    map[string]interface{}{"totalExecutions": 99},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 5, body["priority"])
	assert.EqualValues(t, 0, body["stats"].(map[string]interface{})["totalExecutions"], "stats are read-only")
	assert.Equal(t, "tag critical", body["name"], "omitted fields are kept")

	rec, body = h.do(t, http.MethodPut, "/v1/rules/"+id, map[string]interface{}{"eventType": "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, fieldNames(body), "eventType")
	stored, err := h.store.GetRule(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, rule.TicketCreated, stored.EventType, "rejected update is not saved")

	rec, body = h.do(t, http.MethodPost, "/v1/rules/"+id+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["isActive"])

	rec, _ = h.do(t, http.MethodDelete, "/v1/rules/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = h.do(t, http.MethodGet, "/v1/rules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = h.do(t, http.MethodDelete, "/v1/rules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRules_TestAndReset(t *testing.T) {
	h := newHarness(t)
	_, body := h.do(t, http.MethodPost, "/v1/rules", tagRule)
	id := body["id"].(string)

	cases := []struct {
		name     string
		priority string
		matched  bool
	}{
		{name: "matching data", priority: "Critical", matched: true},
		{name: "other priority", priority: "Low", matched: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := h.do(t, http.MethodPost, "/v1/rules/"+id+"/test", map[string]interface{}{
				"data": map[string]interface{}{
					"ticket": map[string]interface{}{"priority": map[string]interface{}{"name": tc.priority}},
				},
			})
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.matched, body["matched"])
			assert.EqualValues(t, 1, body["actionsCount"])
		})
	}

	require.NoError(t, h.store.RecordExecution(context.Background(), id, rule.Execution{Status: rule.StatusSuccess, At: time.Now()}))
	rec, body := h.do(t, http.MethodPost, "/v1/rules/"+id+"/reset-stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["executionCount"])
	assert.NotNil(t, body["stats"].(map[string]interface{})["lastResetAt"])

	rec, _ = h.do(t, http.MethodPost, "/v1/rules/missing/test", map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRules_BadJSON(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.do(t, http.MethodPost, "/v1/rules", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, body := h.do(t, http.MethodPost, "/v1/rules", tagRule)
	rec, _ = h.do(t, http.MethodPut, "/v1/rules/"+body["id"].(string), `{"priority":"high"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = h.do(t, http.MethodPut, "/v1/rules/"+body["id"].(string), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhooks(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/v1/webhooks", map[string]interface{}{
		"name": "crm", "url": "ftp://crm", "events": []string{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.ElementsMatch(t, []string{"url", "events"}, fieldNames(body))
	assert.Zero(t, h.webhooks.reloads)

	rec, body = h.do(t, http.MethodPost, "/v1/webhooks", map[string]interface{}{
		"name": "crm", "url": "https://crm.example.com/hook", "method": "put",
		"events": []string{"ticket:created", "ticket:created"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := body["id"].(string)
	assert.Equal(t, "PUT", body["method"])
	assert.Equal(t, []interface{}{"ticket:created"}, body["events"])
	assert.Equal(t, 1, h.webhooks.reloads)

	rec, body = h.do(t, http.MethodPut, "/v1/webhooks/"+id, map[string]interface{}{"events": []string{"ticket:closed"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"ticket:closed"}, body["events"])
	assert.Equal(t, "https://crm.example.com/hook", body["url"])

	rec, body = h.do(t, http.MethodPost, "/v1/webhooks/"+id+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["isActive"])
	assert.Equal(t, 3, h.webhooks.reloads)

	rec, _ = h.do(t, http.MethodPost, "/v1/webhooks/"+id+"/test", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.webhooks.testErr = &webhook.DeliveryError{WebhookID: id, Attempts: 3, Err: errors.New("unexpected status 502")}
	rec, body = h.do(t, http.MethodPost, "/v1/webhooks/"+id+"/test", map[string]interface{}{"payload": map[string]interface{}{"x": 1}})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "unexpected status 502", body["error"])
	assert.EqualValues(t, 3, body["attempts"])

	h.webhooks.testErr = webhook.ErrNotFound
	rec, _ = h.do(t, http.MethodPost, "/v1/webhooks/nope/test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(t, http.MethodDelete, "/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 4, h.webhooks.reloads)
}

func TestProviders(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/v1/providers", map[string]interface{}{
		"name": "mg", "type": "mailgun", "fromEmail": "help@example.com",
		"config": map[string]interface{}{"apiKey": "k"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, fieldNames(body), "config.domain")

	rec, body = h.do(t, http.MethodPost, "/v1/providers", map[string]interface{}{
		"name": "primary", "type": "smtp", "fromEmail": "help@example.com", "priority": 1,
		"config": map[string]interface{}{"host": "smtp.example.com", "port": 587},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := body["id"].(string)
	assert.Equal(t, true, body["failover"].(map[string]interface{})["enabled"], "creation defaults apply")

	rec, body = h.do(t, http.MethodPut, "/v1/providers/"+id, map[string]interface{}{
		"config": map[string]interface{}{"host": "smtp2.example.com", "port": 465},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "smtp2.example.com", body["config"].(map[string]interface{})["host"])
	assert.Equal(t, []string{id}, h.providers.cleared)

	rec, _ = h.do(t, http.MethodPost, "/v1/providers/"+id+"/test", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	h.providers.testErr = errors.New("dial tcp: connection refused")
	rec, body = h.do(t, http.MethodPost, "/v1/providers/"+id+"/test", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, false, body["success"])
	rec, _ = h.do(t, http.MethodPost, "/v1/providers/missing/test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = h.do(t, http.MethodGet, "/v1/providers/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	rec, body = h.do(t, http.MethodPost, "/v1/providers/"+id+"/reset-stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 100, body["stats"].(map[string]interface{})["successRate"])

	rec, body = h.do(t, http.MethodPost, "/v1/providers/"+id+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["isActive"])

	rec, _ = h.do(t, http.MethodDelete, "/v1/providers/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{id, id, id}, h.providers.cleared)
}

func TestIngestEvent(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodPost, "/v1/events", map[string]interface{}{"payload": map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := h.do(t, http.MethodPost, "/v1/events", map[string]interface{}{
		"id":      "evt-1",
		"name":    event.TicketCreated,
		"payload": map[string]interface{}{"ticket": map[string]interface{}{"_id": "t1"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "evt-1", body["id"])
	require.Len(t, h.bus.events, 1)
	assert.Equal(t, "http", h.bus.events[0].Source)
	assert.Equal(t, event.TicketCreated, h.bus.events[0].Name)

	h.bus.full = true
	rec, _ = h.do(t, http.MethodPost, "/v1/events", map[string]interface{}{"name": event.TicketClosed})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
