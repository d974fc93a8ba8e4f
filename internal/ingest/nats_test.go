package ingest

import (
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
)

type fakeBus struct {
	mu     sync.Mutex
	events []*event.Event
	reject bool
}

func (f *fakeBus) Publish(ev *event.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func TestDecode(t *testing.T) {
	cases := []struct {
		name     string
		subject  string
		data     string
		wantName string
		wantSrc  string
		wantErr  bool
	}{
		{name: "name from subject", subject: "helpdesk.events.ticket.created", data: `{"payload":{"ticket":{"_id":"t1"}}}`, wantName: "ticket:created", wantSrc: "nats"},
		{name: "nested subject", subject: "helpdesk.events.ticket.comment.added", data: ``, wantName: "ticket:comment:added", wantSrc: "nats"},
		{name: "explicit name wins", subject: "helpdesk.events.anything", data: `{"name":"user:login","source":"sso"}`, wantName: "user:login", wantSrc: "sso"},
		{name: "bad json", subject: "helpdesk.events.ticket.created", data: `{`, wantErr: true},
		{name: "no name", subject: "helpdesk.events", data: `{}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode("helpdesk.events", tc.subject, []byte(tc.data))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantName, ev.Name)
			assert.Equal(t, tc.wantSrc, ev.Source)
			assert.NotNil(t, ev.Payload)
			assert.NotEmpty(t, ev.ID)
		})
	}
}

func TestDecode_KeepsID(t *testing.T) {
	ev, err := Decode("p", "p.ticket.closed", []byte(`{"id":"evt-1","payload":{"ticket":{"_id":"t9"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "t9", ev.Payload["ticket"].(map[string]interface{})["_id"])
}

func TestBridge_Handle(t *testing.T) {
	bus := &fakeBus{}
	b := NewBridge(Config{SubjectPrefix: "helpdesk.events."}, bus, nil)

	b.handle(&nats.Msg{Subject: "helpdesk.events.ticket.assigned", Data: []byte(`{"payload":{"assignee":"u2"}}`)})
	b.handle(&nats.Msg{Subject: "helpdesk.events.ticket.assigned", Data: []byte(`not json`)})
	require.Len(t, bus.events, 1)
	assert.Equal(t, event.TicketAssigned, bus.events[0].Name)

	bus.reject = true
	b.handle(&nats.Msg{Subject: "helpdesk.events.ticket.closed"})
	assert.Len(t, bus.events, 1)
	assert.False(t, b.Connected())
}

func TestBridge_StartWithoutURL(t *testing.T) {
	b := NewBridge(Config{SubjectPrefix: "x"}, &fakeBus{}, nil)
	assert.ErrorContains(t, b.Start(), "no NATS server URL")
	b.Close()
}
