package event

import (
	"time"

	"github.com/google/uuid"
)

// Domain event names published on the bus.
const (
	TicketCreated         = "ticket:created"
	TicketUpdated         = "ticket:updated"
	TicketAssigned        = "ticket:assigned"
	TicketClosed          = "ticket:closed"
	TicketReopened        = "ticket:reopened"
	TicketCommentAdded    = "ticket:comment:added"
	TicketStatusChanged   = "ticket:status:changed"
	TicketPriorityChanged = "ticket:priority:changed"
	TicketSLAWarning      = "ticket:sla:warning"
	TicketSLAExceeded     = "ticket:sla:exceeded"
	UserCreated           = "user:created"
	UserLogin             = "user:login"
	PasswordReset         = "user:password:reset"
	NotificationUser      = "notification:user"
	NotificationGroup     = "notification:group"
)

// Event is a named domain occurrence with its context payload
// (ticket, user, comment, previousData).
type Event struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	OccurredAt time.Time              `json:"occurred_at"`
	Source     string                 `json:"source,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
}

// New creates an event with a fresh id.
func New(name string, payload map[string]interface{}) *Event {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return &Event{
		ID:         uuid.NewString(),
		Name:       name,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}
