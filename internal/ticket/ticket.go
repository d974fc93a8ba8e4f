// Package ticket holds the minimal ticket view that automation actions mutate.
package ticket

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a ticket id does not resolve.
var ErrNotFound = errors.New("ticket not found")

// Ticket is the mutable subset of a helpdesk ticket.
type Ticket struct {
	ID         string    `json:"id"`
	UID        int       `json:"uid"`
	Subject    string    `json:"subject"`
	Status     string    `json:"status"`
	Priority   string    `json:"priority"`
	AssigneeID string    `json:"assigneeId,omitempty"`
	Tags       []string  `json:"tags"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// HasTag reports whether the ticket carries tag.
func (t *Ticket) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// Comment is a note appended to a ticket.
type Comment struct {
	TicketID  string    `json:"ticketId"`
	OwnerID   string    `json:"ownerId,omitempty"`
	Body      string    `json:"body"`
	Internal  bool      `json:"internal"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the persistence collaborator used by ticket-mutating actions.
type Store interface {
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	SaveTicket(ctx context.Context, t *Ticket) error
	AddComment(ctx context.Context, c *Comment) error
}
