package action

import (
	"context"
	"fmt"

	"github.com/gyaneshwarpardhi/ticketflow/internal/ticket"
)

// ticketHandler covers every action that mutates the ticket. Each execution
// re-reads the ticket so earlier rules in the same pass are not overwritten.
type ticketHandler struct {
	typ  Type
	deps Deps
}

func (h *ticketHandler) Type() Type { return h.typ }

func (h *ticketHandler) Validate(a Action) error {
	cfg := a.Ticket
	if cfg == nil {
		return fmt.Errorf("ticketConfig is required for %s", h.typ)
	}
	switch h.typ {
	case TypeAssignTicket:
		if cfg.AssigneeID == "" {
			return fmt.Errorf("ticketConfig.assigneeId is required")
		}
	case TypeAddTag, TypeRemoveTag:
		if len(cfg.Tags) == 0 {
			return fmt.Errorf("ticketConfig.tags is required")
		}
	case TypeUpdatePriority:
		if cfg.PriorityID == "" {
			return fmt.Errorf("ticketConfig.priorityId is required")
		}
	case TypeUpdateStatus:
		if cfg.StatusID == "" {
			return fmt.Errorf("ticketConfig.statusId is required")
		}
	case TypeAddComment:
		if cfg.Comment == "" {
			return fmt.Errorf("ticketConfig.comment is required")
		}
	}
	return nil
}

func (h *ticketHandler) Execute(ctx context.Context, a Action, env *Env) (interface{}, error) {
	if err := h.Validate(a); err != nil {
		return nil, err
	}
	if h.deps.Tickets == nil {
		return nil, fmt.Errorf("no ticket store configured")
	}
	id := env.TicketID()
	if id == "" {
		return nil, fmt.Errorf("no ticket in context")
	}

	if h.typ == TypeAddComment {
		c := &ticket.Comment{
			TicketID:  id,
			OwnerID:   env.UserID(),
			Body:      a.Ticket.Comment,
			Internal:  a.Ticket.InternalNote,
			CreatedAt: h.deps.Now(),
		}
		if _, err := h.deps.Tickets.GetTicket(ctx, id); err != nil {
			return nil, fmt.Errorf("load ticket %s: %w", id, err)
		}
		if err := h.deps.Tickets.AddComment(ctx, c); err != nil {
			return nil, fmt.Errorf("add comment to ticket %s: %w", id, err)
		}
		return map[string]interface{}{"ticketId": id}, nil
	}

	t, err := h.deps.Tickets.GetTicket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", id, err)
	}

	out := map[string]interface{}{"ticketId": id}
	switch h.typ {
	case TypeAssignTicket:
		t.AssigneeID = a.Ticket.AssigneeID
		out["assigneeId"] = t.AssigneeID
	case TypeAddTag:
		var added []string
		for _, tag := range a.Ticket.Tags {
			if !t.HasTag(tag) {
				t.Tags = append(t.Tags, tag)
				added = append(added, tag)
			}
		}
		if len(added) == 0 {
			out["tagsAdded"] = []string{}
			return out, nil
		}
		out["tagsAdded"] = added
	case TypeRemoveTag:
		drop := make(map[string]struct{}, len(a.Ticket.Tags))
		for _, tag := range a.Ticket.Tags {
			drop[tag] = struct{}{}
		}
		kept := t.Tags[:0]
		for _, tag := range t.Tags {
			if _, ok := drop[tag]; !ok {
				kept = append(kept, tag)
			}
		}
		t.Tags = kept
		out["tagsRemoved"] = a.Ticket.Tags
	case TypeUpdatePriority:
		t.Priority = a.Ticket.PriorityID
		out["priorityId"] = t.Priority
	case TypeUpdateStatus:
		t.Status = a.Ticket.StatusID
		out["statusId"] = t.Status
	}

	t.UpdatedAt = h.deps.Now()
	if err := h.deps.Tickets.SaveTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("save ticket %s: %w", id, err)
	}
	return out, nil
}
