package action

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
)

// Notifier delivers in-app notifications to users or groups.
type Notifier interface {
	Notify(ctx context.Context, name string, payload map[string]interface{}) error
}

// BusNotifier publishes notifications as domain events so webhook
// subscribers and other listeners can pick them up.
type BusNotifier struct {
	Bus *event.Bus
}

func (n BusNotifier) Notify(_ context.Context, name string, payload map[string]interface{}) error {
	ev := event.New(name, payload)
	ev.Source = "automation"
	if !n.Bus.Publish(ev) {
		return fmt.Errorf("notification %s dropped: bus unavailable", name)
	}
	return nil
}

type notifyHandler struct {
	typ    Type
	deps   Deps
	logger *slog.Logger
}

func (h *notifyHandler) Type() Type { return h.typ }

func (h *notifyHandler) Validate(Action) error { return nil }

func (h *notifyHandler) Execute(ctx context.Context, a Action, env *Env) (interface{}, error) {
	cfg := NotifyConfig{}
	if a.Notify != nil {
		cfg = *a.Notify
	}
	name := event.NotificationUser
	targets := cfg.UserIDs
	if h.typ == TypeNotifyGroup {
		name = event.NotificationGroup
		targets = cfg.GroupIDs
	}

	if h.deps.Notifier == nil {
		h.logger.Debug("notify action executed without notifier", "type", h.typ, "ticket_id", env.TicketID())
		return map[string]interface{}{"notified": 0}, nil
	}
	payload := map[string]interface{}{
		"eventType": env.EventType,
		"targets":   targets,
		"message":   cfg.Message,
		"ticket":    env.Ticket(),
		"user":      env.User(),
	}
	if err := h.deps.Notifier.Notify(ctx, name, payload); err != nil {
		return nil, err
	}
	return map[string]interface{}{"notified": len(targets)}, nil
}
