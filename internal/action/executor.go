package action

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gyaneshwarpardhi/ticketflow/internal/email"
	"github.com/gyaneshwarpardhi/ticketflow/internal/metrics"
	"github.com/gyaneshwarpardhi/ticketflow/internal/ticket"
)

// Mailer sends a rendered email through the provider layer.
type Mailer interface {
	Send(ctx context.Context, msg *email.Message) error
}

// Deps are the collaborators the built-in handlers call.
type Deps struct {
	Tickets  ticket.Store
	Mailer   Mailer
	Notifier Notifier
	HTTP     *http.Client
	// Sleep blocks for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Executor runs actions one at a time through a Registry.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
}

// NewExecutor creates an Executor with a handler registered for every Type.
func NewExecutor(deps Deps, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{}
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	reg := NewRegistry()
	reg.Register(&emailHandler{typ: TypeSendEmail, deps: deps})
	reg.Register(&emailHandler{typ: TypeSendEmailCalendar, deps: deps})
	for _, t := range []Type{TypeAssignTicket, TypeAddTag, TypeRemoveTag, TypeUpdatePriority, TypeUpdateStatus, TypeAddComment} {
		reg.Register(&ticketHandler{typ: t, deps: deps})
	}
	reg.Register(&notifyHandler{typ: TypeNotifyUser, deps: deps, logger: logger})
	reg.Register(&notifyHandler{typ: TypeNotifyGroup, deps: deps, logger: logger})
	reg.Register(&webhookHandler{deps: deps})
	reg.Register(&delayHandler{deps: deps})

	return &Executor{registry: reg, logger: logger.With("component", "action")}
}

// Registry exposes the handler registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one action. A failing action yields a Result with Success=false
// and a nil error; the error return is reserved for a cancelled context.
func (e *Executor) Execute(ctx context.Context, a Action, env *Env) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &Result{Type: a.Type}

	h, err := e.registry.Get(a.Type)
	if err != nil {
		metrics.ActionsExecuted.WithLabelValues(string(a.Type), "error").Inc()
		res.Error = err.Error()
		return res, nil
	}

	out, err := h.Execute(ctx, a, env)
	if err != nil {
		metrics.ActionsExecuted.WithLabelValues(string(a.Type), "error").Inc()
		e.logger.Warn("action failed", "type", a.Type, "ticket_id", env.TicketID(), "err", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("action %s: %w", a.Type, ctxErr)
		}
		res.Error = err.Error()
		return res, nil
	}
	metrics.ActionsExecuted.WithLabelValues(string(a.Type), "success").Inc()
	res.Success = true
	res.Output = out
	return res, nil
}

// Validate checks an action's config with its handler.
func (e *Executor) Validate(a Action) error {
	if a.Type == "" {
		return fmt.Errorf("type is required")
	}
	h, err := e.registry.Get(a.Type)
	if err != nil {
		return err
	}
	return h.Validate(a)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
