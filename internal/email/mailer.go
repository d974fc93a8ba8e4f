package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
)

// Sender is the provider layer. *provider.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, m *provider.Mail, sc provider.SendContext) (*provider.SendResult, error)
}

// Mailer renders messages and sends them through a Sender.
type Mailer struct {
	sender   Sender
	renderer *Renderer
	logger   *slog.Logger
}

func NewMailer(sender Sender, renderer *Renderer, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{sender: sender, renderer: renderer, logger: logger.With("component", "mailer")}
}

// Send renders msg and hands it to the provider layer.
func (m *Mailer) Send(ctx context.Context, msg *Message) error {
	if len(msg.To) == 0 {
		return errors.New("email has no recipients")
	}
	r, err := m.renderer.Render(msg.Data, msg.TemplateSlug, msg.TemplateType)
	if err != nil {
		return err
	}
	mail := &provider.Mail{
		To:       msg.To,
		Subject:  r.Subject,
		HTML:     r.HTML,
		Text:     r.Text,
		Calendar: msg.Calendar,
	}
	sc := provider.SendContext{
		Priority:        msg.Priority,
		EmailType:       msg.TemplateType,
		RecipientDomain: provider.RecipientDomain(msg.To),
	}
	res, err := m.sender.Send(ctx, mail, sc)
	if err != nil {
		m.logger.Error("email not sent", "template", templateKey(msg), "recipients", len(msg.To), "ticket", msg.TicketID, "err", err)
		return fmt.Errorf("deliver %s email: %w", templateKey(msg), err)
	}
	m.logger.Info("email sent",
		"template", templateKey(msg),
		"recipients", len(msg.To),
		"provider", res.ProviderName,
		"failover", res.Failover,
		"ticket", msg.TicketID,
	)
	return nil
}

func templateKey(msg *Message) string {
	if msg.TemplateSlug != "" {
		return msg.TemplateSlug
	}
	if msg.TemplateType != "" {
		return msg.TemplateType
	}
	return DefaultTemplate
}
