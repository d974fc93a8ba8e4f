package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/ticketflow/internal/condition"
	"github.com/gyaneshwarpardhi/ticketflow/internal/email"
)

// ErrNoRecipients is returned when an email action resolves no addresses.
var ErrNoRecipients = errors.New("no recipients resolved for email action")

type emailHandler struct {
	typ  Type
	deps Deps
}

func (h *emailHandler) Type() Type { return h.typ }

func (h *emailHandler) Validate(a Action) error {
	cfg := a.Email
	if cfg == nil {
		return fmt.Errorf("emailConfig is required for email actions")
	}
	var problems []string
	if cfg.TemplateType == "" && cfg.TemplateSlug == "" {
		problems = append(problems, "emailConfig must have templateType or templateSlug")
	}
	switch cfg.Recipients {
	case "":
		problems = append(problems, "emailConfig.recipients is required")
	case RecipientsTicketOwner, RecipientsTicketAssignee, RecipientsTicketGroup:
	case RecipientsCustomUsers, RecipientsCustomGroups, RecipientsCustomEmails:
		if len(cfg.CustomRecipients) == 0 {
			problems = append(problems, "emailConfig.customRecipients is required for "+string(cfg.Recipients))
		}
	default:
		problems = append(problems, fmt.Sprintf("emailConfig.recipients %q is not a known strategy", cfg.Recipients))
	}
	if h.typ == TypeSendEmailCalendar {
		switch cfg.CalendarType {
		case CalendarSLA, CalendarAssignment, CalendarMeeting:
		case "":
			problems = append(problems, "emailConfig.calendarType is required for calendar emails")
		default:
			problems = append(problems, fmt.Sprintf("emailConfig.calendarType %q is not supported", cfg.CalendarType))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func (h *emailHandler) Execute(ctx context.Context, a Action, env *Env) (interface{}, error) {
	if h.deps.Mailer == nil {
		return nil, fmt.Errorf("no mailer configured")
	}
	if a.Email == nil {
		return nil, fmt.Errorf("emailConfig is required for email actions")
	}
	recipients := ResolveRecipients(*a.Email, env)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	msg := &email.Message{
		To:           recipients,
		TemplateType: a.Email.TemplateType,
		TemplateSlug: a.Email.TemplateSlug,
		Data:         env.TemplateData(),
		Priority:     priorityName(env),
		TicketID:     env.TicketID(),
		UserID:       env.UserID(),
	}
	if h.typ == TypeSendEmailCalendar {
		invite, err := h.invite(a.Email.CalendarType, env)
		if err != nil {
			return nil, err
		}
		ics, err := email.BuildCalendar(invite)
		if err != nil {
			return nil, err
		}
		msg.Calendar = ics
	}

	if err := h.deps.Mailer.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	out := map[string]interface{}{"recipients": recipients}
	if msg.Calendar != nil {
		out["calendarType"] = a.Email.CalendarType
	}
	return out, nil
}

// invite builds the calendar event for the configured calendar type from the
// event context (slaDeadline, assignee, meetingDate, meetingDuration, attendees).
func (h *emailHandler) invite(ct CalendarType, env *Env) (*email.Invite, error) {
	t := env.Ticket()
	if t == nil {
		return nil, fmt.Errorf("%s calendar requires a ticket in context", ct)
	}
	tk := email.InviteTicket{
		UID:      str(t["uid"]),
		Subject:  str(t["subject"]),
		Issue:    str(t["issue"]),
		Priority: priorityName(env),
		Status:   nameOrValue(t["status"]),
		Owner:    nameOrValue(lookupPath(env, "ticket.owner.fullname")),
	}
	url := ""
	if env.BaseURL() != "" {
		url = fmt.Sprintf("%s/tickets/%s", env.BaseURL(), tk.UID)
	}
	now := h.deps.Now()

	switch ct {
	case CalendarSLA:
		deadline, ok := timeOf(env.Data["slaDeadline"])
		if !ok {
			return nil, fmt.Errorf("sla calendar requires slaDeadline in context")
		}
		return email.SLAInvite(tk, deadline, url, now), nil
	case CalendarAssignment:
		assignee := env.Map("assignee")
		if assignee == nil {
			assignee, _ = t["assignee"].(map[string]interface{})
		}
		if assignee == nil || str(assignee["email"]) == "" {
			return nil, fmt.Errorf("assignment calendar requires assignee in context")
		}
		a := email.Attendee{Name: str(assignee["fullname"]), Email: str(assignee["email"])}
		return email.AssignmentInvite(tk, a, url, now), nil
	case CalendarMeeting:
		start, ok := timeOf(env.Data["meetingDate"])
		if !ok {
			return nil, fmt.Errorf("meeting calendar requires meetingDate in context")
		}
		minutes := 30
		if d, ok := env.Data["meetingDuration"].(float64); ok && d > 0 {
			minutes = int(d)
		}
		var attendees []email.Attendee
		if list, ok := env.Data["attendees"].([]interface{}); ok {
			for _, item := range list {
				if m, ok := item.(map[string]interface{}); ok && str(m["email"]) != "" {
					attendees = append(attendees, email.Attendee{Name: str(m["fullname"]), Email: str(m["email"]), RSVP: true})
				}
			}
		}
		return email.MeetingInvite(tk, start, time.Duration(minutes)*time.Minute, attendees, url, now), nil
	}
	return nil, fmt.Errorf("invalid calendar type %q", ct)
}

// ResolveRecipients expands a recipient strategy against the event context.
// Blank and duplicate addresses are dropped.
func ResolveRecipients(cfg EmailConfig, env *Env) []string {
	var raw []string
	switch cfg.Recipients {
	case RecipientsTicketOwner:
		raw = append(raw, str(lookupPath(env, "ticket.owner.email")))
	case RecipientsTicketAssignee:
		raw = append(raw, str(lookupPath(env, "ticket.assignee.email")))
	case RecipientsTicketGroup:
		if members, ok := lookupPath(env, "ticket.group.members").([]interface{}); ok {
			for _, m := range members {
				if mm, ok := m.(map[string]interface{}); ok {
					raw = append(raw, str(mm["email"]))
				}
			}
		}
	case RecipientsCustomUsers, RecipientsCustomGroups, RecipientsCustomEmails:
		raw = append(raw, cfg.CustomRecipients...)
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key := strings.ToLower(r)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func lookupPath(env *Env, path string) interface{} {
	if env == nil {
		return nil
	}
	v, _ := condition.FromData(env.Data).Resolve(path)
	return v
}

func priorityName(env *Env) string {
	return nameOrValue(lookupPath(env, "ticket.priority"))
}

// nameOrValue renders either a {name: ...} object or a scalar.
func nameOrValue(v interface{}) string {
	if m, ok := v.(map[string]interface{}); ok {
		return str(m["name"])
	}
	return str(v)
}

func timeOf(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
