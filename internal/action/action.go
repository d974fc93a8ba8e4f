package action

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies an action variant.
type Type string

const (
	TypeSendEmail         Type = "send-email"
	TypeSendEmailCalendar Type = "send-email-calendar"
	TypeAssignTicket      Type = "assign-ticket"
	TypeAddTag            Type = "add-tag"
	TypeRemoveTag         Type = "remove-tag"
	TypeUpdatePriority    Type = "update-priority"
	TypeUpdateStatus      Type = "update-status"
	TypeAddComment        Type = "add-comment"
	TypeNotifyUser        Type = "notify-user"
	TypeNotifyGroup       Type = "notify-group"
	TypeWebhook           Type = "webhook"
	TypeDelay             Type = "delay"
)

// AllTypes lists every action variant. NewExecutor registers a handler for each.
var AllTypes = []Type{
	TypeSendEmail, TypeSendEmailCalendar, TypeAssignTicket, TypeAddTag, TypeRemoveTag,
	TypeUpdatePriority, TypeUpdateStatus, TypeAddComment, TypeNotifyUser, TypeNotifyGroup,
	TypeWebhook, TypeDelay,
}

// typeAliases are accepted when decoding and stored under the canonical name.
var typeAliases = map[string]Type{
	"call-webhook":             TypeWebhook,
	"send-email-with-calendar": TypeSendEmailCalendar,
}

// UnmarshalText resolves aliases for JSON and YAML decoding.
func (t *Type) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if canonical, ok := typeAliases[s]; ok {
		*t = canonical
		return nil
	}
	*t = Type(s)
	return nil
}

// Action is one step of a rule. Exactly the config matching Type is read.
type Action struct {
	Type    Type           `json:"type" yaml:"type"`
	Email   *EmailConfig   `json:"emailConfig,omitempty" yaml:"email,omitempty"`
	Ticket  *TicketConfig  `json:"ticketConfig,omitempty" yaml:"ticket,omitempty"`
	Webhook *WebhookConfig `json:"webhookConfig,omitempty" yaml:"webhook,omitempty"`
	Delay   *DelayConfig   `json:"delayConfig,omitempty" yaml:"delay,omitempty"`
	Notify  *NotifyConfig  `json:"notifyConfig,omitempty" yaml:"notify,omitempty"`
}

// RecipientStrategy selects who receives an email action.
type RecipientStrategy string

const (
	RecipientsTicketOwner    RecipientStrategy = "ticket-owner"
	RecipientsTicketAssignee RecipientStrategy = "ticket-assignee"
	RecipientsTicketGroup    RecipientStrategy = "ticket-group"
	RecipientsCustomUsers    RecipientStrategy = "custom-users"
	RecipientsCustomGroups   RecipientStrategy = "custom-groups"
	RecipientsCustomEmails   RecipientStrategy = "custom-emails"
)

// CalendarType selects the invite built for send-email-calendar.
type CalendarType string

const (
	CalendarSLA        CalendarType = "sla"
	CalendarAssignment CalendarType = "assignment"
	CalendarMeeting    CalendarType = "meeting"
)

type EmailConfig struct {
	TemplateType     string            `json:"templateType,omitempty" yaml:"template_type,omitempty"`
	TemplateSlug     string            `json:"templateSlug,omitempty" yaml:"template_slug,omitempty"`
	Recipients       RecipientStrategy `json:"recipients" yaml:"recipients"`
	CustomRecipients []string          `json:"customRecipients,omitempty" yaml:"custom_recipients,omitempty"`
	CalendarType     CalendarType      `json:"calendarType,omitempty" yaml:"calendar_type,omitempty"`
}

type TicketConfig struct {
	AssigneeID   string   `json:"assigneeId,omitempty" yaml:"assignee_id,omitempty"`
	PriorityID   string   `json:"priorityId,omitempty" yaml:"priority_id,omitempty"`
	StatusID     string   `json:"statusId,omitempty" yaml:"status_id,omitempty"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Comment      string   `json:"comment,omitempty" yaml:"comment,omitempty"`
	InternalNote bool     `json:"internalNote,omitempty" yaml:"internal_note,omitempty"`
}

type WebhookConfig struct {
	URL       string            `json:"url" yaml:"url"`
	Method    string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body      interface{}       `json:"body,omitempty" yaml:"body,omitempty"`
	TimeoutMs int               `json:"timeout,omitempty" yaml:"timeout_ms,omitempty"`
}

type DelayConfig struct {
	Duration float64 `json:"duration" yaml:"duration"`
	Unit     string  `json:"unit,omitempty" yaml:"unit,omitempty"` // minutes (default), hours, days
}

// Value normalises the configured delay.
func (d DelayConfig) Value() (time.Duration, error) {
	if d.Duration < 0 {
		return 0, fmt.Errorf("delay duration must not be negative")
	}
	var unit time.Duration
	switch strings.ToLower(d.Unit) {
	case "", "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown delay unit %q", d.Unit)
	}
	return time.Duration(d.Duration * float64(unit)), nil
}

type NotifyConfig struct {
	UserIDs  []string `json:"userIds,omitempty" yaml:"user_ids,omitempty"`
	GroupIDs []string `json:"groupIds,omitempty" yaml:"group_ids,omitempty"`
	Message  string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// Result holds the outcome of executing a single action.
type Result struct {
	Type    Type        `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Output  interface{} `json:"result,omitempty"`
}
