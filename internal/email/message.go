// Package email renders notification templates, builds calendar invites and
// hands finished mail to the provider layer.
package email

// Message is an email requested by an action, before rendering.
type Message struct {
	To []string
	// TemplateSlug names a specific template; TemplateType is the fallback
	// lookup key. The "default" template is used when neither is configured.
	TemplateType string
	TemplateSlug string
	Data         map[string]interface{}
	// Calendar is an optional serialised iCalendar invite.
	Calendar []byte

	// Routing hints for provider selection.
	Priority string
	TicketID string
	UserID   string
}
