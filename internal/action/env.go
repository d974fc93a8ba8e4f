package action

import (
	"fmt"
	"strings"
)

// Env is the event context an action runs against: the ticket, user and
// comment objects published with the event plus the rule event type.
type Env struct {
	EventType string
	Data      map[string]interface{}
}

// Map returns the nested object stored under key, or nil.
func (e *Env) Map(key string) map[string]interface{} {
	if e == nil || e.Data == nil {
		return nil
	}
	m, _ := e.Data[key].(map[string]interface{})
	return m
}

func (e *Env) Ticket() map[string]interface{} { return e.Map("ticket") }
func (e *Env) User() map[string]interface{}   { return e.Map("user") }

// TicketID returns the id of the ticket in context, accepting "id" or "_id".
func (e *Env) TicketID() string {
	return idOf(e.Ticket())
}

func (e *Env) UserID() string {
	return idOf(e.User())
}

func (e *Env) BaseURL() string {
	if e == nil || e.Data == nil {
		return ""
	}
	return strings.TrimRight(str(e.Data["baseUrl"]), "/")
}

// TemplateData builds the data handed to the email renderer.
func (e *Env) TemplateData() map[string]interface{} {
	data := map[string]interface{}{
		"ticket":  e.Ticket(),
		"user":    e.User(),
		"comment": e.Map("comment"),
		"baseUrl": e.BaseURL(),
	}
	if t := e.Ticket(); t != nil && e.BaseURL() != "" {
		data["ticketUrl"] = fmt.Sprintf("%s/tickets/%s", e.BaseURL(), str(t["uid"]))
	}
	return data
}

func idOf(m map[string]interface{}) string {
	if m == nil {
		return ""
	}
	if id := str(m["id"]); id != "" {
		return id
	}
	return str(m["_id"])
}

func str(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
	}
	return fmt.Sprintf("%v", v)
}
