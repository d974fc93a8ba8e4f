// Package webhook delivers signed event payloads to external HTTP
// subscribers. Active subscriptions are cached and the service listens on the
// event bus for exactly the event names they subscribe to.
package webhook

import (
	"errors"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/ticketflow/internal/validate"
)

// ErrNotFound is returned for an unknown subscription id.
var ErrNotFound = errors.New("webhook not found")

// Header is a custom request header sent with every delivery.
type Header struct {
	Key   string `json:"key" yaml:"key" validate:"required"`
	Value string `json:"value" yaml:"value"`
}

// Subscription is an external endpoint that receives events.
type Subscription struct {
	ID        string    `json:"id" yaml:"id,omitempty"`
	Name      string    `json:"name" yaml:"name" validate:"required"`
	URL       string    `json:"url" yaml:"url" validate:"required,http_url"`
	Method    string    `json:"method" yaml:"method" validate:"oneof=POST PUT PATCH GET DELETE"`
	Events    []string  `json:"events" yaml:"events" validate:"min=1,dive,required"`
	Secret    string    `json:"secret,omitempty" yaml:"secret,omitempty"`
	Headers   []Header  `json:"headers,omitempty" yaml:"headers,omitempty" validate:"dive"`
	Active    bool      `json:"isActive" yaml:"active"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// UnmarshalYAML decodes a seeded subscription, active unless it says otherwise.
func (s *Subscription) UnmarshalYAML(n *yaml.Node) error {
	type plain Subscription
	v := plain{Active: true, Method: "POST"}
	if err := n.Decode(&v); err != nil {
		return err
	}
	*s = Subscription(v)
	return nil
}

// Normalize upper-cases the method, defaulting to POST, and drops blank and
// duplicate event names while keeping their order.
func (s *Subscription) Normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.URL = strings.TrimSpace(s.URL)
	s.Method = strings.ToUpper(strings.TrimSpace(s.Method))
	if s.Method == "" {
		s.Method = "POST"
	}
	seen := make(map[string]struct{}, len(s.Events))
	events := make([]string, 0, len(s.Events))
	for _, e := range s.Events {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		events = append(events, e)
	}
	s.Events = events
}

// Subscribes reports whether s wants events named name.
func (s *Subscription) Subscribes(name string) bool {
	for _, e := range s.Events {
		if e == name {
			return true
		}
	}
	return false
}

// Validate normalizes s in place and checks it before it is saved.
func Validate(s *Subscription) validate.Errors {
	s.Normalize()
	var errs validate.Errors
	errs.Struct(s)
	return errs
}
