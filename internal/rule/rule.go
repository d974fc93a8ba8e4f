// Package rule evaluates automation rules against domain events: it orders
// and throttles rules, matches their conditions and runs their actions.
package rule

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/ticketflow/internal/action"
	"github.com/gyaneshwarpardhi/ticketflow/internal/condition"
	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
)

// EventType is the trigger a rule is bound to.
type EventType string

const (
	TicketCreated         EventType = "ticket-created"
	TicketUpdated         EventType = "ticket-updated"
	TicketAssigned        EventType = "ticket-assigned"
	TicketClosed          EventType = "ticket-closed"
	TicketReopened        EventType = "ticket-reopened"
	TicketCommentAdded    EventType = "ticket-comment-added"
	TicketStatusChanged   EventType = "ticket-status-changed"
	TicketPriorityChanged EventType = "ticket-priority-changed"
	TicketSLAWarning      EventType = "ticket-sla-warning"
	TicketSLAExceeded     EventType = "ticket-sla-exceeded"
	UserCreated           EventType = "user-created"
	UserLogin             EventType = "user-login"
	PasswordReset         EventType = "password-reset-requested"
	ScheduledDaily        EventType = "scheduled-daily"
	ScheduledWeekly       EventType = "scheduled-weekly"
	ScheduledMonthly      EventType = "scheduled-monthly"
)

// AllEventTypes lists every trigger a rule may use.
var AllEventTypes = []EventType{
	TicketCreated, TicketUpdated, TicketAssigned, TicketClosed, TicketReopened,
	TicketCommentAdded, TicketStatusChanged, TicketPriorityChanged,
	TicketSLAWarning, TicketSLAExceeded, UserCreated, UserLogin, PasswordReset,
	ScheduledDaily, ScheduledWeekly, ScheduledMonthly,
}

func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// busEvents maps bus event names onto rule triggers. Scheduled triggers have
// no bus event.
var busEvents = map[string]EventType{
	event.TicketCreated:         TicketCreated,
	event.TicketUpdated:         TicketUpdated,
	event.TicketAssigned:        TicketAssigned,
	event.TicketClosed:          TicketClosed,
	event.TicketReopened:        TicketReopened,
	event.TicketCommentAdded:    TicketCommentAdded,
	event.TicketStatusChanged:   TicketStatusChanged,
	event.TicketPriorityChanged: TicketPriorityChanged,
	event.TicketSLAWarning:      TicketSLAWarning,
	event.TicketSLAExceeded:     TicketSLAExceeded,
	event.UserCreated:           UserCreated,
	event.UserLogin:             UserLogin,
	event.PasswordReset:         PasswordReset,
}

// EventTypeFor returns the rule trigger for a bus event name.
func EventTypeFor(busEvent string) (EventType, bool) {
	t, ok := busEvents[busEvent]
	return t, ok
}

// BusEvents returns the bus event names that trigger rules.
func BusEvents() []string {
	out := make([]string, 0, len(busEvents))
	for name := range busEvents {
		out = append(out, name)
	}
	return out
}

// Status is the outcome of one rule run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ThrottleScope selects which executions share a throttle counter.
type ThrottleScope string

const (
	ScopeGlobal    ThrottleScope = "global"
	ScopePerTicket ThrottleScope = "per-ticket"
	ScopePerUser   ThrottleScope = "per-user"
)

type Throttle struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	MaxExecutions int           `json:"maxExecutions,omitempty" yaml:"max_executions,omitempty"`
	PeriodMinutes int           `json:"period,omitempty" yaml:"period_minutes,omitempty"`
	Scope         ThrottleScope `json:"scope,omitempty" yaml:"scope,omitempty"`
}

func (t Throttle) period() time.Duration {
	return time.Duration(t.PeriodMinutes) * time.Minute
}

type Stats struct {
	TotalExecutions      int64      `json:"totalExecutions"`
	SuccessfulExecutions int64      `json:"successfulExecutions"`
	FailedExecutions     int64      `json:"failedExecutions"`
	SkippedExecutions    int64      `json:"skippedExecutions"`
	AverageExecutionTime float64    `json:"averageExecutionTime"` // milliseconds
	LastResetAt          *time.Time `json:"lastResetAt,omitempty"`
}

// DefaultPriority is assigned to rules that do not set one.
const DefaultPriority = 100

// Rule binds conditions on one event type to a list of actions.
type Rule struct {
	ID              string                `json:"id" yaml:"id,omitempty"`
	Name            string                `json:"name" yaml:"name"`
	Description     string                `json:"description,omitempty" yaml:"description,omitempty"`
	Active          bool                  `json:"isActive" yaml:"active"`
	Priority        int                   `json:"priority" yaml:"priority"`
	EventType       EventType             `json:"eventType" yaml:"event_type"`
	Conditions      []condition.Condition `json:"conditions" yaml:"conditions,omitempty"`
	ConditionGroups []condition.Group     `json:"conditionGroups" yaml:"condition_groups,omitempty"`
	Actions         []action.Action       `json:"actions" yaml:"actions"`
	Throttle        Throttle              `json:"throttle" yaml:"throttle,omitempty"`

	Stats               Stats      `json:"stats" yaml:"-"`
	ExecutionCount      int        `json:"executionCount" yaml:"-"`
	LastExecutedAt      *time.Time `json:"lastExecutedAt,omitempty" yaml:"-"`
	LastExecutionStatus Status     `json:"lastExecutionStatus,omitempty" yaml:"-"`
	LastExecutionError  string     `json:"lastExecutionError,omitempty" yaml:"-"`

	CreatedBy string    `json:"createdBy,omitempty" yaml:"-"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// New returns a rule carrying the creation defaults.
func New() *Rule {
	return &Rule{Active: true, Priority: DefaultPriority}
}

// UnmarshalYAML decodes a seeded rule on top of the creation defaults.
func (r *Rule) UnmarshalYAML(n *yaml.Node) error {
	type plain Rule
	p := plain(*New())
	if err := n.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// Execution is one recorded run of a rule.
type Execution struct {
	Status   Status
	Duration time.Duration
	Err      string
	At       time.Time
}

// Record applies an execution to the throttle counter and statistics.
// Partial runs count towards the total only.
func (r *Rule) Record(x Execution) {
	at := x.At
	r.ExecutionCount++
	r.LastExecutedAt = &at
	r.LastExecutionStatus = x.Status
	r.LastExecutionError = x.Err

	s := &r.Stats
	s.TotalExecutions++
	switch x.Status {
	case StatusSuccess:
		s.SuccessfulExecutions++
	case StatusFailed:
		s.FailedExecutions++
	case StatusSkipped:
		s.SkippedExecutions++
	}
	if x.Duration > 0 {
		ms := float64(x.Duration) / float64(time.Millisecond)
		s.AverageExecutionTime = (s.AverageExecutionTime*float64(s.TotalExecutions-1) + ms) / float64(s.TotalExecutions)
	}
}

// ResetStats zeroes statistics and the throttle counter.
func (r *Rule) ResetStats(now time.Time) {
	r.Stats = Stats{LastResetAt: &now}
	r.ExecutionCount = 0
}

// throttleState decides a throttle check from a counter and the time of the
// last execution. reset reports that the counter should be cleared because
// the last execution is outside the window.
func throttleState(t Throttle, count int, last *time.Time, now time.Time) (throttled, reset bool) {
	if !t.Enabled {
		return false, false
	}
	windowStart := now.Add(-t.period())
	if last != nil && last.After(windowStart) {
		return count >= t.MaxExecutions, false
	}
	return false, count != 0
}
