package rule

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/ticketflow/internal/action"
	"github.com/gyaneshwarpardhi/ticketflow/internal/condition"
	"github.com/gyaneshwarpardhi/ticketflow/internal/validate"
)

// ActionValidator checks one action config. *action.Executor satisfies it.
type ActionValidator interface {
	Validate(a action.Action) error
}

// Validate checks a rule before it is saved. Unknown action types and
// operators are rejected here rather than at execution time.
func Validate(r *Rule, actions ActionValidator) validate.Errors {
	var errs validate.Errors

	if strings.TrimSpace(r.Name) == "" {
		errs.Add("name", "is required")
	}
	switch {
	case r.EventType == "":
		errs.Add("eventType", "is required")
	case !r.EventType.Valid():
		errs.Add("eventType", "unknown event type %q", r.EventType)
	}

	for i, c := range r.Conditions {
		validateCondition(&errs, fmt.Sprintf("conditions[%d]", i), c)
	}
	for i, g := range r.ConditionGroups {
		prefix := fmt.Sprintf("conditionGroups[%d]", i)
		if g.Operator != condition.And && g.Operator != condition.Or {
			errs.Add(prefix+".operator", "must be AND or OR")
		}
		if len(g.Conditions) == 0 {
			errs.Add(prefix+".conditions", "at least one condition is required")
		}
		for j, c := range g.Conditions {
			validateCondition(&errs, fmt.Sprintf("%s.conditions[%d]", prefix, j), c)
		}
	}

	if len(r.Actions) == 0 {
		errs.Add("actions", "at least one action is required")
	}
	for i, a := range r.Actions {
		if err := actions.Validate(a); err != nil {
			errs.Add(fmt.Sprintf("actions[%d]", i), "%v", err)
		}
	}

	if r.Throttle.Enabled {
		if r.Throttle.MaxExecutions <= 0 {
			errs.Add("throttle.maxExecutions", "must be greater than zero")
		}
		if r.Throttle.PeriodMinutes <= 0 {
			errs.Add("throttle.period", "must be greater than zero")
		}
		switch r.Throttle.Scope {
		case "", ScopeGlobal, ScopePerTicket, ScopePerUser:
		default:
			errs.Add("throttle.scope", "must be global, per-ticket or per-user")
		}
	}
	return errs
}

func validateCondition(errs *validate.Errors, prefix string, c condition.Condition) {
	if strings.TrimSpace(c.Field) == "" {
		errs.Add(prefix+".field", "is required")
	}
	if !c.Operator.Valid() {
		errs.Add(prefix+".operator", "unknown operator %q", c.Operator)
		return
	}
	if c.Operator.RequiresValue() && c.Value == nil {
		errs.Add(prefix+".value", "is required for operator %s", c.Operator)
	}
}
