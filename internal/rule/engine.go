package rule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gyaneshwarpardhi/ticketflow/internal/action"
	"github.com/gyaneshwarpardhi/ticketflow/internal/condition"
	"github.com/gyaneshwarpardhi/ticketflow/internal/metrics"
)

// ErrNotFound is returned for an unknown rule id.
var ErrNotFound = errors.New("rule not found")

// Store is the persistence collaborator of the engine. RecordExecution and
// ResetExecutionCount must each be applied atomically to the stored row.
type Store interface {
	// ActiveRules returns the active rules for an event type ordered by
	// priority, then creation time.
	ActiveRules(ctx context.Context, t EventType) ([]*Rule, error)
	RecordExecution(ctx context.Context, id string, x Execution) error
	ResetExecutionCount(ctx context.Context, id string) error
}

// Executor runs a single action. *action.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, a action.Action, env *action.Env) (*action.Result, error)
}

// Result is the outcome of one rule for one event.
type Result struct {
	RuleID          string           `json:"ruleId"`
	RuleName        string           `json:"ruleName"`
	Executed        bool             `json:"executed"`
	ConditionsMet   bool             `json:"conditionsMet"`
	Status          Status           `json:"status,omitempty"`
	ActionsExecuted []*action.Result `json:"actionsExecuted"`
	Errors          []string         `json:"errors"`
	ExecutionTime   int64            `json:"executionTime"` // milliseconds
	Skipped         bool             `json:"skipped,omitempty"`
	SkipReason      string           `json:"skipReason,omitempty"`
}

// EventResult aggregates every rule result for one event.
type EventResult struct {
	EventType     EventType `json:"eventType"`
	ExecutedRules int       `json:"executedRules"`
	TotalRules    int       `json:"totalRules"`
	Results       []*Result `json:"results"`
}

// Engine processes events against the stored rules. Rules for one event run
// sequentially in priority order; actions of a rule run in declared order.
type Engine struct {
	store     Store
	exec      Executor
	throttler *Throttler
	logger    *slog.Logger
	now       func() time.Time
	baseURL   string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBaseURL sets the helpdesk URL used for ticket links when the event
// data does not carry a "baseUrl" of its own.
func WithBaseURL(url string) Option {
	return func(e *Engine) { e.baseURL = url }
}

// WithThrottler shares a Throttler between engines.
func WithThrottler(t *Throttler) Option {
	return func(e *Engine) { e.throttler = t }
}

func NewEngine(store Store, exec Executor, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:     store,
		exec:      exec,
		throttler: NewThrottler(),
		logger:    logger.With("component", "rules"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Throttler exposes the in-memory scope throttler.
func (e *Engine) Throttler() *Throttler { return e.throttler }

// ProcessEvent runs every active rule bound to eventType against data.
func (e *Engine) ProcessEvent(ctx context.Context, eventType EventType, data map[string]interface{}) (*EventResult, error) {
	start := e.now()
	rules, err := e.store.ActiveRules(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", eventType, err)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})

	out := &EventResult{EventType: eventType, TotalRules: len(rules), Results: make([]*Result, 0, len(rules))}
	data = e.withBaseURL(data)
	for _, r := range rules {
		if ctx.Err() != nil {
			break
		}
		res := e.runRule(ctx, r, eventType, data)
		if res.Executed {
			out.ExecutedRules++
		}
		out.Results = append(out.Results, res)
	}

	metrics.RuleProcessingDuration.Observe(float64(e.now().Sub(start).Milliseconds()))
	e.logger.Debug("event processed", "event_type", eventType, "rules", len(rules), "executed", out.ExecutedRules)
	return out, ctx.Err()
}

// withBaseURL returns data with baseUrl filled in. The caller's map is shared
// with other bus handlers and is never written.
func (e *Engine) withBaseURL(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		data = map[string]interface{}{}
	}
	if e.baseURL == "" {
		return data
	}
	if v, ok := data["baseUrl"].(string); ok && v != "" {
		return data
	}
	out := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["baseUrl"] = e.baseURL
	return out
}

func (e *Engine) runRule(ctx context.Context, r *Rule, eventType EventType, data map[string]interface{}) *Result {
	start := e.now()
	res := &Result{RuleID: r.ID, RuleName: r.Name, ActionsExecuted: []*action.Result{}, Errors: []string{}}
	env := &action.Env{EventType: string(eventType), Data: data}
	scopeKey := e.scopeKey(r, env)

	if e.throttled(ctx, r, scopeKey, start) {
		res.Skipped = true
		res.SkipReason = "throttled"
		res.Status = StatusSkipped
		res.ExecutionTime = e.now().Sub(start).Milliseconds()
		metrics.RulesEvaluated.WithLabelValues("throttled").Inc()
		e.logger.Debug("rule throttled", "rule", r.Name)
		e.record(ctx, r, scopeKey, Execution{Status: StatusSkipped, Duration: e.now().Sub(start), At: e.now()})
		return res
	}

	res.ConditionsMet = e.Matches(r, condition.FromData(data))
	if !res.ConditionsMet {
		res.ExecutionTime = e.now().Sub(start).Milliseconds()
		metrics.RulesEvaluated.WithLabelValues("no_match").Inc()
		return res
	}

	var hardErr error
	for _, a := range r.Actions {
		ar, err := e.exec.Execute(ctx, a, env)
		if err != nil {
			hardErr = err
			res.Errors = append(res.Errors, err.Error())
			break
		}
		res.ActionsExecuted = append(res.ActionsExecuted, ar)
		if !ar.Success {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", ar.Type, ar.Error))
		}
	}
	res.Executed = true

	var errMsg string
	switch {
	case hardErr != nil:
		res.Status = StatusFailed
		errMsg = hardErr.Error()
	case len(res.Errors) > 0:
		res.Status = StatusPartial
		errMsg = "some actions failed"
	default:
		res.Status = StatusSuccess
	}
	elapsed := e.now().Sub(start)
	res.ExecutionTime = elapsed.Milliseconds()
	metrics.RulesEvaluated.WithLabelValues(string(res.Status)).Inc()

	// Stats are recorded even when ctx is done so the run is not lost.
	e.record(context.WithoutCancel(ctx), r, scopeKey, Execution{Status: res.Status, Duration: elapsed, Err: errMsg, At: e.now()})
	if res.Status == StatusSuccess {
		e.logger.Info("rule executed", "rule", r.Name, "actions", len(res.ActionsExecuted), "ms", res.ExecutionTime)
	} else {
		e.logger.Warn("rule executed with errors", "rule", r.Name, "status", res.Status, "errors", res.Errors)
	}
	return res
}

// scopeKey returns the in-memory throttle key for scoped throttles, or ""
// when the persisted global counter applies.
func (e *Engine) scopeKey(r *Rule, env *action.Env) string {
	if !r.Throttle.Enabled {
		return ""
	}
	var subject string
	switch r.Throttle.Scope {
	case ScopePerTicket:
		subject = env.TicketID()
	case ScopePerUser:
		subject = env.UserID()
	}
	if subject == "" {
		return ""
	}
	return throttleKey(r.ID, subject)
}

func (e *Engine) throttled(ctx context.Context, r *Rule, scopeKey string, now time.Time) bool {
	if !r.Throttle.Enabled {
		return false
	}
	if scopeKey != "" {
		return e.throttler.Check(scopeKey, r.Throttle, now)
	}
	throttled, reset := throttleState(r.Throttle, r.ExecutionCount, r.LastExecutedAt, now)
	if reset {
		if err := e.store.ResetExecutionCount(ctx, r.ID); err != nil {
			e.logger.Warn("reset rule execution count", "rule", r.Name, "err", err)
		}
		r.ExecutionCount = 0
	}
	return throttled
}

func (e *Engine) record(ctx context.Context, r *Rule, scopeKey string, x Execution) {
	if scopeKey != "" {
		e.throttler.Record(scopeKey, x.At)
	}
	if err := e.store.RecordExecution(ctx, r.ID, x); err != nil {
		e.logger.Warn("record rule execution", "rule", r.Name, "err", err)
	}
}

// Matches reports whether the rule's conditions hold: every simple condition
// passes and, when groups exist, at least one group passes. Evaluation errors
// are logged and count as a failed condition.
func (e *Engine) Matches(r *Rule, cctx *condition.Context) bool {
	for _, c := range r.Conditions {
		if !e.eval(r, c, cctx) {
			return false
		}
	}
	if len(r.ConditionGroups) == 0 {
		return true
	}
	for _, g := range r.ConditionGroups {
		if e.groupMatches(r, g, cctx) {
			return true
		}
	}
	return false
}

func (e *Engine) groupMatches(r *Rule, g condition.Group, cctx *condition.Context) bool {
	switch g.Operator {
	case condition.And:
		for _, c := range g.Conditions {
			if !e.eval(r, c, cctx) {
				return false
			}
		}
		return true
	case condition.Or:
		for _, c := range g.Conditions {
			if e.eval(r, c, cctx) {
				return true
			}
		}
		return false
	}
	return false
}

func (e *Engine) eval(r *Rule, c condition.Condition, cctx *condition.Context) bool {
	ok, err := condition.Evaluate(c, cctx)
	if err != nil {
		e.logger.Warn("condition evaluation failed", "rule", r.Name, "field", c.Field, "operator", c.Operator, "err", err)
		return false
	}
	return ok
}
