package rule

import (
	"github.com/gyaneshwarpardhi/ticketflow/internal/condition"
)

// ConditionTrace is the evaluation of one condition during a dry run.
type ConditionTrace struct {
	Field    string             `json:"field"`
	Operator condition.Operator `json:"operator"`
	Expected interface{}        `json:"expected"`
	Actual   interface{}        `json:"actual"`
	Met      bool               `json:"met"`
	Error    string             `json:"error,omitempty"`
}

type GroupTrace struct {
	Operator   condition.LogicalOperator `json:"operator"`
	Met        bool                      `json:"met"`
	Conditions []ConditionTrace          `json:"conditions"`
}

// TestResult explains how a rule would evaluate against sample data.
type TestResult struct {
	Matched      bool             `json:"matched"`
	Conditions   []ConditionTrace `json:"conditions"`
	Groups       []GroupTrace     `json:"conditionGroups"`
	ActionsCount int              `json:"actionsCount"`
}

// TestRule evaluates r against data without running actions, throttling or
// recording statistics. Every condition is traced, including those after the
// first failure.
func (e *Engine) TestRule(r *Rule, data map[string]interface{}) *TestResult {
	cctx := condition.FromData(data)
	out := &TestResult{Conditions: []ConditionTrace{}, Groups: []GroupTrace{}, ActionsCount: len(r.Actions)}

	simpleMet := true
	for _, c := range r.Conditions {
		tr := trace(c, cctx)
		simpleMet = simpleMet && tr.Met
		out.Conditions = append(out.Conditions, tr)
	}

	groupsMet := len(r.ConditionGroups) == 0
	for _, g := range r.ConditionGroups {
		gt := GroupTrace{Operator: g.Operator, Conditions: []ConditionTrace{}}
		anyMet, allMet := false, true
		for _, c := range g.Conditions {
			tr := trace(c, cctx)
			anyMet = anyMet || tr.Met
			allMet = allMet && tr.Met
			gt.Conditions = append(gt.Conditions, tr)
		}
		switch g.Operator {
		case condition.And:
			gt.Met = allMet
		case condition.Or:
			gt.Met = anyMet
		}
		groupsMet = groupsMet || gt.Met
		out.Groups = append(out.Groups, gt)
	}

	out.Matched = simpleMet && groupsMet
	return out
}

func trace(c condition.Condition, cctx *condition.Context) ConditionTrace {
	actual, _ := cctx.Resolve(c.Field)
	tr := ConditionTrace{Field: c.Field, Operator: c.Operator, Expected: c.Value, Actual: actual}
	ok, err := condition.Evaluate(c, cctx)
	if err != nil {
		tr.Error = err.Error()
	}
	tr.Met = ok && err == nil
	return tr
}
