package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition tests one field of the event context.
type Condition struct {
	Field     string      `json:"field" yaml:"field"`
	Operator  Operator    `json:"operator" yaml:"operator"`
	Value     interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	ValueType string      `json:"valueType,omitempty" yaml:"value_type,omitempty"`
}

// LogicalOperator combines the conditions of a Group.
type LogicalOperator string

const (
	And LogicalOperator = "AND"
	Or  LogicalOperator = "OR"
)

// Group is a set of conditions joined by a single logical operator.
type Group struct {
	Operator   LogicalOperator `json:"operator" yaml:"operator"`
	Conditions []Condition     `json:"conditions" yaml:"conditions"`
}

// Context is the data a condition is evaluated against. Previous holds the
// snapshot used by the change-detection operators and may be nil.
type Context struct {
	Data     map[string]interface{}
	Previous map[string]interface{}
}

// FromData builds a Context from an event payload, lifting "previousData"
// into the change-detection snapshot.
func FromData(data map[string]interface{}) *Context {
	c := &Context{Data: data}
	if prev, ok := data["previousData"].(map[string]interface{}); ok {
		c.Previous = prev
	}
	return c
}

// Resolve walks the context data by dot-separated path.
func (c *Context) Resolve(path string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}
	return lookup(c.Data, path)
}

// ResolvePrevious looks the path up in the previous snapshot. A snapshot
// without a "ticket" key is taken to be the previous ticket itself.
func (c *Context) ResolvePrevious(path string) (interface{}, bool) {
	if c == nil || c.Previous == nil {
		return nil, false
	}
	root := c.Previous
	if _, ok := root["ticket"].(map[string]interface{}); !ok {
		root = map[string]interface{}{"ticket": c.Previous}
	}
	return lookup(root, path)
}

func lookup(data map[string]interface{}, path string) (interface{}, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	var cur interface{} = data
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Evaluate reports whether the condition holds for ctx. It never panics; a
// non-nil error means the condition could not be evaluated and the result is
// false.
func Evaluate(c Condition, ctx *Context) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("condition %s %s: %v", c.Field, c.Operator, r)
		}
	}()

	actual, _ := ctx.Resolve(c.Field)
	expected := c.Value

	switch c.Operator {
	case OpEquals:
		return equal(actual, expected), nil
	case OpNotEquals:
		return !equal(actual, expected), nil
	case OpContains:
		return containsOp(actual, expected), nil
	case OpNotContains:
		return !containsOp(actual, expected), nil
	case OpStartsWith:
		return prefixOp(actual, expected, false), nil
	case OpEndsWith:
		return prefixOp(actual, expected, true), nil
	case OpGreaterThan:
		return relational(actual, expected, func(c int) bool { return c > 0 }), nil
	case OpLessThan:
		return relational(actual, expected, func(c int) bool { return c < 0 }), nil
	case OpGreaterOrEqual:
		return relational(actual, expected, func(c int) bool { return c > 0 }) || equal(actual, expected), nil
	case OpLessOrEqual:
		return relational(actual, expected, func(c int) bool { return c < 0 }) || equal(actual, expected), nil
	case OpIsEmpty:
		return isEmpty(actual), nil
	case OpIsNotEmpty:
		return !isEmpty(actual), nil
	case OpInList:
		return inList(actual, expected), nil
	case OpNotInList:
		return !inList(actual, expected), nil
	case OpChanged, OpChangedFrom, OpChangedTo:
		return changeOp(c, ctx, actual), nil
	case OpMatchesRegex:
		return matchesOp(actual, expected)
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func changeOp(c Condition, ctx *Context, current interface{}) bool {
	if ctx == nil || ctx.Previous == nil {
		return false
	}
	previous, _ := ctx.ResolvePrevious(c.Field)
	switch c.Operator {
	case OpChangedFrom:
		return equal(previous, c.Value)
	}
	differs := !equal(previous, current)
	switch c.Operator {
	case OpChangedTo:
		return differs && equal(current, c.Value)
	}
	return differs
}
