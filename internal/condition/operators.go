package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpIsEmpty        Operator = "is_empty"
	OpIsNotEmpty     Operator = "is_not_empty"
	OpInList         Operator = "in_list"
	OpNotInList      Operator = "not_in_list"
	OpChanged        Operator = "changed"
	OpChangedFrom    Operator = "changed_from"
	OpChangedTo      Operator = "changed_to"
	OpMatchesRegex   Operator = "matches_regex"
)

// AllOperators lists every supported operator.
var AllOperators = []Operator{
	OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual,
	OpIsEmpty, OpIsNotEmpty, OpInList, OpNotInList,
	OpChanged, OpChangedFrom, OpChangedTo, OpMatchesRegex,
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	for _, known := range AllOperators {
		if o == known {
			return true
		}
	}
	return false
}

// RequiresValue reports whether a condition using o must carry an expected value.
func (o Operator) RequiresValue() bool {
	switch o {
	case OpIsEmpty, OpIsNotEmpty, OpChanged:
		return false
	}
	return true
}

// toFloat64 coerces a numeric value, or a string holding one, to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// toTime coerces a time.Time or a date string to time.Time.
func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// stringify renders a value the way it is compared by the string operators.
func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(s)
	case time.Time:
		return s.Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}

// equal compares case-insensitively; nil equals only nil.
func equal(left, right interface{}) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return strings.EqualFold(stringify(left), stringify(right))
}

// toList returns v as a slice when it is one.
func toList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	if l, ok := toList(v); ok {
		return len(l) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer:
		return rv.IsNil()
	}
	return false
}

func containsOp(actual, expected interface{}) bool {
	if actual == nil {
		return false
	}
	needle := strings.ToLower(stringify(expected))
	if list, ok := toList(actual); ok {
		for _, item := range list {
			if strings.Contains(strings.ToLower(stringify(item)), needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(stringify(actual)), needle)
}

func prefixOp(actual, expected interface{}, suffix bool) bool {
	if actual == nil {
		return false
	}
	a := strings.ToLower(stringify(actual))
	e := strings.ToLower(stringify(expected))
	if suffix {
		return strings.HasSuffix(a, e)
	}
	return strings.HasPrefix(a, e)
}

// relational compares numerically, then as dates. cmp receives -1, 0 or 1.
func relational(actual, expected interface{}, cmp func(int) bool) bool {
	if actual == nil || expected == nil {
		return false
	}
	lf, lok := toFloat64(actual)
	rf, rok := toFloat64(expected)
	if lok && rok {
		switch {
		case lf < rf:
			return cmp(-1)
		case lf > rf:
			return cmp(1)
		}
		return cmp(0)
	}
	lt, lok := toTime(actual)
	rt, rok := toTime(expected)
	if lok && rok {
		return cmp(lt.Compare(rt))
	}
	return false
}

// listOf treats a scalar expected value as a one-element list.
func listOf(expected interface{}) []interface{} {
	if l, ok := toList(expected); ok {
		return l
	}
	if isEmpty(expected) {
		return nil
	}
	return []interface{}{expected}
}

func inList(actual, expected interface{}) bool {
	for _, item := range listOf(expected) {
		if equal(actual, item) {
			return true
		}
	}
	return false
}

func matchesOp(actual, expected interface{}) (bool, error) {
	if actual == nil {
		return false, nil
	}
	pattern := stringify(expected)
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false, fmt.Errorf("matches_regex: invalid pattern %q: %w", pattern, err)
	}
	return re.MatchString(stringify(actual)), nil
}
