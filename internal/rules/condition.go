package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
)

// Evaluate reports whether every condition holds for the snapshot.
// An empty condition list always holds.
func Evaluate(conditions []types.Condition, snap *types.ContextSnapshot) bool {
	for _, c := range conditions {
		if !EvaluateCondition(c, snap) {
			return false
		}
	}
	return true
}

// EvaluateCondition tests a single condition. A field that cannot be resolved
// fails the condition, except for not_equals against a non-nil value, which holds.
func EvaluateCondition(c types.Condition, snap *types.ContextSnapshot) bool {
	field, ok := snap.Lookup(c.Field)
	if !ok {
		return c.Operator == types.OpNotEquals && c.Value != nil
	}

	switch c.Operator {
	case types.OpEquals:
		return valuesEqual(field, c.Value)
	case types.OpNotEquals:
		return !valuesEqual(field, c.Value)
	case types.OpGreaterThan:
		return compare(field, c.Value, func(a, b float64) bool { return a > b })
	case types.OpLessThan:
		return compare(field, c.Value, func(a, b float64) bool { return a < b })
	case types.OpGreaterEqual:
		return compare(field, c.Value, func(a, b float64) bool { return a >= b })
	case types.OpLessEqual:
		return compare(field, c.Value, func(a, b float64) bool { return a <= b })
	case types.OpContains:
		if c.Value == nil {
			return false
		}
		return strings.Contains(stringify(field), stringify(c.Value))
	case types.OpIn:
		for _, v := range c.Values {
			if valuesEqual(field, v) {
				return true
			}
		}
		return false
	case types.OpBetween:
		if len(c.Values) != 2 {
			return false
		}
		v, okV := types.ToFloat(field)
		lo, okLo := types.ToFloat(c.Values[0])
		hi, okHi := types.ToFloat(c.Values[1])
		return okV && okLo && okHi && v >= lo && v <= hi
	}
	return false
}

func compare(field, value interface{}, cmp func(a, b float64) bool) bool {
	a, okA := types.ToFloat(field)
	b, okB := types.ToFloat(value)
	if !okA || !okB {
		return false
	}
	return cmp(a, b)
}

func valuesEqual(a, b interface{}) bool {
	fa, okA := types.ToFloat(a)
	fb, okB := types.ToFloat(b)
	if okA && okB {
		return fa == fb
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
