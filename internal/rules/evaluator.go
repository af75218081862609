// Package rules evaluates automation rule conditions against report rows.
//
// Evaluation is pure and never fails: a malformed row or a type
// mismatch is a non-match, so one bad row cannot abort the rest of the
// result set.
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pinebi/report-engine/internal/domain"
)

// Matches reports whether a single row satisfies the condition.
func Matches(cond domain.Condition, row domain.Row) bool {
	value, ok := row[cond.Field]
	if !ok {
		return false
	}

	switch cond.Operator {
	case domain.OperatorEQ:
		return equal(value, cond.Value)
	case domain.OperatorGT:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a > b })
	case domain.OperatorGTE:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a >= b })
	case domain.OperatorLT:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a < b })
	case domain.OperatorLTE:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a <= b })
	case domain.OperatorContains:
		return strings.Contains(stringify(value), stringify(cond.Value))
	case domain.OperatorIn:
		return member(value, cond.Value)
	case domain.OperatorNotIn:
		return !member(value, cond.Value)
	case domain.OperatorBetween:
		return compareNumeric(value, cond.Value, func(a, b float64) bool { return a >= b }) &&
			compareNumeric(value, cond.Value2, func(a, b float64) bool { return a <= b })
	}
	return false
}

// Fires applies the condition to every row and returns the first match.
// A rule fires once per run when at least one row qualifies.
func Fires(cond domain.Condition, rows []domain.Row) (domain.Row, bool) {
	for _, row := range rows {
		if Matches(cond, row) {
			return row, true
		}
	}
	return nil, false
}

// equal compares numerically when both sides parse as numbers, so
// "42" equals 42. Otherwise it falls back to string comparison.
func equal(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return stringify(a) == stringify(b)
}

func compareNumeric(a, b any, cmp func(a, b float64) bool) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	return cmp(fa, fb)
}

func member(value, set any) bool {
	switch s := set.(type) {
	case []any:
		for _, item := range s {
			if equal(value, item) {
				return true
			}
		}
	case []string:
		for _, item := range s {
			if equal(value, item) {
				return true
			}
		}
	case string:
		// Comma-separated list, as stored by the console's rule editor.
		for _, item := range strings.Split(s, ",") {
			if equal(value, strings.TrimSpace(item)) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
