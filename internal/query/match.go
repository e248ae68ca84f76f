package query

import (
	"strings"
	"time"
)

// Matches evaluates the condition against a record value. The in-process
// store uses it directly; SQL backends compile the same semantics into WHERE
// clauses. Range bounds are inclusive on both ends.
func (c Condition) Matches(f *Field, value any) bool {
	switch c.Op {
	case OpNull:
		wantNull := c.Value.(bool)
		return (value == nil) == wantNull
	}
	if value == nil {
		return false
	}
	switch c.Op {
	case OpEq:
		return Compare(f.Kind, value, c.Value) == 0
	case OpContains:
		haystack, ok1 := value.(string)
		needle, ok2 := c.Value.(string)
		if !ok1 || !ok2 {
			return false
		}
		if !f.CaseSensitive {
			haystack = strings.ToLower(haystack)
			needle = strings.ToLower(needle)
		}
		return strings.Contains(haystack, needle)
	case OpIn:
		for _, candidate := range c.Values {
			if Compare(f.Kind, value, candidate) == 0 {
				return true
			}
		}
		return false
	case OpRange:
		if c.From != nil && Compare(f.Kind, value, c.From) < 0 {
			return false
		}
		if c.To != nil && Compare(f.Kind, value, c.To) > 0 {
			return false
		}
		return true
	}
	return false
}

// Compare returns -1/0/1 for record value vs operand, both already coerced to
// the field kind, and -2 when the pairing is not comparable. Incomparable
// counts as unequal for predicates; ordering callers must treat it as a tie so
// the comparison stays antisymmetric.
func Compare(kind Kind, a, b any) int {
	switch kind {
	case KindString:
		x, ok1 := a.(string)
		y, ok2 := b.(string)
		if !ok1 || !ok2 {
			return -2
		}
		return strings.Compare(x, y)
	case KindInt:
		x, ok1 := toInt64(a)
		y, ok2 := toInt64(b)
		if !ok1 || !ok2 {
			return -2
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case KindFloat:
		x, ok1 := toFloat64(a)
		y, ok2 := toFloat64(b)
		if !ok1 || !ok2 {
			return -2
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case KindBool:
		x, ok1 := a.(bool)
		y, ok2 := b.(bool)
		if !ok1 || !ok2 {
			return -2
		}
		// false sorts before true, matching boolean ORDER BY in SQL.
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case KindTime:
		x, ok1 := a.(time.Time)
		y, ok2 := b.(time.Time)
		if !ok1 || !ok2 {
			return -2
		}
		switch {
		case x.Before(y):
			return -1
		case x.After(y):
			return 1
		}
		return 0
	}
	return -2
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
