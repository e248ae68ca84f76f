// Package query turns caller-supplied filter, sort and pagination input into a
// normalized plan. Every field is validated against the resource descriptor;
// unknown fields and malformed values are rejected, never silently ignored.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PredOp is the predicate kind of one filter condition.
type PredOp string

const (
	OpEq       PredOp = "eq"
	OpContains PredOp = "contains"
	OpIn       PredOp = "in"
	OpRange    PredOp = "range"
	OpNull     PredOp = "null"
)

// Condition is one field predicate of a filter request. Value holds the
// operand for eq/contains, Values for in, From/To for range (either bound may
// be nil for a half-open range), and Value a bool for null checks.
type Condition struct {
	Field  string
	Op     PredOp
	Value  any
	Values []any
	From   any
	To     any
}

// FilterSpec is the ordered list of conditions; all must hold (conjunction).
type FilterSpec []Condition

// SortKey is one component of the requested ordering.
type SortKey struct {
	Field string
	Desc  bool
}

// PageRequest selects the page window. Pages are 1-based everywhere in this
// API; out-of-range values are errors, never clamped.
type PageRequest struct {
	Page  int
	Limit int
}

// OrderKey is a resolved ordering component (column, not field name).
type OrderKey struct {
	Column string
	Desc   bool
}

// Plan is the normalized output: validated conditions with coerced operand
// values, resolved ordering and the page window. The engine combines it with
// the actor's scope predicate before execution.
type Plan struct {
	Resource *Descriptor

	Conditions []Condition
	Order      []OrderKey

	Page   int
	Limit  int
	Offset int
}

// Build validates the request against the descriptor and produces a plan.
func Build(d *Descriptor, filter FilterSpec, sort []SortKey, page PageRequest) (*Plan, error) {
	if d == nil {
		return nil, fmt.Errorf("query: descriptor is required")
	}

	if page.Page == 0 {
		page.Page = 1
	}
	if page.Limit == 0 {
		page.Limit = d.DefaultLimit
	}
	if page.Page < 1 {
		return nil, validationErr(InvalidPagination, "page", "page is 1-based, got %d", page.Page)
	}
	if page.Limit < 1 {
		return nil, validationErr(InvalidPagination, "limit", "limit must be positive, got %d", page.Limit)
	}
	if page.Limit > d.MaxLimit {
		return nil, validationErr(InvalidPagination, "limit", "limit %d exceeds maximum %d", page.Limit, d.MaxLimit)
	}

	plan := &Plan{
		Resource: d,
		Page:     page.Page,
		Limit:    page.Limit,
		Offset:   (page.Page - 1) * page.Limit,
	}

	for _, cond := range filter {
		normalized, err := normalizeCondition(d, cond)
		if err != nil {
			return nil, err
		}
		plan.Conditions = append(plan.Conditions, normalized)
	}

	order, err := resolveOrder(d, sort)
	if err != nil {
		return nil, err
	}
	plan.Order = order
	return plan, nil
}

func normalizeCondition(d *Descriptor, cond Condition) (Condition, error) {
	name := strings.TrimSpace(strings.ToLower(cond.Field))
	f, ok := d.FieldByName(name)
	if !ok || !f.Filterable {
		return Condition{}, validationErr(UnknownField, name, "not a filterable field of %s", d.Type)
	}
	cond.Field = name

	switch cond.Op {
	case OpEq:
		v, err := coerce(f, cond.Value)
		if err != nil {
			return Condition{}, err
		}
		cond.Value = v
	case OpContains:
		if f.Kind != KindString {
			return Condition{}, validationErr(InvalidValue, name, "substring match requires a string field")
		}
		v, err := coerce(f, cond.Value)
		if err != nil {
			return Condition{}, err
		}
		cond.Value = v
	case OpIn:
		if len(cond.Values) == 0 {
			return Condition{}, validationErr(InvalidValue, name, "in-filter requires at least one value")
		}
		vals := make([]any, 0, len(cond.Values))
		for _, raw := range cond.Values {
			v, err := coerce(f, raw)
			if err != nil {
				return Condition{}, err
			}
			vals = append(vals, v)
		}
		cond.Values = vals
	case OpRange:
		if cond.From == nil && cond.To == nil {
			return Condition{}, validationErr(InvalidRange, name, "range requires at least one bound")
		}
		if cond.From != nil {
			v, err := coerce(f, cond.From)
			if err != nil {
				return Condition{}, err
			}
			cond.From = v
		}
		if cond.To != nil {
			v, err := coerce(f, cond.To)
			if err != nil {
				return Condition{}, err
			}
			cond.To = v
		}
		if cond.From != nil && cond.To != nil && boundsInverted(f.Kind, cond.From, cond.To) {
			return Condition{}, validationErr(InvalidRange, name, "lower bound exceeds upper bound")
		}
	case OpNull:
		want, ok := cond.Value.(bool)
		if !ok {
			if s, isStr := cond.Value.(string); isStr {
				parsed, err := strconv.ParseBool(s)
				if err != nil {
					return Condition{}, validationErr(InvalidValue, name, "null check requires a boolean")
				}
				want = parsed
			} else {
				return Condition{}, validationErr(InvalidValue, name, "null check requires a boolean")
			}
		}
		cond.Value = want
	default:
		return Condition{}, validationErr(InvalidValue, name, "unknown predicate %q", cond.Op)
	}
	return cond, nil
}

func resolveOrder(d *Descriptor, sort []SortKey) ([]OrderKey, error) {
	var order []OrderKey
	for _, key := range sort {
		name := strings.TrimSpace(strings.ToLower(key.Field))
		f, ok := d.FieldByName(name)
		if !ok || !f.Sortable {
			return nil, validationErr(InvalidSort, name, "not a sortable field of %s", d.Type)
		}
		order = append(order, OrderKey{Column: f.Column, Desc: key.Desc})
	}
	// Stable default: newest first, id as tiebreak so pagination never
	// shuffles records between pages.
	order = append(order, OrderKey{Column: ColCreatedAt, Desc: true}, OrderKey{Column: ColID, Desc: true})
	return order, nil
}

// coerce converts a raw operand (typed, or a string from a query parameter)
// into the field's declared kind.
func coerce(f *Field, raw any) (any, error) {
	if raw == nil {
		return nil, validationErr(InvalidValue, f.Name, "value is required")
	}
	switch f.Kind {
	case KindString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return nil, validationErr(InvalidValue, f.Name, "expected a string")
	case KindInt:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v != float64(int64(v)) {
				return nil, validationErr(InvalidValue, f.Name, "expected an integer")
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, validationErr(InvalidValue, f.Name, "cannot parse %q as integer", v)
			}
			return n, nil
		}
	case KindFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, validationErr(InvalidValue, f.Name, "cannot parse %q as number", v)
			}
			return n, nil
		}
	case KindBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, validationErr(InvalidValue, f.Name, "cannot parse %q as boolean", v)
			}
			return b, nil
		}
	case KindTime:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
			if err != nil {
				return nil, validationErr(InvalidValue, f.Name, "cannot parse %q as RFC3339 time", v)
			}
			return t.UTC(), nil
		}
	}
	return nil, validationErr(InvalidValue, f.Name, "unsupported value type %T", raw)
}

func boundsInverted(kind Kind, from, to any) bool {
	switch kind {
	case KindInt:
		return from.(int64) > to.(int64)
	case KindFloat:
		return from.(float64) > to.(float64)
	case KindString:
		return from.(string) > to.(string)
	case KindTime:
		return from.(time.Time).After(to.(time.Time))
	}
	return false
}
