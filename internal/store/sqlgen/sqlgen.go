// Package sqlgen compiles query plans into SQL. The postgres and sqlite
// backends share this generator and differ only in the Dialect they pass in,
// so the WHERE semantics stay identical to the in-memory evaluator.
package sqlgen

import (
	"fmt"
	"strings"

	"scopegate.org/internal/engine"
	"scopegate.org/internal/query"
	"scopegate.org/internal/scope"
)

// Dialect abstracts the placeholder style and the few expressions the two
// engines spell differently.
type Dialect interface {
	// Placeholder returns the 1-based bind marker ($1 vs ?).
	Placeholder(n int) string

	// Contains returns a substring-match expression over the column and the
	// given placeholder.
	Contains(col, placeholder string, caseSensitive bool) string
}

// Postgres is the $n-placeholder dialect.
type Postgres struct{}

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Postgres) Contains(col, placeholder string, caseSensitive bool) string {
	if caseSensitive {
		return fmt.Sprintf("strpos(%s, %s) > 0", col, placeholder)
	}
	return fmt.Sprintf("strpos(lower(%s), lower(%s)) > 0", col, placeholder)
}

// SQLite is the ?-placeholder dialect.
type SQLite struct{}

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) Contains(col, placeholder string, caseSensitive bool) string {
	if caseSensitive {
		return fmt.Sprintf("instr(%s, %s) > 0", col, placeholder)
	}
	return fmt.Sprintf("instr(lower(%s), lower(%s)) > 0", col, placeholder)
}

// Columns returns the full column list of a resource table in stable order:
// system columns, scope columns, declared fields.
func Columns(d *query.Descriptor) []string {
	cols := []string{query.ColID, query.ColCreatedAt, query.ColUpdatedAt, query.ColDeletedAt}
	for _, level := range d.ScopeLevels {
		cols = append(cols, d.ScopeColumns[level])
	}
	for i := range d.Fields {
		cols = append(cols, d.Fields[i].Column)
	}
	return cols
}

type builder struct {
	dialect Dialect
	args    []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return b.dialect.Placeholder(len(b.args))
}

// where compiles the combined predicate: scope constraints, tombstone
// visibility and the plan's filter conditions, ANDed.
func (b *builder) where(p engine.ExecPlan) string {
	d := p.Plan.Resource
	var parts []string
	for _, c := range p.Scope.Constraints() {
		parts = append(parts, fmt.Sprintf("%s = %s", d.ScopeColumns[c.Level], b.bind(c.ID)))
	}
	if !p.IncludeDeleted {
		parts = append(parts, query.ColDeletedAt+" is null")
	}
	for _, cond := range p.Plan.Conditions {
		f, _ := d.FieldByName(cond.Field)
		parts = append(parts, b.condition(f, cond))
	}
	if len(parts) == 0 {
		return ""
	}
	return " where " + strings.Join(parts, " and ")
}

func (b *builder) condition(f *query.Field, cond query.Condition) string {
	switch cond.Op {
	case query.OpEq:
		return fmt.Sprintf("%s = %s", f.Column, b.bind(cond.Value))
	case query.OpContains:
		return b.dialect.Contains(f.Column, b.bind(cond.Value), f.CaseSensitive)
	case query.OpIn:
		marks := make([]string, len(cond.Values))
		for i, v := range cond.Values {
			marks[i] = b.bind(v)
		}
		return fmt.Sprintf("%s in (%s)", f.Column, strings.Join(marks, ","))
	case query.OpRange:
		var bounds []string
		if cond.From != nil {
			bounds = append(bounds, fmt.Sprintf("%s >= %s", f.Column, b.bind(cond.From)))
		}
		if cond.To != nil {
			bounds = append(bounds, fmt.Sprintf("%s <= %s", f.Column, b.bind(cond.To)))
		}
		return strings.Join(bounds, " and ")
	case query.OpNull:
		if cond.Value.(bool) {
			return f.Column + " is null"
		}
		return f.Column + " is not null"
	}
	// Build rejects unknown operators before a plan reaches a store.
	return "1 = 0"
}

func orderBy(plan *query.Plan) string {
	keys := make([]string, len(plan.Order))
	for i, k := range plan.Order {
		dir := "asc"
		if k.Desc {
			dir = "desc"
		}
		keys[i] = k.Column + " " + dir
	}
	return " order by " + strings.Join(keys, ", ")
}

// Select compiles the plan into the page query.
func Select(dialect Dialect, p engine.ExecPlan) (string, []any) {
	d := p.Plan.Resource
	b := &builder{dialect: dialect}
	q := "select " + strings.Join(Columns(d), ", ") + " from " + d.Table +
		b.where(p) + orderBy(p.Plan) +
		fmt.Sprintf(" limit %s offset %s", b.bind(p.Plan.Limit), b.bind(p.Plan.Offset))
	return q, b.args
}

// Count compiles the plan into the matching-record count.
func Count(dialect Dialect, p engine.ExecPlan) (string, []any) {
	b := &builder{dialect: dialect}
	q := "select count(*) from " + p.Plan.Resource.Table + b.where(p)
	return q, b.args
}

// Get compiles the by-id fetch, tombstone included.
func Get(dialect Dialect, d *query.Descriptor, id string) (string, []any) {
	b := &builder{dialect: dialect}
	q := "select " + strings.Join(Columns(d), ", ") + " from " + d.Table +
		" where " + query.ColID + " = " + b.bind(id)
	return q, b.args
}

// Insert compiles the full-row insert for a stamped record.
func Insert(dialect Dialect, d *query.Descriptor, rec engine.Record) (string, []any) {
	b := &builder{dialect: dialect}
	cols := Columns(d)
	marks := make([]string, len(cols))
	for i, col := range cols {
		marks[i] = b.bind(rec[col])
	}
	q := "insert into " + d.Table + " (" + strings.Join(cols, ", ") + ") values (" +
		strings.Join(marks, ", ") + ")"
	return q, b.args
}

// Update compiles the active-row field update. The deleted_at guard makes the
// statement a no-op on tombstones; the caller checks rows affected.
func Update(dialect Dialect, d *query.Descriptor, id string, fields engine.Record, now any) (string, []any) {
	b := &builder{dialect: dialect}
	var sets []string
	for i := range d.Fields {
		f := &d.Fields[i]
		if v, ok := fields[f.Name]; ok {
			sets = append(sets, fmt.Sprintf("%s = %s", f.Column, b.bind(v)))
		}
	}
	sets = append(sets, fmt.Sprintf("%s = %s", query.ColUpdatedAt, b.bind(now)))
	q := "update " + d.Table + " set " + strings.Join(sets, ", ") +
		" where " + query.ColID + " = " + b.bind(id) +
		" and " + query.ColDeletedAt + " is null"
	return q, b.args
}

// MarkDeleted compiles the tombstone compare-and-set.
func MarkDeleted(dialect Dialect, d *query.Descriptor, id string, at any) (string, []any) {
	b := &builder{dialect: dialect}
	q := "update " + d.Table +
		" set " + query.ColDeletedAt + " = " + b.bind(at) +
		", " + query.ColUpdatedAt + " = " + b.bind(at) +
		" where " + query.ColID + " = " + b.bind(id) +
		" and " + query.ColDeletedAt + " is null"
	return q, b.args
}

// Restore compiles the reverse compare-and-set.
func Restore(dialect Dialect, d *query.Descriptor, id string, now any) (string, []any) {
	b := &builder{dialect: dialect}
	q := "update " + d.Table +
		" set " + query.ColDeletedAt + " = null, " +
		query.ColUpdatedAt + " = " + b.bind(now) +
		" where " + query.ColID + " = " + b.bind(id) +
		" and " + query.ColDeletedAt + " is not null"
	return q, b.args
}

// UpdateChain compiles the scope-column rewrite of an ownership transfer.
func UpdateChain(dialect Dialect, d *query.Descriptor, id string, chain scope.Chain, now any) (string, []any) {
	b := &builder{dialect: dialect}
	var sets []string
	for _, link := range chain {
		sets = append(sets, fmt.Sprintf("%s = %s", d.ScopeColumns[link.Level], b.bind(link.ID)))
	}
	sets = append(sets, fmt.Sprintf("%s = %s", query.ColUpdatedAt, b.bind(now)))
	q := "update " + d.Table + " set " + strings.Join(sets, ", ") +
		" where " + query.ColID + " = " + b.bind(id)
	return q, b.args
}
